// Package onnx runs style-transfer models through ONNX Runtime.
//
// Runner implements stylize.Runner. Sessions are created lazily the first
// time a style is requested and reused afterwards; each session runs one
// inference at a time.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/singleflight"

	"style-transfer-serve/pkg/stylize"
)

// Options configures the ONNX Runtime environment.
type Options struct {
	// LibraryPath is the onnxruntime shared library. Empty uses the
	// binding's platform default.
	LibraryPath string

	// UseCUDA appends the CUDA execution provider on device GPUID.
	UseCUDA bool
	GPUID   int

	// IntraOpThreads limits ONNX Runtime's intra-op thread pool. Zero keeps
	// the runtime default.
	IntraOpThreads int
}

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("onnx: runner is closed")

// session is a loaded model with the I/O names discovered from it.
type session struct {
	mu     sync.Mutex
	s      *ort.DynamicAdvancedSession
	input  string
	output string
	closed bool // set under mu once s is destroyed
}

// release destroys the native session. Callers hold s.mu.
func (s *session) release() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.s == nil {
		return nil
	}
	return s.s.Destroy()
}

// Runner resolves style ids through a Registry and executes the matching
// model.
type Runner struct {
	registry *Registry
	opts     Options

	// load creates a session for a model. Models load outside mu so a
	// cold style never stalls requests for styles already cached.
	load  func(Model) (*session, error)
	loads singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

var envMu sync.Mutex

// NewRunner initializes the ONNX Runtime environment if needed.
func NewRunner(reg *Registry, opts Options) (*Runner, error) {
	if reg == nil {
		return nil, errors.New("onnx: registry must not be nil")
	}
	if err := initEnvironment(opts.LibraryPath); err != nil {
		return nil, err
	}
	r := &Runner{
		registry: reg,
		opts:     opts,
		sessions: make(map[string]*session),
	}
	r.load = r.newSession
	return r, nil
}

func initEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}
	stylize.Logger().Info("onnx: runtime initialized", "library", libraryPath)
	return nil
}

// Run executes the model registered for styleID on input. Only NCHW
// float32 tensors with N=1 and C=3 are accepted.
func (r *Runner) Run(ctx context.Context, styleID string, input []float32, shape stylize.Shape) ([]float32, error) {
	if shape.N != 1 || shape.C != stylize.Channels {
		return nil, fmt.Errorf("onnx: unsupported input shape %dx%dx%dx%d", shape.N, shape.C, shape.H, shape.W)
	}
	if len(input) != shape.Len() {
		return nil, &stylize.ShapeError{Stage: "inference", Want: shape.Len(), Got: len(input)}
	}

	sess, err := r.session(styleID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	// Close may have released the session between lookup and lock.
	if sess.closed {
		return nil, ErrClosed
	}
	// ONNX Runtime cannot abort a running inference; honour cancellation
	// while queued behind another request.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in, err := ort.NewTensor(ort.NewShape(int64(shape.N), int64(shape.C), int64(shape.H), int64(shape.W)), input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer destroy(in)

	start := time.Now()
	outs := []ort.Value{nil}
	if err := sess.s.Run([]ort.Value{in}, outs); err != nil {
		return nil, fmt.Errorf("onnx: run %q: %w", styleID, err)
	}
	if outs[0] == nil {
		return nil, fmt.Errorf("onnx: %q produced no output", styleID)
	}
	defer destroy(outs[0])

	t, ok := outs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: %q output is %T, want float32 tensor", styleID, outs[0])
	}
	data := t.GetData()
	if len(data) != shape.Len() {
		return nil, &stylize.ShapeError{Stage: "inference", Want: shape.Len(), Got: len(data)}
	}

	stylize.Logger().Debug("onnx: inference complete",
		"style", styleID, "shape", t.GetShape().String(), "elapsed", time.Since(start))

	// The tensor's memory is released by destroy; hand back a copy.
	return append([]float32(nil), data...), nil
}

// session returns the cached session for styleID, creating it on first use.
// Concurrent first requests for one style share a single load.
func (r *Runner) session(styleID string) (*session, error) {
	if s, err := r.cached(styleID); s != nil || err != nil {
		return s, err
	}

	v, err, _ := r.loads.Do(styleID, func() (any, error) {
		if s, err := r.cached(styleID); s != nil || err != nil {
			return s, err
		}

		model, err := r.registry.Lookup(styleID)
		if err != nil {
			return nil, err
		}
		s, err := r.load(model)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			s.mu.Lock()
			defer s.mu.Unlock()
			if err := s.release(); err != nil {
				stylize.Logger().Warn("onnx: failed to release session", "style", styleID, "err", err)
			}
			return nil, ErrClosed
		}
		r.sessions[styleID] = s
		stylize.Logger().Info("onnx: session created",
			"style", styleID, "model", model.Path, "input", s.input, "output", s.output, "cuda", r.opts.UseCUDA)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

func (r *Runner) cached(styleID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.sessions[styleID], nil
}

func (r *Runner) newSession(model Model) (*session, error) {
	info, err := Inspect(model.Path)
	if err != nil {
		return nil, err
	}
	if len(info.Inputs) == 0 || len(info.Outputs) == 0 {
		return nil, fmt.Errorf("onnx: model %s has no inputs or outputs", model.Path)
	}

	opts, err := r.sessionOptions()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := opts.Destroy(); err != nil {
			stylize.Logger().Warn("onnx: failed to release session options", "err", err)
		}
	}()

	in, out := info.Inputs[0].Name, info.Outputs[0].Name
	s, err := ort.NewDynamicAdvancedSession(model.Path, []string{in}, []string{out}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", model.Path, err)
	}
	return &session{s: s, input: in, output: out}, nil
}

func (r *Runner) sessionOptions() (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if r.opts.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(r.opts.IntraOpThreads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}
	if !r.opts.UseCUDA {
		return opts, nil
	}

	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to create CUDA options: %w", err)
	}
	defer cuda.Destroy()
	if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(r.opts.GPUID)}); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to configure CUDA device %d: %w", r.opts.GPUID, err)
	}
	if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to enable CUDA: %w", err)
	}
	return opts, nil
}

// Styles returns the ids this runner can resolve.
func (r *Runner) Styles() []string {
	return r.registry.IDs()
}

// Close releases all sessions. The ONNX Runtime environment stays
// initialized for the life of the process.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for id, s := range r.sessions {
		s.mu.Lock()
		if err := s.release(); err != nil {
			errs = append(errs, fmt.Errorf("destroy session %q: %w", id, err))
		}
		s.mu.Unlock()
	}
	clear(r.sessions)
	return errors.Join(errs...)
}

func destroy(v ort.Value) {
	if err := v.Destroy(); err != nil {
		stylize.Logger().Warn("onnx: failed to release tensor", "err", err)
	}
}
