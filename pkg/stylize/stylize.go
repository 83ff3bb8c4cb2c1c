// Package stylize converts RGBA frames to and from the planar float tensors
// consumed by style-transfer models, and blends a model's output back over
// the original frame.
//
// The model itself is an external collaborator reached through Runner:
//
//	out, err := stylize.Stylize(ctx, runner, pix, w, h, "candy", 0.8)
//
// Every call allocates its own buffers, so concurrent calls are independent.
// Any serialisation the model needs is the Runner's responsibility.
package stylize

import (
	"context"
	"errors"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
)

// Shape is the NCHW shape of a tensor handed to a Runner.
type Shape struct {
	N, C, H, W int
}

// Len returns the number of elements described by s.
func (s Shape) Len() int {
	return s.N * s.C * s.H * s.W
}

// Runner executes a style-transfer model. Run must return a tensor with the
// same shape and layout as input, or an error.
type Runner interface {
	Run(ctx context.Context, styleID string, input []float32, shape Shape) ([]float32, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, styleID string, input []float32, shape Shape) ([]float32, error)

func (f RunnerFunc) Run(ctx context.Context, styleID string, input []float32, shape Shape) ([]float32, error) {
	return f(ctx, styleID, input, shape)
}

// minParallelPixels is the frame size below which the conversion stages
// always run on the calling goroutine.
const minParallelPixels = 64 * 1024

// Pipeline runs the encode, inference, decode and blend stages.
// The zero value converts sequentially and has no Runner.
type Pipeline struct {
	Runner Runner

	// Workers bounds the goroutines used by each conversion stage.
	// Values below 2 keep the stages on the calling goroutine.
	Workers int
}

// Stylize runs pix through r and blends the result with pix by strength.
// It is equivalent to Pipeline{Runner: r}.Stylize.
func Stylize(ctx context.Context, r Runner, pix []byte, width, height int, styleID string, strength float32) ([]byte, error) {
	return Pipeline{Runner: r}.Stylize(ctx, pix, width, height, styleID, strength)
}

// Stylize encodes pix, hands the tensor to the Runner, decodes the result
// and blends it with pix. Runner failures are returned as *InferenceError.
// The returned buffer is always freshly allocated, with alpha 255.
func (p Pipeline) Stylize(ctx context.Context, pix []byte, width, height int, styleID string, strength float32) ([]byte, error) {
	if p.Runner == nil {
		return nil, errors.New("stylize: nil runner")
	}
	if math.IsNaN(float64(strength)) {
		return nil, ErrInvalidStrength
	}

	input, err := p.Encode(pix, width, height)
	if err != nil {
		return nil, err
	}

	shape := Shape{N: 1, C: Channels, H: height, W: width}
	log := Logger().With("style", styleID, "width", width, "height", height)
	log.Debug("stylize: running inference", "elements", len(input))

	start := time.Now()
	output, err := p.Runner.Run(ctx, styleID, input, shape)
	if err != nil {
		log.Warn("stylize: inference failed", "err", err)
		return nil, &InferenceError{StyleID: styleID, Err: err}
	}
	if len(output) != shape.Len() {
		return nil, &ShapeError{Stage: "inference", Want: shape.Len(), Got: len(output)}
	}
	log.Debug("stylize: inference done", "elapsed", time.Since(start))

	stylized, err := p.Decode(output, width, height)
	if err != nil {
		return nil, err
	}
	return p.Blend(pix, stylized, strength)
}

// forEach calls fn over contiguous chunks covering [0, n).
func (p Pipeline) forEach(n int, fn func(start, end int)) {
	workers := min(p.Workers, n)
	if workers < 2 || n < minParallelPixels {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var g errgroup.Group
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			fn(start, end)
			return nil
		})
	}
	_ = g.Wait()
}
