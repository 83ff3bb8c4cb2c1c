package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"style-transfer-serve/pkg/imageutil"
	"style-transfer-serve/pkg/stylize"
)

// StyleLister is implemented by runners that can enumerate their styles.
type StyleLister interface {
	Styles() []string
}

// Config holds the HTTP server settings.
type Config struct {
	Port int

	// MaxUploadBytes caps the multipart request body. Zero means 32 MiB.
	MaxUploadBytes int64

	// MaxSide downscales uploads whose longer side exceeds it. Zero keeps
	// the original size.
	MaxSide int

	// Concurrency is the number of inferences allowed at once. Zero means 1.
	Concurrency int

	// Workers is passed to stylize.Pipeline for the conversion stages.
	Workers int
}

// Server handles HTTP requests and dispatches them to a stylize.Runner.
type Server struct {
	cfg        Config
	pipeline   stylize.Pipeline
	styles     StyleLister
	workerChan chan struct{} // bounds concurrent inferences
}

// NewServer creates a server around runner. If runner implements
// StyleLister, GET /styles reports its styles.
func NewServer(cfg Config, runner stylize.Runner) (*Server, error) {
	if runner == nil {
		return nil, errors.New("server: runner must not be nil")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	s := &Server{
		cfg:        cfg,
		pipeline:   stylize.Pipeline{Runner: runner, Workers: cfg.Workers},
		workerChan: make(chan struct{}, cfg.Concurrency),
	}
	if l, ok := runner.(StyleLister); ok {
		s.styles = l
	}
	return s, nil
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stylize", s.handleStylize)
	mux.HandleFunc("/styles", s.handleStyles)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		stylize.Logger().Info("REST API listening", "addr", "http://localhost"+addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	stylize.Logger().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStyles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ids []string
	if s.styles != nil {
		ids = s.styles.Styles()
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
}

func (s *Server) handleStylize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := stylize.Logger()

	if r.ContentLength > s.cfg.MaxUploadBytes {
		http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	// 1. Parse form
	file, header, err := r.FormFile("image")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read image from form. Key must be 'image'", http.StatusBadRequest)
		return
	}
	defer file.Close()

	styleID := strings.TrimSpace(r.FormValue("style"))
	if styleID == "" {
		http.Error(w, "Missing 'style' field", http.StatusBadRequest)
		return
	}

	strength, err := parseStrength(r.FormValue("strength"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	imgBytes, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read image data", http.StatusInternalServerError)
		return
	}

	// 2. Decode to RGBA
	frame, err := imageutil.Decode(imgBytes, s.cfg.MaxSide)
	if err != nil {
		http.Error(w, "Failed to decode image", http.StatusBadRequest)
		return
	}
	format := r.FormValue("format")
	if format == "" {
		format = frame.Format
	}

	log.Info("received image",
		"file", header.Filename, "bytes", len(imgBytes), "style", styleID,
		"strength", strength, "width", frame.Width, "height", frame.Height)

	// Acquire concurrency token
	select {
	case s.workerChan <- struct{}{}:
	case <-r.Context().Done():
		http.Error(w, "Client disconnected", http.StatusRequestTimeout)
		return
	}
	defer func() {
		<-s.workerChan
	}()

	// 3. Stylize
	start := time.Now()
	out, err := s.pipeline.Stylize(r.Context(), frame.Pix, frame.Width, frame.Height, styleID, strength)
	if err != nil {
		status := statusFor(err)
		log.Log(r.Context(), levelFor(status), "stylize failed", "style", styleID, "status", status, "err", err)
		http.Error(w, http.StatusText(status)+": "+err.Error(), status)
		return
	}
	log.Info("stylize completed", "style", styleID, "elapsed", time.Since(start))

	// 4. Encode
	encoded, err := imageutil.Encode(&imageutil.Frame{Pix: out, Width: frame.Width, Height: frame.Height}, format)
	if err != nil {
		http.Error(w, "Failed to encode image", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", imageutil.ContentType(format))
	w.Header().Set("Content-Length", strconv.Itoa(len(encoded)))
	w.WriteHeader(http.StatusOK)
	w.Write(encoded)
}

// parseStrength reads the strength form value. Empty means 1.
func parseStrength(v string) (float32, error) {
	if v == "" {
		return 1, nil
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil || !(f >= 0 && f <= 1) {
		return 0, fmt.Errorf("invalid 'strength' %q: must be a number in [0, 1]", v)
	}
	return float32(f), nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, stylize.ErrUnknownStyle):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, stylize.ErrShapeMismatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func levelFor(status int) slog.Level {
	if status >= http.StatusInternalServerError {
		return slog.LevelError
	}
	return slog.LevelWarn
}
