package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"style-transfer-serve/pkg/onnx"
	"style-transfer-serve/pkg/stylize"
)

var (
	modelsDir  string
	modelPaths map[string]string
	ortLib     string
	useCUDA    bool
	gpuID      int
	ortThreads int
	workers    int
	logLevel   string
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&modelsDir, "models", "m", "./models", "Directory of style models (*.onnx)")
	pf.StringToStringVar(&modelPaths, "model", nil, "Extra style model as id=path (repeatable)")
	pf.StringVar(&ortLib, "ort-lib", os.Getenv("ONNXRUNTIME_LIB"), "Path to the onnxruntime shared library")
	pf.BoolVar(&useCUDA, "cuda", false, "Run models on the CUDA execution provider")
	pf.IntVarP(&gpuID, "gpu-id", "g", 0, "GPU device to use with --cuda")
	pf.IntVar(&ortThreads, "ort-threads", 0, "onnxruntime intra-op threads (0 = runtime default)")
	pf.IntVar(&workers, "workers", runtime.GOMAXPROCS(0), "Goroutines used for pixel conversion")
	pf.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel)
	}
}

func setupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	stylize.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

// loadRegistry builds the style registry from --models and --model.
func loadRegistry() (*onnx.Registry, error) {
	reg := onnx.NewRegistry()
	if modelsDir != "" {
		if _, err := os.Stat(modelsDir); err == nil {
			if _, err := reg.LoadDir(modelsDir); err != nil {
				return nil, err
			}
		} else if len(modelPaths) == 0 {
			return nil, fmt.Errorf("model directory %s: %w", modelsDir, err)
		}
	}
	for id, path := range modelPaths {
		if err := reg.Register(id, path); err != nil {
			return nil, err
		}
	}
	if reg.Len() == 0 {
		return nil, fmt.Errorf("no style models found (use --models or --model id=path)")
	}
	return reg, nil
}

// newRunner loads the registry and initializes ONNX Runtime.
func newRunner() (*onnx.Runner, error) {
	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}
	return onnx.NewRunner(reg, onnx.Options{
		LibraryPath:    ortLib,
		UseCUDA:        useCUDA,
		GPUID:          gpuID,
		IntraOpThreads: ortThreads,
	})
}
