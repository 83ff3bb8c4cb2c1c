package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"style-transfer-serve/pkg/imageutil"
	"style-transfer-serve/pkg/stylize"
)

var (
	inputPath  string
	outputPath string
	styleID    string
	strength   float32
	maxSide    int
	jobs       int
)

var rootCmd = &cobra.Command{
	Use:   "style-transfer-serve",
	Short: "Neural style transfer for images through ONNX Runtime",
	// Execute reports errors itself.
	SilenceErrors: true,
	SilenceUsage:  true,
	Run: func(cmd *cobra.Command, args []string) {
		if inputPath == "" || styleID == "" {
			fmt.Println("Error: --input and --style flags are required")
			cmd.Help()
			os.Exit(1)
		}

		runner, err := newRunner()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer runner.Close()

		p := stylize.Pipeline{Runner: runner, Workers: workers}
		fmt.Printf("Local inference mode (style %s, strength %.2f)\n", styleID, strength)

		info, err := os.Stat(inputPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error accessing input path: %v\n", err)
			os.Exit(1)
		}

		if info.IsDir() {
			fmt.Printf("Input %s is a directory. Processing all images...\n", inputPath)
			if outputPath == "" {
				outputPath = filepath.Clean(inputPath) + "_" + styleID
			}
			if err := processDir(cmd.Context(), p, inputPath, outputPath); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		fmt.Printf("Input %s is a single file.\n", inputPath)
		if outputPath == "" {
			ext := filepath.Ext(inputPath)
			outputPath = strings.TrimSuffix(inputPath, ext) + "_" + styleID + imageutil.ExtFor(imageutil.FormatFromExt(ext))
		}
		if err := processFile(cmd.Context(), p, inputPath, outputPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

// processDir stylizes every image in dir into out, jobs files at a time.
// It keeps going past individual failures and reports how many failed.
func processDir(ctx context.Context, p stylize.Pipeline, dir, out string) error {
	if err := os.MkdirAll(out, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading input directory: %w", err)
	}

	var failed atomic.Int32
	claimed := make(map[string]string)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, jobs))
	for _, file := range files {
		if file.IsDir() || !imageutil.IsImageExt(filepath.Ext(file.Name())) {
			continue
		}
		inPath := filepath.Join(dir, file.Name())
		outPath := filepath.Join(out, outputName(file.Name()))
		// Case-folded so that A.png and a.png clash on every filesystem.
		key := strings.ToLower(outPath)
		if prev, ok := claimed[key]; ok {
			fmt.Fprintf(os.Stderr, "Error processing %s: output %s already claimed by %s\n", inPath, outPath, prev)
			failed.Add(1)
			continue
		}
		claimed[key] = inPath
		g.Go(func() error {
			if err := processFile(ctx, p, inPath, outPath); err != nil {
				fmt.Fprintf(os.Stderr, "Error processing %s: %v\n", inPath, err)
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d file(s) failed", n)
	}
	return nil
}

// outputName is the file name written for input name in directory mode.
// Names whose extension already matches the output format are kept as is;
// otherwise the output extension is appended (a.gif -> a.gif.png) so that
// a.png and a.gif never map to the same file.
func outputName(name string) string {
	ext := filepath.Ext(name)
	outExt := imageutil.ExtFor(imageutil.FormatFromExt(ext))
	if strings.EqualFold(ext, outExt) {
		return name
	}
	return name + outExt
}

func processFile(ctx context.Context, p stylize.Pipeline, in, out string) error {
	fmt.Printf("Processing %s -> %s\n", in, out)

	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	frame, err := imageutil.Decode(data, maxSide)
	if err != nil {
		return err
	}

	start := time.Now()
	pix, err := p.Stylize(ctx, frame.Pix, frame.Width, frame.Height, styleID, strength)
	if err != nil {
		return err
	}

	encoded, err := imageutil.Encode(&imageutil.Frame{Pix: pix, Width: frame.Width, Height: frame.Height},
		imageutil.FormatFromExt(filepath.Ext(out)))
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, encoded, 0644); err != nil {
		return err
	}

	fmt.Printf("Wrote %s (%dx%d) in %v\n", out, frame.Width, frame.Height, time.Since(start).Round(time.Millisecond))
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&inputPath, "input", "i", "", "Input image or directory")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output image or directory")
	rootCmd.Flags().StringVarP(&styleID, "style", "s", "", "Style id (see 'styles')")
	rootCmd.Flags().Float32Var(&strength, "strength", 1.0, "Blend strength: 0 = original, 1 = fully stylized")
	rootCmd.Flags().IntVar(&maxSide, "max-size", 0, "Downscale inputs whose longer side exceeds this (0 = keep)")
	rootCmd.Flags().IntVarP(&jobs, "jobs", "j", 1, "Files processed concurrently in directory mode")
}
