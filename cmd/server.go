package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"style-transfer-serve/pkg/server"

	"github.com/spf13/cobra"
)

const pidFile = "/tmp/style-transfer-serve.pid"

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "HTTP server operations for style-transfer-serve",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		maxUpload, _ := cmd.Flags().GetInt64("max-upload")
		maxSize, _ := cmd.Flags().GetInt("max-size")

		runner, err := newRunner()
		if err != nil {
			return err
		}
		defer runner.Close()

		srv, err := server.NewServer(server.Config{
			Port:           port,
			MaxUploadBytes: maxUpload,
			MaxSide:        maxSize,
			Concurrency:    concurrency,
			Workers:        workers,
		}, runner)
		if err != nil {
			return fmt.Errorf("server initialization failed: %w", err)
		}

		fmt.Printf("Starting HTTP server on port %d with %d style(s)... (PID %d)\n", port, len(runner.Styles()), os.Getpid())

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runWithPIDFile(ctx, pidFile, srv.Start); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		fmt.Println("Server stopped.")
		return nil
	},
}

// runWithPIDFile records the process id in path for the lifetime of run.
// The file is removed whether run succeeds or not.
func runWithPIDFile(ctx context.Context, path string, run func(context.Context) error) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(path)
	return run(ctx)
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop HTTP server",
	Run: func(cmd *cobra.Command, args []string) {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			fmt.Printf("Error reading PID file (is server running?): %v\n", err)
			return
		}

		pid, err := strconv.Atoi(string(data))
		if err != nil {
			fmt.Printf("Invalid PID file content: %v\n", err)
			return
		}

		process, err := os.FindProcess(pid)
		if err != nil {
			fmt.Printf("Failed to find process: %v\n", err)
			return
		}

		if err := process.Signal(syscall.SIGTERM); err != nil {
			fmt.Printf("Failed to stop server (it may already be dead): %v\n", err)
			os.Remove(pidFile)
		} else {
			fmt.Println("Stop signal sent.")
		}
	},
}

func init() {
	startCmd.Flags().IntP("port", "p", 8080, "HTTP server port")
	startCmd.Flags().IntP("concurrency", "c", 1, "Inferences allowed at once")
	startCmd.Flags().Int64("max-upload", 32<<20, "Maximum upload size in bytes")
	startCmd.Flags().Int("max-size", 0, "Downscale uploads whose longer side exceeds this (0 = keep)")

	serverCmd.AddCommand(startCmd)
	serverCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(serverCmd)
}
