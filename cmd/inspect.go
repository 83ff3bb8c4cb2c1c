package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [style...]",
	Short: "Print input and output metadata of style models",
	Run: func(cmd *cobra.Command, args []string) {
		runner, err := newRunner()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer runner.Close()

		if len(args) == 0 {
			args = runner.Styles()
		}

		failed := false
		for _, id := range args {
			info, err := runner.Inspect(id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error inspecting %s: %v\n", id, err)
				failed = true
				continue
			}
			fmt.Printf("%s (%s)\n", id, info.Path)
			for _, in := range info.Inputs {
				fmt.Printf("  input:  %s\n", in)
			}
			for _, out := range info.Outputs {
				fmt.Printf("  output: %s\n", out)
			}
		}
		if failed {
			os.Exit(1)
		}
	},
}

var stylesCmd = &cobra.Command{
	Use:   "styles",
	Short: "List available style ids",
	Run: func(cmd *cobra.Command, args []string) {
		reg, err := loadRegistry()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, id := range reg.IDs() {
			m, _ := reg.Lookup(id)
			fmt.Printf("%-16s %s\n", id, m.Path)
		}
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(stylesCmd)
}
