// Command titan is the script-driven HTTP action server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "titan",
		Short: "Script-driven HTTP action server",
		Long: "Titan routes incoming HTTP requests to script actions executed in\n" +
			"embedded JavaScript isolates, with a static fast path for constant\n" +
			"responses and a suspend/resume drift protocol for async I/O.",
		SilenceUsage: true,
		RunE: runServe,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the titan version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("titan", version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
