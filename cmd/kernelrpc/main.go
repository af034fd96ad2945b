// Package main provides the kernelrpc binary: it hosts a kernel comm and
// makes calls to one from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "kernelrpc",
		Short:         "Bidirectional remote calls between a kernel and its frontend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newCallCmd(&configPath))
	rootCmd.AddCommand(newPingCmd(&configPath))
	rootCmd.AddCommand(newInfoCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
