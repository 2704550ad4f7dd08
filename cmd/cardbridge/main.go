// Command cardbridge runs the card issuing service and its developer tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cardbridge",
		Short:         "Issuer integration and reconciliation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file")

	root.AddCommand(serveCmd())
	root.AddCommand(keygenCmd())
	root.AddCommand(signCmd())
	root.AddCommand(configCmd())

	return root
}
