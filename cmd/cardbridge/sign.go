package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alovak/cardbridge/internal/signature"
	"github.com/spf13/cobra"
)

// signCmd prints the X-Signature value for a webhook body, for replaying
// deliveries by hand.
func signCmd() *cobra.Command {
	var keyPath, inPath string

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the base64 signature of a file's exact bytes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("reading key: %w", err)
			}
			signer, err := signature.NewSigner(string(key))
			if err != nil {
				return err
			}

			var body []byte
			if inPath == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(inPath)
			}
			if err != nil {
				return fmt.Errorf("reading body: %w", err)
			}

			sig, err := signer.Sign(body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "PEM private key")
	cmd.Flags().StringVar(&inPath, "in", "-", "file to sign, - for stdin")
	cmd.MarkFlagRequired("key")

	return cmd
}
