package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alovak/cardbridge/internal/signature"
	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var (
		outDir string
		bits   int
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair for signing requests and webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := signature.GenerateKeyPair(bits)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return fmt.Errorf("creating %s: %w", outDir, err)
			}

			privPath := filepath.Join(outDir, "private.pem")
			pubPath := filepath.Join(outDir, "public.pem")
			if err := os.WriteFile(privPath, priv, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nwrote %s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", ".", "directory to write private.pem and public.pem")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size")

	return cmd
}
