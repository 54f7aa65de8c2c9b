package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goatkit/extensionhost/internal/catalog/packaging"
	"github.com/goatkit/extensionhost/internal/catalog/signing"
)

func newKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 package signing key pair",
		Long: `Keygen prints a new key pair as hex. With --out the private key is written
to <out>.key (mode 0600) and the public key to <out>.pub. Add the public
key to trusted_keys to mark packages signed with it as trusted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := signing.GenerateKeyPair()
			if err != nil {
				return err
			}
			pubHex, privHex := hex.EncodeToString(pub), hex.EncodeToString(priv)
			w := cmd.OutOrStdout()
			if out == "" {
				fmt.Fprintf(w, "public:  %s\nprivate: %s\n", pubHex, privHex)
				return nil
			}
			if err := os.WriteFile(out+".key", []byte(privHex+"\n"), 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(out+".pub", []byte(pubHex+"\n"), 0o644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			fmt.Fprintf(w, "Wrote %s.key and %s.pub\npublic: %s\n", out, out, pubHex)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the key pair to <out>.key and <out>.pub")
	return cmd
}

// readPrivateKey accepts a hex key or the path of a file holding one.
func readPrivateKey(keyArg string) (ed25519.PrivateKey, error) {
	if keyArg == "" {
		return nil, errors.New("--key is required")
	}
	if data, err := os.ReadFile(keyArg); err == nil {
		keyArg = strings.TrimSpace(string(data))
	}
	return signing.ParsePrivateKey(keyArg)
}

func newSignCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "sign <package-dir>",
		Short: "Sign a package directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := readPrivateKey(key)
			if err != nil {
				return err
			}
			if err := signing.SignPackage(args[0], priv); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed %s\n", filepath.Join(args[0], signing.SignatureFile))
			return nil
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "private key (hex) or key file")
	return cmd
}

func newPackCmd() *cobra.Command {
	var out, key string
	cmd := &cobra.Command{
		Use:   "pack <package-dir>",
		Short: "Create a package archive, optionally signing it first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if key != "" {
				priv, err := readPrivateKey(key)
				if err != nil {
					return err
				}
				if err := signing.SignPackage(dir, priv); err != nil {
					return err
				}
			}
			if out == "" {
				header, err := packaging.ReadHeader(dir)
				if err != nil {
					return err
				}
				out = header.FullName() + ".zip"
			}
			header, err := packaging.Pack(dir, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Packed %s into %s\n", header.FullName(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "archive path (default <family>_<version>.zip)")
	cmd.Flags().StringVarP(&key, "key", "k", "", "sign with this private key (hex) or key file before packing")
	return cmd
}
