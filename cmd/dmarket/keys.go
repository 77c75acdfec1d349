package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/digitalmarket/internal/crypto"
)

var (
	keyPassword string
	keyOut      string
	keyIn       string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an account key",
	Long: `Generate a fresh account key. With --out the key is written encrypted
under --password (or DMARKET_WALLET_KEY_PASSWORD); otherwise the raw key is
printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, keyHex, err := crypto.GenerateSigner()
		if err != nil {
			return err
		}
		if keyOut == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nprivate_key: %s\n", signer.Address(), keyHex)
			return nil
		}
		if err := writeEncrypted(keyHex, keyOut); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nkey_file: %s\n", signer.Address(), keyOut)
		return nil
	},
}

var encryptKeyCmd = &cobra.Command{
	Use:   "encrypt-key",
	Short: "Encrypt a raw private key into a key file",
	Long: `Read a hex private key from --in (a file) or DMARKET_WALLET_PRIVATE_KEY
and write it encrypted to --out. Point wallet.encrypted_key_path at the result.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyOut == "" {
			return fmt.Errorf("encrypt-key: --out is required")
		}
		keyHex := os.Getenv("DMARKET_WALLET_PRIVATE_KEY")
		if keyIn != "" {
			raw, err := os.ReadFile(keyIn)
			if err != nil {
				return fmt.Errorf("encrypt-key: read %s: %w", keyIn, err)
			}
			keyHex = string(raw)
		}
		signer, err := crypto.NewSigner(strings.TrimSpace(keyHex))
		if err != nil {
			return fmt.Errorf("encrypt-key: %w", err)
		}
		if err := writeEncrypted(strings.TrimSpace(keyHex), keyOut); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nkey_file: %s\n", signer.Address(), keyOut)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{keygenCmd, encryptKeyCmd} {
		c.Flags().StringVar(&keyPassword, "password", "", "key file password")
		c.Flags().StringVar(&keyOut, "out", "", "key file to write")
	}
	encryptKeyCmd.Flags().StringVar(&keyIn, "in", "", "file holding the hex private key")
}

func writeEncrypted(keyHex, path string) error {
	password := keyPassword
	if password == "" {
		password = os.Getenv("DMARKET_WALLET_KEY_PASSWORD")
	}
	if password == "" {
		return fmt.Errorf("a password is required (--password or DMARKET_WALLET_KEY_PASSWORD)")
	}
	data, err := crypto.EncryptKey(keyHex, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
