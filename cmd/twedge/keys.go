package main

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/twedge/signing"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen <prefix>",
	Short: "Generate an ed25519 signing key pair",
	Long:  `Write <prefix>.key (private, mode 0600) and <prefix>.pub as base64 text.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := signing.GenerateKey()
		if err != nil {
			return err
		}
		if err := signing.WriteFile(args[0]+".key", priv, 0o600); err != nil {
			return err
		}
		if err := signing.WriteFile(args[0]+".pub", pub, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s.key and %s.pub\n", args[0], args[0])
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <firmware.wasm>",
	Short: "Sign a firmware module",
	Long:  `Sign the BLAKE2b-256 digest of a module and write <firmware.wasm>.sig.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("key")
		key, err := signing.LoadPrivateKey(keyPath)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		sigPath := args[0] + signing.SignatureSuffix
		if err := signing.WriteFile(sigPath, signing.Sign(key, data), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", signing.DigestHex(data), sigPath)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <firmware.wasm>",
	Short: "Verify a firmware module against trusted keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPaths, _ := cmd.Flags().GetStringSlice("pubkey")
		v, err := loadVerifier(keyPaths)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		sig, err := signing.LoadSignature(args[0] + signing.SignatureSuffix)
		if err != nil {
			return err
		}
		if err := v.Verify(data, sig); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: OK %s\n", args[0], signing.DigestHex(data))
		return nil
	},
}

func init() {
	signCmd.Flags().String("key", "", "Private key file")
	_ = signCmd.MarkFlagRequired("key")
	verifyCmd.Flags().StringSlice("pubkey", nil, "Trusted public key file (repeatable)")
	_ = verifyCmd.MarkFlagRequired("pubkey")
	rootCmd.AddCommand(keygenCmd, signCmd, verifyCmd)
}

func loadVerifier(paths []string) (*signing.Verifier, error) {
	keys := make([]ed25519.PublicKey, 0, len(paths))
	for _, p := range paths {
		k, err := signing.LoadPublicKey(p)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return signing.NewVerifier(keys...)
}
