package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/authflow/internal/clientauth"
	"github.com/alexjbarnes/authflow/internal/keys"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Read a password from stdin and print its bcrypt hash for the seed file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")

		password, err := readLine(cmd.InOrStdin())
		if err != nil {
			return err
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(hash))

		return nil
	},
}

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret",
	Short: "Generate a client secret and print it with its stored hash",
	Long: `Generate a client secret and print it with the hash to put in the seed
file's secret_hash. With --stdin the secret is read from stdin instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fromStdin, _ := cmd.Flags().GetBool("stdin")

		secret := clientauth.GenerateSecret()

		if fromStdin {
			var err error

			secret, err = readLine(cmd.InOrStdin())
			if err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if !fromStdin {
			fmt.Fprintf(out, "client_secret: %s\n", secret)
		}

		fmt.Fprintf(out, "secret_hash:   %s\n", clientauth.HashSecret(secret))

		return nil
	},
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate a private signing JWK for JWT_KEYS",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		alg, _ := cmd.Flags().GetString("alg")

		jwk, err := keys.GenerateKey(jose.SignatureAlgorithm(alg))
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")

		return enc.Encode([]jose.JSONWebKey{jwk})
	},
}

func init() {
	hashSecretCmd.Flags().Bool("stdin", false, "read the secret from stdin")
	genKeyCmd.Flags().String("alg", string(jose.ES256), "algorithm: ES256, ES384, RS256 or EdDSA")

	rootCmd.AddCommand(hashPasswordCmd, hashSecretCmd, genKeyCmd)
}

func readLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}

		return "", fmt.Errorf("no input")
	}

	line := strings.TrimSpace(scanner.Text())
	if line == "" {
		return "", fmt.Errorf("no input")
	}

	return line, nil
}
