// Command keygen issues endpoint credentials and operator tokens for the gateway.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/auth"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "keygen",
		Short: "Issue gateway credentials and operator tokens",
		Long: `keygen creates the secrets the gateway consumes.

Credentials are stored as SHA-256 hashes in the credentials table; the
plaintext is shown once and never persisted.

Commands:
  generate    Create a new credential id, secret and hash
  hash        Hash an existing credential secret
  ops-token   Sign an operator token for the /admin routes`,
		SilenceUsage: true,
	}
	root.AddCommand(newGenerateCmd(), newHashCmd(), newOpsTokenCmd())
	return root
}

func newGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Generate a new endpoint credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, hash, err := auth.GenerateCredential()
			if err != nil {
				return fmt.Errorf("generate credential: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:     %s\n", uuid.NewString())
			fmt.Fprintf(out, "secret: %s\n", secret)
			fmt.Fprintf(out, "hash:   %s\n", hash)
			return nil
		},
	}
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [secret]",
		Short: "Print the stored hash of a credential secret",
		Long: `Print the hex SHA-256 hash stored in credentials.key_hash.

The secret will appear in shell history. Prefer:
  keygen hash "$GATEWAY_KEY"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), auth.HashCredential(args[0]))
			return nil
		},
	}
}

func newOpsTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
		secret  string
	)
	cmd := &cobra.Command{
		Use:   "ops-token",
		Short: "Sign an operator token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("OPS_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("signing secret required: pass --secret or set OPS_JWT_SECRET")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			token, err := auth.GenerateToken(subject, secret, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator name recorded in admin logs")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default: $OPS_JWT_SECRET)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
