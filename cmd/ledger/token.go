package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"credit_ledger/internal/auth"
	"credit_ledger/internal/config"
)

var (
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "admin-token <subject>",
	Short: "Sign an admin token with ADMIN_JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := auth.ParseRole(tokenRole)
		if err != nil {
			return err
		}
		if err := config.LoadDotEnv(); err != nil {
			return err
		}
		secret := envOr("ADMIN_JWT_SECRET", os.Getenv("JWT_SECRET"))
		if secret == "" {
			return fmt.Errorf("ADMIN_JWT_SECRET or JWT_SECRET is required")
		}

		token, expiresAt, err := auth.GenerateJWT(auth.JWTConfig{
			Secret:   []byte(secret),
			Issuer:   os.Getenv("JWT_ISSUER"),
			Audience: os.Getenv("JWT_AUDIENCE"),
		}, args[0], []auth.Role{role}, tokenTTL)
		if err != nil {
			return err
		}

		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "expires %s\n", time.Unix(expiresAt, 0).UTC().Format(time.RFC3339))
		return nil
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <name> <key>",
	Short: "Print a SERVICE_KEYS entry for a service key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashServiceKey(args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s:%s\n", args[0], hash)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(auth.RoleViewer), "admin or viewer")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}
