package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiloguardian/kilo/pkg/storage"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage admin tokens",
	Long: `Create, list and revoke admin tokens directly against the token
database. The store is single-writer, so run these while the server is
stopped; a running server manages tokens over /admin/tokens instead.`,
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new admin token",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		scopes, _ := cmd.Flags().GetStringSlice("scopes")
		ttlHours, _ := cmd.Flags().GetInt("ttl-hours")

		store, err := storage.NewTokenStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
		raw := "kg_" + hex.EncodeToString(buf)

		var expiresAt time.Time
		if ttlHours > 0 {
			expiresAt = time.Now().UTC().Add(time.Duration(ttlHours) * time.Hour)
		}
		token, err := store.Create(raw, scopes, expiresAt)
		if err != nil {
			return err
		}

		fmt.Printf("Token created (shown once, store it now):\n")
		fmt.Printf("  ID:     %s\n", token.ID)
		fmt.Printf("  Token:  %s\n", raw)
		fmt.Printf("  Scopes: %v\n", token.Scopes)
		if !token.ExpiresAt.IsZero() {
			fmt.Printf("  Expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List admin tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := storage.NewTokenStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		tokens, err := store.List()
		if err != nil {
			return err
		}
		for _, t := range tokens {
			status := "active"
			if t.Revoked() {
				status = "revoked"
			} else if t.Expired(time.Now().UTC()) {
				status = "expired"
			}
			fmt.Printf("%s  %-8s scopes=%v created=%s\n",
				t.ID, status, t.Scopes, t.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke ID",
	Short: "Revoke an admin token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := storage.NewTokenStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Revoke(args[0]); err != nil {
			return err
		}
		fmt.Printf("Token %s revoked\n", args[0])
		return nil
	},
}

func init() {
	tokenCmd.PersistentFlags().String("data-dir", "/var/lib/kilo", "Data directory holding the token database")
	tokenCreateCmd.Flags().StringSlice("scopes", []string{"*"}, "Scopes granted to the token")
	tokenCreateCmd.Flags().Int("ttl-hours", 0, "Token lifetime in hours (0 for no expiry)")

	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}
