package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/clipforge/internal/middleware"
	"github.com/dukerupert/clipforge/internal/principal"
)

// newTokenCommand mints a session token for local testing against a
// running server.
func newTokenCommand() *cobra.Command {
	var (
		userID string
		email  string
		secret string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("session secret required: set CLIPFORGE_SESSION_SECRET or --secret")
			}
			tok, err := middleware.IssueToken([]byte(secret), principal.Principal{UserID: userID, Email: email}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (sub claim)")
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&secret, "secret", envOr("CLIPFORGE_SESSION_SECRET", ""), "HS256 session secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("email")
	return cmd
}
