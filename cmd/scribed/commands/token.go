package commands

import (
	"fmt"
	"time"

	"github.com/murmur-labs/scribed/pkg/auth"
	"github.com/murmur-labs/scribed/pkg/config"
	"github.com/spf13/cobra"
)

var (
	tokenClientID string
	tokenName     string
	tokenDuration time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a client authentication token",
	Long: `Issue a signed token a client can present in the session handshake.

The token is signed with the auth secret from the server configuration, so it
must be run with the same config (or SCRIBED_AUTH_SECRET) the server uses.

Examples:
  # Issue a token for a client
  scribed token --client-id mobile-app

  # Issue a short-lived token with a label
  scribed token --client-id ci --name "CI pipeline" --duration 1h`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenClientID, "client-id", "", "Client identifier embedded in the token (required)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Human-readable client label")
	tokenCmd.Flags().DurationVar(&tokenDuration, "duration", 0, "Token lifetime (default: auth.token_duration from config)")
	_ = tokenCmd.MarkFlagRequired("client-id")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	if cfg.Auth.Secret == "" {
		return fmt.Errorf("no auth secret configured; set auth.secret in the config or SCRIBED_AUTH_SECRET")
	}

	duration := tokenDuration
	if duration == 0 {
		duration = cfg.Auth.TokenDuration
	}

	svc, err := auth.NewTokenService(auth.Config{
		Secret:        cfg.Auth.Secret,
		TokenDuration: duration,
	})
	if err != nil {
		return err
	}

	token, err := svc.Generate(tokenClientID, tokenName)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	fmt.Println(token)
	return nil
}
