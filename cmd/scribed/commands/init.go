package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/murmur-labs/scribed/internal/cli/prompt"
	"github.com/murmur-labs/scribed/pkg/config"
	"github.com/spf13/cobra"
)

var (
	initForce bool
	initYes   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Initialize a scribed configuration file interactively.

By default, the configuration file is created at $XDG_CONFIG_HOME/scribed/config.yaml.
Use --config to specify a custom path, or --yes to accept all defaults without
prompting.

Examples:
  # Initialize interactively with default location
  scribed init

  # Initialize with custom path
  scribed init --config /etc/scribed/config.yaml

  # Accept defaults without prompting
  scribed init --yes

  # Force overwrite existing config
  scribed init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVarP(&initYes, "yes", "y", false, "Accept defaults without prompting")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.GetDefaultConfig()

	if !initYes {
		if err := promptSettings(cfg); err != nil {
			if prompt.IsAborted(err) {
				fmt.Println("\nAborted.")
				return nil
			}
			return err
		}
	}

	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: scribed start")
	fmt.Printf("  3. Or specify custom config: scribed start --config %s\n", configPath)
	if cfg.Auth.Enabled {
		fmt.Println("\nIssue client tokens with: scribed token --client-id <id>")
	}

	return nil
}

// promptSettings walks the user through the settings worth deciding up front.
func promptSettings(cfg *config.Config) error {
	port, err := prompt.InputPort("Server port", cfg.Server.Port)
	if err != nil {
		return err
	}
	cfg.Server.Port = port

	blobPath, err := prompt.Input("Audio storage directory", cfg.Blob.Path)
	if err != nil {
		return err
	}
	cfg.Blob.Path = blobPath

	command, err := prompt.InputOptional("Transcriber command")
	if err != nil {
		return err
	}
	cfg.Engine.Command = command

	modelPath, err := prompt.InputOptional("Speech model path")
	if err != nil {
		return err
	}
	cfg.Engine.ModelPath = modelPath

	mode, err := prompt.Select("Engine concurrency mode", []prompt.SelectOption{
		{Label: "lock - one engine instance, serialized calls", Value: "lock"},
		{Label: "pool - one engine instance per worker", Value: "pool"},
	})
	if err != nil {
		return err
	}
	cfg.Engine.ConcurrencyMode = mode

	workers, err := prompt.InputInt("Concurrent transcriptions", cfg.Scheduler.MaxConcurrentTasks)
	if err != nil {
		return err
	}
	cfg.Scheduler.MaxConcurrentTasks = workers
	if mode == "pool" {
		cfg.Engine.PoolSize = workers
	}

	cachePath, err := prompt.InputOptional("Result cache directory (empty keeps results in memory)")
	if err != nil {
		return err
	}
	cfg.Cache.Path = cachePath

	authEnabled, err := prompt.Confirm("Require client authentication", false)
	if err != nil {
		return err
	}
	cfg.Auth.Enabled = authEnabled

	if authEnabled {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		cfg.Auth.Secret = secret
		fmt.Println("  Generated a random auth secret (stored in the config file).")
		fmt.Println("  For production, prefer the SCRIBED_AUTH_SECRET environment variable.")
	}

	webhookURL, err := prompt.InputOptional("Completion webhook URL")
	if err != nil {
		return err
	}
	cfg.Notification.WebhookURL = webhookURL

	return nil
}

// generateSecret returns a 64-character hex string (32 bytes of entropy).
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
