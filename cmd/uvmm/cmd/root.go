// Package cmd provides the command-line interface for uvmm.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/uvmm/config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "uvmm",
	Short: "uvmm runs a user-mode virtual memory manager.",
	Long: `uvmm builds a user-mode virtual memory manager from a configuration, ` +
		`drives it with concurrent page accesses and reports what the fault ` +
		`handler, the trimmer and the modified writer did.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "",
		"JSON configuration file; defaults are used when empty")
	rootCmd.PersistentFlags().StringSlice("env", nil,
		".env files with UVMM_* overrides; ./.env is read when present")
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

// loadConfig reads the configuration named by the persistent flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFiles, _ := cmd.Flags().GetStringSlice("env")

	c := config.Default()

	if path != "" {
		var err error

		c, err = config.Load(path)
		if err != nil {
			return c, err
		}
	}

	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		} else if !errors.Is(err, os.ErrNotExist) {
			return c, fmt.Errorf("checking .env: %w", err)
		}
	}

	if err := c.ApplyEnv(envFiles...); err != nil {
		return c, err
	}

	return c, c.Validate()
}

func newLogger(c config.Config) *slog.Logger {
	level, _ := c.Level()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
