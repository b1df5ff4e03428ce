// Package cmd contains the CLI commands for mediabuf.
package cmd

import (
	"fmt"
	"mediabuf/internal/config"
	"mediabuf/internal/logger"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mediabuf",
	Short: "Media segment buffer core",
	Long: `mediabuf keeps an ordered inventory of the media chunks pushed to a
playback buffer, serializes writes and removals against it, and evicts data
outside a window around the playback position.

The simulate command drives the whole core against an in-memory buffer.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./mediabuf.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")
}

// persistentBindings maps configuration keys to the root flags that override them.
var persistentBindings = map[string]string{
	"logging.level":  "log-level",
	"logging.format": "log-format",
}

// loadConfig resolves the effective configuration of cmd: defaults, then the
// config file, then MEDIABUF_* variables, then flags set on the command line.
func loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	all := make(map[string]string, len(persistentBindings)+len(bindings))
	for key, name := range persistentBindings {
		all[key] = name
	}
	for key, name := range bindings {
		all[key] = name
	}

	cfg, err := config.LoadWithFlags(cfgFile, cmd.Flags(), all)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger writes logs to the command's error stream so reports on stdout
// stay parseable.
func newLogger(cmd *cobra.Command, cfg *config.Config) logger.Logger {
	return logger.NewLoggerWithWriter(cfg.Logging, cmd.ErrOrStderr())
}
