// Package commands implements the cireilclaw CLI using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
)

// NewRootCmd builds the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cireilclaw",
		Short: "cireilclaw - multi-agent AI orchestrator",
		Long: `cireilclaw runs autonomous AI agents that chat over Discord and
Matrix, keep persistent sessions, and act on schedules.

Examples:
  cireilclaw init
  cireilclaw run --log-level debug
  cireilclaw chat --agent mika
  cireilclaw clear --agent mika`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Development keys can live in {root}/.env; real values
			// already set in the environment win.
			_ = godotenv.Load(filepath.Join(config.RootDir(), ".env"))
		},
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newInitCmd(),
		newChatCmd(),
		newClearCmd(),
	)

	rootCmd.PersistentFlags().String("log-level", "info", "log level (error, warning, info, debug)")
	return rootCmd
}

// newLogger builds the process logger from the --log-level flag. A TTY
// gets human-readable text, anything else JSON for log shippers.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	levelName, _ := cmd.Root().PersistentFlags().GetString("log-level")
	var level slog.Level
	switch levelName {
	case "error":
		level = slog.LevelError
	case "warning", "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		return nil, fmt.Errorf("unknown log level %q", levelName)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
