// ABOUTME: Root command and shared setup for the parley CLI
// ABOUTME: Loads config, builds the store, transport, and session controller

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/arden-labs/parley/internal/config"
	"github.com/arden-labs/parley/internal/session"
	"github.com/arden-labs/parley/internal/store"
	"github.com/arden-labs/parley/internal/transport"
)

var (
	configPath string
	verbose    bool
	version    = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Streaming chat client with topic-keyed conversations",
	Long: `parley is a terminal client for streaming chat backends.

Conversations are stored locally and keyed by topic, so asking about the
same topic twice continues the same conversation. Responses stream in as
they are generated, including tool-call progress and cited sources.

Quick start:
  parley chat --topic AAPL "How did it close today?"
  parley chat                      # interactive mode
  parley conversations list
  parley history <conversation-id>`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default: $PARLEY_CONFIG, ./parley.yaml, ~/.config/parley/parley.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// resolveConfigPath picks the config file location.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("PARLEY_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("parley.yaml"); err == nil {
		return "parley.yaml"
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "parley.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "parley", "parley.yaml")
}

// app bundles everything a command needs.
type app struct {
	cfg        *config.Config
	store      *store.SQLiteStore
	controller *session.Controller
}

// newApp loads the config and wires the store, transport, and controller.
func newApp() (*app, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, verbose)
	slog.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var tr transport.Transport
	switch cfg.Server.Transport {
	case config.TransportWebSocket:
		tr = transport.NewWSTransport(cfg.Server.BaseURL, cfg.Server.Token, 10*time.Second, logger)
	default:
		tr = transport.NewSSETransport(cfg.Server.BaseURL, cfg.Server.Token, cfg.Server.RequestTimeout, logger)
	}

	controller := session.New(st, tr, logger, session.Options{
		HistoryLimit:   cfg.Chat.HistoryLimit,
		ResolverWindow: cfg.Resolver.Window,
		Locale:         cfg.Chat.Locale,
	})

	return &app{cfg: cfg, store: st, controller: controller}, nil
}

// close tears down the controller and the store.
func (a *app) close() {
	a.controller.Close()
	a.store.Close()
}
