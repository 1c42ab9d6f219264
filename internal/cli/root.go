// Package cli is the operator command surface: one subcommand per engine
// entry point, over a shared --db/--config/--format/--verbose root.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sutton-OS/GoldBot/internal/config"
	"github.com/sutton-OS/GoldBot/internal/engine"
	"github.com/sutton-OS/GoldBot/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	Database   string
	ConfigPath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the GoldBot CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "goldbot",
		Short: "GoldBot - local lead follow-up automation",
		Long: `GoldBot drives SMS-style lead follow-up conversations: intake with
deduplication, a per-lead state machine, scheduled follow-ups and reminders,
and booking - every side-effect gated through a consent/opt-out/kill-switch
safety layer with a full audit trail. Everything runs against one local
SQLite file; there is no network I/O.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")

	cmd.AddCommand(NewLeadCommand(opts))
	cmd.AddCommand(NewInboundCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewKillSwitchCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewAgentCommand(opts))
	cmd.AddCommand(NewSettingsCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openEngine loads config, configures logging, opens (and seeds) the store,
// and builds the engine. The returned func closes the store.
func openEngine(ctx context.Context, opts *RootOptions) (*engine.Engine, func(), error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}

	logLevel := slog.LevelInfo
	if opts.Verbose || cfg.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	dbPath := cfg.Database
	if opts.Database != "" {
		dbPath = opts.Database
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	hoursJSON, err := cfg.Location.BusinessHoursJSON()
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	if err := store.EnsureSeeded(ctx, st.DB(),
		cfg.Location.GymName, cfg.Location.Timezone, hoursJSON,
		store.NowISO(time.Now())); err != nil {
		st.Close()
		return nil, nil, err
	}

	closeFn := func() {
		if err := st.Close(); err != nil {
			slog.Error("error closing database", "error", err)
		}
	}
	return engine.New(st, dbPath), closeFn, nil
}

// emit renders v per the --format flag: indented JSON, or text via render
// when provided (falling back to JSON).
func emit(opts *RootOptions, v any, render func() string) error {
	if opts.Format == "text" && render != nil {
		fmt.Println(render())
		return nil
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(raw))
	return nil
}
