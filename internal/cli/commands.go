package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sutton-OS/GoldBot/internal/engine"
)

// NewInboundCommand delivers a simulated inbound SMS body for a lead and
// advances the conversation state machine.
func NewInboundCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "inbound <lead-id> <body>",
		Short:         "Deliver an inbound message for a lead",
		Example:       `  goldbot inbound 3 "YES"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			leadID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid lead id %q", args[0])
			}

			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := eng.HandleInbound(cmd.Context(), leadID, args[1]); err != nil {
				return err
			}
			return emit(opts, map[string]any{"delivered": true}, func() string { return "delivered" })
		},
	}
}

// NewJobsCommand drains due scheduled jobs.
func NewJobsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Drain the scheduled job queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "run",
		Short:         "Process all currently-due pending jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := eng.RunDueJobs(cmd.Context())
			if err != nil {
				return err
			}
			return emit(opts, result, func() string {
				return fmt.Sprintf("processed=%d skipped=%d errors=%d",
					result.Processed, result.Skipped, result.Errors)
			})
		},
	})

	return cmd
}

// NewKillSwitchCommand reads and toggles the kill switch.
func NewKillSwitchCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Read or toggle the automation kill switch",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "get",
		Short:         "Show the kill switch state",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			enabled, err := eng.GetKillSwitch(cmd.Context())
			if err != nil {
				return err
			}
			return emit(opts, map[string]bool{"enabled": enabled}, func() string {
				if enabled {
					return "kill switch: ON"
				}
				return "kill switch: OFF"
			})
		},
	})

	for _, state := range []struct {
		use     string
		enabled bool
	}{{"on", true}, {"off", false}} {
		state := state
		cmd.AddCommand(&cobra.Command{
			Use:           state.use,
			Short:         fmt.Sprintf("Turn the kill switch %s", state.use),
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, closeFn, err := openEngine(cmd.Context(), opts)
				if err != nil {
					return err
				}
				defer closeFn()

				if err := eng.SetKillSwitch(cmd.Context(), state.enabled); err != nil {
					return err
				}
				return emit(opts, map[string]bool{"enabled": state.enabled}, func() string {
					return "kill switch updated"
				})
			},
		})
	}

	return cmd
}

// NewReportCommand prints the local-day activity report.
func NewReportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "report",
		Short:         "Show today's activity (location-local day)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			report, err := eng.GetTodayReport(cmd.Context())
			if err != nil {
				return err
			}
			return emit(opts, report, func() string {
				return fmt.Sprintf(
					"leads_created=%d contacted=%d booked=%d opt_outs=%d needs_attention=%d",
					report.LeadsCreated, report.Contacted, report.Booked,
					report.OptOuts, report.NeedsAttention)
			})
		},
	}
}

// NewAgentCommand exposes the declarative dry-run/execute surface. Actions
// are JSON documents, read from the argument or stdin ("-").
func NewAgentCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Dry-run or execute a declarative action through the gateway",
		Long: `Actions are JSON objects with an action_type of send_outbound,
book_appointment, set_opt_out, or schedule_job. A dry-run reports the
gateway's decision and commits only an agent_dry_run audit row; execute routes the action
through the real gateway. Both produce identical block reasons at the same
instant.`,
	}

	run := func(execute bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			action, err := readAction(args[0])
			if err != nil {
				return err
			}

			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			if execute {
				result, err := eng.AgentExecute(cmd.Context(), action)
				if err != nil {
					return err
				}
				return emit(opts, result, nil)
			}
			result, err := eng.AgentDryRun(cmd.Context(), action)
			if err != nil {
				return err
			}
			return emit(opts, result, nil)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "dry-run <action-json|->",
		Short:         "Evaluate an action without committing it",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run(false),
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "execute <action-json|->",
		Short:         "Execute an action through the gateway",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run(true),
	})

	return cmd
}

func readAction(arg string) (engine.AgentAction, error) {
	raw := []byte(arg)
	if arg == "-" {
		var err error
		raw, err = io.ReadAll(os.Stdin)
		if err != nil {
			return engine.AgentAction{}, fmt.Errorf("read action from stdin: %w", err)
		}
	}

	var action engine.AgentAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return engine.AgentAction{}, fmt.Errorf("parse action JSON: %w", err)
	}
	if strings.TrimSpace(action.ActionType) == "" {
		return engine.AgentAction{}, fmt.Errorf("action_type is required")
	}
	return action, nil
}
