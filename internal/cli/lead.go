package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sutton-OS/GoldBot/internal/engine"
	"github.com/sutton-OS/GoldBot/internal/model"
)

// NewLeadCommand groups lead intake and the lead query surface.
func NewLeadCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lead",
		Short: "Create and inspect leads",
	}

	cmd.AddCommand(newLeadCreateCommand(opts))
	cmd.AddCommand(newLeadListCommand(opts))
	cmd.AddCommand(newLeadSearchCommand(opts))
	cmd.AddCommand(newLeadDetailCommand(opts))
	cmd.AddCommand(newLeadQueueCommand(opts))

	return cmd
}

func newLeadCreateCommand(opts *RootOptions) *cobra.Command {
	var input engine.LeadCreateInput
	var consentAt string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lead (dedup within 30 days) and kick off follow-up",
		Example: `  goldbot lead create --phone +15550001111 --first Dana --consent --source walk-in`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			if consentAt != "" {
				input.ConsentAt = &consentAt
			}
			result, err := eng.CreateLead(cmd.Context(), input)
			if err != nil {
				return err
			}
			return emit(opts, result, func() string {
				if !result.Created {
					return fmt.Sprintf("duplicate of lead %d: %s", result.LeadID, *result.Note)
				}
				line := fmt.Sprintf("created lead %d", result.LeadID)
				if result.Note != nil {
					line += " (" + *result.Note + ")"
				}
				return line
			})
		},
	}

	cmd.Flags().StringVar(&input.PhoneE164, "phone", "", "E.164 phone number (required)")
	cmd.Flags().StringVar(&input.FirstName, "first", "", "first name")
	cmd.Flags().StringVar(&input.LastName, "last", "", "last name")
	cmd.Flags().BoolVar(&input.Consent, "consent", false, "lead consented to automated follow-up")
	cmd.Flags().StringVar(&consentAt, "consent-at", "", "consent timestamp (RFC 3339)")
	cmd.Flags().StringVar(&input.Source, "source", "", "consent source")
	_ = cmd.MarkFlagRequired("phone")

	return cmd
}

func newLeadListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List all leads, newest first",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			leads, err := eng.ListLeads(cmd.Context())
			if err != nil {
				return err
			}
			return emit(opts, leads, func() string { return renderLeads(leads) })
		},
	}
}

func newLeadSearchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "search <query>",
		Short:         "Search leads by phone or name",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			leads, err := eng.SearchLeads(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(opts, leads, func() string { return renderLeads(leads) })
		},
	}
}

func newLeadDetailCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "detail <lead-id>",
		Short:         "Show a lead with its conversation, messages, and appointments",
		Args:          cobra.ExactArgs(1),
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

			detail, err := eng.GetLeadDetail(cmd.Context(), leadID)
			if err != nil {
				return err
			}
			return emit(opts, detail, func() string { return renderLeadDetail(detail) })
		},
	}
}

func newLeadQueueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "queue",
		Short:         "List leads waiting on operator or automation attention",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			leads, err := eng.ListAgentQueue(cmd.Context())
			if err != nil {
				return err
			}
			return emit(opts, leads, func() string { return renderLeads(leads) })
		},
	}
}

func renderLeads(leads []model.Lead) string {
	if len(leads) == 0 {
		return "no leads"
	}
	var b strings.Builder
	for _, l := range leads {
		flags := ""
		if l.OptedOut {
			flags += " opted-out"
		}
		if l.NeedsStaffAttention {
			flags += " needs-staff"
		}
		name := strings.TrimSpace(deref(l.FirstName) + " " + deref(l.LastName))
		fmt.Fprintf(&b, "%d\t%s\t%s\t%s%s\n", l.ID, l.PhoneE164, name, l.Status, flags)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderLeadDetail(d engine.LeadDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "lead %d %s (%s)\n", d.Lead.ID, d.Lead.PhoneE164, d.Lead.Status)
	fmt.Fprintf(&b, "conversation: state=%s repair_attempts=%d\n",
		d.Conversation.State, d.Conversation.RepairAttempts)
	for _, m := range d.Messages {
		fmt.Fprintf(&b, "  [%s] %-8s %s: %s\n", m.CreatedAt, m.Direction, m.Status, m.Body)
	}
	for _, a := range d.Appointments {
		fmt.Fprintf(&b, "  appointment %d: %s - %s (%s)\n", a.ID, a.StartAt, a.EndAt, a.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
