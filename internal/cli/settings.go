package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sutton-OS/GoldBot/internal/engine"
)

// NewSettingsCommand groups location settings and the maintenance tools.
func NewSettingsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Location settings and maintenance tools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "get",
		Short:         "Show the location settings",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			settings, err := eng.GetLocationSettings(cmd.Context())
			if err != nil {
				return err
			}
			return emit(opts, settings, func() string {
				return fmt.Sprintf("%s (%s)\nhours: %s",
					settings.GymName, settings.Timezone, settings.BusinessHoursJSON)
			})
		},
	})

	setCmd := &cobra.Command{
		Use:           "set",
		Short:         "Update the location settings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var settings engine.LocationSettings
	setCmd.Flags().StringVar(&settings.GymName, "gym-name", "", "gym display name")
	setCmd.Flags().StringVar(&settings.Timezone, "timezone", "", "IANA timezone")
	setCmd.Flags().StringVar(&settings.BusinessHoursJSON, "hours", "", `weekly hours JSON, e.g. {"1":[["09:00","17:00"]]}`)
	setCmd.RunE = func(cmd *cobra.Command, args []string) error {
		eng, closeFn, err := openEngine(cmd.Context(), opts)
		if err != nil {
			return err
		}
		defer closeFn()

		current, err := eng.GetLocationSettings(cmd.Context())
		if err != nil {
			return err
		}
		if settings.GymName == "" {
			settings.GymName = current.GymName
		}
		if settings.Timezone == "" {
			settings.Timezone = current.Timezone
		}
		if settings.BusinessHoursJSON == "" {
			settings.BusinessHoursJSON = current.BusinessHoursJSON
		}

		if err := eng.UpdateLocationSettings(cmd.Context(), settings); err != nil {
			return err
		}
		return emit(opts, settings, func() string { return "settings updated" })
	}
	cmd.AddCommand(setCmd)

	cmd.AddCommand(&cobra.Command{
		Use:           "export-path",
		Short:         "Print the absolute database file path",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			path, err := eng.ExportDBPath()
			if err != nil {
				return err
			}
			return emit(opts, map[string]string{"path": path}, func() string { return path })
		},
	})

	wipeCmd := &cobra.Command{
		Use:           "wipe",
		Short:         "Delete ALL lead data (requires --confirmed)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var confirmed bool
	wipeCmd.Flags().BoolVar(&confirmed, "confirmed", false, "acknowledge that every lead, message, and appointment will be deleted")
	wipeCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if !confirmed {
			return fmt.Errorf("refusing to wipe without --confirmed")
		}
		eng, closeFn, err := openEngine(cmd.Context(), opts)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := eng.WipeAllDataConfirmed(cmd.Context()); err != nil {
			return err
		}
		return emit(opts, map[string]bool{"wiped": true}, func() string { return "all data wiped" })
	}
	cmd.AddCommand(wipeCmd)

	clientErrCmd := &cobra.Command{
		Use:           "client-error <message>",
		Short:         "Append a client-side error to client_errors.log",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var stack, source string
	clientErrCmd.Flags().StringVar(&stack, "stack", "", "stack trace")
	clientErrCmd.Flags().StringVar(&source, "source", "ui", "error source")
	clientErrCmd.RunE = func(cmd *cobra.Command, args []string) error {
		eng, closeFn, err := openEngine(cmd.Context(), opts)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := eng.LogClientError(args[0], stack, source); err != nil {
			return err
		}
		return emit(opts, map[string]bool{"logged": true}, func() string { return "logged" })
	}
	cmd.AddCommand(clientErrCmd)

	return cmd
}

// NewAuditCommand lists recent audit rows.
func NewAuditCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "audit",
		Short:         "Show recent audit log entries, newest first",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			entries, err := eng.ListAuditLog(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return emit(opts, entries, func() string {
				var b strings.Builder
				for _, e := range entries {
					status := "ok"
					if !e.Success {
						status = "FAIL"
					}
					target := ""
					if e.TargetID != nil {
						target = e.TargetType + "/" + *e.TargetID
					} else {
						target = e.TargetType
					}
					line := fmt.Sprintf("%s\t%s\t%s\t%s", e.CreatedAt, strconv.Quote(e.ActionType), target, status)
					if e.ErrorMessage != nil {
						line += "\t" + *e.ErrorMessage
					}
					b.WriteString(line + "\n")
				}
				return strings.TrimRight(b.String(), "\n")
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")
	return cmd
}
