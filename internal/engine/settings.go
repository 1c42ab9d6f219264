package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sutton-OS/GoldBot/internal/gateway"
	"github.com/sutton-OS/GoldBot/internal/hours"
	"github.com/sutton-OS/GoldBot/internal/model"
	"github.com/sutton-OS/GoldBot/internal/store"
)

// GetKillSwitch reads the kill switch setting.
func (e *Engine) GetKillSwitch(ctx context.Context) (bool, error) {
	return store.IsKillSwitchEnabled(ctx, e.store.DB())
}

// SetKillSwitch writes the kill switch. The OFF-to-ON transition cancels all
// pending jobs inside the same transaction, so the toggle is observable
// immediately; turning it off never resurrects cancelled work.
func (e *Engine) SetKillSwitch(ctx context.Context, enabled bool) error {
	return e.withGateway(ctx, func(tx *sql.Tx, g *gateway.Gateway) error {
		wasEnabled, err := store.IsKillSwitchEnabled(ctx, tx)
		if err != nil {
			return err
		}

		value := "false"
		if enabled {
			value = "true"
		}
		nowISO := store.NowISO(g.Now())
		if err := store.UpsertSetting(ctx, tx, "kill_switch", value, nowISO); err != nil {
			return err
		}

		target := "kill_switch"
		response := store.MarshalJSON(map[string]any{"updated_at": nowISO})
		if err := store.InsertAudit(ctx, tx, model.AuditEntry{
			ActionType:   "set_kill_switch",
			TargetType:   "settings",
			TargetID:     &target,
			RequestJSON:  store.MarshalJSON(map[string]any{"enabled": enabled}),
			ResponseJSON: &response,
			Success:      true,
			CreatedAt:    nowISO,
		}); err != nil {
			return err
		}

		if enabled && !wasEnabled {
			if _, err := g.CancelJobsOnKillSwitch(ctx); err != nil {
				return err
			}
		}

		slog.Info("kill switch set", "enabled", enabled)
		return nil
	})
}

// LocationSettings is the operator-editable location configuration.
type LocationSettings struct {
	GymName           string `json:"gym_name"`
	Timezone          string `json:"timezone"`
	BusinessHoursJSON string `json:"business_hours_json"`
}

// GetLocationSettings returns the singleton location configuration.
func (e *Engine) GetLocationSettings(ctx context.Context) (LocationSettings, error) {
	location, err := store.GetLocation(ctx, e.store.DB())
	if err != nil {
		return LocationSettings{}, err
	}
	return LocationSettings{
		GymName:           location.GymName,
		Timezone:          location.Timezone,
		BusinessHoursJSON: location.BusinessHoursJSON,
	}, nil
}

// UpdateLocationSettings validates and writes the location configuration.
func (e *Engine) UpdateLocationSettings(ctx context.Context, settings LocationSettings) error {
	if strings.TrimSpace(settings.GymName) == "" {
		return &gateway.ValidationError{Message: "gym_name cannot be empty"}
	}
	if _, err := time.LoadLocation(settings.Timezone); err != nil {
		return &gateway.ValidationError{Message: fmt.Sprintf("invalid timezone: %s", settings.Timezone)}
	}
	if _, err := hours.ParseSchedule(settings.BusinessHoursJSON); err != nil {
		return &gateway.ValidationError{Message: fmt.Sprintf("invalid business hours: %v", err)}
	}

	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		location, err := store.GetLocation(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE locations SET gym_name = ?, timezone = ?, business_hours_json = ? WHERE id = ?
		`, settings.GymName, settings.Timezone, settings.BusinessHoursJSON, location.ID); err != nil {
			return fmt.Errorf("update location: %w", err)
		}

		target := fmt.Sprintf("%d", location.ID)
		nowISO := store.NowISO(e.clock.Now())
		return store.InsertAudit(ctx, tx, model.AuditEntry{
			ActionType:  "update_location_settings",
			TargetType:  "location",
			TargetID:    &target,
			RequestJSON: store.MarshalJSON(settings),
			Success:     true,
			CreatedAt:   nowISO,
		})
	})
}

// ExportDBPath returns the absolute path of the database file so the
// operator can copy it out.
func (e *Engine) ExportDBPath() (string, error) {
	abs, err := filepath.Abs(e.dbPath)
	if err != nil {
		return "", fmt.Errorf("resolve db path: %w", err)
	}
	return abs, nil
}

// WipeAllDataConfirmed deletes every lead-derived row: messages,
// appointments, jobs, conversations, leads, and the audit log itself.
// Location and settings survive. One audit row recording the wipe is
// written after the deletes.
func (e *Engine) WipeAllDataConfirmed(ctx context.Context) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		tables := []string{"messages", "appointments", "scheduled_jobs", "conversations", "leads", "audit_log"}
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("wipe %s: %w", table, err)
			}
		}

		nowISO := store.NowISO(e.clock.Now())
		if err := store.InsertAudit(ctx, tx, model.AuditEntry{
			ActionType:  "wipe_all_data",
			TargetType:  "database",
			RequestJSON: store.MarshalJSON(map[string]any{"confirmed": true}),
			Success:     true,
			CreatedAt:   nowISO,
		}); err != nil {
			return err
		}

		slog.Warn("all data wiped")
		return nil
	})
}

// LogClientError appends a UI-side error to client_errors.log next to the
// database file. This is the crash sink for the desktop shell; the engine
// only writes the line.
func (e *Engine) LogClientError(message, stack, source string) error {
	logPath := filepath.Join(filepath.Dir(e.dbPath), "client_errors.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", logPath, err)
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "timestamp: %s\n", store.NowISO(e.clock.Now()))
	fmt.Fprintf(&b, "source: %s\n", source)
	fmt.Fprintf(&b, "message: %s\n", message)
	if strings.TrimSpace(stack) != "" {
		fmt.Fprintf(&b, "stack:\n%s\n", stack)
	}
	b.WriteString("\n")

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("write client error: %w", err)
	}
	return nil
}
