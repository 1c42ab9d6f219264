package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sutton-OS/GoldBot/internal/hours"
	"github.com/sutton-OS/GoldBot/internal/store"
)

// TodayReport aggregates the current local calendar day's activity.
// Pure read; no mutation.
type TodayReport struct {
	LeadsCreated   int64 `json:"leads_created"`
	Contacted      int64 `json:"contacted"`
	Booked         int64 `json:"booked"`
	OptOuts        int64 `json:"opt_outs"`
	NeedsAttention int64 `json:"needs_attention"`
}

// GetTodayReport computes the day's aggregates in the location timezone.
// needs_attention counts currently-flagged leads regardless of when they
// were flagged.
func (e *Engine) GetTodayReport(ctx context.Context) (TodayReport, error) {
	db := e.store.DB()

	location, err := store.GetLocation(ctx, db)
	if err != nil {
		return TodayReport{}, err
	}
	tz, err := time.LoadLocation(location.Timezone)
	if err != nil {
		return TodayReport{}, fmt.Errorf("load timezone %q: %w", location.Timezone, err)
	}

	dayStart, dayEnd := hours.DayBounds(tz, e.clock.Now())
	startISO, endISO := store.NowISO(dayStart), store.NowISO(dayEnd)

	var report TodayReport

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM leads
		WHERE datetime(created_at) >= datetime(?) AND datetime(created_at) < datetime(?)
	`, startISO, endISO).Scan(&report.LeadsCreated)
	if err != nil {
		return TodayReport{}, fmt.Errorf("count leads created: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT c.lead_id)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.direction = 'OUTBOUND' AND m.status = 'sent'
		  AND datetime(m.created_at) >= datetime(?) AND datetime(m.created_at) < datetime(?)
	`, startISO, endISO).Scan(&report.Contacted)
	if err != nil {
		return TodayReport{}, fmt.Errorf("count contacted: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE status = 'booked'
		  AND datetime(created_at) >= datetime(?) AND datetime(created_at) < datetime(?)
	`, startISO, endISO).Scan(&report.Booked)
	if err != nil {
		return TodayReport{}, fmt.Errorf("count booked: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT target_id) FROM audit_log
		WHERE action_type = 'set_opt_out' AND success = 1
		  AND datetime(created_at) >= datetime(?) AND datetime(created_at) < datetime(?)
	`, startISO, endISO).Scan(&report.OptOuts)
	if err != nil {
		return TodayReport{}, fmt.Errorf("count opt-outs: %w", err)
	}

	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM leads WHERE needs_staff_attention = 1`).Scan(&report.NeedsAttention)
	if err != nil {
		return TodayReport{}, fmt.Errorf("count needs attention: %w", err)
	}

	return report, nil
}
