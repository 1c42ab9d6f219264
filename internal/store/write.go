package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sutton-OS/GoldBot/internal/model"
)

// Outbound messages, appointments, opt-out flips, and new scheduled jobs are
// written only by the gateway package, and the audit-presence tests in
// gateway back that contract up. The state machine also calls InsertMessage
// for inbound messages, and the job drain calls SetJobStatus. Lead/conversation
// lifecycle writes below are shared with intake and the state machine.

// InsertLead inserts a new lead and returns its id.
func InsertLead(ctx context.Context, q Querier, l model.Lead) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO leads (
			phone_e164, first_name, last_name, consent, consent_at, consent_source,
			status, opted_out, needs_staff_attention, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
	`, l.PhoneE164, l.FirstName, l.LastName, boolToInt(l.Consent),
		l.ConsentAt, l.ConsentSource, l.Status, l.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert lead: %w", err)
	}
	return lastInsertID(res, "lead")
}

// InsertConversation creates the lead's conversation row. Must run in the
// same transaction as InsertLead.
func InsertConversation(ctx context.Context, q Querier, leadID int64, state, stateJSON string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO conversations (lead_id, state, state_json, repair_attempts)
		VALUES (?, ?, ?, 0)
	`, leadID, state, stateJSON)
	if err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}
	return lastInsertID(res, "conversation")
}

// InsertMessage appends a message row and returns its id.
func InsertMessage(ctx context.Context, q Querier, m model.Message) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, direction, body, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ConversationID, m.Direction, m.Body, m.Status, m.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return lastInsertID(res, "message")
}

// InsertAppointment appends an appointment row and returns its id.
func InsertAppointment(ctx context.Context, q Querier, a model.Appointment) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO appointments (lead_id, start_at, end_at, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.LeadID, a.StartAt, a.EndAt, a.Status, a.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert appointment: %w", err)
	}
	return lastInsertID(res, "appointment")
}

// InsertJob appends a pending scheduled job and returns its id.
func InsertJob(ctx context.Context, q Querier, j model.ScheduledJob) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (job_type, target_id, execute_at, status, payload_json, created_at)
		VALUES (?, ?, ?, 'pending', ?, ?)
	`, j.JobType, j.TargetID, j.ExecuteAt, j.PayloadJSON, j.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return lastInsertID(res, "scheduled job")
}

// SetJobStatus moves a pending job to a terminal status. Rows already out of
// pending are left untouched (transitions out of pending are terminal).
func SetJobStatus(ctx context.Context, q Querier, jobID int64, status string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = ? WHERE id = ? AND status = 'pending'
	`, status, jobID)
	if err != nil {
		return fmt.Errorf("set job %d status %s: %w", jobID, status, err)
	}
	return nil
}

// CancelPendingJobsForLead cancels every pending job whose target is the
// lead, including reminders for the lead's appointments. Returns the count.
func CancelPendingJobsForLead(ctx context.Context, q Querier, leadID int64) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = 'cancelled'
		WHERE status = 'pending'
		  AND (
			(job_type IN ('initial_follow_up', 'safe_reprompt') AND target_id = ?)
			OR (job_type = 'appointment_reminder'
				AND target_id IN (SELECT id FROM appointments WHERE lead_id = ?))
		  )
	`, leadID, leadID)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs for lead %d: %w", leadID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel jobs for lead %d: rows affected: %w", leadID, err)
	}
	return n, nil
}

// CancelAllPendingJobs cancels every pending job. Used by the kill switch
// OFF-to-ON transition. Returns the count.
func CancelAllPendingJobs(ctx context.Context, q Querier) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'cancelled' WHERE status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("cancel all pending jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel all pending jobs: rows affected: %w", err)
	}
	return n, nil
}

// UpsertSetting writes a settings key/value pair.
func UpsertSetting(ctx context.Context, q Querier, key, value, nowISO string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, nowISO)
	if err != nil {
		return fmt.Errorf("upsert setting %q: %w", key, err)
	}
	return nil
}

// EnsureSeeded inserts the singleton location and the kill_switch default
// when the database is fresh. Idempotent: an existing location row and an
// existing kill_switch setting are left alone.
func EnsureSeeded(ctx context.Context, q Querier, gymName, timezone, businessHoursJSON, nowISO string) error {
	var locations int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations`).Scan(&locations); err != nil {
		return fmt.Errorf("count locations: %w", err)
	}
	if locations == 0 {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO locations (gym_name, timezone, business_hours_json)
			VALUES (?, ?, ?)
		`, gymName, timezone, businessHoursJSON); err != nil {
			return fmt.Errorf("seed location: %w", err)
		}
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ('kill_switch', 'false', ?)
		ON CONFLICT(key) DO NOTHING
	`, nowISO); err != nil {
		return fmt.Errorf("seed kill_switch: %w", err)
	}

	return nil
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func lastInsertID(res sql.Result, what string) (int64, error) {
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id for %s: %w", what, err)
	}
	return id, nil
}
