package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sutton-OS/GoldBot/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// GetLocation returns the singleton location row.
func GetLocation(ctx context.Context, q Querier) (model.Location, error) {
	var loc model.Location
	err := q.QueryRowContext(ctx, `
		SELECT id, gym_name, timezone, business_hours_json
		FROM locations ORDER BY id LIMIT 1
	`).Scan(&loc.ID, &loc.GymName, &loc.Timezone, &loc.BusinessHoursJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Location{}, fmt.Errorf("location: %w", ErrNotFound)
	}
	if err != nil {
		return model.Location{}, fmt.Errorf("get location: %w", err)
	}
	return loc, nil
}

const leadColumns = `id, phone_e164, first_name, last_name, consent, consent_at, consent_source,
	status, opted_out, needs_staff_attention, last_contact_at, next_action_at, created_at`

func scanLead(row *sql.Row) (model.Lead, error) {
	var l model.Lead
	var consent, optedOut, needsStaff int64
	err := row.Scan(
		&l.ID, &l.PhoneE164, &l.FirstName, &l.LastName, &consent, &l.ConsentAt,
		&l.ConsentSource, &l.Status, &optedOut, &needsStaff,
		&l.LastContactAt, &l.NextActionAt, &l.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lead{}, fmt.Errorf("lead: %w", ErrNotFound)
	}
	if err != nil {
		return model.Lead{}, fmt.Errorf("scan lead: %w", err)
	}
	l.Consent = consent != 0
	l.OptedOut = optedOut != 0
	l.NeedsStaffAttention = needsStaff != 0
	return l, nil
}

// GetLead returns a lead by id, or ErrNotFound.
func GetLead(ctx context.Context, q Querier, leadID int64) (model.Lead, error) {
	return scanLead(q.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = ?`, leadID))
}

// FindRecentLeadByPhone returns the most recent lead with the same phone
// whose created_at is at or after the cutoff. Used by intake dedup.
// Returns (0, nil) when no such lead exists.
func FindRecentLeadByPhone(ctx context.Context, q Querier, phone, cutoffISO string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		SELECT id FROM leads
		WHERE phone_e164 = ? AND datetime(created_at) >= datetime(?)
		ORDER BY created_at DESC
		LIMIT 1
	`, phone, cutoffISO).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find recent lead: %w", err)
	}
	return id, nil
}

// GetConversationByLead returns the lead's conversation, or ErrNotFound.
func GetConversationByLead(ctx context.Context, q Querier, leadID int64) (model.Conversation, error) {
	var c model.Conversation
	err := q.QueryRowContext(ctx, `
		SELECT id, lead_id, state, state_json, last_inbound_at, last_outbound_at, repair_attempts
		FROM conversations WHERE lead_id = ?
	`, leadID).Scan(&c.ID, &c.LeadID, &c.State, &c.StateJSON,
		&c.LastInboundAt, &c.LastOutboundAt, &c.RepairAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, fmt.Errorf("conversation for lead %d: %w", leadID, ErrNotFound)
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// GetAppointment returns an appointment by id, or ErrNotFound.
func GetAppointment(ctx context.Context, q Querier, id int64) (model.Appointment, error) {
	var a model.Appointment
	err := q.QueryRowContext(ctx, `
		SELECT id, lead_id, start_at, end_at, status, created_at
		FROM appointments WHERE id = ?
	`, id).Scan(&a.ID, &a.LeadID, &a.StartAt, &a.EndAt, &a.Status, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Appointment{}, fmt.Errorf("appointment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Appointment{}, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

// ListBookedAppointments returns the lead's booked appointments ordered by start.
func ListBookedAppointments(ctx context.Context, q Querier, leadID int64) ([]model.Appointment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, lead_id, start_at, end_at, status, created_at
		FROM appointments
		WHERE lead_id = ? AND status = 'booked'
		ORDER BY datetime(start_at) ASC, id ASC
	`, leadID)
	if err != nil {
		return nil, fmt.Errorf("list booked appointments: %w", err)
	}
	defer rows.Close()

	appts := []model.Appointment{}
	for rows.Next() {
		var a model.Appointment
		if err := rows.Scan(&a.ID, &a.LeadID, &a.StartAt, &a.EndAt, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		appts = append(appts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}
	return appts, nil
}

// ListMessages returns the conversation's messages in chronological order.
func ListMessages(ctx context.Context, q Querier, conversationID int64) ([]model.Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, conversation_id, direction, body, status, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY datetime(created_at) ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Body, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// ListDueJobs returns pending jobs due at or before nowISO, in (execute_at, id)
// order. The order is what makes a drain deterministic.
func ListDueJobs(ctx context.Context, q Querier, nowISO string) ([]model.ScheduledJob, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, job_type, target_id, execute_at, status, payload_json, created_at
		FROM scheduled_jobs
		WHERE status = 'pending' AND datetime(execute_at) <= datetime(?)
		ORDER BY datetime(execute_at) ASC, id ASC
	`, nowISO)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.ScheduledJob{}
	for rows.Next() {
		var j model.ScheduledJob
		if err := rows.Scan(&j.ID, &j.JobType, &j.TargetID, &j.ExecuteAt, &j.Status, &j.PayloadJSON, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// GetJob returns a scheduled job by id, or ErrNotFound.
func GetJob(ctx context.Context, q Querier, id int64) (model.ScheduledJob, error) {
	var j model.ScheduledJob
	err := q.QueryRowContext(ctx, `
		SELECT id, job_type, target_id, execute_at, status, payload_json, created_at
		FROM scheduled_jobs WHERE id = ?
	`, id).Scan(&j.ID, &j.JobType, &j.TargetID, &j.ExecuteAt, &j.Status, &j.PayloadJSON, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledJob{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ScheduledJob{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetSetting returns the settings value for key, or ("", nil) when unset.
func GetSetting(ctx context.Context, q Querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ? LIMIT 1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

// IsKillSwitchEnabled reads the kill switch setting. Accepts "true" and "1".
func IsKillSwitchEnabled(ctx context.Context, q Querier) (bool, error) {
	value, err := GetSetting(ctx, q, "kill_switch")
	if err != nil {
		return false, err
	}
	return value == "true" || value == "1", nil
}
