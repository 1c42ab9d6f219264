package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/sutton-OS/GoldBot/internal/model"
	"github.com/sutton-OS/GoldBot/internal/store"
)

// LeadDetail is the full per-lead view: the lead, its conversation, and the
// complete message and appointment history.
type LeadDetail struct {
	Lead         model.Lead          `json:"lead"`
	Conversation model.Conversation  `json:"conversation"`
	Messages     []model.Message     `json:"messages"`
	Appointments []model.Appointment `json:"appointments"`
}

const leadSummaryQuery = `
	SELECT id, phone_e164, first_name, last_name, consent, consent_at, consent_source,
		status, opted_out, needs_staff_attention, last_contact_at, next_action_at, created_at
	FROM leads`

func (e *Engine) queryLeads(ctx context.Context, query string, args ...any) ([]model.Lead, error) {
	rows, err := e.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer rows.Close()

	leads := []model.Lead{}
	for rows.Next() {
		var l model.Lead
		var consent, optedOut, needsStaff int64
		if err := rows.Scan(
			&l.ID, &l.PhoneE164, &l.FirstName, &l.LastName, &consent, &l.ConsentAt,
			&l.ConsentSource, &l.Status, &optedOut, &needsStaff,
			&l.LastContactAt, &l.NextActionAt, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		l.Consent = consent != 0
		l.OptedOut = optedOut != 0
		l.NeedsStaffAttention = needsStaff != 0
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return leads, nil
}

// ListLeads returns all leads, newest first.
func (e *Engine) ListLeads(ctx context.Context) ([]model.Lead, error) {
	return e.queryLeads(ctx, leadSummaryQuery+` ORDER BY datetime(created_at) DESC, id DESC`)
}

// SearchLeads filters leads by a case-insensitive substring of phone or name.
func (e *Engine) SearchLeads(ctx context.Context, query string) ([]model.Lead, error) {
	wildcard := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	return e.queryLeads(ctx, leadSummaryQuery+`
		WHERE LOWER(phone_e164) LIKE ?1
		   OR LOWER(COALESCE(first_name, '')) LIKE ?1
		   OR LOWER(COALESCE(last_name, '')) LIKE ?1
		ORDER BY datetime(created_at) DESC, id DESC`, wildcard)
}

// ListAgentQueue returns the leads an operator should look at next:
// consenting, not opted out, not already flagged, and either due
// (next_action_at has passed) or holding an unanswered reply from the last
// three days. Ordered by due time.
func (e *Engine) ListAgentQueue(ctx context.Context) ([]model.Lead, error) {
	nowISO := store.NowISO(e.clock.Now())
	cutoffISO := store.NowISO(e.clock.Now().AddDate(0, 0, -3))
	return e.queryLeads(ctx, `
		SELECT l.id, l.phone_e164, l.first_name, l.last_name, l.consent, l.consent_at,
			l.consent_source, l.status, l.opted_out, l.needs_staff_attention,
			l.last_contact_at, l.next_action_at, l.created_at
		FROM leads l
		JOIN conversations c ON c.lead_id = l.id
		WHERE l.opted_out = 0
		  AND l.needs_staff_attention = 0
		  AND l.consent = 1
		  AND (
			(l.next_action_at IS NOT NULL AND datetime(l.next_action_at) <= datetime(?1))
			OR (
				c.last_inbound_at IS NOT NULL
				AND datetime(c.last_inbound_at) >= datetime(?2)
				AND (
					c.last_outbound_at IS NULL
					OR datetime(c.last_inbound_at) > datetime(c.last_outbound_at)
				)
			)
		  )
		ORDER BY datetime(COALESCE(l.next_action_at, c.last_inbound_at, l.created_at)) ASC
	`, nowISO, cutoffISO)
}

// GetLeadDetail returns the lead with its conversation and full history.
func (e *Engine) GetLeadDetail(ctx context.Context, leadID int64) (LeadDetail, error) {
	db := e.store.DB()

	lead, err := store.GetLead(ctx, db, leadID)
	if err != nil {
		return LeadDetail{}, err
	}
	convo, err := store.GetConversationByLead(ctx, db, leadID)
	if err != nil {
		return LeadDetail{}, err
	}
	messages, err := store.ListMessages(ctx, db, convo.ID)
	if err != nil {
		return LeadDetail{}, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, lead_id, start_at, end_at, status, created_at
		FROM appointments
		WHERE lead_id = ?
		ORDER BY datetime(start_at) ASC, id ASC
	`, leadID)
	if err != nil {
		return LeadDetail{}, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	appointments := []model.Appointment{}
	for rows.Next() {
		var a model.Appointment
		if err := rows.Scan(&a.ID, &a.LeadID, &a.StartAt, &a.EndAt, &a.Status, &a.CreatedAt); err != nil {
			return LeadDetail{}, fmt.Errorf("scan appointment: %w", err)
		}
		appointments = append(appointments, a)
	}
	if err := rows.Err(); err != nil {
		return LeadDetail{}, fmt.Errorf("iterate appointments: %w", err)
	}

	return LeadDetail{
		Lead:         lead,
		Conversation: convo,
		Messages:     messages,
		Appointments: appointments,
	}, nil
}

// ListAuditLog returns the newest audit rows for operator inspection.
func (e *Engine) ListAuditLog(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return store.ListAudit(ctx, e.store.DB(), limit)
}
