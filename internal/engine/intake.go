package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sutton-OS/GoldBot/internal/gateway"
	"github.com/sutton-OS/GoldBot/internal/model"
	"github.com/sutton-OS/GoldBot/internal/store"
)

// Dedup window: a lead with the same phone created within the trailing 30
// days is a duplicate. The window is a plain duration, not calendar-month
// arithmetic.
const dedupWindow = 30 * 24 * time.Hour

// Delay before the first follow-up when intake lands inside business hours.
const initialFollowUpDelay = 60 * time.Second

const duplicateNote = "Duplicate lead in last 30 days; automation not restarted. Note added to audit log."

// LeadCreateInput is the intake payload.
type LeadCreateInput struct {
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	PhoneE164 string  `json:"phone_e164"`
	Consent   bool    `json:"consent"`
	ConsentAt *string `json:"consent_at"`
	Source    string  `json:"source"`
}

// LeadCreateResult reports what intake did.
type LeadCreateResult struct {
	Created     bool    `json:"created"`
	LeadID      int64   `json:"lead_id"`
	DuplicateOf *int64  `json:"duplicate_of"`
	Note        *string `json:"note"`
}

// CreateLead validates, dedups, and creates a lead with its conversation in
// one transaction. A consenting lead gets its initial_follow_up scheduled:
// 60 seconds out during business hours, else at the next open instant.
// A duplicate within 30 days returns the existing lead untouched.
func (e *Engine) CreateLead(ctx context.Context, input LeadCreateInput) (LeadCreateResult, error) {
	phone := strings.TrimSpace(input.PhoneE164)
	if phone == "" || !strings.HasPrefix(phone, "+") {
		return LeadCreateResult{}, &gateway.ValidationError{
			Message: "phone_e164 must be non-empty and start with '+'",
		}
	}

	var result LeadCreateResult
	err := e.withGateway(ctx, func(tx *sql.Tx, g *gateway.Gateway) error {
		now := g.Now()
		nowISO := store.NowISO(now)

		existing, err := store.FindRecentLeadByPhone(ctx, tx, phone,
			store.NowISO(now.Add(-dedupWindow)))
		if err != nil {
			return err
		}
		if existing != 0 {
			target := fmt.Sprintf("%d", existing)
			note := duplicateNote
			response := store.MarshalJSON(map[string]any{"note": note})
			if err := store.InsertAudit(ctx, tx, model.AuditEntry{
				ActionType: "duplicate_lead_detected",
				TargetType: "lead",
				TargetID:   &target,
				RequestJSON: store.MarshalJSON(map[string]any{
					"phone_e164":   phone,
					"source":       input.Source,
					"attempted_at": nowISO,
				}),
				ResponseJSON: &response,
				Success:      true,
				CreatedAt:    nowISO,
			}); err != nil {
				return err
			}

			result = LeadCreateResult{
				Created:     false,
				LeadID:      existing,
				DuplicateOf: &existing,
				Note:        &note,
			}
			return nil
		}

		leadID, err := store.InsertLead(ctx, tx, model.Lead{
			PhoneE164:     phone,
			FirstName:     nilIfEmpty(input.FirstName),
			LastName:      nilIfEmpty(input.LastName),
			Consent:       input.Consent,
			ConsentAt:     input.ConsentAt,
			ConsentSource: nilIfEmpty(input.Source),
			Status:        model.StatusAwaitingYes,
			CreatedAt:     nowISO,
		})
		if err != nil {
			return err
		}

		if _, err := store.InsertConversation(ctx, tx, leadID, model.StatusAwaitingYes,
			model.EncodeState(model.ConversationState{})); err != nil {
			return err
		}

		result = LeadCreateResult{Created: true, LeadID: leadID}

		if input.Consent {
			executeAt := now.Add(initialFollowUpDelay)
			if !g.Schedule().IsOpen(g.Timezone(), now) {
				opening, err := g.Schedule().NextOpen(g.Timezone(), now)
				if err != nil {
					return err
				}
				executeAt = opening
			}

			executeISO := store.NowISO(executeAt)
			_, err := g.ScheduleJob(ctx, gateway.JobRequest{
				JobType:     model.JobInitialFollowUp,
				TargetID:    &leadID,
				ExecuteAt:   executeISO,
				PayloadJSON: store.MarshalJSON(model.InitialFollowUpPayload{LeadID: leadID}),
			})
			if err != nil {
				// Lead creation stands; the operator sees why automation
				// did not start.
				note := fmt.Sprintf("Lead created, but auto-follow-up not scheduled: %v", err)
				result.Note = &note
			} else {
				if _, err := tx.ExecContext(ctx,
					`UPDATE leads SET next_action_at = ? WHERE id = ?`,
					executeISO, leadID); err != nil {
					return fmt.Errorf("set next_action_at: %w", err)
				}
			}
		}

		return nil
	})
	if err != nil {
		return LeadCreateResult{}, err
	}

	slog.Info("lead intake",
		"created", result.Created,
		"lead_id", result.LeadID,
		"phone", phone,
	)
	return result, nil
}

func nilIfEmpty(s string) *string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
