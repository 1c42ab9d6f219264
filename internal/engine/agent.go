package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sutton-OS/GoldBot/internal/gateway"
	"github.com/sutton-OS/GoldBot/internal/model"
	"github.com/sutton-OS/GoldBot/internal/store"
)

// Agent action types.
const (
	ActionSendOutbound    = "send_outbound"
	ActionBookAppointment = "book_appointment"
	ActionSetOptOut       = "set_opt_out"
	ActionScheduleJob     = "schedule_job"
)

// AgentAction is the declarative action the agent bridge routes through the
// gateway. action_type discriminates; the remaining fields are the union of
// the four action payloads.
type AgentAction struct {
	ActionType string `json:"action_type"`

	// send_outbound
	LeadID              int64  `json:"lead_id,omitempty"`
	ConversationID      int64  `json:"conversation_id,omitempty"`
	Body                string `json:"body,omitempty"`
	Automated           bool   `json:"automated,omitempty"`
	AllowWithoutConsent bool   `json:"allow_without_consent,omitempty"`
	AllowOptedOutOnce   bool   `json:"allow_opted_out_once,omitempty"`
	AllowAfterReply     bool   `json:"allow_after_reply,omitempty"`
	IgnoreBusinessHours bool   `json:"ignore_business_hours,omitempty"`

	// book_appointment
	StartAt string `json:"start_at,omitempty"`

	// set_opt_out
	Reason string `json:"reason,omitempty"`

	// schedule_job
	JobType     string `json:"job_type,omitempty"`
	TargetID    *int64 `json:"target_id,omitempty"`
	ExecuteAt   string `json:"execute_at,omitempty"`
	PayloadJSON string `json:"payload_json,omitempty"`
}

func (a AgentAction) outboundRequest() gateway.OutboundRequest {
	return gateway.OutboundRequest{
		LeadID:              a.LeadID,
		ConversationID:      a.ConversationID,
		Body:                a.Body,
		Automated:           a.Automated,
		AllowWithoutConsent: a.AllowWithoutConsent,
		AllowOptedOutOnce:   a.AllowOptedOutOnce,
		AllowAfterReply:     a.AllowAfterReply,
		IgnoreBusinessHours: a.IgnoreBusinessHours,
	}
}

// AgentDryRunResult reports what the gateway would decide right now.
type AgentDryRunResult struct {
	Allowed       bool     `json:"allowed"`
	BlockedReason *string  `json:"blocked_reason"`
	Warnings      []string `json:"warnings"`
	Normalized    *string  `json:"normalized"`
}

// AgentExecuteResult reports an executed action.
type AgentExecuteResult struct {
	Success    bool    `json:"success"`
	ResultJSON *string `json:"result_json"`
	Error      *string `json:"error"`
}

// AgentDryRun evaluates the gateway's precondition checks for the action in
// a transaction that is rolled back, then audits the decision. A dry-run and
// an execute at the same instant produce identical block reasons.
func (e *Engine) AgentDryRun(ctx context.Context, action AgentAction) (AgentDryRunResult, error) {
	now := e.clock.Now()
	token := e.tokens.Generate()

	var validation error
	err := e.store.DryRunTx(ctx, func(tx *sql.Tx) error {
		location, err := store.GetLocation(ctx, tx)
		if err != nil {
			return err
		}
		g, err := gateway.New(tx, location, now, token)
		if err != nil {
			return err
		}

		switch action.ActionType {
		case ActionSendOutbound:
			validation = g.ValidateAgentOutbound(ctx, action.outboundRequest())
		case ActionBookAppointment:
			validation = g.ValidateAppointment(ctx, gateway.AppointmentRequest{
				LeadID:  action.LeadID,
				StartAt: action.StartAt,
			})
		case ActionSetOptOut:
			validation = g.ValidateOptOut(ctx, gateway.OptOutRequest{
				LeadID: action.LeadID,
				Reason: action.Reason,
			})
		case ActionScheduleJob:
			validation = g.ValidateScheduleJob(ctx, gateway.JobRequest{
				JobType:     action.JobType,
				TargetID:    action.TargetID,
				ExecuteAt:   action.ExecuteAt,
				PayloadJSON: action.PayloadJSON,
			})
		default:
			return &gateway.ValidationError{
				Message: fmt.Sprintf("unknown action_type: %s", action.ActionType),
			}
		}
		return nil
	})
	if err != nil {
		return AgentDryRunResult{}, err
	}

	normalized := store.MarshalJSON(action)
	result := AgentDryRunResult{
		Allowed:    validation == nil,
		Warnings:   []string{},
		Normalized: &normalized,
	}
	if validation != nil {
		reason := validation.Error()
		result.BlockedReason = &reason
	}

	// The dry-run decision itself is audited (committed separately - the
	// evaluation transaction never commits).
	auditErr := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		target := action.ActionType
		response := store.MarshalJSON(map[string]any{
			"allowed":        result.Allowed,
			"blocked_reason": result.BlockedReason,
			"warnings":       result.Warnings,
		})
		entry := model.AuditEntry{
			ActionType:   "agent_dry_run",
			TargetType:   "agent_action",
			TargetID:     &target,
			RequestJSON:  store.MarshalJSON(map[string]any{"action": action, "request_token": token}),
			ResponseJSON: &response,
			Success:      result.Allowed,
			CreatedAt:    store.NowISO(now),
		}
		if result.BlockedReason != nil {
			entry.ErrorMessage = result.BlockedReason
		}
		return store.InsertAudit(ctx, tx, entry)
	})
	if auditErr != nil {
		return AgentDryRunResult{}, auditErr
	}

	return result, nil
}

// AgentExecute routes the action through the real gateway with the
// agent-path hardening. The gateway audits the attempt itself. A refused
// action (block, validation, conflict) still commits the transaction so its
// audit row survives; only infrastructure failures roll back.
func (e *Engine) AgentExecute(ctx context.Context, action AgentAction) (AgentExecuteResult, error) {
	var resultJSON string
	var refusal error

	err := e.withGateway(ctx, func(tx *sql.Tx, g *gateway.Gateway) error {
		opErr := func() error {
			switch action.ActionType {
			case ActionSendOutbound:
				messageID, err := g.CreateOutboundMessageForAgent(ctx, action.outboundRequest())
				if err != nil {
					return err
				}
				resultJSON = store.MarshalJSON(map[string]any{"message_id": messageID})
				return nil

			case ActionBookAppointment:
				appointmentID, err := g.CreateAppointment(ctx, gateway.AppointmentRequest{
					LeadID:  action.LeadID,
					StartAt: action.StartAt,
				})
				if err != nil {
					return err
				}
				resultJSON = store.MarshalJSON(map[string]any{"appointment_id": appointmentID})
				return nil

			case ActionSetOptOut:
				if err := g.SetOptOut(ctx, gateway.OptOutRequest{
					LeadID: action.LeadID,
					Reason: action.Reason,
				}); err != nil {
					return err
				}
				resultJSON = store.MarshalJSON(map[string]any{"result": "opted_out"})
				return nil

			case ActionScheduleJob:
				jobID, err := g.ScheduleJob(ctx, gateway.JobRequest{
					JobType:     action.JobType,
					TargetID:    action.TargetID,
					ExecuteAt:   action.ExecuteAt,
					PayloadJSON: action.PayloadJSON,
				})
				if err != nil {
					return err
				}
				resultJSON = store.MarshalJSON(map[string]any{"job_id": jobID})
				return nil

			default:
				return &gateway.ValidationError{
					Message: fmt.Sprintf("unknown action_type: %s", action.ActionType),
				}
			}
		}()

		if opErr != nil {
			if _, ok := gateway.AsBlock(opErr); ok || gateway.IsValidation(opErr) || gateway.IsConflict(opErr) {
				refusal = opErr
				return nil
			}
			return opErr
		}
		return nil
	})
	if err != nil {
		return AgentExecuteResult{}, err
	}
	if refusal != nil {
		msg := refusal.Error()
		return AgentExecuteResult{Success: false, Error: &msg}, nil
	}

	return AgentExecuteResult{Success: true, ResultJSON: &resultJSON}, nil
}
