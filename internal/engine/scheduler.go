package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sutton-OS/GoldBot/internal/gateway"
	"github.com/sutton-OS/GoldBot/internal/model"
	"github.com/sutton-OS/GoldBot/internal/store"
)

// RunJobsResult reports one drain invocation.
type RunJobsResult struct {
	Processed int64 `json:"processed"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
}

// errKillSwitchSkip aborts a job transaction without advancing the row: the
// kill switch flipped on between claim and dispatch, so the job stays
// pending for a later drain.
var errKillSwitchSkip = errors.New("kill switch on, job skipped")

// RunDueJobs drains every pending job due now, in (execute_at, id) order.
// Jobs under a kill switch stay pending and count as skipped; gateway blocks
// mark the job done with the block audited; unrecoverable handler errors
// mark it failed. Each job runs in its own retried transaction. Drains are
// serialized: the UI may invoke this concurrently with itself.
func (e *Engine) RunDueJobs(ctx context.Context) (RunJobsResult, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	now := e.clock.Now()
	nowISO := store.NowISO(now)
	var result RunJobsResult

	enabled, err := store.IsKillSwitchEnabled(ctx, e.store.DB())
	if err != nil {
		return result, err
	}
	jobs, err := store.ListDueJobs(ctx, e.store.DB(), nowISO)
	if err != nil {
		return result, err
	}
	if enabled {
		// Kill-switch-sourced cancellations happen at toggle time; a
		// drain under the switch just reports what it left alone.
		result.Skipped = int64(len(jobs))
		return result, nil
	}

	for _, job := range jobs {
		err := e.runJob(ctx, job)
		switch {
		case err == nil:
			result.Processed++
		case errors.Is(err, errKillSwitchSkip):
			result.Skipped++
		default:
			result.Errors++
			e.markJobFailed(ctx, job, err)
		}
	}

	slog.Info("drain complete",
		"processed", result.Processed,
		"skipped", result.Skipped,
		"errors", result.Errors,
	)
	return result, nil
}

// runJob dispatches one job inside a retried transaction. The kill switch is
// re-read first: it may have flipped since the claim. A gateway block is the
// job's observable outcome - the row goes to done and the block's audit row
// carries the reason.
func (e *Engine) runJob(ctx context.Context, job model.ScheduledJob) error {
	return e.withGateway(ctx, func(tx *sql.Tx, g *gateway.Gateway) error {
		enabled, err := store.IsKillSwitchEnabled(ctx, tx)
		if err != nil {
			return err
		}
		if enabled {
			return errKillSwitchSkip
		}

		err = e.dispatchJob(ctx, tx, g, job)
		if err != nil {
			if be, ok := gateway.AsBlock(err); ok {
				slog.Info("job blocked by gateway",
					"job_id", job.ID,
					"job_type", job.JobType,
					"reason", be.Reason,
				)
				return store.SetJobStatus(ctx, tx, job.ID, model.JobDone)
			}
			return err
		}

		return store.SetJobStatus(ctx, tx, job.ID, model.JobDone)
	})
}

func (e *Engine) dispatchJob(ctx context.Context, tx *sql.Tx, g *gateway.Gateway, job model.ScheduledJob) error {
	switch job.JobType {
	case model.JobInitialFollowUp:
		var payload model.InitialFollowUpPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("job %d payload: %w", job.ID, err)
		}
		return e.executeInitialFollowUp(ctx, tx, g, payload.LeadID)

	case model.JobAppointmentReminder:
		var payload model.ReminderPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("job %d payload: %w", job.ID, err)
		}
		return e.executeAppointmentReminder(ctx, tx, g, payload)

	case model.JobSafeReprompt:
		var payload model.InitialFollowUpPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("job %d payload: %w", job.ID, err)
		}
		return e.executeSafeReprompt(ctx, tx, g, payload.LeadID)

	default:
		return &gateway.ValidationError{Message: fmt.Sprintf("unknown job_type: %s", job.JobType)}
	}
}

// executeInitialFollowUp sends the first prompt and settles the conversation
// into awaiting_yes. Re-running it is harmless: the state write is
// idempotent and a duplicate prompt is stopped by the min-gap rate limit.
func (e *Engine) executeInitialFollowUp(ctx context.Context, tx *sql.Tx, g *gateway.Gateway, leadID int64) error {
	lead, err := store.GetLead(ctx, tx, leadID)
	if err != nil {
		return err
	}
	convo, err := store.GetConversationByLead(ctx, tx, leadID)
	if err != nil {
		return err
	}

	_, err = g.CreateOutboundMessage(ctx, gateway.OutboundRequest{
		LeadID:         leadID,
		ConversationID: convo.ID,
		Body:           initialFollowUpBody(lead, g.Location().GymName),
		Automated:      true,
	})
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE leads SET next_action_at = NULL WHERE id = ?`, leadID); err != nil {
		return fmt.Errorf("clear next_action_at: %w", err)
	}
	if convo.State != model.StatusAwaitingYes {
		return setConversationState(ctx, tx, leadID, convo.ID,
			model.StatusAwaitingYes, model.ConversationState{}, 0)
	}
	return nil
}

// executeAppointmentReminder sends the reminder while the appointment is
// still booked and still ahead; otherwise the job completes silently.
func (e *Engine) executeAppointmentReminder(ctx context.Context, tx *sql.Tx, g *gateway.Gateway, payload model.ReminderPayload) error {
	appt, err := store.GetAppointment(ctx, tx, payload.AppointmentID)
	if err != nil {
		return err
	}
	start, err := store.ParseISO(appt.StartAt)
	if err != nil {
		return err
	}
	if appt.Status != model.AppointmentBooked || !start.After(g.Now()) {
		slog.Info("reminder no-op",
			"appointment_id", appt.ID,
			"status", appt.Status,
			"start_at", appt.StartAt,
		)
		return nil
	}

	lead, err := store.GetLead(ctx, tx, payload.LeadID)
	if err != nil {
		return err
	}
	convo, err := store.GetConversationByLead(ctx, tx, payload.LeadID)
	if err != nil {
		return err
	}

	_, err = g.CreateOutboundMessage(ctx, gateway.OutboundRequest{
		LeadID:         payload.LeadID,
		ConversationID: convo.ID,
		Body:           reminderBody(lead, g.Timezone(), start),
		Automated:      true,
	})
	return err
}

// executeSafeReprompt resets a conversation to awaiting_yes and re-sends the
// safe prompt. Scheduled by operator tooling through the agent bridge when a
// conversation should be restarted at a quieter time.
func (e *Engine) executeSafeReprompt(ctx context.Context, tx *sql.Tx, g *gateway.Gateway, leadID int64) error {
	convo, err := store.GetConversationByLead(ctx, tx, leadID)
	if err != nil {
		return err
	}

	_, err = g.CreateOutboundMessage(ctx, gateway.OutboundRequest{
		LeadID:         leadID,
		ConversationID: convo.ID,
		Body:           safePromptBody,
		Automated:      true,
	})
	if err != nil {
		return err
	}

	return resetConversation(ctx, tx, leadID, convo.ID)
}

// markJobFailed moves the row to failed in its own transaction (the handler
// transaction rolled back) and audits the failure.
func (e *Engine) markJobFailed(ctx context.Context, job model.ScheduledJob, jobErr error) {
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.SetJobStatus(ctx, tx, job.ID, model.JobFailed); err != nil {
			return err
		}
		target := fmt.Sprintf("%d", job.ID)
		msg := jobErr.Error()
		return store.InsertAudit(ctx, tx, model.AuditEntry{
			ActionType: "run_scheduled_job",
			TargetType: "scheduled_job",
			TargetID:   &target,
			RequestJSON: store.MarshalJSON(map[string]any{
				"job_type":     job.JobType,
				"target_id":    job.TargetID,
				"payload_json": job.PayloadJSON,
			}),
			Success:      false,
			ErrorMessage: &msg,
			CreatedAt:    store.NowISO(e.clock.Now()),
		})
	})
	if err != nil {
		slog.Error("failed to mark job failed", "job_id", job.ID, "error", err)
	}
	slog.Error("job failed", "job_id", job.ID, "job_type", job.JobType, "error", jobErr)
}
