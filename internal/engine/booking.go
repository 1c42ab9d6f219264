package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/sutton-OS/GoldBot/internal/gateway"
	"github.com/sutton-OS/GoldBot/internal/hours"
	"github.com/sutton-OS/GoldBot/internal/model"
	"github.com/sutton-OS/GoldBot/internal/store"
)

// Offer window: candidate slots come from the next three business days,
// today included while it still has open time.
const offerBusinessDays = 3

// Reminders go out two hours before the appointment starts.
const reminderLead = 2 * time.Hour

// offerSlots enumerates the earliest two bookable slots for the lead:
// 30-minute spans inside open intervals across the next three business days,
// stepped on the 40-minute slot+buffer grid, skipping anything that would
// crowd the lead's existing booked appointments.
func (e *Engine) offerSlots(ctx context.Context, tx *sql.Tx, g *gateway.Gateway, leadID int64) ([]model.Slot, error) {
	booked, err := store.ListBookedAppointments(ctx, tx, leadID)
	if err != nil {
		return nil, err
	}

	existing := make([]hours.Span, 0, len(booked))
	for _, a := range booked {
		start, err := store.ParseISO(a.StartAt)
		if err != nil {
			return nil, err
		}
		end, err := store.ParseISO(a.EndAt)
		if err != nil {
			return nil, err
		}
		existing = append(existing, hours.Span{Start: start, End: end})
	}

	spans := g.Schedule().EnumerateSlots(g.Timezone(), g.Now(), offerBusinessDays, 2, existing)

	slots := make([]model.Slot, 0, len(spans))
	for _, s := range spans {
		slots = append(slots, model.Slot{
			StartAt: store.NowISO(s.Start),
			EndAt:   store.NowISO(s.End),
		})
	}
	return slots, nil
}

// bookOfferedSlot commits a chosen slot: appointment through the gateway,
// confirmation outbound, and the reminder job two hours ahead of the start.
// A reminder time already in the past is still scheduled - the next drain
// no-ops it if the appointment has passed, and the confirmation remains
// useful either way.
func (e *Engine) bookOfferedSlot(
	ctx context.Context,
	tx *sql.Tx,
	g *gateway.Gateway,
	lead model.Lead,
	convo model.Conversation,
	slot model.Slot,
) error {
	appointmentID, err := g.CreateAppointment(ctx, gateway.AppointmentRequest{
		LeadID:  lead.ID,
		StartAt: slot.StartAt,
	})
	if err != nil {
		if gateway.IsConflict(err) {
			// The offered slot was taken between offer and choice;
			// treat the reply like a repairable miss.
			slog.Info("offered slot no longer available", "lead_id", lead.ID, "start_at", slot.StartAt)
			return e.repairTimeChoice(ctx, tx, g, lead, convo, model.DecodeState(convo.StateJSON))
		}
		return err
	}

	if err := setConversationState(ctx, tx, lead.ID, convo.ID,
		model.StatusBooked, model.ConversationState{}, 0); err != nil {
		return err
	}

	start, err := store.ParseISO(slot.StartAt)
	if err != nil {
		return err
	}
	e.sendReply(ctx, g, lead.ID, convo.ID, bookingConfirmationBody(g.Timezone(), start), replyFlags{})

	// A start less than two hours out clamps the reminder to now, so it
	// still fires on the next drain and execute_at never precedes created_at.
	remindAt := start.Add(-reminderLead)
	if remindAt.Before(g.Now()) {
		remindAt = g.Now()
	}

	_, err = g.ScheduleJob(ctx, gateway.JobRequest{
		JobType:   model.JobAppointmentReminder,
		TargetID:  &appointmentID,
		ExecuteAt: store.NowISO(remindAt),
		PayloadJSON: store.MarshalJSON(model.ReminderPayload{
			LeadID:        lead.ID,
			AppointmentID: appointmentID,
			StartAt:       slot.StartAt,
		}),
	})
	if err != nil {
		return fmt.Errorf("schedule reminder for appointment %d: %w", appointmentID, err)
	}

	return nil
}
