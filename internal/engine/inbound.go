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

// A reply older than this relative to our last outbound is stale: the lead
// is answering a conversation we have moved past, so the state machine
// resets rather than misreading the reply as a slot choice.
const staleReplyAfter = 24 * time.Hour

// Opt-out keywords, matched against the trimmed, uppercased inbound body.
var optOutKeywords = map[string]bool{
	"STOP":        true,
	"UNSUBSCRIBE": true,
	"STOPALL":     true,
	"CANCEL":      true,
	"END":         true,
	"QUIT":        true,
}

// HandleInbound records an inbound message for the lead and advances the
// conversation state machine. The whole event - message row, state
// evaluation, gateway side-effects, conversation/lead updates, scheduled
// follow-ups - runs in a single transaction.
func (e *Engine) HandleInbound(ctx context.Context, leadID int64, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return &gateway.ValidationError{Message: "inbound body cannot be empty"}
	}

	return e.withGateway(ctx, func(tx *sql.Tx, g *gateway.Gateway) error {
		convo, err := store.GetConversationByLead(ctx, tx, leadID)
		if err != nil {
			return err
		}

		nowISO := store.NowISO(g.Now())
		if _, err := store.InsertMessage(ctx, tx, model.Message{
			ConversationID: convo.ID,
			Direction:      model.DirectionInbound,
			Body:           trimmed,
			Status:         model.MessageReceived,
			CreatedAt:      nowISO,
		}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET last_inbound_at = ? WHERE id = ?`,
			nowISO, convo.ID); err != nil {
			return fmt.Errorf("update last_inbound_at: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE leads SET last_contact_at = ? WHERE id = ?`,
			nowISO, leadID); err != nil {
			return fmt.Errorf("update last_contact_at: %w", err)
		}

		// Re-read so the state evaluation sees last_inbound_at.
		lead, err := store.GetLead(ctx, tx, leadID)
		if err != nil {
			return err
		}
		convo, err = store.GetConversationByLead(ctx, tx, leadID)
		if err != nil {
			return err
		}

		return e.advanceConversation(ctx, tx, g, lead, convo, trimmed)
	})
}

// advanceConversation applies one inbound event to the state machine.
func (e *Engine) advanceConversation(
	ctx context.Context,
	tx *sql.Tx,
	g *gateway.Gateway,
	lead model.Lead,
	convo model.Conversation,
	body string,
) error {
	normalized := strings.ToUpper(strings.TrimSpace(body))

	// Opt-out wins from every state, then exactly one compliance
	// confirmation goes out. The gateway spends the exemption, so a second
	// STOP audits a block instead of sending again.
	if optOutKeywords[normalized] {
		if err := g.SetOptOut(ctx, gateway.OptOutRequest{
			LeadID: lead.ID,
			Reason: "lead sent stop keyword",
		}); err != nil {
			return err
		}
		e.sendReply(ctx, g, lead.ID, convo.ID, unsubscribeBody, replyFlags{
			allowWithoutConsent: true,
			allowOptedOutOnce:   true,
		})
		return nil
	}

	// Opted-out leads get silence, whatever they write.
	if lead.OptedOut {
		return nil
	}

	// Stale-reply rule: a late inbound resets the conversation instead of
	// being interpreted against long-gone offered slots.
	if convo.LastOutboundAt != nil {
		lastOutbound, err := store.ParseISO(*convo.LastOutboundAt)
		if err != nil {
			return err
		}
		if g.Now().Sub(lastOutbound) >= staleReplyAfter {
			if err := resetConversation(ctx, tx, lead.ID, convo.ID); err != nil {
				return err
			}
			e.sendReply(ctx, g, lead.ID, convo.ID, safePromptBody, replyFlags{})
			return nil
		}
	}

	switch convo.State {
	case model.StatusAwaitingYes:
		return e.handleAwaitingYes(ctx, tx, g, lead, convo, normalized)

	case model.StatusAwaitingTimeChoice:
		return e.handleTimeChoice(ctx, tx, g, lead, convo, normalized)

	case model.StatusBooked, model.StatusOptedOut, model.StatusNeedsStaff:
		// Silence. Booked leads are done; needs_staff is the operator's
		// queue, not the automation's.
		return nil

	default:
		// Unknown state in the row: degrade to the safe prompt.
		if err := resetConversation(ctx, tx, lead.ID, convo.ID); err != nil {
			return err
		}
		e.sendReply(ctx, g, lead.ID, convo.ID, safePromptBody, replyFlags{})
		return nil
	}
}

func (e *Engine) handleAwaitingYes(
	ctx context.Context,
	tx *sql.Tx,
	g *gateway.Gateway,
	lead model.Lead,
	convo model.Conversation,
	normalized string,
) error {
	if normalized != "YES" {
		e.sendReply(ctx, g, lead.ID, convo.ID, safePromptBody, replyFlags{})
		return nil
	}

	slots, err := e.offerSlots(ctx, tx, g, lead.ID)
	if err != nil {
		return err
	}
	if len(slots) < 2 {
		return e.flagForStaff(ctx, tx, g, lead, convo, "no_slots_available", noSlotsBody)
	}

	if err := setConversationState(ctx, tx, lead.ID, convo.ID,
		model.StatusAwaitingTimeChoice, model.ConversationState{OfferedSlots: slots}, 0); err != nil {
		return err
	}

	offer, err := slotOfferBody(g.Timezone(), slots)
	if err != nil {
		return err
	}
	e.sendReply(ctx, g, lead.ID, convo.ID, offer, replyFlags{})
	return nil
}

func (e *Engine) handleTimeChoice(
	ctx context.Context,
	tx *sql.Tx,
	g *gateway.Gateway,
	lead model.Lead,
	convo model.Conversation,
	normalized string,
) error {
	state := model.DecodeState(convo.StateJSON)

	if normalized == "1" || normalized == "2" {
		index := 0
		if normalized == "2" {
			index = 1
		}
		if index < len(state.OfferedSlots) {
			return e.bookOfferedSlot(ctx, tx, g, lead, convo, state.OfferedSlots[index])
		}
	}

	return e.repairTimeChoice(ctx, tx, g, lead, convo, state)
}

// repairTimeChoice handles a reply in awaiting_time_choice that is neither a
// slot choice nor opt-out. The two already-offered slots are re-offered; at
// two failed repairs the conversation goes to staff.
func (e *Engine) repairTimeChoice(
	ctx context.Context,
	tx *sql.Tx,
	g *gateway.Gateway,
	lead model.Lead,
	convo model.Conversation,
	state model.ConversationState,
) error {
	attempts := convo.RepairAttempts + 1

	if len(state.OfferedSlots) < 2 {
		return e.flagForStaff(ctx, tx, g, lead, convo, "repair_no_slots", repairNoSlotsBody)
	}

	if attempts >= 2 {
		if err := setConversationState(ctx, tx, lead.ID, convo.ID,
			model.StatusNeedsStaff, model.ConversationState{}, attempts); err != nil {
			return err
		}
		if err := flagNeedsStaffAttention(ctx, tx, g, lead.ID, "repair_attempts_exceeded"); err != nil {
			return err
		}
		body, err := repairBody(g.Timezone(), state.OfferedSlots, true)
		if err != nil {
			return err
		}
		e.sendReply(ctx, g, lead.ID, convo.ID, body, replyFlags{})
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET repair_attempts = ? WHERE id = ?`,
		attempts, convo.ID); err != nil {
		return fmt.Errorf("bump repair_attempts: %w", err)
	}

	body, err := repairBody(g.Timezone(), state.OfferedSlots, false)
	if err != nil {
		return err
	}
	e.sendReply(ctx, g, lead.ID, convo.ID, body, replyFlags{})
	return nil
}

// flagForStaff marks the lead for staff attention, moves the conversation to
// needs_staff, and sends the hand-off message.
func (e *Engine) flagForStaff(
	ctx context.Context,
	tx *sql.Tx,
	g *gateway.Gateway,
	lead model.Lead,
	convo model.Conversation,
	reason, body string,
) error {
	if err := setConversationState(ctx, tx, lead.ID, convo.ID,
		model.StatusNeedsStaff, model.ConversationState{}, convo.RepairAttempts); err != nil {
		return err
	}
	if err := flagNeedsStaffAttention(ctx, tx, g, lead.ID, reason); err != nil {
		return err
	}
	e.sendReply(ctx, g, lead.ID, convo.ID, body, replyFlags{})
	return nil
}

// replyFlags are the gateway flags for conversational replies. Replies to an
// inbound are operator-visible but not "automated" in the rate-limit sense:
// they answer a message the lead just sent.
type replyFlags struct {
	allowWithoutConsent bool
	allowOptedOutOnce   bool
}

// sendReply routes a conversational reply through the gateway. A gateway
// block is an outcome, not a failure: it is already audited, so the
// transition proceeds without the message.
func (e *Engine) sendReply(ctx context.Context, g *gateway.Gateway, leadID, conversationID int64, body string, flags replyFlags) {
	_, err := g.CreateOutboundMessage(ctx, gateway.OutboundRequest{
		LeadID:              leadID,
		ConversationID:      conversationID,
		Body:                body,
		Automated:           false,
		AllowWithoutConsent: flags.allowWithoutConsent,
		AllowOptedOutOnce:   flags.allowOptedOutOnce,
		AllowAfterReply:     true,
		IgnoreBusinessHours: true,
	})
	if err != nil {
		if be, ok := gateway.AsBlock(err); ok {
			slog.Info("reply blocked", "lead_id", leadID, "reason", be.Reason)
			return
		}
		slog.Error("reply failed", "lead_id", leadID, "error", err)
	}
}

func setConversationState(ctx context.Context, tx *sql.Tx, leadID, conversationID int64, state string, payload model.ConversationState, repairAttempts int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET state = ?, state_json = ?, repair_attempts = ? WHERE id = ?`,
		state, model.EncodeState(payload), repairAttempts, conversationID); err != nil {
		return fmt.Errorf("set conversation state %s: %w", state, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE leads SET status = ? WHERE id = ?`,
		state, leadID); err != nil {
		return fmt.Errorf("set lead status %s: %w", state, err)
	}
	return nil
}

func resetConversation(ctx context.Context, tx *sql.Tx, leadID, conversationID int64) error {
	return setConversationState(ctx, tx, leadID, conversationID,
		model.StatusAwaitingYes, model.ConversationState{}, 0)
}

// flagNeedsStaffAttention sets the operator flag and audits the decision.
func flagNeedsStaffAttention(ctx context.Context, tx *sql.Tx, g *gateway.Gateway, leadID int64, reason string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE leads SET needs_staff_attention = 1 WHERE id = ?`, leadID); err != nil {
		return fmt.Errorf("flag needs_staff_attention: %w", err)
	}

	target := fmt.Sprintf("%d", leadID)
	response := store.MarshalJSON(map[string]any{"needs_staff_attention": true})
	return store.InsertAudit(ctx, tx, model.AuditEntry{
		ActionType:   "flag_needs_staff_attention",
		TargetType:   "lead",
		TargetID:     &target,
		RequestJSON:  store.MarshalJSON(map[string]any{"reason": reason}),
		ResponseJSON: &response,
		Success:      true,
		CreatedAt:    store.NowISO(g.Now()),
	})
}
