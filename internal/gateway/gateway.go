// Package gateway is the sole sanctioned producer of outbound messages,
// appointments, opt-out flips, and scheduled jobs. Every attempt - allowed,
// blocked, or failed - writes an audit row in the caller's transaction.
// Centralizing the five checks (consent, opt-out, kill switch, business
// hours, rate limits) here is the safety property: no other code path
// creates outbound messages, appointments, opt-out flips, or jobs.
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/sutton-OS/GoldBot/internal/hours"
	"github.com/sutton-OS/GoldBot/internal/model"
	"github.com/sutton-OS/GoldBot/internal/store"
)

// Rate limits for automated outbound.
const (
	maxOutboundPerLeadDay      = 4
	maxOutboundPerLocationHour = 100
	minOutboundGap             = 2 * time.Hour
	duplicateBodyWindow        = 10 * time.Minute
)

// AppointmentDuration is fixed: end_at = start_at + 30 minutes.
const AppointmentDuration = 30 * time.Minute

// OutboundRequest describes one attempted outbound message.
type OutboundRequest struct {
	LeadID              int64  `json:"lead_id"`
	ConversationID      int64  `json:"conversation_id"`
	Body                string `json:"body"`
	Automated           bool   `json:"automated"`
	AllowWithoutConsent bool   `json:"allow_without_consent"`
	AllowOptedOutOnce   bool   `json:"allow_opted_out_once"`
	AllowAfterReply     bool   `json:"allow_after_reply"`
	IgnoreBusinessHours bool   `json:"ignore_business_hours"`
}

// AppointmentRequest describes one attempted booking.
type AppointmentRequest struct {
	LeadID  int64  `json:"lead_id"`
	StartAt string `json:"start_at"`
}

// OptOutRequest flips a lead to opted-out.
type OptOutRequest struct {
	LeadID int64  `json:"lead_id"`
	Reason string `json:"reason"`
}

// JobRequest inserts a pending scheduled job.
type JobRequest struct {
	JobType     string `json:"job_type"`
	TargetID    *int64 `json:"target_id"`
	ExecuteAt   string `json:"execute_at"`
	PayloadJSON string `json:"payload_json"`
}

// Gateway evaluates policy and performs side-effects inside the caller's
// transaction. One Gateway serves one engine call: it carries the evaluation
// instant and the request correlation token stamped into every audit row.
type Gateway struct {
	q        store.Querier
	location model.Location
	tz       *time.Location
	sched    hours.Schedule
	now      time.Time
	token    string
}

// New builds a Gateway for one transaction. The timezone and weekly schedule
// come from the singleton location row.
func New(q store.Querier, location model.Location, now time.Time, token string) (*Gateway, error) {
	tz, err := time.LoadLocation(location.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", location.Timezone, err)
	}
	sched, err := hours.ParseSchedule(location.BusinessHoursJSON)
	if err != nil {
		return nil, err
	}
	return &Gateway{q: q, location: location, tz: tz, sched: sched, now: now, token: token}, nil
}

// Now returns the gateway's evaluation instant.
func (g *Gateway) Now() time.Time { return g.now }

// Schedule returns the parsed weekly schedule.
func (g *Gateway) Schedule() hours.Schedule { return g.sched }

// Timezone returns the location timezone.
func (g *Gateway) Timezone() *time.Location { return g.tz }

// Location returns the location row the gateway was built from.
func (g *Gateway) Location() model.Location { return g.location }

// ValidateOutbound runs the outbound precondition checks in their fixed
// order without performing the send. First failure wins.
func (g *Gateway) ValidateOutbound(ctx context.Context, req OutboundRequest) error {
	// 1. Kill switch gates automated sends only.
	if req.Automated {
		enabled, err := store.IsKillSwitchEnabled(ctx, g.q)
		if err != nil {
			return err
		}
		if enabled {
			return blocked(BlockKillSwitch, "automated outbound paused")
		}
	}

	lead, err := store.GetLead(ctx, g.q, req.LeadID)
	if err != nil {
		return err
	}
	convo, err := store.GetConversationByLead(ctx, g.q, req.LeadID)
	if err != nil {
		return err
	}
	if convo.ID != req.ConversationID {
		return invalid("conversation_id %d does not belong to lead %d", req.ConversationID, req.LeadID)
	}

	// 2. Opt-out. The single exempt path is the compliance STOP
	// confirmation; once one post-opt-out outbound exists, the exemption
	// is spent and every further attempt is blocked.
	if lead.OptedOut {
		if !req.AllowOptedOutOnce {
			return blocked(BlockOptedOut, "lead has opted out")
		}
		spent, err := g.optOutConfirmationSent(ctx, req.LeadID)
		if err != nil {
			return err
		}
		if spent {
			return blocked(BlockOptedOut, "compliance confirmation already sent")
		}
	}

	// 3. Consent.
	if !lead.Consent && !req.AllowWithoutConsent {
		return blocked(BlockNoConsent, "consent required before outbound")
	}

	replied := inboundNewerThanOutbound(convo)

	// 4. Business hours gate automated sends, waived when answering a
	// fresh reply.
	if req.Automated && !req.IgnoreBusinessHours && !g.sched.IsOpen(g.tz, g.now) {
		if !(req.AllowAfterReply && replied) {
			return blocked(BlockOutsideHours, "outside business hours")
		}
	}

	// 5. Rate limits gate automated sends only.
	if req.Automated {
		if err := g.checkRateLimits(ctx, req.LeadID, convo, replied); err != nil {
			return err
		}
	}

	return nil
}

// ValidateAgentOutbound applies the agent-path hardening before the normal
// outbound checks: an agent action may never carry a bypass flag, and a
// duplicate body for the conversation within 10 minutes is blocked.
func (g *Gateway) ValidateAgentOutbound(ctx context.Context, req OutboundRequest) error {
	if req.AllowWithoutConsent {
		return invalid("agent outbound cannot bypass consent")
	}
	if req.AllowOptedOutOnce {
		return invalid("agent outbound cannot bypass opt-out suppression")
	}
	if req.IgnoreBusinessHours {
		return invalid("agent outbound cannot ignore business hours")
	}

	if err := g.ValidateOutbound(ctx, req); err != nil {
		return err
	}

	var dupes int64
	err := g.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND direction = 'OUTBOUND' AND body = ?
		  AND datetime(created_at) >= datetime(?)
	`, req.ConversationID, req.Body,
		store.NowISO(g.now.Add(-duplicateBodyWindow))).Scan(&dupes)
	if err != nil {
		return fmt.Errorf("check duplicate outbound: %w", err)
	}
	if dupes > 0 {
		return blocked(BlockDuplicateRecent, "duplicate outbound body within 10 minutes")
	}

	return nil
}

// CreateOutboundMessage validates and performs one outbound send: the
// message row, conversation.last_outbound_at, and lead.last_contact_at are
// written together, and the attempt is audited either way.
func (g *Gateway) CreateOutboundMessage(ctx context.Context, req OutboundRequest) (int64, error) {
	return g.createOutbound(ctx, req, g.ValidateOutbound)
}

// CreateOutboundMessageForAgent is the agent-bridge variant with the extra
// hardening of ValidateAgentOutbound.
func (g *Gateway) CreateOutboundMessageForAgent(ctx context.Context, req OutboundRequest) (int64, error) {
	return g.createOutbound(ctx, req, g.ValidateAgentOutbound)
}

func (g *Gateway) createOutbound(
	ctx context.Context,
	req OutboundRequest,
	validate func(context.Context, OutboundRequest) error,
) (int64, error) {
	targetID := fmt.Sprintf("%d", req.ConversationID)

	messageID, err := func() (int64, error) {
		if err := validate(ctx, req); err != nil {
			return 0, err
		}

		nowISO := store.NowISO(g.now)
		messageID, err := store.InsertMessage(ctx, g.q, model.Message{
			ConversationID: req.ConversationID,
			Direction:      model.DirectionOutbound,
			Body:           req.Body,
			Status:         model.MessageSent,
			CreatedAt:      nowISO,
		})
		if err != nil {
			return 0, err
		}

		if _, err := g.q.ExecContext(ctx,
			`UPDATE conversations SET last_outbound_at = ? WHERE id = ?`,
			nowISO, req.ConversationID); err != nil {
			return 0, fmt.Errorf("update conversation last_outbound_at: %w", err)
		}
		if _, err := g.q.ExecContext(ctx,
			`UPDATE leads SET last_contact_at = ? WHERE id = ?`,
			nowISO, req.LeadID); err != nil {
			return 0, fmt.Errorf("update lead last_contact_at: %w", err)
		}

		return messageID, nil
	}()

	g.audit(ctx, "create_outbound_message", "conversation", &targetID, req,
		successJSON(err, map[string]any{"message_id": messageID}), err)

	if err != nil {
		return 0, err
	}
	slog.Info("outbound sent",
		"lead_id", req.LeadID,
		"conversation_id", req.ConversationID,
		"message_id", messageID,
		"automated", req.Automated,
	)
	return messageID, nil
}

// ValidateAppointment checks a booking without committing it: the lead must
// have consent and not be opted out, the span must fit inside business
// hours, and it may not overlap another booked appointment of the same lead.
func (g *Gateway) ValidateAppointment(ctx context.Context, req AppointmentRequest) error {
	lead, err := store.GetLead(ctx, g.q, req.LeadID)
	if err != nil {
		return err
	}
	if lead.OptedOut {
		return blocked(BlockOptedOut, "cannot book appointment for opted-out lead")
	}
	if !lead.Consent {
		return blocked(BlockNoConsent, "cannot book appointment without consent")
	}

	start, err := store.ParseISO(req.StartAt)
	if err != nil {
		return invalid("invalid start_at: %v", err)
	}
	end := start.Add(AppointmentDuration)

	if !g.sched.SpanOpen(g.tz, start, AppointmentDuration) {
		return blocked(BlockOutsideHours, "appointment outside business hours")
	}

	existing, err := store.ListBookedAppointments(ctx, g.q, req.LeadID)
	if err != nil {
		return err
	}
	for _, a := range existing {
		aStart, err := store.ParseISO(a.StartAt)
		if err != nil {
			return err
		}
		aEnd, err := store.ParseISO(a.EndAt)
		if err != nil {
			return err
		}
		if start.Before(aEnd) && aStart.Before(end) {
			return &ConflictError{Message: "selected appointment slot is no longer available"}
		}
	}

	return nil
}

// CreateAppointment validates and books a 30-minute appointment, moving the
// lead to booked and clearing next_action_at. The kill switch does not gate
// bookings; the confirmation outbound is governed separately by its own
// flags through CreateOutboundMessage.
func (g *Gateway) CreateAppointment(ctx context.Context, req AppointmentRequest) (int64, error) {
	targetID := fmt.Sprintf("%d", req.LeadID)

	appointmentID, err := func() (int64, error) {
		if err := g.ValidateAppointment(ctx, req); err != nil {
			return 0, err
		}

		start, err := store.ParseISO(req.StartAt)
		if err != nil {
			return 0, err
		}

		appointmentID, err := store.InsertAppointment(ctx, g.q, model.Appointment{
			LeadID:    req.LeadID,
			StartAt:   store.NowISO(start),
			EndAt:     store.NowISO(start.Add(AppointmentDuration)),
			Status:    model.AppointmentBooked,
			CreatedAt: store.NowISO(g.now),
		})
		if err != nil {
			return 0, err
		}

		if _, err := g.q.ExecContext(ctx,
			`UPDATE leads SET status = ?, next_action_at = NULL WHERE id = ?`,
			model.StatusBooked, req.LeadID); err != nil {
			return 0, fmt.Errorf("update lead status booked: %w", err)
		}

		return appointmentID, nil
	}()

	g.audit(ctx, "create_appointment", "lead", &targetID, req,
		successJSON(err, map[string]any{"appointment_id": appointmentID}), err)

	if err != nil {
		return 0, err
	}
	slog.Info("appointment booked",
		"lead_id", req.LeadID,
		"appointment_id", appointmentID,
		"start_at", req.StartAt,
	)
	return appointmentID, nil
}

// ValidateOptOut only requires that the lead exists; opting out is always
// permitted.
func (g *Gateway) ValidateOptOut(ctx context.Context, req OptOutRequest) error {
	_, err := store.GetLead(ctx, g.q, req.LeadID)
	return err
}

// SetOptOut idempotently flips the lead to opted-out, cancels the lead's
// pending jobs, and audits the flip.
func (g *Gateway) SetOptOut(ctx context.Context, req OptOutRequest) error {
	targetID := fmt.Sprintf("%d", req.LeadID)

	var cancelled int64
	err := func() error {
		if err := g.ValidateOptOut(ctx, req); err != nil {
			return err
		}

		if _, err := g.q.ExecContext(ctx, `
			UPDATE leads SET opted_out = 1, status = ?, next_action_at = NULL WHERE id = ?
		`, model.StatusOptedOut, req.LeadID); err != nil {
			return fmt.Errorf("flip opt-out: %w", err)
		}
		if _, err := g.q.ExecContext(ctx,
			`UPDATE conversations SET state = ? WHERE lead_id = ?`,
			model.StatusOptedOut, req.LeadID); err != nil {
			return fmt.Errorf("update conversation state opted_out: %w", err)
		}

		var err error
		cancelled, err = store.CancelPendingJobsForLead(ctx, g.q, req.LeadID)
		return err
	}()

	g.audit(ctx, "set_opt_out", "lead", &targetID, req,
		successJSON(err, map[string]any{"result": "opted_out", "cancelled_jobs": cancelled}), err)

	if err != nil {
		return err
	}
	slog.Info("lead opted out", "lead_id", req.LeadID, "reason", req.Reason, "cancelled_jobs", cancelled)
	return nil
}

// ValidateScheduleJob checks a job request. The kill switch does NOT block
// scheduling - only execution - so the checks are structural only.
func (g *Gateway) ValidateScheduleJob(_ context.Context, req JobRequest) error {
	switch req.JobType {
	case model.JobInitialFollowUp, model.JobAppointmentReminder, model.JobSafeReprompt:
	default:
		return invalid("unknown job_type: %s", req.JobType)
	}
	if _, err := store.ParseISO(req.ExecuteAt); err != nil {
		return invalid("invalid execute_at: %v", err)
	}
	return nil
}

// ScheduleJob inserts a pending job and audits the insert.
func (g *Gateway) ScheduleJob(ctx context.Context, req JobRequest) (int64, error) {
	jobID, err := func() (int64, error) {
		if err := g.ValidateScheduleJob(ctx, req); err != nil {
			return 0, err
		}
		payload := req.PayloadJSON
		if payload == "" {
			payload = "{}"
		}
		return store.InsertJob(ctx, g.q, model.ScheduledJob{
			JobType:     req.JobType,
			TargetID:    req.TargetID,
			ExecuteAt:   req.ExecuteAt,
			PayloadJSON: payload,
			CreatedAt:   store.NowISO(g.now),
		})
	}()

	var targetID *string
	if err == nil {
		s := fmt.Sprintf("%d", jobID)
		targetID = &s
	}
	g.audit(ctx, "schedule_job", "scheduled_job", targetID, req,
		successJSON(err, map[string]any{"job_id": jobID}), err)

	if err != nil {
		return 0, err
	}
	slog.Info("job scheduled", "job_id", jobID, "job_type", req.JobType, "execute_at", req.ExecuteAt)
	return jobID, nil
}

// CancelJobsOnKillSwitch cancels every pending job. Called in the same
// transaction as the OFF-to-ON kill switch flip so the toggle is observable
// immediately. One summary audit row carries the count.
func (g *Gateway) CancelJobsOnKillSwitch(ctx context.Context) (int64, error) {
	cancelled, err := store.CancelAllPendingJobs(ctx, g.q)

	g.audit(ctx, "cancel_jobs_on_kill_switch", "scheduled_job", nil,
		map[string]any{"scope": "all_pending"},
		successJSON(err, map[string]any{"cancelled": cancelled}), err)

	if err != nil {
		return 0, err
	}
	slog.Info("pending jobs cancelled by kill switch", "cancelled", cancelled)
	return cancelled, nil
}

// checkRateLimits enforces the three automated-send limits, in order:
// per-lead local day, per-location trailing hour, minimum gap.
func (g *Gateway) checkRateLimits(ctx context.Context, leadID int64, convo model.Conversation, replied bool) error {
	dayStart, dayEnd := hours.DayBounds(g.tz, g.now)
	var perLeadToday int64
	err := g.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.lead_id = ? AND m.direction = 'OUTBOUND' AND m.status = 'sent'
		  AND datetime(m.created_at) >= datetime(?) AND datetime(m.created_at) < datetime(?)
	`, leadID, store.NowISO(dayStart), store.NowISO(dayEnd)).Scan(&perLeadToday)
	if err != nil {
		return fmt.Errorf("count lead outbound today: %w", err)
	}
	if perLeadToday >= maxOutboundPerLeadDay {
		return blocked(BlockRateLeadDay, "max 4 outbound per lead per day")
	}

	var perLocationHour int64
	err = g.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE direction = 'OUTBOUND' AND status = 'sent'
		  AND datetime(created_at) >= datetime(?)
	`, store.NowISO(g.now.Add(-time.Hour))).Scan(&perLocationHour)
	if err != nil {
		return fmt.Errorf("count location outbound hour: %w", err)
	}
	if perLocationHour >= maxOutboundPerLocationHour {
		return blocked(BlockRateLocationHour, "max 100 outbound per location per hour")
	}

	if convo.LastOutboundAt != nil {
		lastOutbound, err := store.ParseISO(*convo.LastOutboundAt)
		if err != nil {
			return err
		}
		if g.now.Sub(lastOutbound) < minOutboundGap && !replied {
			return blocked(BlockRateMinGap, "minimum 2 hours between outbound unless lead replied")
		}
	}

	return nil
}

// optOutConfirmationSent reports whether a sent outbound exists at or after
// the lead's first successful opt-out flip. That single message is the
// compliance confirmation; once present, the opted-out exemption is spent.
func (g *Gateway) optOutConfirmationSent(ctx context.Context, leadID int64) (bool, error) {
	target := fmt.Sprintf("%d", leadID)
	var optOutAt sql.NullString
	err := g.q.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM audit_log
		WHERE action_type = 'set_opt_out' AND success = 1
		  AND target_type = 'lead' AND target_id = ?
	`, target).Scan(&optOutAt)
	if err != nil {
		return false, fmt.Errorf("find opt-out flip: %w", err)
	}
	// MIN() over no rows is NULL; no recorded flip means the confirmation
	// cannot have been sent yet.
	if !optOutAt.Valid {
		return false, nil
	}

	var count int64
	err = g.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.lead_id = ? AND m.direction = 'OUTBOUND' AND m.status = 'sent'
		  AND datetime(m.created_at) >= datetime(?)
	`, leadID, optOutAt.String).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count post-opt-out outbound: %w", err)
	}
	return count > 0, nil
}

func inboundNewerThanOutbound(convo model.Conversation) bool {
	if convo.LastInboundAt == nil {
		return false
	}
	if convo.LastOutboundAt == nil {
		return true
	}
	inbound, err := store.ParseISO(*convo.LastInboundAt)
	if err != nil {
		return false
	}
	outbound, err := store.ParseISO(*convo.LastOutboundAt)
	if err != nil {
		return false
	}
	return inbound.After(outbound)
}

// audit records one gateway attempt. Audit failures are logged, not
// propagated: losing an audit row must not turn a successful side-effect
// into an error after the fact.
func (g *Gateway) audit(ctx context.Context, actionType, targetType string, targetID *string, req any, response *string, opErr error) {
	entry := model.AuditEntry{
		ActionType:   actionType,
		TargetType:   targetType,
		TargetID:     targetID,
		RequestJSON:  store.MarshalJSON(map[string]any{"request": req, "request_token": g.token}),
		ResponseJSON: response,
		Success:      opErr == nil,
		CreatedAt:    store.NowISO(g.now),
	}
	if opErr != nil {
		msg := opErr.Error()
		entry.ErrorMessage = &msg
	}
	if err := store.InsertAudit(ctx, g.q, entry); err != nil {
		slog.Error("audit write failed", "action_type", actionType, "error", err)
	}
}

func successJSON(opErr error, payload map[string]any) *string {
	if opErr != nil {
		return nil
	}
	s := store.MarshalJSON(payload)
	return &s
}
