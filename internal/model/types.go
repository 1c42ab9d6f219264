package model

import "encoding/json"

// Lead status values. These mirror the conversational states for the subset
// of the lifecycle a lead can be in.
const (
	StatusAwaitingYes        = "awaiting_yes"
	StatusAwaitingTimeChoice = "awaiting_time_choice"
	StatusBooked             = "booked"
	StatusOptedOut           = "opted_out"
	StatusNeedsStaff         = "needs_staff"
)

// Message directions and statuses.
const (
	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"

	MessageSent     = "sent"
	MessageReceived = "received"
	MessageBlocked  = "blocked"
)

// Scheduled job types and statuses. Transitions out of pending are terminal.
const (
	JobInitialFollowUp     = "initial_follow_up"
	JobAppointmentReminder = "appointment_reminder"
	JobSafeReprompt        = "safe_reprompt"

	JobPending   = "pending"
	JobDone      = "done"
	JobCancelled = "cancelled"
	JobFailed    = "failed"
)

// Appointment statuses.
const (
	AppointmentBooked    = "booked"
	AppointmentCancelled = "cancelled"
)

// Location is the singleton location row.
type Location struct {
	ID                int64  `json:"id"`
	GymName           string `json:"gym_name"`
	Timezone          string `json:"timezone"`
	BusinessHoursJSON string `json:"business_hours_json"`
}

// Lead is a prospective customer identified by phone number.
type Lead struct {
	ID                  int64   `json:"id"`
	PhoneE164           string  `json:"phone_e164"`
	FirstName           *string `json:"first_name"`
	LastName            *string `json:"last_name"`
	Consent             bool    `json:"consent"`
	ConsentAt           *string `json:"consent_at"`
	ConsentSource       *string `json:"consent_source"`
	Status              string  `json:"status"`
	OptedOut            bool    `json:"opted_out"`
	NeedsStaffAttention bool    `json:"needs_staff_attention"`
	LastContactAt       *string `json:"last_contact_at"`
	NextActionAt        *string `json:"next_action_at"`
	CreatedAt           string  `json:"created_at"`
}

// Conversation is the per-lead automaton row. Exactly one exists per lead,
// created in the same transaction as the lead itself.
type Conversation struct {
	ID             int64   `json:"id"`
	LeadID         int64   `json:"lead_id"`
	State          string  `json:"state"`
	StateJSON      string  `json:"state_json"`
	LastInboundAt  *string `json:"last_inbound_at"`
	LastOutboundAt *string `json:"last_outbound_at"`
	RepairAttempts int64   `json:"repair_attempts"`
}

// Message is a single inbound or outbound message on a conversation.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Direction      string `json:"direction"`
	Body           string `json:"body"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

// Appointment is a booked 30-minute session for a lead.
type Appointment struct {
	ID        int64  `json:"id"`
	LeadID    int64  `json:"lead_id"`
	StartAt   string `json:"start_at"`
	EndAt     string `json:"end_at"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// ScheduledJob is a persisted future action drained by the scheduler.
type ScheduledJob struct {
	ID          int64  `json:"id"`
	JobType     string `json:"job_type"`
	TargetID    *int64 `json:"target_id"`
	ExecuteAt   string `json:"execute_at"`
	Status      string `json:"status"`
	PayloadJSON string `json:"payload_json"`
	CreatedAt   string `json:"created_at"`
}

// Slot is a bookable 30-minute interval, stored in conversation state while
// a time choice is pending.
type Slot struct {
	StartAt string `json:"start_at"`
	EndAt   string `json:"end_at"`
}

// ConversationState is the opaque per-state payload serialized into
// conversations.state_json. The state column is the variant discriminator;
// this is the variant's payload.
type ConversationState struct {
	OfferedSlots []Slot `json:"offered_slots"`
}

// EncodeState serializes a conversation state payload.
func EncodeState(s ConversationState) string {
	raw, err := json.Marshal(s)
	if err != nil {
		// ConversationState contains only strings; marshal cannot fail.
		panic(err)
	}
	return string(raw)
}

// DecodeState parses a state_json payload. Malformed payloads decode to the
// zero state, so a corrupted row reads as one with no offered slots (the
// time-choice handler then hands the lead to staff) instead of a crash.
func DecodeState(raw string) ConversationState {
	var s ConversationState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return ConversationState{}
	}
	return s
}

// InitialFollowUpPayload is the payload_json for initial_follow_up and
// safe_reprompt jobs.
type InitialFollowUpPayload struct {
	LeadID int64 `json:"lead_id"`
}

// ReminderPayload is the payload_json for appointment_reminder jobs.
type ReminderPayload struct {
	LeadID        int64  `json:"lead_id"`
	AppointmentID int64  `json:"appointment_id"`
	StartAt       string `json:"start_at"`
}

// AuditEntry is one append-only audit_log row. Every Gateway attempt
// (allowed or blocked) and every engine decision of interest produces one.
type AuditEntry struct {
	ID           int64   `json:"id"`
	ActionType   string  `json:"action_type"`
	TargetType   string  `json:"target_type"`
	TargetID     *string `json:"target_id"`
	RequestJSON  string  `json:"request_json"`
	ResponseJSON *string `json:"response_json"`
	Success      bool    `json:"success"`
	ErrorMessage *string `json:"error_message"`
	CreatedAt    string  `json:"created_at"`
}
