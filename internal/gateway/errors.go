package gateway

import (
	"errors"
	"fmt"
)

// BlockReason categorizes why the gateway refused a side-effect.
type BlockReason string

const (
	// BlockKillSwitch: the kill switch is on and the request was automated.
	BlockKillSwitch BlockReason = "kill_switch"

	// BlockOptedOut: the lead opted out and the request is not the single
	// compliance confirmation.
	BlockOptedOut BlockReason = "opted_out"

	// BlockNoConsent: the lead never consented and the request does not
	// carry the explicit consent bypass.
	BlockNoConsent BlockReason = "no_consent"

	// BlockOutsideHours: an automated send outside business hours with no
	// fresh reply to answer.
	BlockOutsideHours BlockReason = "outside_hours"

	// BlockRateLeadDay: 4 or more outbounds to this lead within the
	// current local day.
	BlockRateLeadDay BlockReason = "rate_lead_day"

	// BlockRateLocationHour: 100 or more outbounds across the location in
	// the trailing hour.
	BlockRateLocationHour BlockReason = "rate_location_hour"

	// BlockRateMinGap: less than 2 hours since the previous outbound and
	// the lead has not replied since.
	BlockRateMinGap BlockReason = "rate_min_gap"

	// BlockDuplicateRecent: agent-path idempotency guard - same outbound
	// body for the same conversation within 10 minutes.
	BlockDuplicateRecent BlockReason = "duplicate_recent"
)

// BlockError is a typed gateway refusal. On the automation path a block is
// an outcome, not a failure: it is audited, the triggering job is marked
// done, and processing continues.
type BlockError struct {
	Reason BlockReason
	Detail string
}

func (e *BlockError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("blocked by gateway: %s", e.Reason)
	}
	return fmt.Sprintf("blocked by gateway: %s: %s", e.Reason, e.Detail)
}

func blocked(reason BlockReason, detail string) error {
	return &BlockError{Reason: reason, Detail: detail}
}

// AsBlock unwraps a BlockError, if err is one.
func AsBlock(err error) (*BlockError, bool) {
	var be *BlockError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// ValidationError rejects malformed or forbidden input before any policy
// check runs. Surfaced to the operator as a plain alert line.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConflictError rejects an appointment that would overlap an existing one
// for the same lead.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
