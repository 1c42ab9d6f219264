package engine

import (
	"fmt"
	"time"

	"github.com/sutton-OS/GoldBot/internal/model"
	"github.com/sutton-OS/GoldBot/internal/store"
)

// Outbound copy. Bodies are assembled here so the state machine reads as
// pure transition logic.

const safePromptBody = "Reply YES to get the next two available intro session times."

const unsubscribeBody = "You are unsubscribed and will receive no more automated messages."

const noSlotsBody = "I couldn't find two matching slots right now. A staff member will follow up shortly."

const repairNoSlotsBody = "I couldn't match that response to a slot. A staff member has been flagged to help."

const staffFlaggedSuffix = "I also flagged this conversation for staff follow-up."

// localDisplayLayout renders an instant for message copy, e.g.
// "Mon Jan 5 at 9:00 AM".
const localDisplayLayout = "Mon Jan 2 at 3:04 PM"

func localDisplay(tz *time.Location, t time.Time) string {
	return t.In(tz).Format(localDisplayLayout)
}

func parseSlotStart(s model.Slot) (time.Time, error) {
	return store.ParseISO(s.StartAt)
}

func displayName(lead model.Lead) string {
	if lead.FirstName != nil && *lead.FirstName != "" {
		return *lead.FirstName
	}
	return "there"
}

func initialFollowUpBody(lead model.Lead, gymName string) string {
	return fmt.Sprintf("Hi %s, this is %s. Reply YES to see two available intro session times.",
		displayName(lead), gymName)
}

func slotOfferBody(tz *time.Location, slots []model.Slot) (string, error) {
	if len(slots) < 2 {
		return "", fmt.Errorf("expected at least 2 slots for offer, got %d", len(slots))
	}
	first, err := parseSlotStart(slots[0])
	if err != nil {
		return "", err
	}
	second, err := parseSlotStart(slots[1])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Choose a time:\n1) %s\n2) %s\n\nReply 1 or 2.",
		localDisplay(tz, first), localDisplay(tz, second)), nil
}

func repairBody(tz *time.Location, slots []model.Slot, staffFlagged bool) (string, error) {
	offer, err := slotOfferBody(tz, slots)
	if err != nil {
		return "", err
	}
	body := fmt.Sprintf("Please reply with 1 or 2 so I can book your session.\n\n%s", offer)
	if staffFlagged {
		body = fmt.Sprintf("%s\n\n%s", body, staffFlaggedSuffix)
	}
	return body, nil
}

func bookingConfirmationBody(tz *time.Location, start time.Time) string {
	return fmt.Sprintf("Booked. Your intro session is confirmed for %s. We will send a reminder 2 hours before.",
		localDisplay(tz, start))
}

func reminderBody(lead model.Lead, tz *time.Location, start time.Time) string {
	return fmt.Sprintf("Reminder %s: your gym appointment is at %s. Reply STOP to opt out.",
		displayName(lead), localDisplay(tz, start))
}
