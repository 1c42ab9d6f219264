package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sutton-OS/GoldBot/internal/model"
	"github.com/sutton-OS/GoldBot/internal/store"
)

// Monday inside the seeded everyday 09:00-17:00 UTC schedule.
var testStart = time.Date(2030, 1, 7, 10, 0, 0, 0, time.UTC)

const everydayHours = `{"0":[["09:00","17:00"]],"1":[["09:00","17:00"]],"2":[["09:00","17:00"]],"3":[["09:00","17:00"]],"4":[["09:00","17:00"]],"5":[["09:00","17:00"]],"6":[["09:00","17:00"]]}`

func newTestEngine(t *testing.T) (*Engine, *FixedClock) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, store.EnsureSeeded(context.Background(), st.DB(),
		"Demo Gym Downtown", "UTC", everydayHours, store.NowISO(testStart)))

	clock := NewFixedClock(testStart)
	eng := New(st, path, WithClock(clock))
	return eng, clock
}

func createConsentingLead(t *testing.T, eng *Engine, phone string) int64 {
	t.Helper()
	result, err := eng.CreateLead(context.Background(), LeadCreateInput{
		FirstName: "Dana",
		PhoneE164: phone,
		Consent:   true,
		Source:    "walk-in",
	})
	require.NoError(t, err)
	require.True(t, result.Created)
	return result.LeadID
}

func leadByID(t *testing.T, eng *Engine, leadID int64) model.Lead {
	t.Helper()
	lead, err := store.GetLead(context.Background(), eng.Store().DB(), leadID)
	require.NoError(t, err)
	return lead
}

func conversationByLead(t *testing.T, eng *Engine, leadID int64) model.Conversation {
	t.Helper()
	convo, err := store.GetConversationByLead(context.Background(), eng.Store().DB(), leadID)
	require.NoError(t, err)
	return convo
}

func messagesByLead(t *testing.T, eng *Engine, leadID int64) []model.Message {
	t.Helper()
	convo := conversationByLead(t, eng, leadID)
	msgs, err := store.ListMessages(context.Background(), eng.Store().DB(), convo.ID)
	require.NoError(t, err)
	return msgs
}

func outboundBodies(msgs []model.Message) []string {
	bodies := []string{}
	for _, m := range msgs {
		if m.Direction == model.DirectionOutbound && m.Status == model.MessageSent {
			bodies = append(bodies, m.Body)
		}
	}
	return bodies
}

func pendingJobs(t *testing.T, eng *Engine) []model.ScheduledJob {
	t.Helper()
	jobs, err := store.ListDueJobs(context.Background(), eng.Store().DB(),
		store.NowISO(testStart.Add(100*24*time.Hour)))
	require.NoError(t, err)
	return jobs
}
