package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sutton-OS/GoldBot/internal/model"
	"github.com/sutton-OS/GoldBot/internal/store"
)

func TestAgentDryRun_DoesNotCommit(t *testing.T) {
	eng, clock := newTestEngine(t)
	ctx := context.Background()
	leadID := driveToAwaitingYes(t, eng, clock, "+15550001")
	convo := conversationByLead(t, eng, leadID)

	clock.Advance(3 * time.Hour)
	result, err := eng.AgentDryRun(ctx, AgentAction{
		ActionType:     ActionSendOutbound,
		LeadID:         leadID,
		ConversationID: convo.ID,
		Body:           "checking in",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Nil(t, result.BlockedReason)

	// No message was sent; only the dry-run decision was audited.
	assert.Len(t, outboundBodies(messagesByLead(t, eng, leadID)), 1)

	var audits int64
	require.NoError(t, eng.Store().DB().QueryRow(
		`SELECT COUNT(*) FROM audit_log WHERE action_type = 'agent_dry_run'`).Scan(&audits))
	assert.Equal(t, int64(1), audits)
}

func TestAgentDryRunMatchesExecuteDecision(t *testing.T) {
	eng, clock := newTestEngine(t)
	ctx := context.Background()
	leadID := driveToAwaitingYes(t, eng, clock, "+15550001")
	convo := conversationByLead(t, eng, leadID)

	// Opted-out lead: both surfaces must refuse for the same reason.
	clock.Advance(time.Minute)
	require.NoError(t, eng.HandleInbound(ctx, leadID, "STOP"))

	action := AgentAction{
		ActionType:     ActionSendOutbound,
		LeadID:         leadID,
		ConversationID: convo.ID,
		Body:           "one more thing",
	}

	clock.Advance(time.Minute)
	dryRun, err := eng.AgentDryRun(ctx, action)
	require.NoError(t, err)
	require.False(t, dryRun.Allowed)
	require.NotNil(t, dryRun.BlockedReason)

	executed, err := eng.AgentExecute(ctx, action)
	require.NoError(t, err)
	require.False(t, executed.Success)
	require.NotNil(t, executed.Error)

	assert.Equal(t, *dryRun.BlockedReason, *executed.Error)
}

func TestAgentExecute_SendOutbound(t *testing.T) {
	eng, clock := newTestEngine(t)
	ctx := context.Background()
	leadID := driveToAwaitingYes(t, eng, clock, "+15550001")
	convo := conversationByLead(t, eng, leadID)

	clock.Advance(3 * time.Hour)
	result, err := eng.AgentExecute(ctx, AgentAction{
		ActionType:     ActionSendOutbound,
		LeadID:         leadID,
		ConversationID: convo.ID,
		Body:           "Quick check-in: still interested?",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.NotNil(t, result.ResultJSON)

	bodies := outboundBodies(messagesByLead(t, eng, leadID))
	assert.Equal(t, "Quick check-in: still interested?", bodies[len(bodies)-1])
}

func TestAgentExecute_RejectsBypassFlags(t *testing.T) {
	eng, clock := newTestEngine(t)
	ctx := context.Background()
	leadID := driveToAwaitingYes(t, eng, clock, "+15550001")
	convo := conversationByLead(t, eng, leadID)

	clock.Advance(3 * time.Hour)
	result, err := eng.AgentExecute(ctx, AgentAction{
		ActionType:          ActionSendOutbound,
		LeadID:              leadID,
		ConversationID:      convo.ID,
		Body:                "sneaky",
		AllowWithoutConsent: true,
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Contains(t, *result.Error, "cannot bypass consent")
}

func TestAgentExecute_ScheduleJobAndOptOut(t *testing.T) {
	eng, clock := newTestEngine(t)
	ctx := context.Background()
	leadID := createConsentingLead(t, eng, "+15550001")

	result, err := eng.AgentExecute(ctx, AgentAction{
		ActionType: ActionScheduleJob,
		JobType:    model.JobSafeReprompt,
		TargetID:   &leadID,
		ExecuteAt:  store.NowISO(clock.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, pendingJobs(t, eng), 2) // intake follow-up + reprompt

	result, err = eng.AgentExecute(ctx, AgentAction{
		ActionType: ActionSetOptOut,
		LeadID:     leadID,
		Reason:     "operator request",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	assert.True(t, leadByID(t, eng, leadID).OptedOut)
	assert.Empty(t, pendingJobs(t, eng), "opt-out cancels the lead's pending jobs")
}

func TestAgentExecute_BookAppointment(t *testing.T) {
	eng, clock := newTestEngine(t)
	ctx := context.Background()
	leadID := createConsentingLead(t, eng, "+15550001")

	result, err := eng.AgentExecute(ctx, AgentAction{
		ActionType: ActionBookAppointment,
		LeadID:     leadID,
		StartAt:    store.NowISO(clock.Now().Add(2 * time.Hour)),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	appts, err := store.ListBookedAppointments(ctx, eng.Store().DB(), leadID)
	require.NoError(t, err)
	assert.Len(t, appts, 1)
}

func TestAgentExecute_UnknownActionType(t *testing.T) {
	eng, _ := newTestEngine(t)

	result, err := eng.AgentExecute(context.Background(), AgentAction{ActionType: "explode"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Contains(t, *result.Error, "unknown action_type")
}
