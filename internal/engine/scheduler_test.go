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

func jobStatus(t *testing.T, eng *Engine, jobID int64) string {
	t.Helper()
	job, err := store.GetJob(context.Background(), eng.Store().DB(), jobID)
	require.NoError(t, err)
	return job.Status
}

func TestRunDueJobs_InitialFollowUpRoundTrip(t *testing.T) {
	eng, clock := newTestEngine(t)
	ctx := context.Background()

	leadID := createConsentingLead(t, eng, "+15550001")
	clock.Advance(61 * time.Second)

	result, err := eng.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunJobsResult{Processed: 1}, result)

	bodies := outboundBodies(messagesByLead(t, eng, leadID))
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "Hi Dana, this is Demo Gym Downtown.")
	assert.Contains(t, bodies[0], "Reply YES")

	lead := leadByID(t, eng, leadID)
	assert.Nil(t, lead.NextActionAt)
	assert.Equal(t, model.StatusAwaitingYes, conversationByLead(t, eng, leadID).State)

	// An immediate second drain finds nothing: no duplicate prompt.
	result, err = eng.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunJobsResult{}, result)
	assert.Len(t, outboundBodies(messagesByLead(t, eng, leadID)), 1)
}

func TestRunDueJobs_NotDueYet(t *testing.T) {
	eng, clock := newTestEngine(t)
	createConsentingLead(t, eng, "+15550001")

	clock.Advance(10 * time.Second) // before execute_at
	result, err := eng.RunDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunJobsResult{}, result)
}

func TestRunDueJobs_KillSwitchLeavesJobsPending(t *testing.T) {
	eng, clock := newTestEngine(t)
	ctx := context.Background()

	leadID := createConsentingLead(t, eng, "+15550001")
	jobs := pendingJobs(t, eng)
	require.Len(t, jobs, 1)

	// Flip the switch directly: SetKillSwitch would cancel the job at
	// toggle time, and this test wants the drain-time behavior.
	require.NoError(t, store.UpsertSetting(ctx, eng.Store().DB(),
		"kill_switch", "true", store.NowISO(clock.Now())))

	clock.Advance(2 * time.Minute)
	result, err := eng.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunJobsResult{Skipped: 1}, result)

	assert.Equal(t, model.JobPending, jobStatus(t, eng, jobs[0].ID))
	assert.Empty(t, outboundBodies(messagesByLead(t, eng, leadID)))

	report, err := eng.GetTodayReport(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Contacted)

	// Switch off again: the job is still pending and now runs.
	require.NoError(t, store.UpsertSetting(ctx, eng.Store().DB(),
		"kill_switch", "false", store.NowISO(clock.Now())))
	result, err = eng.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunJobsResult{Processed: 1}, result)
}

func TestSetKillSwitch_CancelsPendingAtToggle(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	createConsentingLead(t, eng, "+15550001")
	jobs := pendingJobs(t, eng)
	require.Len(t, jobs, 1)

	require.NoError(t, eng.SetKillSwitch(ctx, true))
	assert.Equal(t, model.JobCancelled, jobStatus(t, eng, jobs[0].ID))

	// Toggling ON again is not a transition and cancels nothing new.
	require.NoError(t, eng.SetKillSwitch(ctx, true))

	var audits int64
	require.NoError(t, eng.Store().DB().QueryRow(
		`SELECT COUNT(*) FROM audit_log WHERE action_type = 'cancel_jobs_on_kill_switch'`).Scan(&audits))
	assert.Equal(t, int64(1), audits)

	enabled, err := eng.GetKillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestRunDueJobs_ReminderSendsWhileStillBooked(t *testing.T) {
	eng, clock := newTestEngine(t)
	ctx := context.Background()
	db := eng.Store().DB()

	leadID := createConsentingLead(t, eng, "+15550002")

	start := testStart.Add(26 * time.Hour) // tomorrow 12:00, inside hours
	apptID, err := store.InsertAppointment(ctx, db, model.Appointment{
		LeadID:  leadID,
		StartAt: store.NowISO(start),
		EndAt:   store.NowISO(start.Add(30 * time.Minute)),
		Status:  model.AppointmentBooked,
		CreatedAt: store.NowISO(clock.Now()),
	})
	require.NoError(t, err)

	jobID, err := store.InsertJob(ctx, db, model.ScheduledJob{
		JobType:  model.JobAppointmentReminder,
		TargetID: &apptID,
		ExecuteAt: store.NowISO(start.Add(-2 * time.Hour)),
		PayloadJSON: store.MarshalJSON(model.ReminderPayload{
			LeadID: leadID, AppointmentID: apptID, StartAt: store.NowISO(start),
		}),
		CreatedAt: store.NowISO(clock.Now()),
	})
	require.NoError(t, err)

	// Cancel the pending initial follow-up so only the reminder fires.
	_, err = store.CancelPendingJobsForLead(ctx, db, leadID)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE scheduled_jobs SET status = 'pending' WHERE id = ?`, jobID)
	require.NoError(t, err)

	clock.Set(start.Add(-2 * time.Hour))
	result, err := eng.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunJobsResult{Processed: 1}, result)

	bodies := outboundBodies(messagesByLead(t, eng, leadID))
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "Reminder Dana: your gym appointment is at")
	assert.Equal(t, model.JobDone, jobStatus(t, eng, jobID))
}

func TestRunDueJobs_ReminderNoOpWhenCancelledOrPast(t *testing.T) {
	eng, clock := newTestEngine(t)
	ctx := context.Background()
	db := eng.Store().DB()

	leadID := createConsentingLead(t, eng, "+15550002")
	_, err := store.CancelPendingJobsForLead(ctx, db, leadID)
	require.NoError(t, err)

	start := testStart.Add(2 * time.Hour)
	apptID, err := store.InsertAppointment(ctx, db, model.Appointment{
		LeadID:  leadID,
		StartAt: store.NowISO(start),
		EndAt:   store.NowISO(start.Add(30 * time.Minute)),
		Status:  model.AppointmentCancelled,
		CreatedAt: store.NowISO(clock.Now()),
	})
	require.NoError(t, err)

	jobID, err := store.InsertJob(ctx, db, model.ScheduledJob{
		JobType:  model.JobAppointmentReminder,
		TargetID: &apptID,
		ExecuteAt: store.NowISO(testStart),
		PayloadJSON: store.MarshalJSON(model.ReminderPayload{
			LeadID: leadID, AppointmentID: apptID, StartAt: store.NowISO(start),
		}),
		CreatedAt: store.NowISO(clock.Now()),
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	result, err := eng.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunJobsResult{Processed: 1}, result)

	// Done without a message.
	assert.Equal(t, model.JobDone, jobStatus(t, eng, jobID))
	assert.Empty(t, outboundBodies(messagesByLead(t, eng, leadID)))
}

func TestRunDueJobs_SafeRepromptResets(t *testing.T) {
	eng, clock := newTestEngine(t)
	ctx := context.Background()
	db := eng.Store().DB()

	leadID := driveToAwaitingYes(t, eng, clock, "+15550001")
	clock.Advance(4 * time.Minute)
	require.NoError(t, eng.HandleInbound(ctx, leadID, "yes"))
	require.Equal(t, model.StatusAwaitingTimeChoice, conversationByLead(t, eng, leadID).State)

	jobID, err := store.InsertJob(ctx, db, model.ScheduledJob{
		JobType:     model.JobSafeReprompt,
		TargetID:    &leadID,
		ExecuteAt:   store.NowISO(clock.Now().Add(3 * time.Hour)),
		PayloadJSON: store.MarshalJSON(model.InitialFollowUpPayload{LeadID: leadID}),
		CreatedAt:   store.NowISO(clock.Now()),
	})
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	result, err := eng.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunJobsResult{Processed: 1}, result)
	assert.Equal(t, model.JobDone, jobStatus(t, eng, jobID))

	convo := conversationByLead(t, eng, leadID)
	assert.Equal(t, model.StatusAwaitingYes, convo.State)
	assert.Empty(t, model.DecodeState(convo.StateJSON).OfferedSlots)

	bodies := outboundBodies(messagesByLead(t, eng, leadID))
	assert.Equal(t, safePromptBody, bodies[len(bodies)-1])
}

func TestRunDueJobs_BlockedJobGoesDone(t *testing.T) {
	eng, clock := newTestEngine(t)
	ctx := context.Background()

	leadID := createConsentingLead(t, eng, "+15550001")
	jobs := pendingJobs(t, eng)
	require.Len(t, jobs, 1)

	// Opt the lead out directly; the follow-up prompt will be blocked.
	_, err := eng.Store().DB().Exec(`UPDATE leads SET opted_out = 1 WHERE id = ?`, leadID)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	result, err := eng.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunJobsResult{Processed: 1}, result)

	// The block is the observable outcome: job done, no message, audit row.
	assert.Equal(t, model.JobDone, jobStatus(t, eng, jobs[0].ID))
	assert.Empty(t, outboundBodies(messagesByLead(t, eng, leadID)))

	var blocked int64
	require.NoError(t, eng.Store().DB().QueryRow(
		`SELECT COUNT(*) FROM audit_log WHERE action_type = 'create_outbound_message' AND success = 0`).Scan(&blocked))
	assert.Equal(t, int64(1), blocked)
}

func TestRunDueJobs_BadPayloadFails(t *testing.T) {
	eng, clock := newTestEngine(t)
	ctx := context.Background()

	jobID, err := store.InsertJob(ctx, eng.Store().DB(), model.ScheduledJob{
		JobType:     model.JobInitialFollowUp,
		ExecuteAt:   store.NowISO(clock.Now()),
		PayloadJSON: `{"lead_id": 9999}`,
		CreatedAt:   store.NowISO(clock.Now()),
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	result, err := eng.RunDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunJobsResult{Errors: 1}, result)
	assert.Equal(t, model.JobFailed, jobStatus(t, eng, jobID))
}
