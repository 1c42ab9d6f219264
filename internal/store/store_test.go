package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/sutton-OS/GoldBot/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTestLocation(t *testing.T, s *Store) {
	t.Helper()
	err := EnsureSeeded(context.Background(), s.DB(),
		"Test Gym", "UTC", `{"1":[["09:00","17:00"]]}`, NowISO(time.Now()))
	if err != nil {
		t.Fatalf("EnsureSeeded() failed: %v", err)
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s := openTestStore(t)

	pragmas := map[string]string{
		"journal_mode": "wal",
		"foreign_keys": "1",
	}
	for name, expected := range pragmas {
		var value string
		if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
			t.Fatalf("query PRAGMA %s: %v", name, err)
		}
		if value != expected {
			t.Errorf("PRAGMA %s = %q, want %q", name, value, expected)
		}
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() attempt %d failed: %v", i+1, err)
		}
		s.Close()
	}
}

func TestEnsureSeeded_Idempotent(t *testing.T) {
	s := openTestStore(t)
	seedTestLocation(t, s)
	seedTestLocation(t, s)

	var locations int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM locations").Scan(&locations); err != nil {
		t.Fatalf("count locations: %v", err)
	}
	if locations != 1 {
		t.Errorf("locations = %d, want 1", locations)
	}

	enabled, err := IsKillSwitchEnabled(context.Background(), s.DB())
	if err != nil {
		t.Fatalf("IsKillSwitchEnabled() failed: %v", err)
	}
	if enabled {
		t.Error("kill switch should seed to false")
	}
}

func TestWithTx_CommitAndRollback(t *testing.T) {
	s := openTestStore(t)
	seedTestLocation(t, s)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := InsertLead(ctx, tx, model.Lead{
			PhoneE164: "+15550000001",
			Status:    model.StatusAwaitingYes,
			CreatedAt: "2030-01-01T00:00:00Z",
		})
		return err
	})
	if err != nil {
		t.Fatalf("WithTx commit failed: %v", err)
	}

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := InsertLead(ctx, tx, model.Lead{
			PhoneE164: "+15550000002",
			Status:    model.StatusAwaitingYes,
			CreatedAt: "2030-01-01T00:00:00Z",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx should surface fn error, got %v", err)
	}

	var leads int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM leads").Scan(&leads); err != nil {
		t.Fatalf("count leads: %v", err)
	}
	if leads != 1 {
		t.Errorf("leads = %d, want 1 (rollback should discard the second)", leads)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(sqlite3.Error{Code: sqlite3.ErrBusy}) {
		t.Error("ErrBusy should be transient")
	}
	if !IsTransient(sqlite3.Error{Code: sqlite3.ErrLocked}) {
		t.Error("ErrLocked should be transient")
	}
	if !IsTransient(fmt.Errorf("wrapped: %w", sqlite3.Error{Code: sqlite3.ErrBusy})) {
		t.Error("wrapped ErrBusy should be transient")
	}
	if IsTransient(sqlite3.Error{Code: sqlite3.ErrConstraint}) {
		t.Error("constraint violations are not transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain errors are not transient")
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Date(2030, 1, 7, 14, 30, 0, 0, time.UTC)
	iso := NowISO(now)
	if iso != "2030-01-07T14:30:00Z" {
		t.Errorf("NowISO = %q", iso)
	}
	parsed, err := ParseISO(iso)
	if err != nil {
		t.Fatalf("ParseISO failed: %v", err)
	}
	if !parsed.Equal(now) {
		t.Errorf("round trip = %v, want %v", parsed, now)
	}
}

func TestListDueJobs_OrderAndCutoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insert := func(executeAt string) int64 {
		id, err := InsertJob(ctx, s.DB(), model.ScheduledJob{
			JobType:     model.JobInitialFollowUp,
			ExecuteAt:   executeAt,
			PayloadJSON: "{}",
			CreatedAt:   "2030-01-01T00:00:00Z",
		})
		if err != nil {
			t.Fatalf("InsertJob failed: %v", err)
		}
		return id
	}

	late := insert("2030-01-07T12:00:00Z")
	early := insert("2030-01-07T09:00:00Z")
	insert("2030-01-08T09:00:00Z") // not due

	jobs, err := ListDueJobs(ctx, s.DB(), "2030-01-07T12:00:00Z")
	if err != nil {
		t.Fatalf("ListDueJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("due jobs = %d, want 2", len(jobs))
	}
	if jobs[0].ID != early || jobs[1].ID != late {
		t.Errorf("order = [%d, %d], want [%d, %d]", jobs[0].ID, jobs[1].ID, early, late)
	}
}

func TestSetJobStatus_TerminalTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := InsertJob(ctx, s.DB(), model.ScheduledJob{
		JobType:     model.JobInitialFollowUp,
		ExecuteAt:   "2030-01-07T09:00:00Z",
		PayloadJSON: "{}",
		CreatedAt:   "2030-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}

	if err := SetJobStatus(ctx, s.DB(), id, model.JobDone); err != nil {
		t.Fatalf("SetJobStatus(done) failed: %v", err)
	}
	// A terminal row does not transition again.
	if err := SetJobStatus(ctx, s.DB(), id, model.JobCancelled); err != nil {
		t.Fatalf("SetJobStatus(cancelled) failed: %v", err)
	}

	job, err := GetJob(ctx, s.DB(), id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != model.JobDone {
		t.Errorf("status = %q, want done (terminal)", job.Status)
	}
}

func TestCancelPendingJobsForLead_CoversReminders(t *testing.T) {
	s := openTestStore(t)
	seedTestLocation(t, s)
	ctx := context.Background()

	var leadID, otherLead int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		leadID, err = InsertLead(ctx, tx, model.Lead{
			PhoneE164: "+15550000001", Status: model.StatusAwaitingYes,
			CreatedAt: "2030-01-01T00:00:00Z",
		})
		if err != nil {
			return err
		}
		otherLead, err = InsertLead(ctx, tx, model.Lead{
			PhoneE164: "+15550000002", Status: model.StatusAwaitingYes,
			CreatedAt: "2030-01-01T00:00:00Z",
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert leads: %v", err)
	}

	apptID, err := InsertAppointment(ctx, s.DB(), model.Appointment{
		LeadID: leadID, StartAt: "2030-01-07T10:00:00Z", EndAt: "2030-01-07T10:30:00Z",
		Status: model.AppointmentBooked, CreatedAt: "2030-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert appointment: %v", err)
	}

	mustInsertJob := func(jobType string, target int64) {
		if _, err := InsertJob(ctx, s.DB(), model.ScheduledJob{
			JobType: jobType, TargetID: &target,
			ExecuteAt: "2030-01-07T09:00:00Z", PayloadJSON: "{}",
			CreatedAt: "2030-01-01T00:00:00Z",
		}); err != nil {
			t.Fatalf("insert job: %v", err)
		}
	}
	mustInsertJob(model.JobInitialFollowUp, leadID)
	mustInsertJob(model.JobAppointmentReminder, apptID)
	mustInsertJob(model.JobInitialFollowUp, otherLead)

	cancelled, err := CancelPendingJobsForLead(ctx, s.DB(), leadID)
	if err != nil {
		t.Fatalf("CancelPendingJobsForLead failed: %v", err)
	}
	if cancelled != 2 {
		t.Errorf("cancelled = %d, want 2 (follow-up and reminder)", cancelled)
	}

	jobs, err := ListDueJobs(ctx, s.DB(), "2030-01-07T09:00:00Z")
	if err != nil {
		t.Fatalf("ListDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("remaining due jobs = %d, want 1", len(jobs))
	}
	if jobs[0].TargetID == nil || *jobs[0].TargetID != otherLead {
		t.Errorf("survivor should belong to the other lead")
	}
}

func TestGetLead_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := GetLead(context.Background(), s.DB(), 99)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
