package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faultline/db"
)

type fakeIncidentStore struct {
	mu      sync.Mutex
	status  string
	getErr  error
	entries []db.TimelineEntry
}

func (f *fakeIncidentStore) GetIncidentStatus(id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeIncidentStore) GetIncident(id string) (*db.IncidentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &db.IncidentResponse{Incident: db.Incident{ID: id, Status: f.status, Severity: db.SeverityCritical}}, nil
}

func (f *fakeIncidentStore) setGetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
}

func (f *fakeIncidentStore) AppendTimeline(incidentID string, entry db.TimelineEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	executed []db.Action
}

func (f *fakeExecutor) Execute(ctx context.Context, incident *db.Incident, action db.Action) db.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, action)
	return db.ActionResult{ActionType: action.Type, Success: true}
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

func TestSchedulerFire(t *testing.T) {
	t.Run("ActiveIncidentRunsStepAndRecordsOneEntry", func(t *testing.T) {
		pg, mockDB, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		store := &fakeIncidentStore{status: db.IncidentStatusCreated}
		executor := &fakeExecutor{}
		scheduler := NewSchedulerService(pg, store, executor)

		mockDB.ExpectExec("UPDATE escalation_timers").
			WillReturnResult(sqlmock.NewResult(0, 1))

		actions := []db.Action{
			{Type: db.ActionNotifySlack},
			{Type: db.ActionNotifyPagerDuty},
		}
		scheduler.fire("row-1", "inc-1", 0, actions)

		assert.Equal(t, 2, executor.count())
		require.Len(t, store.entries, 1)
		assert.Equal(t, db.TimelineEscalationStep, store.entries[0].Action)
	})

	t.Run("ResolvedIncidentDiscardsStep", func(t *testing.T) {
		pg, mockDB, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		store := &fakeIncidentStore{status: db.IncidentStatusResolved}
		executor := &fakeExecutor{}
		scheduler := NewSchedulerService(pg, store, executor)

		mockDB.ExpectExec("UPDATE escalation_timers").
			WithArgs("row-1", db.TimerStatusDiscarded, "incident resolved").
			WillReturnResult(sqlmock.NewResult(0, 1))

		scheduler.fire("row-1", "inc-1", 0, []db.Action{{Type: db.ActionNotifyPagerDuty}})

		assert.Equal(t, 0, executor.count())
		assert.Empty(t, store.entries)
		assert.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("AcknowledgedIncidentDiscardsStep", func(t *testing.T) {
		pg, mockDB, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		store := &fakeIncidentStore{status: db.IncidentStatusAcknowledged}
		executor := &fakeExecutor{}
		scheduler := NewSchedulerService(pg, store, executor)

		mockDB.ExpectExec("UPDATE escalation_timers").
			WithArgs("row-1", db.TimerStatusDiscarded, "incident acknowledged").
			WillReturnResult(sqlmock.NewResult(0, 1))

		// A timer firing between the acknowledge write and its Cancel call
		// must stand down instead of escalating.
		scheduler.fire("row-1", "inc-1", 0, []db.Action{{Type: db.ActionNotifyPagerDuty}})

		assert.Equal(t, 0, executor.count())
		assert.Empty(t, store.entries)
		assert.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("TransientReadFailureLeavesRowPending", func(t *testing.T) {
		pg, mockDB, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		store := &fakeIncidentStore{status: db.IncidentStatusCreated}
		executor := &fakeExecutor{}
		scheduler := NewSchedulerService(pg, store, executor)

		// First attempt fails to load the incident: the row must not be
		// claimed, so no UPDATE is expected here.
		store.setGetErr(fmt.Errorf("connection reset"))
		scheduler.fire("row-1", "inc-1", 0, []db.Action{{Type: db.ActionNotifySlack}})
		assert.Equal(t, 0, executor.count())
		assert.Empty(t, store.entries)

		// The sweeper retries once the store recovers and the step still runs.
		store.setGetErr(nil)
		mockDB.ExpectExec("UPDATE escalation_timers").
			WillReturnResult(sqlmock.NewResult(0, 1))
		scheduler.fire("row-1", "inc-1", 0, []db.Action{{Type: db.ActionNotifySlack}})

		assert.Equal(t, 1, executor.count())
		require.Len(t, store.entries, 1)
		assert.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("AlreadyClaimedRowIsSkipped", func(t *testing.T) {
		pg, mockDB, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		store := &fakeIncidentStore{status: db.IncidentStatusCreated}
		executor := &fakeExecutor{}
		scheduler := NewSchedulerService(pg, store, executor)

		mockDB.ExpectExec("UPDATE escalation_timers").
			WillReturnResult(sqlmock.NewResult(0, 0))

		scheduler.fire("row-1", "inc-1", 0, []db.Action{{Type: db.ActionNotifySlack}})

		assert.Equal(t, 0, executor.count())
		assert.Empty(t, store.entries)
	})
}

func TestSchedulerCancel(t *testing.T) {
	pg, mockDB, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	store := &fakeIncidentStore{status: db.IncidentStatusCreated}
	executor := &fakeExecutor{}
	scheduler := NewSchedulerService(pg, store, executor)

	mockDB.ExpectExec("INSERT INTO escalation_timers").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("UPDATE escalation_timers").
		WithArgs("inc-1", "incident acknowledged").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("UPDATE escalation_timers").
		WithArgs("inc-1", "incident acknowledged").
		WillReturnResult(sqlmock.NewResult(0, 0))

	steps := []db.EscalationStep{
		{DelayMinutes: 15, Actions: []db.Action{{Type: db.ActionNotifyPagerDuty}}},
	}
	require.NoError(t, scheduler.Schedule("inc-1", time.Now(), steps))

	require.NoError(t, scheduler.Cancel("inc-1", "incident acknowledged"))
	// Cancelling again is a no-op, not an error
	require.NoError(t, scheduler.Cancel("inc-1", "incident acknowledged"))

	assert.Equal(t, 0, executor.count())
	scheduler.mu.Lock()
	assert.Empty(t, scheduler.timers)
	scheduler.mu.Unlock()
}

func TestSchedulerRestore(t *testing.T) {
	pg, mockDB, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	store := &fakeIncidentStore{status: db.IncidentStatusCreated}
	executor := &fakeExecutor{}
	scheduler := NewSchedulerService(pg, store, executor)

	// One pending row whose fire time already passed: it must re-arm and
	// fire immediately after a restart.
	rows := sqlmock.NewRows([]string{"id", "incident_id", "step_index", "fire_at", "actions"}).
		AddRow("row-1", "inc-1", 0, time.Now().Add(-time.Minute), `[{"type":"notify_slack"}]`)
	mockDB.ExpectQuery("SELECT .* FROM escalation_timers").WillReturnRows(rows)
	mockDB.ExpectExec("UPDATE escalation_timers").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, scheduler.Restore())

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		recorded := len(store.entries)
		store.mu.Unlock()
		return executor.count() == 1 && recorded == 1
	}, 2*time.Second, 10*time.Millisecond, "overdue restored timer did not fire")

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.entries, 1)
	assert.Equal(t, db.TimelineEscalationStep, store.entries[0].Action)
}

func TestSchedulerFireDue(t *testing.T) {
	t.Run("OverdueRowFires", func(t *testing.T) {
		pg, mockDB, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		store := &fakeIncidentStore{status: db.IncidentStatusCreated}
		executor := &fakeExecutor{}
		scheduler := NewSchedulerService(pg, store, executor)

		// A row left behind by a crashed process: not armed locally, so
		// the sweeper fires it.
		rows := sqlmock.NewRows([]string{"id", "incident_id", "step_index", "actions"}).
			AddRow("row-1", "inc-1", 1, `[{"type":"notify_pagerduty"}]`)
		mockDB.ExpectQuery("SELECT .* FROM escalation_timers").WillReturnRows(rows)
		mockDB.ExpectExec("UPDATE escalation_timers").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, scheduler.FireDue())

		assert.Equal(t, 1, executor.count())
		require.Len(t, store.entries, 1)
		assert.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("LocallyArmedRowIsSkipped", func(t *testing.T) {
		pg, mockDB, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		store := &fakeIncidentStore{status: db.IncidentStatusCreated}
		executor := &fakeExecutor{}
		scheduler := NewSchedulerService(pg, store, executor)

		mockDB.ExpectExec("INSERT INTO escalation_timers").
			WillReturnResult(sqlmock.NewResult(0, 1))
		steps := []db.EscalationStep{
			{DelayMinutes: 60, Actions: []db.Action{{Type: db.ActionNotifySlack}}},
		}
		require.NoError(t, scheduler.Schedule("inc-1", time.Now(), steps))

		scheduler.mu.Lock()
		rowID := scheduler.timers["inc-1"][0].rowID
		scheduler.mu.Unlock()

		// The sweeper sees the same pending row but its local timer owns
		// it, so no claim happens.
		rows := sqlmock.NewRows([]string{"id", "incident_id", "step_index", "actions"}).
			AddRow(rowID, "inc-1", 0, `[{"type":"notify_slack"}]`)
		mockDB.ExpectQuery("SELECT .* FROM escalation_timers").WillReturnRows(rows)

		require.NoError(t, scheduler.FireDue())

		assert.Equal(t, 0, executor.count())
		assert.Empty(t, store.entries)
		assert.NoError(t, mockDB.ExpectationsWereMet())

		mockDB.ExpectExec("UPDATE escalation_timers").WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, scheduler.Cancel("inc-1", "cleanup"))
	})
}

func TestSchedulerScheduleSkipsEmptySteps(t *testing.T) {
	pg, mockDB, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	scheduler := NewSchedulerService(pg, &fakeIncidentStore{status: db.IncidentStatusCreated}, &fakeExecutor{})

	require.NoError(t, scheduler.Schedule("inc-1", time.Now(), []db.EscalationStep{{DelayMinutes: 5}}))
	assert.NoError(t, mockDB.ExpectationsWereMet())

	mockDB.ExpectExec("UPDATE escalation_timers").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, scheduler.Cancel("inc-1", "cleanup"))
}
