package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faultline/db"
)

func incidentColumns() []string {
	return []string{
		"id", "title", "description", "severity", "status", "source", "source_id",
		"tenant_id", "affected_services", "tags", "metadata", "escalation_policy_id",
		"acknowledged_by", "acknowledged_at", "resolved_by", "resolved_at",
		"created_at", "updated_at",
	}
}

func incidentRow(id, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(incidentColumns()).AddRow(
		id, "Test incident", "Desc", "critical", status, "manual", nil,
		nil, `["api"]`, `[]`, nil, nil,
		nil, nil, nil, nil,
		now, now,
	)
}

func TestCreateIncidentDefaults(t *testing.T) {
	pg, mockDB, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	mockDB.ExpectExec("INSERT INTO incidents").
		WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewIncidentService(pg)
	incident, err := svc.CreateIncident(&db.Incident{
		Title:    "Disk almost full",
		Severity: db.SeverityHigh,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, incident.ID)
	assert.Equal(t, db.IncidentStatusCreated, incident.Status)
	assert.Equal(t, "manual", incident.Source)
	assert.False(t, incident.CreatedAt.IsZero())
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestGetIncidentNotFound(t *testing.T) {
	pg, mockDB, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	mockDB.ExpectQuery("SELECT .* FROM incidents").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(incidentColumns()))

	svc := NewIncidentService(pg)
	_, err = svc.GetIncident("missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestUpdateIncidentStatus(t *testing.T) {
	t.Run("GuardedUpdateSucceeds", func(t *testing.T) {
		pg, mockDB, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		mockDB.ExpectQuery("UPDATE incidents").
			WillReturnRows(incidentRow("inc-1", db.IncidentStatusAcknowledged))

		svc := NewIncidentService(pg)
		expected := db.IncidentStatusCreated
		updated, err := svc.UpdateIncidentStatus("inc-1", db.IncidentStatusAcknowledged, &expected, StatusFields{AcknowledgedBy: "alice"})
		require.NoError(t, err)
		assert.Equal(t, db.IncidentStatusAcknowledged, updated.Status)
	})

	t.Run("ResolvedWithoutActorStampsResolvedAt", func(t *testing.T) {
		pg, mockDB, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		now := time.Now()
		row := sqlmock.NewRows(incidentColumns()).AddRow(
			"inc-1", "Test incident", "Desc", "critical", db.IncidentStatusResolved, "manual", nil,
			nil, `["api"]`, `[]`, nil, nil,
			nil, nil, nil, now,
			now, now,
		)
		// resolved_at must be in the SET clause even when no actor is supplied
		mockDB.ExpectQuery(`UPDATE incidents SET status = \$1, updated_at = \$2, resolved_at = \$3 WHERE id = \$4`).
			WillReturnRows(row)

		svc := NewIncidentService(pg)
		updated, err := svc.UpdateIncidentStatus("inc-1", db.IncidentStatusResolved, nil, StatusFields{})
		require.NoError(t, err)
		require.NotNil(t, updated.ResolvedAt)
		assert.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("AcknowledgedWithoutActorStampsAcknowledgedAt", func(t *testing.T) {
		pg, mockDB, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		now := time.Now()
		row := sqlmock.NewRows(incidentColumns()).AddRow(
			"inc-1", "Test incident", "Desc", "critical", db.IncidentStatusAcknowledged, "manual", nil,
			nil, `["api"]`, `[]`, nil, nil,
			nil, now, nil, nil,
			now, now,
		)
		mockDB.ExpectQuery(`UPDATE incidents SET status = \$1, updated_at = \$2, acknowledged_at = \$3 WHERE id = \$4`).
			WillReturnRows(row)

		svc := NewIncidentService(pg)
		updated, err := svc.UpdateIncidentStatus("inc-1", db.IncidentStatusAcknowledged, nil, StatusFields{})
		require.NoError(t, err)
		require.NotNil(t, updated.AcknowledgedAt)
		assert.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("GuardViolationIsConflict", func(t *testing.T) {
		pg, mockDB, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		mockDB.ExpectQuery("UPDATE incidents").
			WillReturnRows(sqlmock.NewRows(incidentColumns()))
		mockDB.ExpectQuery("SELECT EXISTS").
			WithArgs("inc-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		svc := NewIncidentService(pg)
		expected := db.IncidentStatusCreated
		_, err = svc.UpdateIncidentStatus("inc-1", db.IncidentStatusAcknowledged, &expected, StatusFields{})
		assert.ErrorIs(t, err, db.ErrConflict)
	})

	t.Run("MissingIncidentIsNotFound", func(t *testing.T) {
		pg, mockDB, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		mockDB.ExpectQuery("UPDATE incidents").
			WillReturnRows(sqlmock.NewRows(incidentColumns()))
		mockDB.ExpectQuery("SELECT EXISTS").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		svc := NewIncidentService(pg)
		expected := db.IncidentStatusCreated
		_, err = svc.UpdateIncidentStatus("missing", db.IncidentStatusAcknowledged, &expected, StatusFields{})
		assert.ErrorIs(t, err, db.ErrNotFound)
	})
}

func TestGetIncidentStatus(t *testing.T) {
	pg, mockDB, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	mockDB.ExpectQuery("SELECT status FROM incidents").
		WithArgs("inc-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("monitoring"))

	svc := NewIncidentService(pg)
	status, err := svc.GetIncidentStatus("inc-1")
	require.NoError(t, err)
	assert.Equal(t, "monitoring", status)
}

func TestAppendAndGetTimeline(t *testing.T) {
	pg, mockDB, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	mockDB.ExpectExec("INSERT INTO timeline_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewIncidentService(pg)
	err = svc.AppendTimeline("inc-1", db.TimelineEntry{
		Action:      db.TimelineIncidentCreated,
		Description: "Incident created with severity critical",
	})
	require.NoError(t, err)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "incident_id", "action", "description", "actor", "actor_id", "metadata", "created_at"}).
		AddRow("t1", "inc-1", db.TimelineIncidentCreated, "Incident created with severity critical", "system", nil, nil, now).
		AddRow("t2", "inc-1", db.TimelineAcknowledged, "Incident acknowledged by alice", "alice", nil, `{"note":"on it"}`, now.Add(time.Minute))
	mockDB.ExpectQuery("SELECT .* FROM timeline_entries").
		WithArgs("inc-1").
		WillReturnRows(rows)

	entries, err := svc.GetTimeline("inc-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, db.TimelineIncidentCreated, entries[0].Action)
	assert.Equal(t, "on it", entries[1].Metadata["note"])
}

func TestIsTerminalStatus(t *testing.T) {
	assert.True(t, db.IsTerminalStatus(db.IncidentStatusResolved))
	assert.True(t, db.IsTerminalStatus(db.IncidentStatusClosed))
	assert.False(t, db.IsTerminalStatus(db.IncidentStatusCreated))
	assert.False(t, db.IsTerminalStatus(db.IncidentStatusMonitoring))
}
