package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"faultline/db"
)

type schedulerIncidentStore interface {
	GetIncidentStatus(id string) (string, error)
	GetIncident(id string) (*db.IncidentResponse, error)
	AppendTimeline(incidentID string, entry db.TimelineEntry) error
}

type actionRunner interface {
	Execute(ctx context.Context, incident *db.Incident, action db.Action) db.ActionResult
}

// SchedulerService arms one timer per escalation step. Every timer is backed
// by a row in escalation_timers; the in-memory map is an index over pending
// rows, not the source of truth, so pending steps survive a restart via
// Restore and the sweeper. The status re-check at fire time is the
// authoritative guard against racing a cancellation.
type SchedulerService struct {
	PG        *sql.DB
	Incidents schedulerIncidentStore
	Executor  actionRunner

	mu     sync.Mutex
	timers map[string][]*armedTimer
}

type armedTimer struct {
	rowID string
	timer *time.Timer
}

func NewSchedulerService(pg *sql.DB, incidents schedulerIncidentStore, executor actionRunner) *SchedulerService {
	return &SchedulerService{
		PG:        pg,
		Incidents: incidents,
		Executor:  executor,
		timers:    make(map[string][]*armedTimer),
	}
}

// Schedule persists and arms one timer per escalation step. Delays are
// measured from the incident's creation time.
func (s *SchedulerService) Schedule(incidentID string, createdAt time.Time, steps []db.EscalationStep) error {
	for i, step := range steps {
		if len(step.Actions) == 0 {
			continue
		}
		fireAt := createdAt.Add(time.Duration(step.DelayMinutes) * time.Minute)

		actionsJSON, err := json.Marshal(step.Actions)
		if err != nil {
			return fmt.Errorf("failed to marshal step actions: %w", err)
		}

		rowID := uuid.New().String()
		query := `
			INSERT INTO escalation_timers (id, incident_id, step_index, fire_at, actions, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'pending', NOW(), NOW())`
		if _, err := s.PG.Exec(query, rowID, incidentID, i, fireAt, string(actionsJSON)); err != nil {
			return fmt.Errorf("failed to persist escalation timer: %w", err)
		}

		s.arm(rowID, incidentID, i, step.Actions, fireAt)
	}
	return nil
}

func (s *SchedulerService) arm(rowID, incidentID string, stepIndex int, actions []db.Action, fireAt time.Time) {
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}

	at := &armedTimer{rowID: rowID}
	at.timer = time.AfterFunc(delay, func() {
		s.unindex(incidentID, rowID)
		s.fire(rowID, incidentID, stepIndex, actions)
	})

	s.mu.Lock()
	s.timers[incidentID] = append(s.timers[incidentID], at)
	s.mu.Unlock()
}

func (s *SchedulerService) unindex(incidentID, rowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.timers[incidentID][:0]
	for _, at := range s.timers[incidentID] {
		if at.rowID != rowID {
			remaining = append(remaining, at)
		}
	}
	if len(remaining) == 0 {
		delete(s.timers, incidentID)
	} else {
		s.timers[incidentID] = remaining
	}
}

// fire runs one escalation step. The incident status is re-read first: an
// acknowledged, resolved or closed incident discards the step with no
// actions and no timeline entry. Claiming the row guards against the
// sweeper firing the same step from another process.
func (s *SchedulerService) fire(rowID, incidentID string, stepIndex int, actions []db.Action) {
	status, err := s.Incidents.GetIncidentStatus(incidentID)
	if err != nil {
		// Row stays pending, the sweeper retries it.
		log.Printf("Scheduler: failed to read status for incident %s: %v", incidentID, err)
		return
	}
	if db.IsTerminalStatus(status) || status == db.IncidentStatusAcknowledged {
		// Acknowledgement cancels escalation; a timer racing the cancel
		// still sees the new status here and stands down.
		s.markTimer(rowID, db.TimerStatusDiscarded, "incident "+status)
		return
	}

	// Load before claiming so a failed read leaves the row pending for
	// the sweeper instead of dropping the step as fired.
	resp, err := s.Incidents.GetIncident(incidentID)
	if err != nil {
		log.Printf("Scheduler: failed to load incident %s for step %d: %v", incidentID, stepIndex, err)
		return
	}
	incident := &resp.Incident

	claimed, err := s.claimTimer(rowID)
	if err != nil {
		log.Printf("Scheduler: failed to claim timer %s: %v", rowID, err)
		return
	}
	if !claimed {
		return
	}

	ctx := context.Background()
	results := make([]db.ActionResult, 0, len(actions))
	succeeded := 0
	for _, action := range actions {
		result := s.Executor.Execute(ctx, incident, action)
		results = append(results, result)
		if result.Success {
			succeeded++
		}
	}

	entry := db.TimelineEntry{
		Action:      db.TimelineEscalationStep,
		Description: fmt.Sprintf("Escalation step %d executed: %d/%d actions succeeded", stepIndex+1, succeeded, len(actions)),
		Actor:       "system",
		Metadata: map[string]interface{}{
			"step_index": stepIndex,
			"results":    results,
		},
	}
	if err := s.Incidents.AppendTimeline(incidentID, entry); err != nil {
		log.Printf("Scheduler: failed to record escalation step for incident %s: %v", incidentID, err)
	}
}

// Cancel disarms all outstanding timers for an incident. Safe to call when
// none exist; a timer that already fired is not undone, its own status
// re-check is what prevents the escalation from acting.
func (s *SchedulerService) Cancel(incidentID, reason string) error {
	s.mu.Lock()
	for _, at := range s.timers[incidentID] {
		at.timer.Stop()
	}
	delete(s.timers, incidentID)
	s.mu.Unlock()

	query := `
		UPDATE escalation_timers
		SET status = 'cancelled', cancelled_reason = $2, updated_at = NOW()
		WHERE incident_id = $1 AND status = 'pending'`
	if _, err := s.PG.Exec(query, incidentID, reason); err != nil {
		return fmt.Errorf("failed to cancel escalation timers: %w", err)
	}
	return nil
}

// Restore re-arms every pending timer after a restart. Overdue timers fire
// immediately.
func (s *SchedulerService) Restore() error {
	rows, err := s.PG.Query(`
		SELECT id, incident_id, step_index, fire_at, actions
		FROM escalation_timers
		WHERE status = 'pending'`)
	if err != nil {
		return fmt.Errorf("failed to load pending escalation timers: %w", err)
	}
	defer rows.Close()

	restored := 0
	for rows.Next() {
		var (
			rowID, incidentID, actionsJSON string
			stepIndex                      int
			fireAt                         time.Time
		)
		if err := rows.Scan(&rowID, &incidentID, &stepIndex, &fireAt, &actionsJSON); err != nil {
			return fmt.Errorf("failed to scan escalation timer: %w", err)
		}
		var actions []db.Action
		if err := json.Unmarshal([]byte(actionsJSON), &actions); err != nil {
			log.Printf("Scheduler: skipping timer %s with bad actions payload: %v", rowID, err)
			continue
		}
		s.arm(rowID, incidentID, stepIndex, actions, fireAt)
		restored++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate escalation timers: %w", err)
	}
	if restored > 0 {
		log.Printf("Scheduler: restored %d pending escalation timers", restored)
	}
	return nil
}

// FireDue runs every pending timer whose fire time has passed and that is
// not armed in this process. The sweeper calls it periodically so timers
// leaked by a crash still fire.
func (s *SchedulerService) FireDue() error {
	rows, err := s.PG.Query(`
		SELECT id, incident_id, step_index, actions
		FROM escalation_timers
		WHERE status = 'pending' AND fire_at <= NOW()`)
	if err != nil {
		return fmt.Errorf("failed to load due escalation timers: %w", err)
	}
	defer rows.Close()

	type due struct {
		rowID, incidentID string
		stepIndex         int
		actions           []db.Action
	}
	var pending []due
	for rows.Next() {
		var d due
		var actionsJSON string
		if err := rows.Scan(&d.rowID, &d.incidentID, &d.stepIndex, &actionsJSON); err != nil {
			return fmt.Errorf("failed to scan due escalation timer: %w", err)
		}
		if err := json.Unmarshal([]byte(actionsJSON), &d.actions); err != nil {
			log.Printf("Scheduler: skipping timer %s with bad actions payload: %v", d.rowID, err)
			continue
		}
		pending = append(pending, d)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate due escalation timers: %w", err)
	}

	for _, d := range pending {
		if s.armedLocally(d.rowID) {
			continue
		}
		s.fire(d.rowID, d.incidentID, d.stepIndex, d.actions)
	}
	return nil
}

func (s *SchedulerService) armedLocally(rowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, timers := range s.timers {
		for _, at := range timers {
			if at.rowID == rowID {
				return true
			}
		}
	}
	return false
}

func (s *SchedulerService) claimTimer(rowID string) (bool, error) {
	result, err := s.PG.Exec(`
		UPDATE escalation_timers
		SET status = 'fired', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, rowID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SchedulerService) markTimer(rowID, status, reason string) {
	query := `
		UPDATE escalation_timers
		SET status = $2, cancelled_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`
	if _, err := s.PG.Exec(query, rowID, status, reason); err != nil {
		log.Printf("Scheduler: failed to mark timer %s as %s: %v", rowID, status, err)
	}
}
