package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"faultline/db"
)

type lifecycleIncidentStore interface {
	CreateIncident(incident *db.Incident) (*db.Incident, error)
	GetIncident(id string) (*db.IncidentResponse, error)
	GetIncidentStatus(id string) (string, error)
	UpdateIncidentStatus(id, newStatus string, expectedStatus *string, fields StatusFields) (*db.Incident, error)
	AppendTimeline(incidentID string, entry db.TimelineEntry) error
	FindBySource(source, sourceID string) (*db.Incident, error)
}

type policySelector interface {
	SelectPolicy(severity string, affectedServices []string) (*db.EscalationPolicy, error)
}

type escalationScheduler interface {
	Schedule(incidentID string, createdAt time.Time, steps []db.EscalationStep) error
	Cancel(incidentID, reason string) error
}

// TransitionPolicy decides whether a status transition is allowed. The
// default allows any transition between known statuses; stricter tables can
// be injected without changing callers.
type TransitionPolicy func(from, to string) error

func PermissiveTransitions(from, to string) error {
	if !db.ValidStatus(to) {
		return fmt.Errorf("unknown status %q", to)
	}
	return nil
}

// LifecycleService is the state machine over incidents. It owns every status
// transition and orchestrates the store, policy selection, immediate action
// execution and escalation scheduling. Action failures are recorded on the
// timeline and never fail the lifecycle operation that triggered them.
type LifecycleService struct {
	Incidents   lifecycleIncidentStore
	Policies    policySelector
	Executor    actionRunner
	Scheduler   escalationScheduler
	Redis       *redis.Client
	Transitions TransitionPolicy
}

func NewLifecycleService(incidents lifecycleIncidentStore, policies policySelector, executor actionRunner, scheduler escalationScheduler, rdb *redis.Client) *LifecycleService {
	return &LifecycleService{
		Incidents:   incidents,
		Policies:    policies,
		Executor:    executor,
		Scheduler:   scheduler,
		Redis:       rdb,
		Transitions: PermissiveTransitions,
	}
}

// CreateIncident opens a new incident, selects its escalation policy, runs
// the policy's immediate actions and schedules its delayed steps. Incidents
// carrying a source and source_id are deduplicated: a second event for the
// same pair returns the incident already linked to it.
func (s *LifecycleService) CreateIncident(ctx context.Context, req *db.CreateIncidentRequest) (*db.IncidentResponse, bool, error) {
	if req.Source != "" && req.SourceID != "" {
		existing, err := s.claimSource(ctx, req.Source, req.SourceID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	incident := &db.Incident{
		Title:            req.Title,
		Description:      req.Description,
		Severity:         req.Severity,
		Source:           req.Source,
		SourceID:         req.SourceID,
		TenantID:         req.TenantID,
		AffectedServices: req.AffectedServices,
		Tags:             req.Tags,
		Metadata:         req.Metadata,
	}

	policy, err := s.Policies.SelectPolicy(req.Severity, req.AffectedServices)
	if err != nil {
		return nil, false, fmt.Errorf("failed to select escalation policy: %w", err)
	}
	if policy != nil {
		incident.EscalationPolicyID = policy.ID
	}

	created, err := s.Incidents.CreateIncident(incident)
	if err != nil {
		return nil, false, err
	}

	entry := db.TimelineEntry{
		Action:      db.TimelineIncidentCreated,
		Description: fmt.Sprintf("Incident created with severity %s", created.Severity),
		Actor:       "system",
	}
	if policy != nil {
		entry.Metadata = map[string]interface{}{"escalation_policy": policy.Name}
	}
	if err := s.Incidents.AppendTimeline(created.ID, entry); err != nil {
		log.Printf("Lifecycle: failed to record creation of incident %s: %v", created.ID, err)
	}

	if policy != nil {
		s.runImmediateActions(ctx, created, policy.ImmediateActions)
		if len(policy.EscalationSteps) > 0 {
			if err := s.Scheduler.Schedule(created.ID, created.CreatedAt, policy.EscalationSteps); err != nil {
				log.Printf("Lifecycle: failed to schedule escalation for incident %s: %v", created.ID, err)
			}
		}
	}

	s.publish(ctx, created)

	resp, err := s.Incidents.GetIncident(created.ID)
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

// claimSource takes the dedup lock for a source event. It returns the
// already-linked incident when another request got there first.
func (s *LifecycleService) claimSource(ctx context.Context, source, sourceID string) (*db.IncidentResponse, error) {
	if s.Redis == nil {
		return nil, nil
	}
	key := fmt.Sprintf("incident:source:%s:%s", source, sourceID)
	acquired, err := s.Redis.SetNX(ctx, key, "1", 24*time.Hour).Result()
	if err != nil {
		log.Printf("Lifecycle: redis dedup check failed for %s: %v", key, err)
		return nil, nil
	}
	if acquired {
		return nil, nil
	}
	existing, err := s.Incidents.FindBySource(source, sourceID)
	if err != nil {
		if err == db.ErrNotFound {
			// Lock holder has not persisted yet, treat as new.
			return nil, nil
		}
		return nil, err
	}
	return s.Incidents.GetIncident(existing.ID)
}

func (s *LifecycleService) runImmediateActions(ctx context.Context, incident *db.Incident, actions []db.Action) {
	for _, action := range actions {
		result := s.Executor.Execute(ctx, incident, action)
		description := fmt.Sprintf("Action %s executed", action.Type)
		if !result.Success {
			description = fmt.Sprintf("Action %s failed: %s", action.Type, result.Error)
		}
		entry := db.TimelineEntry{
			Action:      db.TimelineActionExecuted,
			Description: description,
			Actor:       "system",
			Metadata:    map[string]interface{}{"result": result},
		}
		if err := s.Incidents.AppendTimeline(incident.ID, entry); err != nil {
			log.Printf("Lifecycle: failed to record action %s for incident %s: %v", action.Type, incident.ID, err)
		}
	}
}

func (s *LifecycleService) publish(ctx context.Context, incident *db.Incident) {
	if s.Redis == nil {
		return
	}
	payload, err := json.Marshal(incident)
	if err != nil {
		return
	}
	if err := s.Redis.RPush(ctx, "incidents:queue", payload).Err(); err != nil {
		log.Printf("Lifecycle: failed to publish incident %s: %v", incident.ID, err)
	}
}

// anomalySeverity maps detector severities onto incident severities.
func anomalySeverity(severity string) string {
	switch severity {
	case "critical":
		return db.SeverityCritical
	case "high":
		return db.SeverityHigh
	case "warning":
		return db.SeverityMedium
	case "low":
		return db.SeverityLow
	default:
		return db.SeverityMedium
	}
}

// CreateFromAnomaly bridges a detector event into a regular incident. The
// metric name travels in metadata so auto-remediation rules can match it.
func (s *LifecycleService) CreateFromAnomaly(ctx context.Context, event *db.AnomalyEvent) (*db.IncidentResponse, bool, error) {
	req := &db.CreateIncidentRequest{
		Title:    fmt.Sprintf("Anomaly detected: %s", event.MetricName),
		Severity: anomalySeverity(event.Severity),
		Description: fmt.Sprintf("Metric %s is at %.2f, expected %.2f",
			event.MetricName, event.CurrentValue, event.ExpectedValue),
		Source:           "anomaly_detection",
		SourceID:         event.ID,
		TenantID:         event.TenantID,
		AffectedServices: event.AffectedServices,
		Tags:             []string{"anomaly", event.MetricName},
		Metadata: map[string]interface{}{
			"metric_name":    event.MetricName,
			"current_value":  event.CurrentValue,
			"expected_value": event.ExpectedValue,
		},
	}
	return s.CreateIncident(ctx, req)
}

// Acknowledge moves a created incident to acknowledged and cancels its
// pending escalation. Acknowledging an incident in any other status returns
// ErrConflict.
func (s *LifecycleService) Acknowledge(ctx context.Context, id, by, note string) (*db.Incident, error) {
	expected := db.IncidentStatusCreated
	updated, err := s.Incidents.UpdateIncidentStatus(id, db.IncidentStatusAcknowledged, &expected, StatusFields{AcknowledgedBy: by})
	if err != nil {
		return nil, err
	}

	if err := s.Scheduler.Cancel(id, "incident acknowledged"); err != nil {
		log.Printf("Lifecycle: failed to cancel escalation for incident %s: %v", id, err)
	}

	description := fmt.Sprintf("Incident acknowledged by %s", by)
	if note != "" {
		description = fmt.Sprintf("%s: %s", description, note)
	}
	entry := db.TimelineEntry{
		Action:      db.TimelineAcknowledged,
		Description: description,
		Actor:       by,
	}
	if err := s.Incidents.AppendTimeline(id, entry); err != nil {
		log.Printf("Lifecycle: failed to record acknowledgement of incident %s: %v", id, err)
	}
	return updated, nil
}

// UpdateStatus applies a status transition under the injected transition
// policy. Moving to resolved stamps resolved_by and resolved_at; moving to
// a terminal status cancels pending escalation. Exactly one timeline entry
// is appended per call.
func (s *LifecycleService) UpdateStatus(ctx context.Context, id, newStatus, by, note string) (*db.Incident, error) {
	current, err := s.Incidents.GetIncidentStatus(id)
	if err != nil {
		return nil, err
	}
	if err := s.Transitions(current, newStatus); err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrConflict, err)
	}

	var fields StatusFields
	if newStatus == db.IncidentStatusAcknowledged {
		fields.AcknowledgedBy = by
	}
	if newStatus == db.IncidentStatusResolved {
		fields.ResolvedBy = by
	}
	updated, err := s.Incidents.UpdateIncidentStatus(id, newStatus, nil, fields)
	if err != nil {
		return nil, err
	}

	if db.IsTerminalStatus(newStatus) {
		if err := s.Scheduler.Cancel(id, "incident "+newStatus); err != nil {
			log.Printf("Lifecycle: failed to cancel escalation for incident %s: %v", id, err)
		}
	}

	description := fmt.Sprintf("Status changed from %s to %s", current, newStatus)
	if by != "" {
		description = fmt.Sprintf("%s by %s", description, by)
	}
	if note != "" {
		description = fmt.Sprintf("%s: %s", description, note)
	}
	actor := by
	if actor == "" {
		actor = "system"
	}
	entry := db.TimelineEntry{
		Action:      db.TimelineStatusChangePrefix + newStatus,
		Description: description,
		Actor:       actor,
	}
	if err := s.Incidents.AppendTimeline(id, entry); err != nil {
		log.Printf("Lifecycle: failed to record status change of incident %s: %v", id, err)
	}
	return updated, nil
}

// AddTimelineEntry appends a manual annotation to an incident's timeline.
func (s *LifecycleService) AddTimelineEntry(ctx context.Context, id, actor string, req *db.AddTimelineEntryRequest) error {
	if _, err := s.Incidents.GetIncidentStatus(id); err != nil {
		return err
	}
	entry := db.TimelineEntry{
		Action:      strings.TrimSpace(req.Action),
		Description: req.Description,
		Actor:       actor,
		Metadata:    req.Metadata,
	}
	return s.Incidents.AppendTimeline(id, entry)
}
