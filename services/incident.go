package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"faultline/db"
)

// IncidentService is the incident store: durable records for incidents and
// their timeline entries. It is the single source of truth for incident
// status; conflicting writes are serialized through the conditional update.
type IncidentService struct {
	PG *sql.DB
}

func NewIncidentService(pg *sql.DB) *IncidentService {
	return &IncidentService{PG: pg}
}

// StatusFields carries the set-once attribution fields for a status change.
type StatusFields struct {
	AcknowledgedBy string
	ResolvedBy     string
}

// CreateIncident inserts a new incident. The caller (lifecycle manager) is
// responsible for the initial timeline entry and escalation scheduling.
func (s *IncidentService) CreateIncident(incident *db.Incident) (*db.Incident, error) {
	if incident.ID == "" {
		incident.ID = uuid.New().String()
	}
	if incident.Status == "" {
		incident.Status = db.IncidentStatusCreated
	}
	if incident.Source == "" {
		incident.Source = "manual"
	}
	now := time.Now().UTC()
	incident.CreatedAt = now
	incident.UpdatedAt = now

	servicesJSON, _ := json.Marshal(incident.AffectedServices)
	tagsJSON, _ := json.Marshal(incident.Tags)
	var metadataJSON interface{}
	if incident.Metadata != nil {
		b, _ := json.Marshal(incident.Metadata)
		metadataJSON = string(b)
	}

	// Empty strings become NULL for nullable columns
	var sourceIDParam, tenantIDParam, policyIDParam interface{}
	if incident.SourceID != "" {
		sourceIDParam = incident.SourceID
	}
	if incident.TenantID != "" {
		tenantIDParam = incident.TenantID
	}
	if incident.EscalationPolicyID != "" {
		policyIDParam = incident.EscalationPolicyID
	}

	_, err := s.PG.Exec(`
		INSERT INTO incidents (
			id, title, description, severity, status, source, source_id,
			tenant_id, affected_services, tags, metadata, escalation_policy_id,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		incident.ID, incident.Title, incident.Description, incident.Severity,
		incident.Status, incident.Source, sourceIDParam, tenantIDParam,
		string(servicesJSON), string(tagsJSON), metadataJSON, policyIDParam,
		incident.CreatedAt, incident.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create incident: %w", err)
	}

	return incident, nil
}

// GetIncident returns one incident with its full timeline.
func (s *IncidentService) GetIncident(id string) (*db.IncidentResponse, error) {
	row := s.PG.QueryRow(`
		SELECT id, title, description, severity, status, source, source_id,
		       tenant_id, affected_services, tags, metadata, escalation_policy_id,
		       acknowledged_by, acknowledged_at, resolved_by, resolved_at,
		       created_at, updated_at
		FROM incidents
		WHERE id = $1`, id)

	incident, err := scanIncident(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, db.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	timeline, err := s.GetTimeline(id)
	if err != nil {
		return nil, err
	}

	return &db.IncidentResponse{Incident: *incident, Timeline: timeline}, nil
}

// GetIncidentStatus reads only the current status. Used by the scheduler's
// fire-time re-check, which must observe the stored status, never a cache.
func (s *IncidentService) GetIncidentStatus(id string) (string, error) {
	var status string
	err := s.PG.QueryRow(`SELECT status FROM incidents WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", db.ErrNotFound
		}
		return "", fmt.Errorf("failed to get incident status: %w", err)
	}
	return status, nil
}

// UpdateIncidentStatus changes an incident's status. When expectedStatus is
// non-nil the update is conditional: a stored status that no longer matches
// fails with db.ErrConflict instead of silently overwriting.
func (s *IncidentService) UpdateIncidentStatus(id, newStatus string, expectedStatus *string, fields StatusFields) (*db.Incident, error) {
	now := time.Now().UTC()

	query := `UPDATE incidents SET status = $1, updated_at = $2`
	args := []interface{}{newStatus, now}
	argIndex := 3

	// Timestamps follow the target status so an empty actor still stamps them
	if newStatus == db.IncidentStatusAcknowledged {
		query += fmt.Sprintf(", acknowledged_at = $%d", argIndex)
		args = append(args, now)
		argIndex++
		if fields.AcknowledgedBy != "" {
			query += fmt.Sprintf(", acknowledged_by = $%d", argIndex)
			args = append(args, fields.AcknowledgedBy)
			argIndex++
		}
	}
	if newStatus == db.IncidentStatusResolved {
		query += fmt.Sprintf(", resolved_at = $%d", argIndex)
		args = append(args, now)
		argIndex++
		if fields.ResolvedBy != "" {
			query += fmt.Sprintf(", resolved_by = $%d", argIndex)
			args = append(args, fields.ResolvedBy)
			argIndex++
		}
	}

	query += fmt.Sprintf(" WHERE id = $%d", argIndex)
	args = append(args, id)
	argIndex++

	if expectedStatus != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, *expectedStatus)
	}

	query += ` RETURNING id, title, description, severity, status, source, source_id,
	       tenant_id, affected_services, tags, metadata, escalation_policy_id,
	       acknowledged_by, acknowledged_at, resolved_by, resolved_at,
	       created_at, updated_at`

	incident, err := scanIncident(s.PG.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		if expectedStatus == nil {
			return nil, db.ErrNotFound
		}
		// Distinguish a missing record from a guard violation
		var exists bool
		if checkErr := s.PG.QueryRow(`SELECT EXISTS(SELECT 1 FROM incidents WHERE id = $1)`, id).Scan(&exists); checkErr != nil {
			return nil, fmt.Errorf("failed to check incident existence: %w", checkErr)
		}
		if !exists {
			return nil, db.ErrNotFound
		}
		return nil, db.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update incident status: %w", err)
	}

	return incident, nil
}

// AppendTimeline appends one audit record to an incident's timeline.
// Entries are never mutated or deleted.
func (s *IncidentService) AppendTimeline(incidentID string, entry db.TimelineEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}

	var metadataJSON interface{}
	if entry.Metadata != nil {
		b, _ := json.Marshal(entry.Metadata)
		metadataJSON = string(b)
	}
	var actorIDParam interface{}
	if entry.ActorID != "" {
		actorIDParam = entry.ActorID
	}

	_, err := s.PG.Exec(`
		INSERT INTO timeline_entries (id, incident_id, action, description, actor, actor_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		entry.ID, incidentID, entry.Action, entry.Description, entry.Actor, actorIDParam, metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to append timeline entry: %w", err)
	}
	return nil
}

// GetTimeline returns all timeline entries for an incident in creation order.
func (s *IncidentService) GetTimeline(incidentID string) ([]db.TimelineEntry, error) {
	rows, err := s.PG.Query(`
		SELECT id, incident_id, action, description, actor, actor_id, metadata, created_at
		FROM timeline_entries
		WHERE incident_id = $1
		ORDER BY created_at ASC`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline entries: %w", err)
	}
	defer rows.Close()

	var entries []db.TimelineEntry
	for rows.Next() {
		var entry db.TimelineEntry
		var actorID, metadataJSON sql.NullString

		err := rows.Scan(&entry.ID, &entry.IncidentID, &entry.Action, &entry.Description,
			&entry.Actor, &actorID, &metadataJSON, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timeline entry: %w", err)
		}

		if actorID.Valid {
			entry.ActorID = actorID.String
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			_ = json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// ListActiveIncidents returns incidents whose status is not resolved/closed,
// optionally filtered by severity and tenant.
func (s *IncidentService) ListActiveIncidents(filters map[string]interface{}) ([]db.Incident, error) {
	query := `
		SELECT id, title, description, severity, status, source, source_id,
		       tenant_id, affected_services, tags, metadata, escalation_policy_id,
		       acknowledged_by, acknowledged_at, resolved_by, resolved_at,
		       created_at, updated_at
		FROM incidents
		WHERE status NOT IN ('resolved', 'closed')`

	args := []interface{}{}
	argIndex := 1

	if severity, ok := filters["severity"].(string); ok && severity != "" {
		query += fmt.Sprintf(" AND severity = $%d", argIndex)
		args = append(args, severity)
		argIndex++
	}
	if tenantID, ok := filters["tenant_id"].(string); ok && tenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIndex)
		args = append(args, tenantID)
		argIndex++
	}
	_ = argIndex

	query += " ORDER BY created_at DESC"

	rows, err := s.PG.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active incidents: %w", err)
	}
	defer rows.Close()

	var incidents []db.Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			log.Printf("Error scanning incident row: %v", err)
			continue
		}
		incidents = append(incidents, *incident)
	}

	return incidents, nil
}

// FindBySource looks up an incident by its provenance tag, used for
// idempotent linkage of detector-originated incidents.
func (s *IncidentService) FindBySource(source, sourceID string) (*db.Incident, error) {
	row := s.PG.QueryRow(`
		SELECT id, title, description, severity, status, source, source_id,
		       tenant_id, affected_services, tags, metadata, escalation_policy_id,
		       acknowledged_by, acknowledged_at, resolved_by, resolved_at,
		       created_at, updated_at
		FROM incidents
		WHERE source = $1 AND source_id = $2
		ORDER BY created_at DESC
		LIMIT 1`, source, sourceID)

	incident, err := scanIncident(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, db.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find incident by source: %w", err)
	}
	return incident, nil
}

// GetIncidentStats aggregates counts and mean acknowledge/resolve latency
// over a trailing window.
func (s *IncidentService) GetIncidentStats(windowDays int) (*db.IncidentStats, error) {
	if windowDays <= 0 {
		windowDays = 30
	}

	stats := &db.IncidentStats{
		BySeverity: make(map[string]int),
		ByStatus:   make(map[string]int),
		WindowDays: windowDays,
	}

	sevRows, err := s.PG.Query(`
		SELECT severity, COUNT(*)
		FROM incidents
		WHERE created_at >= NOW() - INTERVAL '1 day' * $1
		GROUP BY severity`, windowDays)
	if err != nil {
		return nil, fmt.Errorf("failed to query severity counts: %w", err)
	}
	defer sevRows.Close()
	for sevRows.Next() {
		var severity string
		var count int
		if err := sevRows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan severity count: %w", err)
		}
		stats.BySeverity[severity] = count
		stats.Total += count
	}

	statusRows, err := s.PG.Query(`
		SELECT status, COUNT(*)
		FROM incidents
		WHERE created_at >= NOW() - INTERVAL '1 day' * $1
		GROUP BY status`, windowDays)
	if err != nil {
		return nil, fmt.Errorf("failed to query status counts: %w", err)
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var status string
		var count int
		if err := statusRows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.ByStatus[status] = count
	}

	var meanAck, meanResolve sql.NullFloat64
	err = s.PG.QueryRow(`
		SELECT
			AVG(EXTRACT(EPOCH FROM (acknowledged_at - created_at))/60),
			AVG(EXTRACT(EPOCH FROM (resolved_at - created_at))/60)
		FROM incidents
		WHERE created_at >= NOW() - INTERVAL '1 day' * $1`, windowDays).Scan(&meanAck, &meanResolve)
	if err != nil {
		return nil, fmt.Errorf("failed to query latency stats: %w", err)
	}
	if meanAck.Valid {
		stats.MeanAckMinutes = meanAck.Float64
	}
	if meanResolve.Valid {
		stats.MeanResolutionMinutes = meanResolve.Float64
	}

	return stats, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row rowScanner) (*db.Incident, error) {
	var incident db.Incident
	var sourceID, tenantID, policyID sql.NullString
	var servicesJSON, tagsJSON, metadataJSON sql.NullString
	var acknowledgedBy, resolvedBy sql.NullString
	var acknowledgedAt, resolvedAt sql.NullTime

	err := row.Scan(
		&incident.ID, &incident.Title, &incident.Description, &incident.Severity,
		&incident.Status, &incident.Source, &sourceID, &tenantID,
		&servicesJSON, &tagsJSON, &metadataJSON, &policyID,
		&acknowledgedBy, &acknowledgedAt, &resolvedBy, &resolvedAt,
		&incident.CreatedAt, &incident.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if sourceID.Valid {
		incident.SourceID = sourceID.String
	}
	if tenantID.Valid {
		incident.TenantID = tenantID.String
	}
	if policyID.Valid {
		incident.EscalationPolicyID = policyID.String
	}
	if acknowledgedBy.Valid {
		incident.AcknowledgedBy = acknowledgedBy.String
	}
	if acknowledgedAt.Valid {
		incident.AcknowledgedAt = &acknowledgedAt.Time
	}
	if resolvedBy.Valid {
		incident.ResolvedBy = resolvedBy.String
	}
	if resolvedAt.Valid {
		incident.ResolvedAt = &resolvedAt.Time
	}

	if servicesJSON.Valid && servicesJSON.String != "" {
		_ = json.Unmarshal([]byte(servicesJSON.String), &incident.AffectedServices)
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &incident.Tags)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &incident.Metadata)
	}

	return &incident, nil
}
