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

// PolicyService is the policy store: escalation policies and runbooks.
// Configuration only, no executable state.
type PolicyService struct {
	PG *sql.DB
}

func NewPolicyService(pg *sql.DB) *PolicyService {
	return &PolicyService{PG: pg}
}

// ==========================================
// ESCALATION POLICIES
// ==========================================

// SelectPolicy picks the escalation policy for a new incident. Preference
// order: an active policy whose service_filters intersects affectedServices,
// then the active default policy, then none (nil, nil).
func (s *PolicyService) SelectPolicy(severity string, affectedServices []string) (*db.EscalationPolicy, error) {
	policies, err := s.ListEscalationPolicies(true)
	if err != nil {
		return nil, err
	}

	// Empty service_filters means match-all, ranked below an explicit
	// service match but above the default fallback.
	var matchAll, fallback *db.EscalationPolicy
	for i := range policies {
		policy := &policies[i]
		if policy.SeverityFilter != "" && policy.SeverityFilter != severity {
			continue
		}
		if len(policy.ServiceFilters) > 0 {
			if intersects(policy.ServiceFilters, affectedServices) {
				return policy, nil
			}
			continue
		}
		if policy.IsDefault {
			if fallback == nil {
				fallback = policy
			}
		} else if matchAll == nil {
			matchAll = policy
		}
	}

	if matchAll != nil {
		return matchAll, nil
	}
	return fallback, nil
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

// CreateEscalationPolicy inserts a new policy with its immediate actions and
// escalation steps serialized as JSON.
func (s *PolicyService) CreateEscalationPolicy(req db.EscalationPolicy) (db.EscalationPolicy, error) {
	policy := req
	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	policy.IsActive = true
	policy.CreatedAt = time.Now()
	policy.UpdatedAt = time.Now()

	serviceFiltersJSON, _ := json.Marshal(policy.ServiceFilters)
	immediateJSON, err := json.Marshal(policy.ImmediateActions)
	if err != nil {
		return policy, fmt.Errorf("failed to serialize immediate actions: %w", err)
	}
	stepsJSON, err := json.Marshal(policy.EscalationSteps)
	if err != nil {
		return policy, fmt.Errorf("failed to serialize escalation steps: %w", err)
	}

	_, err = s.PG.Exec(`
		INSERT INTO escalation_policies (
			id, name, description, severity_filter, service_filters,
			immediate_actions, escalation_steps, is_default, is_active,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		policy.ID, policy.Name, policy.Description, policy.SeverityFilter,
		string(serviceFiltersJSON), string(immediateJSON), string(stepsJSON),
		policy.IsDefault, policy.IsActive, policy.CreatedAt, policy.UpdatedAt,
	)
	if err != nil {
		log.Println("Failed to insert escalation policy:", err)
		return policy, fmt.Errorf("failed to insert escalation policy: %w", err)
	}

	log.Printf("Created escalation policy %s (%s) with %d steps", policy.Name, policy.ID, len(policy.EscalationSteps))
	return policy, nil
}

// UpdateEscalationPolicy replaces an existing policy's configuration.
func (s *PolicyService) UpdateEscalationPolicy(policyID string, req db.EscalationPolicy) (db.EscalationPolicy, error) {
	existing, err := s.GetEscalationPolicy(policyID)
	if err != nil {
		return db.EscalationPolicy{}, err
	}

	policy := *existing
	policy.Name = req.Name
	policy.Description = req.Description
	policy.SeverityFilter = req.SeverityFilter
	policy.ServiceFilters = req.ServiceFilters
	policy.ImmediateActions = req.ImmediateActions
	policy.EscalationSteps = req.EscalationSteps
	policy.IsDefault = req.IsDefault
	policy.UpdatedAt = time.Now()

	serviceFiltersJSON, _ := json.Marshal(policy.ServiceFilters)
	immediateJSON, _ := json.Marshal(policy.ImmediateActions)
	stepsJSON, _ := json.Marshal(policy.EscalationSteps)

	result, err := s.PG.Exec(`
		UPDATE escalation_policies
		SET name = $2, description = $3, severity_filter = $4, service_filters = $5,
		    immediate_actions = $6, escalation_steps = $7, is_default = $8, updated_at = $9
		WHERE id = $1`,
		policy.ID, policy.Name, policy.Description, policy.SeverityFilter,
		string(serviceFiltersJSON), string(immediateJSON), string(stepsJSON),
		policy.IsDefault, policy.UpdatedAt,
	)
	if err != nil {
		return policy, fmt.Errorf("failed to update escalation policy: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return policy, db.ErrNotFound
	}

	return policy, nil
}

// GetEscalationPolicy retrieves a single policy by id.
func (s *PolicyService) GetEscalationPolicy(id string) (*db.EscalationPolicy, error) {
	row := s.PG.QueryRow(`
		SELECT id, name, description, severity_filter, service_filters,
		       immediate_actions, escalation_steps, is_default, is_active,
		       created_at, updated_at
		FROM escalation_policies
		WHERE id = $1`, id)

	policy, err := scanPolicy(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, db.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get escalation policy: %w", err)
	}
	return policy, nil
}

// ListEscalationPolicies retrieves all policies, optionally active only.
func (s *PolicyService) ListEscalationPolicies(activeOnly bool) ([]db.EscalationPolicy, error) {
	query := `
		SELECT id, name, description, severity_filter, service_filters,
		       immediate_actions, escalation_steps, is_default, is_active,
		       created_at, updated_at
		FROM escalation_policies`

	args := []interface{}{}
	if activeOnly {
		query += " WHERE is_active = $1"
		args = append(args, true)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.PG.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation policies: %w", err)
	}
	defer rows.Close()

	var policies []db.EscalationPolicy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation policy: %w", err)
		}
		policies = append(policies, *policy)
	}

	return policies, nil
}

func scanPolicy(row rowScanner) (*db.EscalationPolicy, error) {
	var policy db.EscalationPolicy
	var description, severityFilter sql.NullString
	var serviceFiltersJSON, immediateJSON, stepsJSON sql.NullString

	err := row.Scan(
		&policy.ID, &policy.Name, &description, &severityFilter,
		&serviceFiltersJSON, &immediateJSON, &stepsJSON,
		&policy.IsDefault, &policy.IsActive, &policy.CreatedAt, &policy.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	policy.Description = description.String
	policy.SeverityFilter = severityFilter.String

	if serviceFiltersJSON.Valid && serviceFiltersJSON.String != "" {
		_ = json.Unmarshal([]byte(serviceFiltersJSON.String), &policy.ServiceFilters)
	}
	if immediateJSON.Valid && immediateJSON.String != "" {
		_ = json.Unmarshal([]byte(immediateJSON.String), &policy.ImmediateActions)
	}
	if stepsJSON.Valid && stepsJSON.String != "" {
		_ = json.Unmarshal([]byte(stepsJSON.String), &policy.EscalationSteps)
	}

	return &policy, nil
}

// ==========================================
// RUNBOOKS
// ==========================================

// CreateRunbook inserts a new runbook with its steps serialized as JSON.
func (s *PolicyService) CreateRunbook(req db.Runbook) (db.Runbook, error) {
	runbook := req
	if runbook.ID == "" {
		runbook.ID = uuid.New().String()
	}
	runbook.IsActive = true
	runbook.CreatedAt = time.Now()
	runbook.UpdatedAt = time.Now()

	stepsJSON, err := json.Marshal(runbook.Steps)
	if err != nil {
		return runbook, fmt.Errorf("failed to serialize runbook steps: %w", err)
	}
	var triggerJSON interface{}
	if runbook.TriggerConditions != nil {
		b, _ := json.Marshal(runbook.TriggerConditions)
		triggerJSON = string(b)
	}

	_, err = s.PG.Exec(`
		INSERT INTO runbooks (id, name, description, steps, trigger_conditions, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		runbook.ID, runbook.Name, runbook.Description, string(stepsJSON),
		triggerJSON, runbook.IsActive, runbook.CreatedAt, runbook.UpdatedAt,
	)
	if err != nil {
		return runbook, fmt.Errorf("failed to insert runbook: %w", err)
	}

	log.Printf("Created runbook %s (%s) with %d steps", runbook.Name, runbook.ID, len(runbook.Steps))
	return runbook, nil
}

// GetRunbook retrieves a single runbook by id.
func (s *PolicyService) GetRunbook(id string) (*db.Runbook, error) {
	row := s.PG.QueryRow(`
		SELECT id, name, description, steps, trigger_conditions, is_active, created_at, updated_at
		FROM runbooks
		WHERE id = $1`, id)

	runbook, err := scanRunbook(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, db.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get runbook: %w", err)
	}
	return runbook, nil
}

// ListRunbooks retrieves all runbooks, optionally active only.
func (s *PolicyService) ListRunbooks(activeOnly bool) ([]db.Runbook, error) {
	query := `
		SELECT id, name, description, steps, trigger_conditions, is_active, created_at, updated_at
		FROM runbooks`

	args := []interface{}{}
	if activeOnly {
		query += " WHERE is_active = $1"
		args = append(args, true)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.PG.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runbooks: %w", err)
	}
	defer rows.Close()

	var runbooks []db.Runbook
	for rows.Next() {
		runbook, err := scanRunbook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan runbook: %w", err)
		}
		runbooks = append(runbooks, *runbook)
	}

	return runbooks, nil
}

func scanRunbook(row rowScanner) (*db.Runbook, error) {
	var runbook db.Runbook
	var description, stepsJSON, triggerJSON sql.NullString

	err := row.Scan(
		&runbook.ID, &runbook.Name, &description, &stepsJSON, &triggerJSON,
		&runbook.IsActive, &runbook.CreatedAt, &runbook.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	runbook.Description = description.String
	if stepsJSON.Valid && stepsJSON.String != "" {
		_ = json.Unmarshal([]byte(stepsJSON.String), &runbook.Steps)
	}
	if triggerJSON.Valid && triggerJSON.String != "" {
		_ = json.Unmarshal([]byte(triggerJSON.String), &runbook.TriggerConditions)
	}

	return &runbook, nil
}
