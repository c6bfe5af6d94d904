package db

import "time"

// ===========================
// INCIDENT MODELS
// ===========================

// Incident represents a tracked operational fault
type Incident struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"` // critical, high, medium, low, info
	Status      string `json:"status"`   // created, acknowledged, investigating, identified, monitoring, resolved, closed

	// Provenance
	Source   string `json:"source"`              // manual, anomaly_detection, uptime-monitor, ...
	SourceID string `json:"source_id,omitempty"` // opaque foreign reference for idempotent linkage

	// Tenancy & scoping
	TenantID         string   `json:"tenant_id,omitempty"` // empty = platform-wide
	AffectedServices []string `json:"affected_services,omitempty"`
	Tags             []string `json:"tags,omitempty"`

	// Open key/value bag, consumed by auto-remediation rules (metric_name etc.)
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Acknowledgment & resolution (set once on the matching transition)
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`

	EscalationPolicyID string `json:"escalation_policy_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IncidentResponse includes the timeline for API responses
type IncidentResponse struct {
	Incident
	Timeline []TimelineEntry `json:"timeline,omitempty"`
}

// TimelineEntry is an append-only audit record attached to an incident
type TimelineEntry struct {
	ID          string                 `json:"id"`
	IncidentID  string                 `json:"incident_id"`
	Action      string                 `json:"action"`
	Description string                 `json:"description"`
	Actor       string                 `json:"actor"` // system, admin, user name
	ActorID     string                 `json:"actor_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ===========================
// ESCALATION POLICY MODELS
// ===========================

// Action is one executable unit inside a policy or escalation step
type Action struct {
	Type   string                 `json:"type"` // notify_slack, notify_pagerduty, notify_email, notify_sms, execute_runbook, auto_remediate, scale_resources, failover
	Config map[string]interface{} `json:"config,omitempty"`
}

// EscalationStep is one deferred point in a policy
type EscalationStep struct {
	DelayMinutes int      `json:"delay_minutes"`
	Actions      []Action `json:"actions"`
}

// EscalationPolicy selects immediate and time-deferred actions for a new
// incident, matched by severity and affected services
type EscalationPolicy struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	SeverityFilter   string           `json:"severity_filter,omitempty"` // empty = any severity
	ServiceFilters   []string         `json:"service_filters,omitempty"` // empty = match-all
	ImmediateActions []Action         `json:"immediate_actions,omitempty"`
	EscalationSteps  []EscalationStep `json:"escalation_steps,omitempty"`
	IsDefault        bool             `json:"is_default"`
	IsActive         bool             `json:"is_active"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ===========================
// RUNBOOK MODELS
// ===========================

// RunbookStep is one typed diagnostic/remediation step
type RunbookStep struct {
	Name          string                 `json:"name"`
	Type          string                 `json:"type"` // check_service, restart_service, scale_service, notify, database_query, http_request, delay
	Config        map[string]interface{} `json:"config,omitempty"`
	StopOnFailure bool                   `json:"stop_on_failure,omitempty"`
}

// Runbook is a named ordered list of typed steps
type Runbook struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	Description       string                 `json:"description,omitempty"`
	Steps             []RunbookStep          `json:"steps"`
	TriggerConditions map[string]interface{} `json:"trigger_conditions,omitempty"`
	IsActive          bool                   `json:"is_active"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// ===========================
// SCHEDULER MODELS
// ===========================

// EscalationTimer is the durable record of one scheduled escalation step.
// The scheduler's in-memory timers are an index over these rows, not the
// source of truth.
type EscalationTimer struct {
	ID              string    `json:"id"`
	IncidentID      string    `json:"incident_id"`
	StepIndex       int       `json:"step_index"`
	FireAt          time.Time `json:"fire_at"`
	Actions         []Action  `json:"actions"`
	Status          string    `json:"status"` // pending, fired, cancelled, discarded
	CancelledReason string    `json:"cancelled_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ===========================
// EXECUTION RESULTS
// ===========================

// ActionResult captures the outcome of one action execution. Failures are
// data, not errors: the executor never raises to its caller.
type ActionResult struct {
	ActionType string                 `json:"action_type"`
	Success    bool                   `json:"success"`
	Detail     string                 `json:"detail,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// RunbookStepResult records one runbook step outcome
type RunbookStepResult struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Status    string `json:"status"` // success, failed, skipped
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// ===========================
// REQUEST / RESPONSE DTOs
// ===========================

// CreateIncidentRequest for creating a new incident
type CreateIncidentRequest struct {
	Title            string                 `json:"title" binding:"required"`
	Description      string                 `json:"description"`
	Severity         string                 `json:"severity" binding:"required,oneof=critical high medium low info"`
	Source           string                 `json:"source"`
	SourceID         string                 `json:"source_id,omitempty"`
	TenantID         string                 `json:"tenant_id,omitempty"`
	AffectedServices []string               `json:"affected_services,omitempty"`
	Tags             []string               `json:"tags,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// AnomalyEvent is the contract the anomaly detector depends on
type AnomalyEvent struct {
	ID               string   `json:"id" binding:"required"`
	MetricName       string   `json:"metric_name" binding:"required"`
	CurrentValue     float64  `json:"current_value"`
	ExpectedValue    float64  `json:"expected_value"`
	Severity         string   `json:"severity"`
	TenantID         string   `json:"tenant_id,omitempty"`
	AffectedServices []string `json:"affected_services,omitempty"`
}

// AcknowledgeRequest for acknowledging an incident
type AcknowledgeRequest struct {
	By   string `json:"by" binding:"required"`
	Note string `json:"note,omitempty"`
}

// UpdateStatusRequest for free-form status changes
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=created acknowledged investigating identified monitoring resolved closed"`
	By     string `json:"by,omitempty"`
	Note   string `json:"note,omitempty"`
}

// AddTimelineEntryRequest for manual timeline entries
type AddTimelineEntryRequest struct {
	Action      string                 `json:"action" binding:"required"`
	Description string                 `json:"description" binding:"required"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// IncidentStats aggregates counts and latency over a trailing window
type IncidentStats struct {
	Total                 int            `json:"total"`
	BySeverity            map[string]int `json:"by_severity"`
	ByStatus              map[string]int `json:"by_status"`
	MeanAckMinutes        float64        `json:"mean_acknowledge_minutes"`
	MeanResolutionMinutes float64        `json:"mean_resolution_minutes"`
	WindowDays            int            `json:"window_days"`
}

// ===========================
// CONSTANTS
// ===========================

// Incident statuses
const (
	IncidentStatusCreated       = "created"
	IncidentStatusAcknowledged  = "acknowledged"
	IncidentStatusInvestigating = "investigating"
	IncidentStatusIdentified    = "identified"
	IncidentStatusMonitoring    = "monitoring"
	IncidentStatusResolved      = "resolved"
	IncidentStatusClosed        = "closed"
)

// Incident severities
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// Action types
const (
	ActionNotifySlack     = "notify_slack"
	ActionNotifyPagerDuty = "notify_pagerduty"
	ActionNotifyEmail     = "notify_email"
	ActionNotifySMS       = "notify_sms"
	ActionExecuteRunbook  = "execute_runbook"
	ActionAutoRemediate   = "auto_remediate"
	ActionScaleResources  = "scale_resources"
	ActionFailover        = "failover"
)

// Timeline action codes
const (
	TimelineIncidentCreated    = "incident_created"
	TimelineAcknowledged       = "incident_acknowledged"
	TimelineActionExecuted     = "action_executed"
	TimelineEscalationStep     = "escalation_step_executed"
	TimelineEscalationCancel   = "escalation_cancelled"
	TimelineStatusChangePrefix = "status_changed_to_" // + new status
)

// Escalation timer statuses
const (
	TimerStatusPending   = "pending"
	TimerStatusFired     = "fired"
	TimerStatusCancelled = "cancelled"
	TimerStatusDiscarded = "discarded"
)

// IsTerminalStatus reports whether a firing escalation step must be discarded
// for an incident in this status.
func IsTerminalStatus(status string) bool {
	return status == IncidentStatusResolved || status == IncidentStatusClosed
}

// ValidStatus reports whether s is a known incident status.
func ValidStatus(s string) bool {
	switch s {
	case IncidentStatusCreated, IncidentStatusAcknowledged, IncidentStatusInvestigating,
		IncidentStatusIdentified, IncidentStatusMonitoring, IncidentStatusResolved, IncidentStatusClosed:
		return true
	}
	return false
}
