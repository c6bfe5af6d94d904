package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"faultline/db"
)

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// ExecutorConfig carries the outbound channel settings for the executor.
// Endpoints are injectable so tests can point them at local servers.
type ExecutorConfig struct {
	SlackWebhookURL       string
	PagerDutyRoutingKey   string
	PagerDutyEndpoint     string
	DedupKeyPrefix        string
	MessagingGatewayURL   string
	MessagingGatewayToken string
	PublicURL             string
}

type runbookStore interface {
	GetRunbook(id string) (*db.Runbook, error)
}

type actionFunc func(ctx context.Context, incident *db.Incident, config map[string]interface{}) db.ActionResult

// ExecutorService dispatches escalation actions to their outbound channels.
// Execution never returns an error to the caller: every outcome, including
// misconfiguration, is captured in the returned ActionResult so that one
// failing channel cannot stall the rest of an escalation step.
type ExecutorService struct {
	Config       ExecutorConfig
	PG           *sql.DB
	ControlPlane *ControlPlaneClient
	Runbooks     runbookStore

	client   *http.Client
	handlers map[string]actionFunc
}

func NewExecutorService(cfg ExecutorConfig, pg *sql.DB, cp *ControlPlaneClient, runbooks runbookStore) *ExecutorService {
	if cfg.PagerDutyEndpoint == "" {
		cfg.PagerDutyEndpoint = pagerDutyEventsURL
	}
	if cfg.DedupKeyPrefix == "" {
		cfg.DedupKeyPrefix = "faultline"
	}
	s := &ExecutorService{
		Config:       cfg,
		PG:           pg,
		ControlPlane: cp,
		Runbooks:     runbooks,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	s.handlers = map[string]actionFunc{
		db.ActionNotifySlack:     s.notifySlack,
		db.ActionNotifyPagerDuty: s.notifyPagerDuty,
		db.ActionNotifyEmail:     s.notifyEmail,
		db.ActionNotifySMS:       s.notifySMS,
		db.ActionExecuteRunbook:  s.executeRunbook,
		db.ActionAutoRemediate:   s.autoRemediate,
		db.ActionScaleResources:  s.scaleResources,
		db.ActionFailover:        s.failover,
	}
	return s
}

// Execute runs a single action against an incident and reports the outcome.
func (s *ExecutorService) Execute(ctx context.Context, incident *db.Incident, action db.Action) db.ActionResult {
	handler, ok := s.handlers[action.Type]
	if !ok {
		return failure(action.Type, "unknown action type", fmt.Errorf("no handler registered for %q", action.Type))
	}
	result := handler(ctx, incident, action.Config)
	if !result.Success {
		log.Printf("Executor: action %s failed for incident %s: %s", action.Type, incident.ID, result.Error)
	}
	return result
}

func success(actionType, detail string, metadata map[string]interface{}) db.ActionResult {
	return db.ActionResult{
		ActionType: actionType,
		Success:    true,
		Detail:     detail,
		Metadata:   metadata,
	}
}

func failure(actionType, detail string, err error) db.ActionResult {
	r := db.ActionResult{
		ActionType: actionType,
		Success:    false,
		Detail:     detail,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func notConfigured(actionType, what string) db.ActionResult {
	return failure(actionType, "configuration error", fmt.Errorf("%s not configured", what))
}

func severityColor(severity string) string {
	switch severity {
	case db.SeverityCritical:
		return "#dc2626"
	case db.SeverityHigh:
		return "#ea580c"
	case db.SeverityMedium:
		return "#f59e0b"
	default:
		return "#3b82f6"
	}
}

func (s *ExecutorService) notifySlack(ctx context.Context, incident *db.Incident, config map[string]interface{}) db.ActionResult {
	if s.Config.SlackWebhookURL == "" {
		return notConfigured(db.ActionNotifySlack, "slack webhook")
	}

	text := fmt.Sprintf("*[%s]* %s", strings.ToUpper(incident.Severity), incident.Title)
	if msg, ok := config["message"].(string); ok && msg != "" {
		text = msg
	}

	fields := []map[string]interface{}{
		{"title": "Severity", "value": incident.Severity, "short": true},
		{"title": "Status", "value": incident.Status, "short": true},
		{"title": "Source", "value": incident.Source, "short": true},
	}
	if len(incident.AffectedServices) > 0 {
		fields = append(fields, map[string]interface{}{
			"title": "Affected Services",
			"value": strings.Join(incident.AffectedServices, ", "),
			"short": true,
		})
	}

	attachment := map[string]interface{}{
		"color":  severityColor(incident.Severity),
		"title":  incident.Title,
		"text":   incident.Description,
		"fields": fields,
		"ts":     incident.CreatedAt.Unix(),
	}
	if s.Config.PublicURL != "" {
		link := fmt.Sprintf("%s/incidents/%s", s.Config.PublicURL, incident.ID)
		attachment["title_link"] = link
		attachment["actions"] = []map[string]interface{}{
			{"type": "button", "text": "View Incident", "url": link},
			{"type": "button", "text": "Acknowledge", "url": link, "style": "primary"},
		}
	}

	payload := map[string]interface{}{
		"text":        text,
		"attachments": []interface{}{attachment},
	}

	if err := s.postJSON(ctx, s.Config.SlackWebhookURL, "", payload); err != nil {
		return failure(db.ActionNotifySlack, "failed to post slack message", err)
	}
	return success(db.ActionNotifySlack, "slack notification sent", nil)
}

func pagerDutySeverity(severity string) string {
	switch severity {
	case db.SeverityCritical:
		return "critical"
	case db.SeverityHigh:
		return "error"
	case db.SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}

func (s *ExecutorService) notifyPagerDuty(ctx context.Context, incident *db.Incident, config map[string]interface{}) db.ActionResult {
	routingKey := s.Config.PagerDutyRoutingKey
	if key, ok := config["routing_key"].(string); ok && key != "" {
		routingKey = key
	}
	if routingKey == "" {
		return notConfigured(db.ActionNotifyPagerDuty, "pagerduty routing key")
	}

	dedupKey := fmt.Sprintf("%s-incident-%s", s.Config.DedupKeyPrefix, incident.ID)
	source := incident.Source
	if len(incident.AffectedServices) > 0 {
		source = incident.AffectedServices[0]
	}

	payload := map[string]interface{}{
		"routing_key":  routingKey,
		"event_action": "trigger",
		"dedup_key":    dedupKey,
		"payload": map[string]interface{}{
			"summary":        incident.Title,
			"source":         source,
			"severity":       pagerDutySeverity(incident.Severity),
			"timestamp":      incident.CreatedAt.UTC().Format(time.RFC3339),
			"custom_details": incident.Metadata,
		},
	}
	if s.Config.PublicURL != "" {
		payload["links"] = []interface{}{
			map[string]interface{}{
				"href": fmt.Sprintf("%s/incidents/%s", s.Config.PublicURL, incident.ID),
				"text": "Open incident",
			},
		}
	}

	if err := s.postJSON(ctx, s.Config.PagerDutyEndpoint, "", payload); err != nil {
		return failure(db.ActionNotifyPagerDuty, "failed to trigger pagerduty event", err)
	}
	return success(db.ActionNotifyPagerDuty, "pagerduty event triggered", map[string]interface{}{
		"dedup_key": dedupKey,
	})
}

func (s *ExecutorService) notifyEmail(ctx context.Context, incident *db.Incident, config map[string]interface{}) db.ActionResult {
	if s.Config.MessagingGatewayURL == "" {
		return notConfigured(db.ActionNotifyEmail, "messaging gateway")
	}
	to := stringSliceFromConfig(config, "to")
	if len(to) == 0 {
		return failure(db.ActionNotifyEmail, "configuration error", fmt.Errorf("email action has no recipients"))
	}

	payload := map[string]interface{}{
		"to":      to,
		"subject": fmt.Sprintf("[%s] Incident: %s", strings.ToUpper(incident.Severity), incident.Title),
		"body":    incident.Description,
		"metadata": map[string]interface{}{
			"incident_id": incident.ID,
			"severity":    incident.Severity,
		},
	}
	if err := s.postJSON(ctx, s.Config.MessagingGatewayURL+"/v1/email", s.Config.MessagingGatewayToken, payload); err != nil {
		return failure(db.ActionNotifyEmail, "failed to send email", err)
	}
	return success(db.ActionNotifyEmail, fmt.Sprintf("email sent to %d recipients", len(to)), nil)
}

func (s *ExecutorService) notifySMS(ctx context.Context, incident *db.Incident, config map[string]interface{}) db.ActionResult {
	if s.Config.MessagingGatewayURL == "" {
		return notConfigured(db.ActionNotifySMS, "messaging gateway")
	}
	to := stringSliceFromConfig(config, "to")
	if len(to) == 0 {
		return failure(db.ActionNotifySMS, "configuration error", fmt.Errorf("sms action has no recipients"))
	}

	payload := map[string]interface{}{
		"to":      to,
		"message": fmt.Sprintf("[%s] %s", strings.ToUpper(incident.Severity), incident.Title),
		"metadata": map[string]interface{}{
			"incident_id": incident.ID,
		},
	}
	if err := s.postJSON(ctx, s.Config.MessagingGatewayURL+"/v1/sms", s.Config.MessagingGatewayToken, payload); err != nil {
		return failure(db.ActionNotifySMS, "failed to send sms", err)
	}
	return success(db.ActionNotifySMS, fmt.Sprintf("sms sent to %d recipients", len(to)), nil)
}

func (s *ExecutorService) executeRunbook(ctx context.Context, incident *db.Incident, config map[string]interface{}) db.ActionResult {
	runbookID, _ := config["runbook_id"].(string)
	if runbookID == "" {
		return failure(db.ActionExecuteRunbook, "configuration error", fmt.Errorf("runbook action has no runbook_id"))
	}
	runbook, err := s.Runbooks.GetRunbook(runbookID)
	if err != nil {
		return failure(db.ActionExecuteRunbook, "failed to load runbook", err)
	}
	if !runbook.IsActive {
		return failure(db.ActionExecuteRunbook, "runbook is inactive", fmt.Errorf("runbook %s is not active", runbookID))
	}

	results := make([]db.RunbookStepResult, 0, len(runbook.Steps))
	stopped := false
	failed := 0
	for _, step := range runbook.Steps {
		if stopped {
			results = append(results, db.RunbookStepResult{
				Name:   step.Name,
				Type:   step.Type,
				Status: "skipped",
				Detail: "skipped after earlier failure",
			})
			continue
		}
		res := s.runRunbookStep(ctx, incident, step)
		results = append(results, res)
		if res.Status == "failed" {
			failed++
			if step.StopOnFailure {
				stopped = true
			}
		}
	}

	metadata := map[string]interface{}{
		"runbook_id":   runbook.ID,
		"runbook_name": runbook.Name,
		"steps":        results,
	}
	detail := fmt.Sprintf("runbook %q: %d/%d steps succeeded", runbook.Name, len(results)-failed-countSkipped(results), len(runbook.Steps))
	if failed > 0 {
		return db.ActionResult{
			ActionType: db.ActionExecuteRunbook,
			Success:    false,
			Detail:     detail,
			Error:      fmt.Sprintf("%d runbook steps failed", failed),
			Metadata:   metadata,
		}
	}
	return success(db.ActionExecuteRunbook, detail, metadata)
}

func countSkipped(results []db.RunbookStepResult) int {
	n := 0
	for _, r := range results {
		if r.Status == "skipped" {
			n++
		}
	}
	return n
}

func (s *ExecutorService) runRunbookStep(ctx context.Context, incident *db.Incident, step db.RunbookStep) db.RunbookStepResult {
	start := time.Now()
	res := db.RunbookStepResult{Name: step.Name, Type: step.Type, Status: "success"}

	var err error
	switch step.Type {
	case "check_service":
		err = s.stepCheckService(ctx, step.Config)
	case "restart_service":
		err = s.stepRestartService(step.Config, incident)
	case "scale_service":
		err = s.stepScaleService(step.Config)
	case "notify":
		r := s.notifySlack(ctx, incident, step.Config)
		if !r.Success {
			err = fmt.Errorf("%s", r.Error)
		}
	case "database_query":
		res.Detail, err = s.stepDatabaseQuery(ctx, step.Config)
	case "http_request":
		err = s.stepHTTPRequest(ctx, step.Config)
	case "delay":
		err = stepDelay(ctx, step.Config)
	default:
		err = fmt.Errorf("unknown runbook step type %q", step.Type)
	}

	res.ElapsedMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Status = "failed"
		res.Error = err.Error()
	}
	return res
}

func (s *ExecutorService) stepCheckService(ctx context.Context, config map[string]interface{}) error {
	url, _ := config["url"].(string)
	if url == "" {
		return fmt.Errorf("check_service step has no url")
	}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *ExecutorService) stepRestartService(config map[string]interface{}, incident *db.Incident) error {
	service, _ := config["service"].(string)
	if service == "" && len(incident.AffectedServices) > 0 {
		service = incident.AffectedServices[0]
	}
	if service == "" {
		return fmt.Errorf("restart_service step has no service")
	}
	return s.ControlPlane.RestartService(service)
}

func (s *ExecutorService) stepScaleService(config map[string]interface{}) error {
	service, _ := config["service"].(string)
	if service == "" {
		return fmt.Errorf("scale_service step has no service")
	}
	direction, _ := config["direction"].(string)
	if direction == "" {
		direction = "up"
	}
	return s.ControlPlane.ScaleService(service, direction, intFromConfig(config, "amount"))
}

func (s *ExecutorService) stepDatabaseQuery(ctx context.Context, config map[string]interface{}) (string, error) {
	query, _ := config["query"].(string)
	if query == "" {
		return "", fmt.Errorf("database_query step has no query")
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return "", fmt.Errorf("database_query step only allows SELECT statements")
	}

	var value string
	if err := s.PG.QueryRowContext(ctx, query).Scan(&value); err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	if expected, ok := config["expected"].(string); ok && expected != "" {
		if value != expected {
			return "", fmt.Errorf("query returned %q, expected %q", value, expected)
		}
	}
	return fmt.Sprintf("query returned %q", value), nil
}

func (s *ExecutorService) stepHTTPRequest(ctx context.Context, config map[string]interface{}) error {
	url, _ := config["url"].(string)
	if url == "" {
		return fmt.Errorf("http_request step has no url")
	}
	method, _ := config["method"].(string)
	if method == "" {
		method = "GET"
	}
	var bodyReader io.Reader
	if body, ok := config["body"].(string); ok && body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request returned status %d", resp.StatusCode)
	}
	return nil
}

func stepDelay(ctx context.Context, config map[string]interface{}) error {
	seconds := intFromConfig(config, "seconds")
	if seconds <= 0 {
		return fmt.Errorf("delay step has no positive seconds value")
	}
	select {
	case <-time.After(time.Duration(seconds) * time.Second):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// remediationRules maps metric name fragments to the infrastructure
// action that usually clears them. Rules are evaluated in order and
// every matching rule runs.
var remediationRules = []struct {
	match string
	build func(incident *db.Incident) (string, func(s *ExecutorService) error)
}{
	{
		match: "api_error_rate",
		build: func(incident *db.Incident) (string, func(s *ExecutorService) error) {
			service := "api"
			if len(incident.AffectedServices) > 0 {
				service = incident.AffectedServices[0]
			}
			return fmt.Sprintf("restart service %s", service), func(s *ExecutorService) error {
				return s.ControlPlane.RestartService(service)
			}
		},
	},
	{
		match: "queue_depth",
		build: func(incident *db.Incident) (string, func(s *ExecutorService) error) {
			return "scale workers up", func(s *ExecutorService) error {
				return s.ControlPlane.ScaleService("workers", "up", 2)
			}
		},
	},
	{
		match: "call_failure_rate",
		build: func(incident *db.Incident) (string, func(s *ExecutorService) error) {
			return "failover to backup carrier", func(s *ExecutorService) error {
				return s.ControlPlane.Failover("telephony", "backup_carrier")
			}
		},
	},
}

func (s *ExecutorService) autoRemediate(ctx context.Context, incident *db.Incident, config map[string]interface{}) db.ActionResult {
	metricName, _ := incident.Metadata["metric_name"].(string)

	taken := []string{}
	var firstErr error
	for _, rule := range remediationRules {
		if metricName == "" || !strings.Contains(metricName, rule.match) {
			continue
		}
		desc, run := rule.build(incident)
		if err := run(s); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", desc, err)
			}
			continue
		}
		taken = append(taken, desc)
	}

	metadata := map[string]interface{}{
		"metric_name":   metricName,
		"actions_taken": taken,
	}
	if firstErr != nil {
		return db.ActionResult{
			ActionType: db.ActionAutoRemediate,
			Success:    false,
			Detail:     fmt.Sprintf("auto-remediation partially applied (%d actions)", len(taken)),
			Error:      firstErr.Error(),
			Metadata:   metadata,
		}
	}
	if len(taken) == 0 {
		return success(db.ActionAutoRemediate, fmt.Sprintf("no remediation rule matched metric %q", metricName), metadata)
	}
	return success(db.ActionAutoRemediate, fmt.Sprintf("applied: %s", strings.Join(taken, "; ")), metadata)
}

func (s *ExecutorService) scaleResources(ctx context.Context, incident *db.Incident, config map[string]interface{}) db.ActionResult {
	service, _ := config["service"].(string)
	if service == "" {
		return failure(db.ActionScaleResources, "configuration error", fmt.Errorf("scale action has no service"))
	}
	direction, _ := config["direction"].(string)
	if direction == "" {
		direction = "up"
	}
	amount := intFromConfig(config, "amount")
	if err := s.ControlPlane.ScaleService(service, direction, amount); err != nil {
		return failure(db.ActionScaleResources, fmt.Sprintf("failed to scale %s %s", service, direction), err)
	}
	return success(db.ActionScaleResources, fmt.Sprintf("scaled %s %s", service, direction), nil)
}

func (s *ExecutorService) failover(ctx context.Context, incident *db.Incident, config map[string]interface{}) db.ActionResult {
	service, _ := config["service"].(string)
	target, _ := config["target"].(string)
	if service == "" || target == "" {
		return failure(db.ActionFailover, "configuration error", fmt.Errorf("failover action needs service and target"))
	}
	if err := s.ControlPlane.Failover(service, target); err != nil {
		return failure(db.ActionFailover, fmt.Sprintf("failed to fail %s over to %s", service, target), err)
	}
	return success(db.ActionFailover, fmt.Sprintf("failed %s over to %s", service, target), nil)
}

func (s *ExecutorService) postJSON(ctx context.Context, url, token string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func stringSliceFromConfig(config map[string]interface{}, key string) []string {
	out := []string{}
	switch v := config[key].(type) {
	case []string:
		out = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case string:
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func intFromConfig(config map[string]interface{}, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
