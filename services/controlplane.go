package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// ControlPlaneClient calls the external infrastructure control plane for
// restart, scale and failover operations. The control plane itself is an
// external collaborator; this client is the whole boundary.
type ControlPlaneClient struct {
	baseURL  string
	apiToken string
	client   *http.Client
}

func NewControlPlaneClient(baseURL, apiToken string) *ControlPlaneClient {
	if baseURL == "" {
		log.Println("Warning: CONTROL_PLANE_URL not set, infrastructure actions will be disabled")
	}
	return &ControlPlaneClient{
		baseURL:  baseURL,
		apiToken: apiToken,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// IsConfigured reports whether the control plane endpoint is set.
func (c *ControlPlaneClient) IsConfigured() bool {
	return c.baseURL != ""
}

// RestartService asks the control plane to restart a service.
func (c *ControlPlaneClient) RestartService(service string) error {
	return c.post("/v1/services/restart", map[string]interface{}{
		"service": service,
	})
}

// ScaleService asks the control plane to scale a service up or down.
func (c *ControlPlaneClient) ScaleService(service, direction string, amount int) error {
	if amount <= 0 {
		amount = 1
	}
	return c.post("/v1/services/scale", map[string]interface{}{
		"service":   service,
		"direction": direction,
		"amount":    amount,
	})
}

// Failover asks the control plane to fail a service over to a target.
func (c *ControlPlaneClient) Failover(service, target string) error {
	return c.post("/v1/services/failover", map[string]interface{}{
		"service": service,
		"target":  target,
	})
}

func (c *ControlPlaneClient) post(path string, payload map[string]interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("control plane not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal control plane payload: %w", err)
	}

	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create control plane request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("control plane request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("control plane returned status %d for %s", resp.StatusCode, path)
	}
	return nil
}
