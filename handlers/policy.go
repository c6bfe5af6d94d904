package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"faultline/db"
	"faultline/services"
)

type PolicyHandler struct {
	policyService *services.PolicyService
}

func NewPolicyHandler(policyService *services.PolicyService) *PolicyHandler {
	return &PolicyHandler{policyService: policyService}
}

// CreateEscalationPolicy handles POST /escalation-policies
func (h *PolicyHandler) CreateEscalationPolicy(c *gin.Context) {
	var req db.EscalationPolicy
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Policy name is required"})
		return
	}

	policy, err := h.policyService.CreateEscalationPolicy(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create escalation policy",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, policy)
}

// UpdateEscalationPolicy handles PUT /escalation-policies/:id
func (h *PolicyHandler) UpdateEscalationPolicy(c *gin.Context) {
	id := c.Param("id")

	var req db.EscalationPolicy
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	policy, err := h.policyService.UpdateEscalationPolicy(id, req)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Escalation policy not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to update escalation policy",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, policy)
}

// GetEscalationPolicy handles GET /escalation-policies/:id
func (h *PolicyHandler) GetEscalationPolicy(c *gin.Context) {
	id := c.Param("id")

	policy, err := h.policyService.GetEscalationPolicy(id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Escalation policy not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to fetch escalation policy",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, policy)
}

// ListEscalationPolicies handles GET /escalation-policies
func (h *PolicyHandler) ListEscalationPolicies(c *gin.Context) {
	activeOnly := c.Query("active") == "true"

	policies, err := h.policyService.ListEscalationPolicies(activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to fetch escalation policies",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"policies": policies,
		"total":    len(policies),
	})
}

// CreateRunbook handles POST /runbooks
func (h *PolicyHandler) CreateRunbook(c *gin.Context) {
	var req db.Runbook
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.Name == "" || len(req.Steps) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Runbook name and steps are required"})
		return
	}

	runbook, err := h.policyService.CreateRunbook(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create runbook",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, runbook)
}

// GetRunbook handles GET /runbooks/:id
func (h *PolicyHandler) GetRunbook(c *gin.Context) {
	id := c.Param("id")

	runbook, err := h.policyService.GetRunbook(id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Runbook not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to fetch runbook",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, runbook)
}

// ListRunbooks handles GET /runbooks
func (h *PolicyHandler) ListRunbooks(c *gin.Context) {
	activeOnly := c.Query("active") == "true"

	runbooks, err := h.policyService.ListRunbooks(activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to fetch runbooks",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runbooks": runbooks,
		"total":    len(runbooks),
	})
}
