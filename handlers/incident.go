package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"faultline/db"
	"faultline/services"
)

type IncidentHandler struct {
	incidentService  *services.IncidentService
	lifecycleService *services.LifecycleService
}

func NewIncidentHandler(incidentService *services.IncidentService, lifecycleService *services.LifecycleService) *IncidentHandler {
	return &IncidentHandler{
		incidentService:  incidentService,
		lifecycleService: lifecycleService,
	}
}

// CreateIncident handles POST /incidents
func (h *IncidentHandler) CreateIncident(c *gin.Context) {
	var req db.CreateIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}

	incident, created, err := h.lifecycleService.CreateIncident(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create incident",
			"details": err.Error(),
		})
		return
	}

	status := http.StatusCreated
	if !created {
		// Duplicate source event, the existing incident is returned.
		status = http.StatusOK
	}
	c.JSON(status, incident)
}

// CreateFromAnomaly handles POST /anomalies
func (h *IncidentHandler) CreateFromAnomaly(c *gin.Context) {
	var event db.AnomalyEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	incident, created, err := h.lifecycleService.CreateFromAnomaly(c.Request.Context(), &event)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create incident from anomaly",
			"details": err.Error(),
		})
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, incident)
}

// ListIncidents handles GET /incidents
func (h *IncidentHandler) ListIncidents(c *gin.Context) {
	filters := map[string]interface{}{}
	if severity := c.Query("severity"); severity != "" {
		filters["severity"] = severity
	}
	if tenantID := c.Query("tenant_id"); tenantID != "" {
		filters["tenant_id"] = tenantID
	}

	incidents, err := h.incidentService.ListActiveIncidents(filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to fetch incidents",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"incidents": incidents,
		"total":     len(incidents),
	})
}

// GetIncident handles GET /incidents/:id
func (h *IncidentHandler) GetIncident(c *gin.Context) {
	id := c.Param("id")

	incident, err := h.incidentService.GetIncident(id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Incident not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to fetch incident",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, incident)
}

// AcknowledgeIncident handles POST /incidents/:id/acknowledge
func (h *IncidentHandler) AcknowledgeIncident(c *gin.Context) {
	id := c.Param("id")

	var req db.AcknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	incident, err := h.lifecycleService.Acknowledge(c.Request.Context(), id, req.By, req.Note)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Incident not found"})
			return
		}
		if errors.Is(err, db.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "Incident can only be acknowledged from the created status"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to acknowledge incident",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, incident)
}

// UpdateStatus handles POST /incidents/:id/status
func (h *IncidentHandler) UpdateStatus(c *gin.Context) {
	id := c.Param("id")

	var req db.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	incident, err := h.lifecycleService.UpdateStatus(c.Request.Context(), id, req.Status, req.By, req.Note)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Incident not found"})
			return
		}
		if errors.Is(err, db.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "Status transition not allowed",
				"details": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to update incident status",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, incident)
}

// AddTimelineEntry handles POST /incidents/:id/timeline
func (h *IncidentHandler) AddTimelineEntry(c *gin.Context) {
	id := c.Param("id")

	var req db.AddTimelineEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	actor := c.GetHeader("X-Actor")
	if actor == "" {
		actor = "admin"
	}

	if err := h.lifecycleService.AddTimelineEntry(c.Request.Context(), id, actor, &req); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Incident not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to add timeline entry",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Timeline entry added",
	})
}

// GetTimeline handles GET /incidents/:id/timeline
func (h *IncidentHandler) GetTimeline(c *gin.Context) {
	id := c.Param("id")

	entries, err := h.incidentService.GetTimeline(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to fetch timeline",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"timeline": entries,
		"total":    len(entries),
	})
}

// GetIncidentStats handles GET /incidents/stats
func (h *IncidentHandler) GetIncidentStats(c *gin.Context) {
	windowDays := 7
	if windowStr := c.Query("window_days"); windowStr != "" {
		if w, err := strconv.Atoi(windowStr); err == nil && w > 0 && w <= 90 {
			windowDays = w
		}
	}

	stats, err := h.incidentService.GetIncidentStats(windowDays)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to fetch incident stats",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}
