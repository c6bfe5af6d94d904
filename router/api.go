package router

import (
	"database/sql"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"faultline/handlers"
	"faultline/internal/config"
	"faultline/services"
)

func NewGinRouter(pg *sql.DB, rdb *redis.Client) *gin.Engine {
	r := gin.Default()

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Actor")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Initialize services
	incidentService := services.NewIncidentService(pg)
	policyService := services.NewPolicyService(pg)
	controlPlane := services.NewControlPlaneClient(config.App.ControlPlane.URL, config.App.ControlPlane.APIToken)
	executorService := services.NewExecutorService(services.ExecutorConfig{
		SlackWebhookURL:       config.App.SlackWebhookURL,
		PagerDutyRoutingKey:   config.App.PagerDutyRoutingKey,
		DedupKeyPrefix:        config.App.DedupKeyPrefix,
		MessagingGatewayURL:   config.App.MessagingGateway.URL,
		MessagingGatewayToken: config.App.MessagingGateway.APIToken,
		PublicURL:             config.App.PublicURL,
	}, pg, controlPlane, policyService)
	schedulerService := services.NewSchedulerService(pg, incidentService, executorService)
	lifecycleService := services.NewLifecycleService(incidentService, policyService, executorService, schedulerService, rdb)

	// Re-arm timers that were pending when the previous process stopped
	if err := schedulerService.Restore(); err != nil {
		log.Printf("Warning: failed to restore escalation timers: %v", err)
	}

	// Initialize handlers
	incidentHandler := handlers.NewIncidentHandler(incidentService, lifecycleService)
	policyHandler := handlers.NewPolicyHandler(policyService)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		incidentRoutes := api.Group("/incidents")
		{
			incidentRoutes.GET("", incidentHandler.ListIncidents)
			incidentRoutes.POST("", incidentHandler.CreateIncident)
			incidentRoutes.GET("/stats", incidentHandler.GetIncidentStats)
			incidentRoutes.GET("/:id", incidentHandler.GetIncident)
			incidentRoutes.POST("/:id/acknowledge", incidentHandler.AcknowledgeIncident)
			incidentRoutes.POST("/:id/status", incidentHandler.UpdateStatus)
			incidentRoutes.GET("/:id/timeline", incidentHandler.GetTimeline)
			incidentRoutes.POST("/:id/timeline", incidentHandler.AddTimelineEntry)
		}

		// Anomaly detector bridge
		api.POST("/anomalies", incidentHandler.CreateFromAnomaly)

		policyRoutes := api.Group("/escalation-policies")
		{
			policyRoutes.GET("", policyHandler.ListEscalationPolicies)
			policyRoutes.POST("", policyHandler.CreateEscalationPolicy)
			policyRoutes.GET("/:id", policyHandler.GetEscalationPolicy)
			policyRoutes.PUT("/:id", policyHandler.UpdateEscalationPolicy)
		}

		runbookRoutes := api.Group("/runbooks")
		{
			runbookRoutes.GET("", policyHandler.ListRunbooks)
			runbookRoutes.POST("", policyHandler.CreateRunbook)
			runbookRoutes.GET("/:id", policyHandler.GetRunbook)
		}
	}

	return r
}
