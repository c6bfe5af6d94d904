package main

import (
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"faultline/internal/config"
	"faultline/services"
	"faultline/workers"
)

func main() {
	log.Println("Starting escalation worker...")

	configPath := os.Getenv("FAULTLINE_CONFIG_PATH")
	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Set timezone to UTC for consistent time handling
	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}

	log.Println("  Connected to database successfully")

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

	escalationWorker := workers.NewEscalationWorker(schedulerService)
	if err := escalationWorker.Start(); err != nil {
		log.Fatalf("Failed to start escalation worker: %v", err)
	}

	// Wait for interrupt signal
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	log.Println("Worker started successfully. Press Ctrl+C to stop.")
	<-c

	log.Println("Shutting down worker...")
	escalationWorker.Stop()
}
