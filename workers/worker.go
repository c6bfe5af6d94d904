package workers

import (
	"fmt"
	"log"

	"github.com/robfig/cron/v3"

	"faultline/services"
)

// EscalationWorker sweeps the escalation_timers table for pending rows whose
// fire time has passed. In-process timers normally fire first; the sweep
// catches timers left behind by a crash or restart.
type EscalationWorker struct {
	Scheduler *services.SchedulerService
	cron      *cron.Cron
}

func NewEscalationWorker(scheduler *services.SchedulerService) *EscalationWorker {
	return &EscalationWorker{
		Scheduler: scheduler,
		cron:      cron.New(),
	}
}

// Start registers the sweep job and starts the cron loop.
func (w *EscalationWorker) Start() error {
	_, err := w.cron.AddFunc("@every 30s", func() {
		if err := w.Scheduler.FireDue(); err != nil {
			log.Printf("Worker: escalation sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register escalation sweep: %w", err)
	}

	w.cron.Start()
	log.Println("Escalation worker started, sweeping every 30s")
	return nil
}

// Stop halts the cron loop. Running sweeps finish on their own.
func (w *EscalationWorker) Stop() {
	w.cron.Stop()
}
