package workers

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// MaintenanceWorker sweeps expired oauth handshake state and prunes processed
// billing event payloads past the retention window.
type MaintenanceWorker struct {
	DB                  *sql.DB
	EventRetentionDays  int           // how long to keep processed billing_events (default: 90)
	StateRetentionHours int           // how long to keep abandoned oauth_states (default: 1)
	CheckInterval       time.Duration // default: 1 hour
}

// Start runs the maintenance loop until ctx is cancelled.
func (w *MaintenanceWorker) Start(ctx context.Context) {
	if w.EventRetentionDays <= 0 {
		w.EventRetentionDays = 90
	}
	if w.StateRetentionHours <= 0 {
		w.StateRetentionHours = 1
	}
	if w.CheckInterval <= 0 {
		w.CheckInterval = time.Hour
	}

	ticker := time.NewTicker(w.CheckInterval)
	defer ticker.Stop()

	log.Printf("[MaintenanceWorker] started (eventRetention=%dd, stateRetention=%dh, interval=%s)",
		w.EventRetentionDays, w.StateRetentionHours, w.CheckInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[MaintenanceWorker] stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *MaintenanceWorker) sweep(ctx context.Context) {
	stateCutoff := time.Now().Add(-time.Duration(w.StateRetentionHours) * time.Hour)
	result, err := w.DB.ExecContext(ctx, `
		DELETE FROM public.oauth_states
		WHERE created_at < $1
	`, stateCutoff)
	if err != nil {
		log.Printf("[MaintenanceWorker] oauth_states cleanup error: %v", err)
	} else if n, _ := result.RowsAffected(); n > 0 {
		log.Printf("[MaintenanceWorker] deleted %d abandoned oauth states", n)
	}

	eventCutoff := time.Now().AddDate(0, 0, -w.EventRetentionDays)
	result, err = w.DB.ExecContext(ctx, `
		DELETE FROM public.billing_events
		WHERE processed = true
		AND created_at < $1
	`, eventCutoff)
	if err != nil {
		log.Printf("[MaintenanceWorker] billing_events cleanup error: %v", err)
		return
	}
	if n, _ := result.RowsAffected(); n > 0 {
		log.Printf("[MaintenanceWorker] deleted %d processed billing events", n)
	}
}
