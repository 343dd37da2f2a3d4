package configstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Resync periodically reloads the store from the repository so that edits
// made by other instances sharing the database are picked up.
type Resync struct {
	store    *Store
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewResync creates a resync job. An empty schedule disables it.
func NewResync(store *Store, schedule string, logger *slog.Logger) *Resync {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resync{
		store:    store,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "configstore.resync"),
	}
}

// Start schedules the job and stops it when ctx is done.
func (r *Resync) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.schedule == "" {
		r.logger.Info("resync schedule not configured, skipping")
		return nil
	}
	if _, err := cron.ParseStandard(r.schedule); err != nil {
		return fmt.Errorf("invalid resync schedule %q: %w", r.schedule, err)
	}
	if _, err := r.cron.AddFunc(r.schedule, func() { r.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule resync: %w", err)
	}

	r.cron.Start()
	r.running = true
	r.logger.Info("resync scheduler started", "schedule", r.schedule)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

func (r *Resync) run(ctx context.Context) {
	before := r.store.Current()
	snap, err := r.store.Reload(ctx)
	if err != nil {
		r.logger.Error("scheduled resync failed", "error", err)
		return
	}
	if snap != before {
		r.logger.Info("scheduled resync published a new snapshot", "snapshot_version", snap.Version())
	}
}

// Stop halts the scheduler and waits for a running job to finish.
func (r *Resync) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		<-r.cron.Stop().Done()
		r.running = false
		r.logger.Info("resync scheduler stopped")
	}
}
