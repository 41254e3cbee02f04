// Package janitor sweeps expired response-cache entries on a cron schedule.
package janitor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Purger drops expired entries and reports how many were removed.
type Purger interface {
	PurgeExpired() int
}

// Janitor runs a Purger on a schedule.
type Janitor struct {
	purger   Purger
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// New validates schedule and returns a stopped Janitor. Standard five-field
// expressions and descriptors such as "@every 5m" are accepted.
func New(p Purger, schedule string, logger *slog.Logger) (*Janitor, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}
	j := &Janitor{
		purger:   p,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "cache_janitor"),
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.RunOnce() }); err != nil {
		return nil, fmt.Errorf("schedule purge: %w", err)
	}
	return j, nil
}

// Start begins the schedule. Calling Start on a running Janitor is a no-op.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.cron.Start()
	j.running = true
	j.logger.Info("cache janitor started", "schedule", j.schedule)
}

// Stop halts the schedule and waits for a sweep in progress to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
	j.logger.Info("cache janitor stopped")
}

// RunOnce performs a single sweep and returns the number of purged entries.
func (j *Janitor) RunOnce() int {
	n := j.purger.PurgeExpired()
	if n > 0 {
		j.logger.Info("purged expired cache entries", "count", n)
	} else {
		j.logger.Debug("cache sweep found nothing to purge")
	}
	return n
}

// NextRun returns the time of the next scheduled sweep, or the zero time
// when the Janitor is stopped.
func (j *Janitor) NextRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return time.Time{}
	}
	entries := j.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
