// Package watcher drives the polling loop: it fetches odds snapshots, feeds
// every quote through the tracker and fans alerts out to the configured sinks.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/oddswatch/internal/filter"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
	"github.com/rewired-gh/oddswatch/internal/storage"
	"github.com/rewired-gh/oddswatch/internal/tracker"
)

// Feed produces one odds snapshot per call.
type Feed interface {
	Fetch(ctx context.Context) ([]models.Quote, error)
}

// FeedFunc adapts a function to Feed.
type FeedFunc func(ctx context.Context) ([]models.Quote, error)

func (f FeedFunc) Fetch(ctx context.Context) ([]models.Quote, error) {
	return f(ctx)
}

// Notifier delivers alerts somewhere outside the process.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event *models.AlertEvent) error
}

type Config struct {
	PollInterval         time.Duration
	CheckpointInterval   int
	RecordObservations   bool
	ObservationRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:         2 * time.Minute,
		CheckpointInterval:   10,
		ObservationRetention: 7 * 24 * time.Hour,
	}
}

// CycleResult summarises one polling cycle.
type CycleResult struct {
	Quotes   int
	Filtered int
	Rejected int
	Alerts   int
	Duration time.Duration
}

type Watcher struct {
	feed      Feed
	filter    *filter.Filter
	tracker   *tracker.Tracker
	store     *storage.Storage
	notifiers []Notifier
	config    Config

	onFailure  func(ctx context.Context, err error)
	onRecovery func(ctx context.Context, failures int)

	mu                  sync.Mutex
	cycles              int
	consecutiveFailures int
	lastCycleAt         time.Time
	lastErr             error
}

// New creates a watcher and restores any checkpointed tracker state from store.
// A nil filter admits every quote.
func New(feed Feed, f *filter.Filter, t *tracker.Tracker, store *storage.Storage, notifiers []Notifier, config Config) *Watcher {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.CheckpointInterval < 1 {
		config.CheckpointInterval = defaults.CheckpointInterval
	}

	w := &Watcher{
		feed:      feed,
		filter:    f,
		tracker:   t,
		store:     store,
		notifiers: notifiers,
		config:    config,
	}

	persisted, err := store.LoadTracked()
	if err != nil {
		logger.Warn("Failed to load persisted market state: %v", err)
	} else if len(persisted) > 0 {
		t.Restore(persisted)
		logger.Info("Restored %d tracked markets", t.Len())
	}

	return w
}

// OnFailure registers fn to run on the first failure of a consecutive sequence.
func (w *Watcher) OnFailure(fn func(ctx context.Context, err error)) {
	w.onFailure = fn
}

// OnRecovery registers fn to run on the first success after failures.
func (w *Watcher) OnRecovery(fn func(ctx context.Context, failures int)) {
	w.onRecovery = fn
}

// Run executes an initial cycle, then one cycle per poll interval until ctx
// is cancelled. Cycles never overlap.
func (w *Watcher) Run(ctx context.Context) {
	logger.Info("Starting odds watcher (interval: %v, window_size: %d, threshold: %.1f%%, sinks: %d)",
		w.config.PollInterval,
		w.tracker.Config().WindowSize,
		w.tracker.Config().Threshold,
		len(w.notifiers),
	)

	logger.Debug("Running initial polling cycle")
	w.step(ctx)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Watcher stopped")
			return
		case <-ticker.C:
			logger.Debug("Starting scheduled polling cycle")
			w.step(ctx)
		}
	}
}

func (w *Watcher) step(ctx context.Context) {
	result, err := w.RunCycle(ctx)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}
	w.handleCycleResult(ctx, err)
	if err == nil {
		logger.Info("Polling cycle completed in %v: %d quotes, %d filtered, %d rejected, %d alerts",
			result.Duration, result.Quotes, result.Filtered, result.Rejected, result.Alerts)
	}
}

func (w *Watcher) handleCycleResult(ctx context.Context, err error) {
	w.mu.Lock()
	w.lastCycleAt = time.Now()
	w.lastErr = err
	var failures int
	if err != nil {
		w.consecutiveFailures++
		failures = w.consecutiveFailures
	} else {
		failures = w.consecutiveFailures
		w.consecutiveFailures = 0
	}
	w.mu.Unlock()

	if err != nil {
		logger.Error("Polling cycle failed: %v", err)
		if failures == 1 && w.onFailure != nil {
			w.onFailure(ctx, err)
		}
		return
	}
	if failures > 0 {
		logger.Info("Polling recovered after %d consecutive failures", failures)
		if w.onRecovery != nil {
			w.onRecovery(ctx, failures)
		}
	}
}

// RunCycle performs one fetch, track and notify pass.
func (w *Watcher) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()

	quotes, err := w.feed.Fetch(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("failed to fetch odds: %w", err)
	}
	result := CycleResult{Quotes: len(quotes)}
	logger.Debug("Fetched %d quotes", len(quotes))

	if w.filter != nil {
		quotes, result.Filtered = w.filter.Apply(quotes)
	}
	for i := range quotes {
		if quotes[i].ObservedAt.IsZero() {
			quotes[i].ObservedAt = start
		}
	}

	if w.config.RecordObservations {
		if err := w.store.AddObservations(quotes); err != nil {
			logger.Warn("Failed to record observations: %v", err)
		}
	}

	for _, q := range quotes {
		event, err := w.tracker.Record(q.Key, q.Price, q.ObservedAt)
		if err != nil {
			result.Rejected++
			logger.Debug("Rejected quote for %s: %v", q.Key, err)
			continue
		}
		if event == nil {
			continue
		}

		event.Attach(q)
		result.Alerts++
		logger.Info("Price drop on %s: %.2f -> %.2f (%.2f%%)", event.Key, event.Baseline, event.Current, event.DropPercent)
		w.dispatch(ctx, event)
	}

	w.mu.Lock()
	w.cycles++
	cycle := w.cycles
	w.mu.Unlock()

	if cycle%w.config.CheckpointInterval == 0 {
		w.checkpoint(start)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// dispatch persists the alert, then hands it to every sink. A failing sink
// never blocks the others.
func (w *Watcher) dispatch(ctx context.Context, event *models.AlertEvent) {
	stored := true
	if err := w.store.AddAlert(event); err != nil {
		stored = false
		logger.Warn("Failed to persist alert %s: %v", event.ID, err)
	}

	delivered := 0
	for _, n := range w.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			logger.Error("Failed to deliver alert %s via %s: %v", event.ID, n.Name(), err)
			continue
		}
		delivered++
		logger.Debug("Delivered alert %s via %s", event.ID, n.Name())
	}

	if stored && delivered > 0 {
		if err := w.store.MarkNotified(event.ID); err != nil {
			logger.Warn("Failed to mark alert %s as notified: %v", event.ID, err)
		}
	}
}

func (w *Watcher) checkpoint(now time.Time) {
	if purged := w.tracker.Purge(now); purged > 0 {
		logger.Info("Purged %d stale markets", purged)
	}

	snapshot := w.tracker.Snapshot()
	if err := w.store.SaveTracked(snapshot); err != nil {
		logger.Warn("Failed to checkpoint market state: %v", err)
	} else {
		logger.Debug("Checkpointed %d markets", len(snapshot))
	}

	if w.config.RecordObservations && w.config.ObservationRetention > 0 {
		removed, err := w.store.PruneObservations(now.Add(-w.config.ObservationRetention))
		if err != nil {
			logger.Warn("Failed to prune observations: %v", err)
		} else if removed > 0 {
			logger.Debug("Pruned %d observations", removed)
		}
	}
}

// Shutdown checkpoints tracker state. Call it after Run has returned.
func (w *Watcher) Shutdown() error {
	snapshot := w.tracker.Snapshot()
	logger.Info("Checkpointing %d markets before shutdown", len(snapshot))
	return w.store.SaveTracked(snapshot)
}
