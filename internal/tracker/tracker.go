// Package tracker keeps a bounded price history per market key and decides
// when a price drop is large enough to alert on.
package tracker

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/oddswatch/internal/models"
)

// ErrInvalidPrice is returned for prices that are not finite and positive.
var ErrInvalidPrice = errors.New("price must be a finite positive number")

type Config struct {
	WindowSize int
	Threshold  float64
	// KeyTTL drops keys not observed for this long on Purge. Zero disables it.
	KeyTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		WindowSize: 15,
		Threshold:  12,
	}
}

type entry struct {
	window    *window
	lastAlert float64
	alerted   bool
	lastSeen  time.Time
}

// Tracker owns the per-key windows and alert state. It is safe for
// concurrent use; a single lock covers all keys.
type Tracker struct {
	mu      sync.Mutex
	entries map[models.MarketKey]*entry
	config  Config
	alerts  int
}

func New(config Config) *Tracker {
	def := DefaultConfig()
	if config.WindowSize < 2 {
		config.WindowSize = def.WindowSize
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	return &Tracker{
		entries: make(map[models.MarketKey]*entry),
		config:  config,
	}
}

func (t *Tracker) Config() Config {
	return t.config
}

func (t *Tracker) getOrCreate(key models.MarketKey) *entry {
	if e, ok := t.entries[key]; ok {
		return e
	}
	e := &entry{window: newWindow(t.config.WindowSize)}
	t.entries[key] = e
	return e
}

// Record appends price to the window for key and returns an alert when the
// drop from the reference price reaches the threshold. The reference is the
// window's oldest price until the first alert, then the last alerted price.
// A nil event with a nil error means no alert.
func (t *Tracker) Record(key models.MarketKey, price float64, at time.Time) (*models.AlertEvent, error) {
	if !(price > 0) || math.IsInf(price, 1) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market key: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.getOrCreate(key)
	e.window.push(price)
	e.lastSeen = at

	if e.window.len() < 2 {
		return nil, nil
	}

	baseline, current := e.window.oldest(), e.window.newest()
	drop := percentDrop(baseline, current)
	if drop <= 0 {
		// price rose or held against the window
		return nil, nil
	}

	ref := baseline
	if e.alerted {
		ref = e.lastAlert
	}
	incremental := percentDrop(ref, current)
	if incremental < t.config.Threshold {
		return nil, nil
	}

	e.lastAlert = current
	e.alerted = true
	t.alerts++

	history := e.window.values()
	return &models.AlertEvent{
		ID:              uuid.NewString(),
		Key:             key,
		Baseline:        baseline,
		Current:         current,
		DropPercent:     drop,
		IncrementalDrop: incremental,
		History:         history,
		ZScore:          zScore(history),
		DetectedAt:      at,
	}, nil
}

// Window returns a copy of the price history for key, oldest first.
func (t *Tracker) Window(key models.MarketKey) []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	return e.window.values()
}

// LastAlert returns the last alerted price for key, if any.
func (t *Tracker) LastAlert(key models.MarketKey) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || !e.alerted {
		return 0, false
	}
	return e.lastAlert, true
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// AlertCount returns the number of alerts emitted since construction.
func (t *Tracker) AlertCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alerts
}

// Purge removes keys not seen within KeyTTL of now and returns how many
// were removed.
func (t *Tracker) Purge(now time.Time) int {
	if t.config.KeyTTL <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, e := range t.entries {
		if now.Sub(e.lastSeen) > t.config.KeyTTL {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

// Snapshot returns every tracked key ordered by key string.
func (t *Tracker) Snapshot() []models.TrackedMarket {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.TrackedMarket, 0, len(t.entries))
	for key, e := range t.entries {
		out = append(out, models.TrackedMarket{
			Key:            key,
			History:        e.window.values(),
			LastAlertPrice: e.lastAlert,
			HasAlerted:     e.alerted,
			LastSeen:       e.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Restore loads previously checkpointed markets, replacing any existing
// state for the same keys. Histories longer than the window keep their
// newest prices; non-positive prices are skipped.
func (t *Tracker) Restore(markets []models.TrackedMarket) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range markets {
		e := &entry{
			window:    newWindow(t.config.WindowSize),
			lastAlert: m.LastAlertPrice,
			alerted:   m.HasAlerted && m.LastAlertPrice > 0,
			lastSeen:  m.LastSeen,
		}
		for _, p := range m.History {
			if p > 0 {
				e.window.push(p)
			}
		}
		t.entries[m.Key] = e
	}
}
