package watcher

import (
	"fmt"
	"strings"
	"time"
)

// Status is a point-in-time view of the watcher for the status endpoints.
type Status struct {
	TrackedMarkets      int       `json:"tracked_markets"`
	AlertsSent          int       `json:"alerts_sent"`
	Cycles              int       `json:"cycles"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCycleAt         time.Time `json:"last_cycle_at"`
	LastError           string    `json:"last_error,omitempty"`
}

func (w *Watcher) Status() Status {
	w.mu.Lock()
	s := Status{
		Cycles:              w.cycles,
		ConsecutiveFailures: w.consecutiveFailures,
		LastCycleAt:         w.lastCycleAt,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	w.mu.Unlock()

	s.TrackedMarkets = w.tracker.Len()
	s.AlertsSent = w.tracker.AlertCount()
	return s
}

// String renders the status as plain text for chat replies.
func (s Status) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tracking %d markets\n", s.TrackedMarkets))
	sb.WriteString(fmt.Sprintf("Alerts sent: %d\n", s.AlertsSent))
	sb.WriteString(fmt.Sprintf("Cycles: %d\n", s.Cycles))
	if s.LastCycleAt.IsZero() {
		sb.WriteString("Last cycle: never")
	} else {
		sb.WriteString(fmt.Sprintf("Last cycle: %s", s.LastCycleAt.UTC().Format(time.RFC3339)))
	}
	if s.ConsecutiveFailures > 0 {
		sb.WriteString(fmt.Sprintf("\nFailing for %d cycles: %s", s.ConsecutiveFailures, s.LastError))
	}
	return sb.String()
}
