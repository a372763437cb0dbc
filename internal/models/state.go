package models

import (
	"time"
)

// TrackedMarket is the per-key tracker record: the bounded price window and
// the optional last-alerted price. It is also the checkpoint row.
type TrackedMarket struct {
	Key            MarketKey
	History        []float64
	LastAlertPrice float64
	HasAlerted     bool
	LastSeen       time.Time
}

// AlertEvent describes a qualifying price drop. It carries everything the
// sink needs to render a message without asking the tracker again.
type AlertEvent struct {
	ID              string    `json:"id"`
	Key             MarketKey `json:"key"`
	Baseline        float64   `json:"baseline"`
	Current         float64   `json:"current"`
	DropPercent     float64   `json:"drop_percent"`
	IncrementalDrop float64   `json:"incremental_drop"`
	History         []float64 `json:"history"`
	ZScore          float64   `json:"z_score"`
	DetectedAt      time.Time `json:"detected_at"`

	Sport     string `json:"sport,omitempty"`
	League    string `json:"league,omitempty"`
	Home      string `json:"home,omitempty"`
	Away      string `json:"away,omitempty"`
	Bookmaker string `json:"bookmaker,omitempty"`
}

// Attach copies the display metadata of q onto the event.
func (e *AlertEvent) Attach(q Quote) {
	e.Sport = q.Sport
	e.League = q.League
	e.Home = q.Home
	e.Away = q.Away
	e.Bookmaker = q.Bookmaker
}

// Fixture returns "Home vs Away", or whichever side is known.
func (e *AlertEvent) Fixture() string {
	switch {
	case e.Home != "" && e.Away != "":
		return e.Home + " vs " + e.Away
	case e.Home != "":
		return e.Home
	default:
		return e.Away
	}
}
