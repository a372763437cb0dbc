// Package models defines the core domain entities: market keys, odds quotes, and alerts.
package models

import (
	"errors"
	"math"
	"strings"
	"time"
)

const keySeparator = "_"

// Market type labels used in keys and alert text.
const (
	MarketTypeMatchResult = "1X2"
	MarketTypeTotals      = "Totals"
	MarketTypeHandicap    = "Handicap"
)

// MarketTypeFromAPI maps an odds API market key to its display label.
// Unknown keys return false.
func MarketTypeFromAPI(key string) (string, bool) {
	switch key {
	case "h2h":
		return MarketTypeMatchResult, true
	case "totals":
		return MarketTypeTotals, true
	case "spreads":
		return MarketTypeHandicap, true
	default:
		return "", false
	}
}

// MarketKey identifies one quotable outcome of one match.
// It is comparable and safe to use as a map key.
type MarketKey struct {
	MatchID    string `json:"match_id"`
	MarketType string `json:"market_type"`
	Outcome    string `json:"outcome"`
	Line       string `json:"line,omitempty"`
}

// String returns the flat "match_market_outcome_line" form.
func (k MarketKey) String() string {
	return k.MatchID + keySeparator + k.MarketType + keySeparator + k.Outcome + keySeparator + k.Line
}

// ParseMarketKey reverses MarketKey.String. Match ID and market type are the
// first two fields, the line is the last field, and the outcome is everything between.
func ParseMarketKey(s string) (MarketKey, error) {
	parts := strings.SplitN(s, keySeparator, 3)
	if len(parts) != 3 {
		return MarketKey{}, errors.New("market key must have match, market type, outcome and line")
	}
	rest := parts[2]
	i := strings.LastIndex(rest, keySeparator)
	if i < 0 {
		return MarketKey{}, errors.New("market key is missing the line field")
	}
	key := MarketKey{
		MatchID:    parts[0],
		MarketType: parts[1],
		Outcome:    rest[:i],
		Line:       rest[i+1:],
	}
	if err := key.Validate(); err != nil {
		return MarketKey{}, err
	}
	return key, nil
}

// Validate checks that the identifying fields are present.
func (k MarketKey) Validate() error {
	if k.MatchID == "" {
		return errors.New("match ID must not be empty")
	}
	if k.MarketType == "" {
		return errors.New("market type must not be empty")
	}
	if k.Outcome == "" {
		return errors.New("outcome must not be empty")
	}
	return nil
}

// Quote is one observed decimal price for a market key, plus the display
// metadata that travels with it to the alert sink.
type Quote struct {
	Key        MarketKey `json:"key"`
	Price      float64   `json:"price"`
	Sport      string    `json:"sport,omitempty"`
	League     string    `json:"league"`
	Home       string    `json:"home"`
	Away       string    `json:"away"`
	Bookmaker  string    `json:"bookmaker,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Validate rejects quotes that must not reach the tracker.
func (q *Quote) Validate() error {
	if err := q.Key.Validate(); err != nil {
		return err
	}
	if math.IsNaN(q.Price) || math.IsInf(q.Price, 0) {
		return errors.New("price must be a finite number")
	}
	if q.Price <= 0 {
		return errors.New("price must be positive")
	}
	return nil
}
