// Package filter decides which quotes reach the tracker based on league and
// market type lists.
package filter

import (
	"strings"

	"github.com/rewired-gh/oddswatch/internal/models"
)

// Filter holds normalized allow/deny sets. A nil or empty allow set admits
// everything; the deny set always wins.
type Filter struct {
	leaguesAllow map[string]struct{}
	leaguesDeny  map[string]struct{}
	marketTypes  map[string]struct{}
}

func New(leaguesAllow, leaguesDeny, marketTypes []string) *Filter {
	return &Filter{
		leaguesAllow: toSet(leaguesAllow),
		leaguesDeny:  toSet(leaguesDeny),
		marketTypes:  toSet(marketTypes),
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = normalize(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// AllowLeague reports whether quotes from league should be tracked.
func (f *Filter) AllowLeague(league string) bool {
	l := normalize(league)
	if _, denied := f.leaguesDeny[l]; denied {
		return false
	}
	if len(f.leaguesAllow) == 0 {
		return true
	}
	_, ok := f.leaguesAllow[l]
	return ok
}

// AllowMarketType reports whether a market type label should be tracked.
func (f *Filter) AllowMarketType(marketType string) bool {
	if len(f.marketTypes) == 0 {
		return true
	}
	_, ok := f.marketTypes[normalize(marketType)]
	return ok
}

// Allow applies both league and market type rules to q.
func (f *Filter) Allow(q models.Quote) bool {
	return f.AllowLeague(q.League) && f.AllowMarketType(q.Key.MarketType)
}

// Apply returns the quotes that pass and the number dropped.
func (f *Filter) Apply(quotes []models.Quote) ([]models.Quote, int) {
	kept := make([]models.Quote, 0, len(quotes))
	for _, q := range quotes {
		if f.Allow(q) {
			kept = append(kept, q)
		}
	}
	return kept, len(quotes) - len(kept)
}
