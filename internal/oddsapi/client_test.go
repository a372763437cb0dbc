package oddsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rewired-gh/oddswatch/internal/models"
)

const snapshotJSON = `[
  {
    "id": "e912",
    "sport_key": "soccer_epl",
    "sport_title": "EPL",
    "commence_time": "2026-10-20T19:00:00Z",
    "home_team": "Arsenal",
    "away_team": "Chelsea",
    "bookmakers": [
      {
        "key": "pinnacle",
        "title": "Pinnacle",
        "last_update": "2026-10-19T10:00:00Z",
        "markets": [
          {"key": "h2h", "outcomes": [
            {"name": "Arsenal", "price": 2.10},
            {"name": "Chelsea", "price": 3.40},
            {"name": "Draw", "price": 3.30}
          ]},
          {"key": "totals", "outcomes": [
            {"name": "Over", "price": 1.95, "point": 2.5},
            {"name": "Under", "price": 0, "point": 2.5}
          ]},
          {"key": "h2h_lay", "outcomes": [
            {"name": "Arsenal", "price": 2.20}
          ]}
        ]
      },
      {
        "key": "unibet",
        "title": "Unibet",
        "markets": [
          {"key": "h2h", "outcomes": [
            {"name": "Arsenal", "price": 2.05}
          ]}
        ]
      }
    ]
  },
  {
    "id": "f001",
    "sport_title": "La Liga",
    "home_team": "Sevilla",
    "teams": ["Betis", "Sevilla"],
    "bookmakers": []
  }
]`

func newTestClient(url string) *Client {
	return NewClient(url, "secret", 5*time.Second, ClientConfig{MaxRetries: 3, RetryDelayBase: time.Millisecond})
}

func TestFetchOdds(t *testing.T) {
	var gotQuery string
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("x-requests-remaining", "480")
		_, _ = w.Write([]byte(snapshotJSON))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	quotes, err := c.FetchOdds(context.Background(), Query{
		Sport:   "soccer_epl",
		Regions: []string{"eu", "uk"},
		Markets: []string{"h2h", "totals"},
	})
	if err != nil {
		t.Fatalf("FetchOdds: %v", err)
	}

	if gotPath != "/v4/sports/soccer_epl/odds/" {
		t.Errorf("path = %q", gotPath)
	}
	for _, want := range []string{"apiKey=secret", "regions=eu%2Cuk", "markets=h2h%2Ctotals", "oddsFormat=decimal"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}

	// 3 h2h + 1 valid totals from the first bookmaker only
	if len(quotes) != 4 {
		t.Fatalf("got %d quotes, want 4: %+v", len(quotes), quotes)
	}

	var over *models.Quote
	for i := range quotes {
		q := &quotes[i]
		if q.Bookmaker != "pinnacle" {
			t.Errorf("quote from unexpected bookmaker %q", q.Bookmaker)
		}
		if q.Key.MarketType == models.MarketTypeTotals {
			over = q
		}
	}
	if over == nil {
		t.Fatal("missing totals quote")
	}
	want := models.MarketKey{MatchID: "e912", MarketType: "Totals", Outcome: "Over", Line: "2.5"}
	if over.Key != want {
		t.Errorf("totals key = %+v, want %+v", over.Key, want)
	}
	if over.League != "EPL" || over.Home != "Arsenal" || over.Away != "Chelsea" || over.Sport != "soccer_epl" {
		t.Errorf("metadata = %+v", over)
	}
}

func TestFetchOdds_SelectedBookmaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("bookmakers") != "unibet" {
			t.Errorf("bookmakers param = %q", r.URL.Query().Get("bookmakers"))
		}
		_, _ = w.Write([]byte(snapshotJSON))
	}))
	defer srv.Close()

	quotes, err := newTestClient(srv.URL).FetchOdds(context.Background(), Query{
		Sport: "soccer_epl", Regions: []string{"eu"}, Markets: []string{"h2h"}, Bookmaker: "unibet",
	})
	if err != nil {
		t.Fatalf("FetchOdds: %v", err)
	}
	if len(quotes) != 1 || quotes[0].Price != 2.05 || quotes[0].Bookmaker != "unibet" {
		t.Errorf("quotes = %+v", quotes)
	}
}

func TestFlatten_AwayFromTeams(t *testing.T) {
	point := -1.5
	matches := []Match{{
		ID:         "f001",
		SportTitle: "La Liga",
		HomeTeam:   "Sevilla",
		Teams:      []string{"Sevilla", "Betis"},
		Bookmakers: []Bookmaker{{
			Key: "bet365",
			Markets: []Market{{
				Key:      "spreads",
				Outcomes: []Outcome{{Name: "Sevilla", Price: 1.9, Point: &point}},
			}},
		}},
	}}

	quotes, skipped := Flatten(matches, "", time.Now())
	if skipped != 0 {
		t.Errorf("skipped = %d", skipped)
	}
	if len(quotes) != 1 {
		t.Fatalf("got %d quotes", len(quotes))
	}
	q := quotes[0]
	if q.Away != "Betis" {
		t.Errorf("away = %q, want Betis", q.Away)
	}
	if q.Key.MarketType != models.MarketTypeHandicap || q.Key.Line != "-1.5" {
		t.Errorf("key = %+v", q.Key)
	}
}

func TestFetchOdds_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	quotes, err := newTestClient(srv.URL).FetchOdds(context.Background(), Query{Sport: "soccer"})
	if err != nil {
		t.Fatalf("FetchOdds: %v", err)
	}
	if len(quotes) != 0 {
		t.Errorf("got %d quotes, want 0", len(quotes))
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestFetchOdds_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchOdds(context.Background(), Query{Sport: "soccer"})
	if err == nil {
		t.Fatal("expected error")
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestFetchOdds_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"API key is not valid"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchOdds(context.Background(), Query{Sport: "soccer"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "API key is not valid") {
		t.Errorf("error = %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestFetchOdds_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).FetchOdds(context.Background(), Query{Sport: "soccer"}); err == nil {
		t.Error("expected decode error")
	}
}
