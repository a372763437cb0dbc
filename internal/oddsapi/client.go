// Package oddsapi fetches bookmaker odds snapshots from The Odds API (v4)
// and flattens them into per-outcome quotes.
package oddsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
)

// Client provides access to the odds API
type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
}

// ClientConfig holds retry and transport tuning.
type ClientConfig struct {
	MaxRetries     int
	RetryDelayBase time.Duration
}

// Query selects what a snapshot contains. An empty Bookmaker takes the first
// bookmaker listed for each match so that one key never mixes sources.
type Query struct {
	Sport     string
	Regions   []string
	Markets   []string
	Bookmaker string
}

// Match is one fixture in an odds snapshot.
type Match struct {
	ID           string      `json:"id"`
	SportKey     string      `json:"sport_key"`
	SportTitle   string      `json:"sport_title"`
	CommenceTime time.Time   `json:"commence_time"`
	HomeTeam     string      `json:"home_team"`
	AwayTeam     string      `json:"away_team"`
	Teams        []string    `json:"teams"` // older payloads list both sides here
	Bookmakers   []Bookmaker `json:"bookmakers"`
}

// Bookmaker holds one bookmaker's markets for a match.
type Bookmaker struct {
	Key        string    `json:"key"`
	Title      string    `json:"title"`
	LastUpdate time.Time `json:"last_update"`
	Markets    []Market  `json:"markets"`
}

// Market is one bet type offered by a bookmaker.
type Market struct {
	Key      string    `json:"key"`
	Outcomes []Outcome `json:"outcomes"`
}

// Outcome is a single priced selection. Point is set for totals and spreads.
type Outcome struct {
	Name  string   `json:"name"`
	Price float64  `json:"price"`
	Point *float64 `json:"point,omitempty"`
}

// NewClient creates a new odds API client
func NewClient(baseURL, apiKey string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		httpClient:     &http.Client{Timeout: timeout},
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
	}
}

// FetchOdds retrieves the current snapshot for q and returns one quote per
// priced outcome. Outcomes for unknown market keys or with invalid prices are skipped.
func (c *Client) FetchOdds(ctx context.Context, q Query) ([]models.Quote, error) {
	matches, err := c.FetchMatches(ctx, q)
	if err != nil {
		return nil, err
	}
	quotes, skipped := Flatten(matches, q.Bookmaker, time.Now())
	if skipped > 0 {
		logger.Debug("Skipped %d invalid or unsupported outcomes", skipped)
	}
	return quotes, nil
}

// FetchMatches retrieves and decodes the raw snapshot.
func (c *Client) FetchMatches(ctx context.Context, q Query) ([]Match, error) {
	u, err := url.Parse(fmt.Sprintf("%s/v4/sports/%s/odds/", c.baseURL, url.PathEscape(q.Sport)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	params := u.Query()
	params.Set("apiKey", c.apiKey)
	params.Set("regions", strings.Join(q.Regions, ","))
	params.Set("markets", strings.Join(q.Markets, ","))
	params.Set("oddsFormat", "decimal")
	if q.Bookmaker != "" {
		params.Set("bookmakers", q.Bookmaker)
	}
	u.RawQuery = params.Encode()

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch odds: %w", err)
	}
	defer resp.Body.Close()

	if remaining := resp.Header.Get("x-requests-remaining"); remaining != "" {
		logger.Debug("Odds API quota remaining: %s", remaining)
	}

	var matches []Match
	if err := json.NewDecoder(resp.Body).Decode(&matches); err != nil {
		return nil, fmt.Errorf("failed to decode odds: %w", err)
	}
	return matches, nil
}

// Flatten turns matches into quotes. It returns the quotes and the number of
// outcomes skipped.
func Flatten(matches []Match, bookmaker string, observedAt time.Time) ([]models.Quote, int) {
	var quotes []models.Quote
	skipped := 0

	for _, m := range matches {
		away := awayTeam(m)
		for _, bm := range selectBookmakers(m.Bookmakers, bookmaker) {
			for _, market := range bm.Markets {
				marketType, ok := models.MarketTypeFromAPI(market.Key)
				if !ok {
					skipped += len(market.Outcomes)
					continue
				}
				for _, o := range market.Outcomes {
					q := models.Quote{
						Key: models.MarketKey{
							MatchID:    m.ID,
							MarketType: marketType,
							Outcome:    o.Name,
							Line:       formatLine(o.Point),
						},
						Price:      o.Price,
						Sport:      m.SportKey,
						League:     m.SportTitle,
						Home:       m.HomeTeam,
						Away:       away,
						Bookmaker:  bm.Key,
						ObservedAt: observedAt,
					}
					if err := q.Validate(); err != nil {
						skipped++
						continue
					}
					quotes = append(quotes, q)
				}
			}
		}
	}

	return quotes, skipped
}

func selectBookmakers(all []Bookmaker, key string) []Bookmaker {
	if len(all) == 0 {
		return nil
	}
	if key == "" {
		return all[:1]
	}
	for i := range all {
		if all[i].Key == key {
			return all[i : i+1]
		}
	}
	return nil
}

func awayTeam(m Match) string {
	if m.AwayTeam != "" {
		return m.AwayTeam
	}
	for _, t := range m.Teams {
		if t != m.HomeTeam {
			return t
		}
	}
	return ""
}

func formatLine(point *float64) string {
	if point == nil {
		return ""
	}
	return strconv.FormatFloat(*point, 'f', -1, 64)
}

// doRequest performs HTTP request with retry logic. Transport errors and 5xx
// responses are retried with linear backoff; other non-2xx statuses fail at once.
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelayBase * time.Duration(i)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("odds API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
