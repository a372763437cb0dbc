// Package server exposes health, status and alert history over HTTP and
// streams new alerts to websocket subscribers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
	"github.com/rewired-gh/oddswatch/internal/storage"
	"github.com/rewired-gh/oddswatch/internal/tracker"
	"github.com/rewired-gh/oddswatch/internal/watcher"
)

const (
	defaultLimit   = 50
	maxLimit       = 500
	requestTimeout = 30 * time.Second
)

// StatusProvider reports the watcher's current state.
type StatusProvider interface {
	Status() watcher.Status
}

type Options struct {
	Addr           string
	AllowedOrigins []string
}

type Server struct {
	tracker    *tracker.Tracker
	store      *storage.Storage
	status     StatusProvider
	hub        *Hub
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func New(opts Options, t *tracker.Tracker, store *storage.Storage, status StatusProvider, hub *Hub) *Server {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{
		tracker: t,
		store:   store,
		status:  status,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(origins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(origins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ws/alerts", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Get("/status", s.handleStatus)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/markets/{key}", s.handleMarket)
		r.Get("/markets/{key}/observations", s.handleObservations)
	})

	return r
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	logger.Info("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	watcher.Status
	WebsocketClients int `json:"websocket_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.status.Status()}
	if s.hub != nil {
		resp.WebsocketClients = s.hub.ClientCount()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	alerts, err := s.store.RecentAlerts(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to retrieve alerts", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
		"limit":  limit,
	})
}

// parseLimit reads ?limit=n, writing a 400 and returning false when malformed.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return 0, false
		}
		limit = n
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, true
}

type marketResponse struct {
	Key            models.MarketKey `json:"key"`
	History        []float64        `json:"history"`
	LastAlertPrice *float64         `json:"last_alert_price,omitempty"`
}

func marketKeyParam(w http.ResponseWriter, r *http.Request) (models.MarketKey, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "malformed market key", err)
		return models.MarketKey{}, false
	}
	key, err := models.ParseMarketKey(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return models.MarketKey{}, false
	}
	return key, true
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	key, ok := marketKeyParam(w, r)
	if !ok {
		return
	}

	history := s.tracker.Window(key)
	if len(history) == 0 {
		respondError(w, http.StatusNotFound, "market is not tracked", nil)
		return
	}

	resp := marketResponse{Key: key, History: history}
	if price, ok := s.tracker.LastAlert(key); ok {
		resp.LastAlertPrice = &price
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleObservations serves the logged raw prices for a key, oldest first.
// The log is only populated when observation recording is enabled.
func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	key, ok := marketKeyParam(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	prices, err := s.store.ObservedPrices(key, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to retrieve observations", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"key":    key,
		"prices": prices,
		"count":  len(prices),
		"limit":  limit,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "alert feed disabled", nil)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed: %v", err)
		return
	}

	c := NewClient(conn, s.hub)
	s.hub.Register(c)

	go c.WritePump()
	go c.ReadPump()
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin header.
		return origin == "" || allowed[origin]
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		logger.Warn("%s: %v", message, err)
	}
	respondJSON(w, status, errorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}
