package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/airea/internal/alert"
	"github.com/MrWong99/airea/internal/alert/postgres"
	"github.com/MrWong99/airea/internal/health"
	"github.com/MrWong99/airea/internal/observe"
	"github.com/MrWong99/airea/pkg/provider/classifier"
)

const (
	defaultHistoryLimit = 50
	defaultStatsWindow  = time.Hour

	// minAudioMaxAge is the floor of the audio readiness threshold.
	minAudioMaxAge = 2 * time.Second
)

// History reads back the persisted event log. *postgres.Store implements it.
type History interface {
	Recent(ctx context.Context, deviceID string, limit int) ([]alert.Event, error)
	Stats(ctx context.Context, deviceID string, window time.Duration) (postgres.Stats, error)
}

// routes builds the HTTP surface: probes, metrics, the alert websocket and
// the history API, wrapped in the observe middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.healthHandler().Register(mux)

	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	if a.hub != nil {
		mux.Handle("GET /ws/alerts", a.hub)
	}
	mux.HandleFunc("GET /api/status", a.handleStatus)
	if a.history != nil {
		mux.HandleFunc("GET /api/events/{deviceId}", a.handleEvents)
		mux.HandleFunc("GET /api/stats/{deviceId}", a.handleStats)
	}
	return observe.Middleware(a.metrics)(mux)
}

// healthHandler registers the audio freshness check plus a ping for the
// classifier and every pingable sink.
func (a *App) healthHandler() *health.Handler {
	format := a.providers.Source.Format()
	maxAge := max(5*format.BlockDuration(), minAudioMaxAge)
	checks := []health.Checker{health.Freshness("audio", a.pipeline.LastBlock, maxAge)}

	if p, ok := a.providers.Classifier.(classifier.Pinger); ok {
		checks = append(checks, health.Ping("classifier", p))
	}
	for _, s := range a.fanout.Sinks() {
		if p, ok := s.(health.Pinger); ok {
			checks = append(checks, health.Ping("sink:"+s.Name(), p))
		}
	}
	return health.New(a.cfg.Device.ID, checks...)
}

type statusResponse struct {
	DeviceID         string    `json:"device_id"`
	LastBlock        time.Time `json:"last_block,omitzero"`
	Cycles           uint64    `json:"cycles"`
	Alerts           uint64    `json:"alerts"`
	Suppressed       uint64    `json:"suppressed"`
	ClassifierErrors uint64    `json:"classifier_errors"`
	QueuedAlerts     int       `json:"queued_alerts"`
	Subscribers      int       `json:"subscribers"`
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := a.pipeline.Status()
	res := statusResponse{
		DeviceID:         a.cfg.Device.ID,
		LastBlock:        st.LastBlock,
		Cycles:           st.Cycles,
		Alerts:           st.Alerts,
		Suppressed:       st.Suppressed,
		ClassifierErrors: st.ClassifierErrors,
	}
	if a.queue != nil {
		res.QueuedAlerts = a.queue.Len()
	}
	if a.hub != nil {
		res.Subscribers = a.hub.Clients()
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	events, err := a.history.Recent(r.Context(), r.PathValue("deviceId"), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("history query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if events == nil {
		events = []alert.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r.URL.Query().Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := a.history.Stats(r.Context(), r.PathValue("deviceId"), window)
	if err != nil {
		observe.Logger(r.Context()).Error("stats query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "statistics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseWindow accepts a Go duration or one of hour, day, today and week.
// An empty window means one hour.
func parseWindow(s string) (time.Duration, error) {
	switch strings.ToLower(s) {
	case "":
		return defaultStatsWindow, nil
	case "hour":
		return time.Hour, nil
	case "day", "today":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid window %q", s)
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
