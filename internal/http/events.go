package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/lifecycle"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/refresh"
	"github.com/kjstillabower/weather-dashboard-service/internal/validation"
)

// EventsConfig controls the dashboard event stream.
type EventsConfig struct {
	// Buffer is the changefeed subscription buffer per stream.
	Buffer int
	// Heartbeat is the interval between keep-alive comments. 0 disables them.
	Heartbeat time.Duration
}

func defaultEventsConfig() EventsConfig {
	return EventsConfig{Buffer: 64, Heartbeat: 15 * time.Second}
}

// streamMessage is one server-sent event.
type streamMessage struct {
	event string
	data  interface{}
}

// streamInfo is the payload of the "stream" event that opens every stream.
type streamInfo struct {
	ID string `json:"id"`
}

// streamRegistry maps open stream ids to their coordinators.
type streamRegistry struct {
	mu      sync.Mutex
	streams map[string]*refresh.Coordinator
}

func (s *streamRegistry) add(id string, c *refresh.Coordinator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams == nil {
		s.streams = make(map[string]*refresh.Coordinator)
	}
	s.streams[id] = c
}

func (s *streamRegistry) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, id)
}

func (s *streamRegistry) get(id string) (*refresh.Coordinator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.streams[id]
	return c, ok
}

// streamError is the payload of an "error" event.
type streamError struct {
	StationID string `json:"stationId,omitempty"`
	Message   string `json:"message"`
}

// DashboardEvents handles GET /dashboard/events?station=. The first event is "stream"
// with the id used to select another station on this stream. It then streams "stations"
// events with the station list, "dashboard" events with each refreshed snapshot, and "error"
// events when a refresh fails. The stream mounts on the given station, or the first one.
func (h *Handler) DashboardEvents(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Change notifications are not enabled")
		return
	}
	initial := ""
	if raw := r.URL.Query().Get("station"); raw != "" {
		id, err := validation.ValidateID(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_STATION", "station "+err.Error())
			return
		}
		initial = id
	}

	globalInFlightTracker.StreamOpened()
	defer globalInFlightTracker.StreamClosed()

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	messages := make(chan streamMessage, 16)
	push := func(m streamMessage) {
		select {
		case messages <- m:
		case <-ctx.Done():
		}
	}
	logger := loggerFrom(r)
	if logger == nil {
		logger = h.logger
	}

	coordinator := refresh.NewCoordinator(h.dashboards, h.feed, refresh.CoordinatorOptions{
		Buffer: h.events.Buffer,
		OnUpdate: func(d models.Dashboard) {
			push(streamMessage{event: "dashboard", data: d})
		},
		OnError: func(stationID string, err error) {
			push(streamMessage{event: "error", data: streamError{StationID: stationID, Message: "refresh failed"}})
		},
		OnStations: func(stations []models.Station) {
			push(streamMessage{event: "stations", data: stations})
		},
		Logger: logger,
	})
	streamID := uuid.NewString()
	h.streams.add(streamID, coordinator)
	defer h.streams.remove(streamID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coordinator.Run(ctx, initial)
	}()
	defer func() {
		cancel()
		<-done
	}()

	w.Header().Set("X-Stream-ID", streamID)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, streamMessage{event: "stream", data: streamInfo{ID: streamID}}); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		logger.Debug("event stream flush unsupported", zap.Error(err))
		return
	}

	var heartbeat <-chan time.Time
	if h.events.Heartbeat > 0 {
		ticker := time.NewTicker(h.events.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			// Feed closed during shutdown.
			return
		case <-lifecycle.Draining():
			return
		case <-heartbeat:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case m := <-messages:
			if err := writeEvent(w, m); err != nil {
				logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, m streamMessage) error {
	payload, err := json.Marshal(m.data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", m.event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.event, payload)
	return err
}

// SelectStation handles POST /dashboard/events/{stream}/select?station=. It switches an
// open stream to another station; the new snapshot arrives on the stream.
func (h *Handler) SelectStation(w http.ResponseWriter, r *http.Request) {
	streamID, err := validation.ValidateID(mux.Vars(r)["stream"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_STREAM", "stream "+err.Error())
		return
	}
	stationID, err := validation.ValidateID(r.URL.Query().Get("station"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_STATION", "station "+err.Error())
		return
	}
	coordinator, ok := h.streams.get(streamID)
	if !ok {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Event stream not found")
		return
	}
	if err := coordinator.Select(stationID); err != nil {
		if errors.Is(err, refresh.ErrUnknownStation) {
			writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Station not found")
			return
		}
		writeError(w, r, http.StatusConflict, "STREAM_NOT_READY", "Event stream is not ready")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"stream": streamID, "station": stationID})
}
