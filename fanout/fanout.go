// Package fanout serves a run's event log to HTTP clients as Server-Sent
// Events: an initial backlog replay followed by live appends, with
// heartbeats to keep idle connections alive and backpressure handled by
// dropping (never blocking) a subscriber that falls behind.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dagwright/flowengine/runtime"
	"github.com/dagwright/flowengine/store"
)

const defaultHeartbeatInterval = 10 * time.Second

// Handler serves the run event stream endpoint.
type Handler struct {
	store     store.Store
	heartbeat time.Duration
	log       *slog.Logger
}

// NewHandler constructs a Handler. heartbeat <= 0 uses the package default
// (10s, within the recommended 5-15s idle heartbeat window); log nil
// defaults to slog.Default().
func NewHandler(st store.Store, heartbeat time.Duration, log *slog.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: st, heartbeat: heartbeat, log: log}
}

// Routes mounts GET /api/v1/runs/{runId}/events on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/v1/runs/{runId}/events", h.serveEvents)
}

// serveEvents implements GET /api/v1/runs/{runId}/events[?replay=N][&fromId=<lastSeq>],
// also honoring the Last-Event-ID header for browser EventSource resume.
func (h *Handler) serveEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	ctx := r.Context()

	if _, err := h.store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before computing the backlog so no event can land between
	// the two: the Store delivers everything appended from this point on
	// to the channel, and we separately fetch everything already
	// committed up to resumeFrom.
	ch, unsub, err := h.store.SubscribeEvents(ctx, runID)
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer unsub()

	setSSEHeaders(w)
	writeComment(w, flusher, "connected run="+runID)

	resumeFrom, err := h.resumeFrom(ctx, r, runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	backlog, err := h.store.GetEventsSince(ctx, runID, resumeFrom)
	if err != nil {
		h.log.Error("fanout: loading backlog failed", "run_id", runID, "error", err)
	}
	for _, ev := range backlog {
		if !writeEvent(w, flusher, ev) {
			return
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				// The Store closed this subscriber's channel: it fell too
				// far behind (backpressure). Every event it missed is
				// still durable in the Store; only this live connection
				// is dropped.
				h.log.Warn("fanout: subscriber dropped for backpressure", "run_id", runID)
				return
			}
			if !writeEvent(w, flusher, ev) {
				return
			}
		case <-heartbeat.C:
			if !writeComment(w, flusher, "heartbeat") {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// resumeFrom computes the sequence number to resume after: the larger of
// the Last-Event-ID header and a fromId query parameter if either is
// present, else tailSeq-replay if replay=N is present, else the current
// tail (meaning only live events are sent).
func (h *Handler) resumeFrom(ctx context.Context, r *http.Request, runID string) (int64, error) {
	var fromHeader, fromQuery int64
	var haveExplicit bool

	if v := r.Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid Last-Event-ID: %v", err)
		}
		fromHeader = n
		haveExplicit = true
	}
	if v := r.URL.Query().Get("fromId"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid fromId: %v", err)
		}
		fromQuery = n
		haveExplicit = true
	}
	if haveExplicit {
		if fromHeader > fromQuery {
			return fromHeader, nil
		}
		return fromQuery, nil
	}

	tail, err := h.tailSeq(ctx, runID)
	if err != nil {
		return 0, err
	}

	if v := r.URL.Query().Get("replay"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid replay: %v", err)
		}
		resume := tail - n
		if resume < 0 {
			resume = 0
		}
		return resume, nil
	}

	return tail, nil
}

func (h *Handler) tailSeq(ctx context.Context, runID string) (int64, error) {
	last, err := h.store.GetLastNEvents(ctx, runID, 1)
	if err != nil {
		return 0, err
	}
	if len(last) == 0 {
		return 0, nil
	}
	return last[0].Seq, nil
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeEvent writes one event as an SSE frame, setting id: to its
// sequence number so EventSource resume (Last-Event-ID) works without
// further client bookkeeping. Returns false if the write failed, meaning
// the caller should stop serving this connection.
func writeEvent(w http.ResponseWriter, f http.Flusher, ev runtime.Event) bool {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return true // skip a single malformed event rather than drop the connection
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
		return false
	}
	f.Flush()
	return true
}

func writeComment(w http.ResponseWriter, f http.Flusher, text string) bool {
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return false
	}
	f.Flush()
	return true
}
