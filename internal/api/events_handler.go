package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/stepd/internal/events"
)

const (
	keepAliveInterval = 15 * time.Second
	// retryMillis is the reconnect delay suggested to SSE clients.
	retryMillis = 3000
)

// handleEvents streams step transitions and completions as server-sent
// events. Last-Event-ID replays what the hub still holds; ?job= narrows the
// stream to one job.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	keep, err := jobFilter(r.URL.Query().Get("job"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before the replay so nothing published in between is lost.
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	send := func() bool {
		if bw.Flush() != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	fmt.Fprintf(bw, "retry: %d\n\n", retryMillis)
	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.hub.SnapshotSince(lastID) {
		if keep(ev) {
			writeSSE(bw, ev)
			lastID = ev.ID
		}
	}
	if !send() {
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			// Already sent during the replay.
			if ev.ID <= lastID || !keep(ev) {
				continue
			}
			lastID = ev.ID
			writeSSE(bw, ev)
			if !send() {
				return
			}
		case <-keepAlive.C:
			fmt.Fprint(bw, ": keep-alive\n\n")
			if !send() {
				return
			}
		}
	}
}

// jobFilter returns a predicate keeping events of one job, or every event
// when raw is empty. Both transition and report payloads carry job_id.
func jobFilter(raw string) (func(events.Event) bool, error) {
	if raw == "" {
		return func(events.Event) bool { return true }, nil
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid job filter %q", raw)
	}
	return func(ev events.Event) bool {
		var p struct {
			JobID uint32 `json:"job_id"`
		}
		return json.Unmarshal(ev.Data, &p) == nil && p.JobID == uint32(id)
	}, nil
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE frames one event. Write errors surface on the next flush.
func writeSSE(w *bufio.Writer, ev events.Event) {
	fmt.Fprintf(w, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Data)
}
