package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/warden/internal/events"
)

const sseKeepAlive = 15 * time.Second

// handleEvents streams hub events as server-sent events.
//
//	GET /events?bot_id=b1,b2&type=bot.,system.power&since=42
//
// bot_id and type narrow the stream (see events.Filter). Replay starts after
// the Last-Event-ID header, or after since for clients that cannot set
// headers; only what the hub still buffers is replayed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming unsupported")
		return
	}
	filter := events.ParseFilter(r.URL.Query())
	after := replayAfter(r)

	// Subscribe before the snapshot so nothing published in between is lost;
	// ids already replayed are skipped below.
	ch, cancel := s.svc.Events.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var sent int64
	send := func(ev events.Event) error {
		if ev.ID <= sent {
			return nil
		}
		sent = ev.ID
		if !filter.Match(ev) {
			return nil
		}
		return writeSSE(w, ev)
	}

	for _, ev := range s.svc.Events.SnapshotSince(after) {
		if err := send(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := send(ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// replayAfter prefers the Last-Event-ID header an EventSource sends on
// reconnect over the since parameter.
func replayAfter(r *http.Request) int64 {
	if id, ok := parseEventID(r.Header.Get("Last-Event-ID")); ok {
		return id
	}
	id, _ := parseEventID(r.URL.Query().Get("since"))
	return id
}

func parseEventID(v string) (int64, bool) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	// Payloads are single-line JSON, so one data line suffices.
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
