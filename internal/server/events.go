package server

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/quorum/internal/events"
	"github.com/ssd-technologies/quorum/internal/storage"
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventFilter reads type, request, oracle, after and limit query values.
func eventFilter(r *http.Request) (storage.EventFilter, bool) {
	q := r.URL.Query()
	f := storage.EventFilter{
		Type:    events.Type(q.Get("type")),
		Request: q.Get("request"),
		Oracle:  q.Get("oracle"),
		Limit:   200,
	}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return f, false
		}
		f.AfterID = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return f, false
		}
		f.Limit = n
	}
	return f, true
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "event log not configured")
		return
	}
	f, ok := eventFilter(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid filter")
		return
	}
	recs, err := s.db.ListEvents(f)
	if err != nil {
		log.Printf("[server] list events: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if recs == nil {
		recs = []storage.EventRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleEventStream upgrades to WebSocket and pushes live events matching
// the type, request and oracle query values until the client goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	f, ok := eventFilter(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid filter")
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] event stream upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.bus.Subscribe(64)
	defer cancel()

	// Reads only detect the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !matches(f, ev) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func matches(f storage.EventFilter, ev events.Event) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.Request != "" && ev.Request != f.Request {
		return false
	}
	if f.Oracle != "" && ev.Oracle != f.Oracle {
		return false
	}
	return true
}
