package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/conductor/internal/events"
)

const sseKeepAlive = 15 * time.Second

// eventFilter selects the events a stream forwards.
type eventFilter struct {
	typePrefix string
	commandID  string
}

func filterFromRequest(r *http.Request) eventFilter {
	q := r.URL.Query()
	return eventFilter{typePrefix: q.Get("type"), commandID: q.Get("command_id")}
}

func (f eventFilter) match(ev events.Event) bool {
	if !strings.HasPrefix(ev.Type, f.typePrefix) {
		return false
	}
	if f.commandID == "" {
		return true
	}
	var body struct {
		CommandID string `json:"command_id"`
	}
	return json.Unmarshal(ev.Data, &body) == nil && body.CommandID == f.commandID
}

// sseStream writes server-sent events and remembers the last id sent.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	lastID  int64
}

func (s *sseStream) send(ev events.Event) error {
	if ev.ID <= s.lastID {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	// Payloads are single-line JSON.
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	if _, err := fmt.Fprint(s.w, b.String()); err != nil {
		return err
	}
	s.lastID = ev.ID
	return nil
}

func (s *sseStream) comment(text string) error {
	_, err := fmt.Fprintf(s.w, ": %s\n\n", text)
	return err
}

// handleEvents handles GET /events. Buffered events newer than
// Last-Event-ID are replayed before live ones. ?type= keeps events whose
// type starts with the given prefix and ?command_id= those about one
// command.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	filter := filterFromRequest(r)
	stream := &sseStream{w: w, flusher: flusher, lastID: parseLastEventID(r.Header.Get("Last-Event-ID"))}

	// Subscribe before the snapshot so nothing published in between is lost.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	for _, ev := range s.events.SnapshotSince(stream.lastID) {
		if !filter.match(ev) {
			continue
		}
		if err := stream.send(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if !filter.match(ev) {
				continue
			}
			err = stream.send(ev)
		case <-keepAlive.C:
			err = stream.comment("keep-alive")
		}
		if err != nil {
			return
		}
		flusher.Flush()
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
