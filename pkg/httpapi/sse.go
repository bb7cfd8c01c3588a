package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/yokuradaisuke/backlog-migration/pkg/migration"
)

// handleExecute runs the migration and streams progress as server-sent
// events. The client closing the connection cancels the stream but not
// the run, which keeps going under its own timeout; the logs route picks
// up where the stream left off.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Events are emitted from the orchestrator's stream loop only, so
	// writes here are already serialized. Write errors mean the client
	// went away; the request context will cancel the loop shortly.
	started := false
	emit := func(e migration.StreamEvent) {
		started = true
		data, err := json.Marshal(e)
		if err != nil {
			s.logger.Error("marshal stream event", "err", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}

	err := s.orch.ExecuteStream(r.Context(), req.params(), emit)
	if err != nil {
		// Before the first event the response is still unwritten, so
		// launch failures can get a proper status code. After that the
		// only channel left is a terminal event.
		if !started {
			writeError(w, statusFor(err), err)
			return
		}
		emit(migration.StreamEvent{
			Type:    "error",
			Message: fmt.Sprintf("Migration start error: %v", err),
		})
		s.logger.Error("execute stream failed", "err", err)
	}
}
