package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/g960059/posguard/internal/api"
	"github.com/g960059/posguard/internal/bus"
)

const watchBuffer = 32

// watchHandler streams one NDJSON line per bus event, preceded by a snapshot.
// ?once=1 ends the stream after the snapshot.
func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	events := make(chan bus.Event, watchBuffer)
	unsub := s.coord.Store().Bus().Subscribe(func(ev bus.Event) {
		select {
		case events <- ev:
		default:
			s.logger.Warn("watch client lagging, event dropped", "kind", ev.Kind)
		}
	})
	defer unsub()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	emit := func(line api.WatchLine) bool {
		if err := enc.Encode(line); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	if !emit(s.watchLine(ctx, "snapshot", bus.Event{})) {
		return
	}
	if r.URL.Query().Get("once") == "1" {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev := <-events:
			if !emit(s.watchLine(ctx, string(ev.Kind), ev)) {
				return
			}
		}
	}
}

func (s *Server) watchLine(ctx context.Context, typ string, ev bus.Event) api.WatchLine {
	return api.WatchLine{
		SchemaVersion: api.SchemaVersion,
		EmittedAt:     time.Now().UTC(),
		StreamID:      s.streamID,
		Sequence:      s.nextSequence(),
		Type:          typ,
		Origin:        ev.Origin,
		Revision:      ev.Revision,
		State:         s.toState(ctx, s.coord.Store().Read(ctx)),
		Health:        toBackendHealth(s.coord.Monitor().Snapshot()),
	}
}
