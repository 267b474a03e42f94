package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	stdSync "sync"
	"time"

	storesync "github.com/c0deZ3R0/storefront-sync/sync"
)

// EventSource publishes drain results. *sync.Manager satisfies it.
type EventSource interface {
	Subscribe(fn func(*storesync.Result)) error
}

// keepAliveInterval spaces the comment lines that hold idle streams open.
const keepAliveInterval = 15 * time.Second

// hub fans drain results out to the connected event streams.
type hub struct {
	mu      stdSync.Mutex
	streams map[chan *storesync.Result]struct{}
}

func newHub() *hub {
	return &hub{streams: make(map[chan *storesync.Result]struct{})}
}

func (h *hub) join() chan *storesync.Result {
	ch := make(chan *storesync.Result, 8)
	h.mu.Lock()
	h.streams[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) leave(ch chan *storesync.Result) {
	h.mu.Lock()
	delete(h.streams, ch)
	h.mu.Unlock()
}

// publish never blocks; a stream that falls behind misses results.
func (h *hub) publish(res *storesync.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.streams {
		select {
		case ch <- res:
		default:
		}
	}
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// handleSyncEvents streams every drain result as a server-sent "sync" event.
func (s *server) handleSyncEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The server write timeout would otherwise end long-lived streams.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.WarnContext(r.Context(), "Event stream unsupported", slog.Any("error", err))
		return
	}

	ch := s.events.join()
	defer s.events.leave(ch)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case res := <-ch:
			b, err := json.Marshal(toSyncResponse(res))
			if err != nil {
				s.logger.ErrorContext(ctx, "Failed to encode sync event", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: sync\ndata: %s\n\n", b); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
