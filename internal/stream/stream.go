// Package stream serializes bus events to long-lived HTTP observers as
// server-sent events. Delivery is best effort: a slow dashboard loses events
// rather than stalling the pipeline.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/coldwatch/internal/bus"
)

const (
	// subscriberBuffer is each observer's queue depth on the bus.
	subscriberBuffer = 64

	heartbeatInterval = 15 * time.Second
)

// Exporter streams incident pipeline events over SSE.
type Exporter struct {
	bus    *bus.Bus
	logger log.Logger
}

// New creates an Exporter reading from the given bus.
func New(b *bus.Bus, logger log.Logger) *Exporter {
	if logger == nil {
		logger = log.Nop()
	}
	return &Exporter{bus: b, logger: logger}
}

// ServeHTTP subscribes the caller to the event stream until the connection
// closes or the bus shuts down.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Remote addresses collide across reconnects; each observer gets its own
	// identity for drop accounting.
	observer := "sse-" + uuid.NewString()
	sub := e.bus.Subscribe(observer, subscriberBuffer)
	defer sub.Close()

	// Tell the client the stream is live before the first event arrives.
	fmt.Fprintf(w, "event: connected\ndata: {\"timestamp\":%q}\n\n", time.Now().UTC().Format(time.RFC3339))
	flusher.Flush()

	e.logger.Info(r.Context(), "event stream observer connected", "remote", r.RemoteAddr)
	defer e.logger.Info(r.Context(), "event stream observer disconnected", "remote", r.RemoteAddr)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// Comment line keeps idle proxies from dropping the connection.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				e.logger.Warn(r.Context(), "failed to write event, dropping observer",
					"remote", r.RemoteAddr,
					"error", err.Error(),
				)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
