package events

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// StreamHandler serves the bus as server-sent events. An optional scope
// query parameter restricts the stream to one scope.
func StreamHandler(bus *Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		scope := strings.TrimSpace(r.URL.Query().Get("scope"))
		subID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
		ch := bus.Subscribe(subID)
		defer bus.Unsubscribe(subID)

		fmt.Fprintf(w, ": connected\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if scope != "" && evt.Scope != scope {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.JSON())
				flusher.Flush()
			}
		}
	}
}
