package dispatch

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// NewWSHandler upgrades HTTP requests and pumps inbound frames into the
// dispatcher. Each connection gets its own read loop; frame handling errors
// never terminate the loop, only read errors do.
func NewWSHandler(d *Dispatcher, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if d == nil {
			http.Error(w, "dispatcher not initialized", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		c := newClient(conn)
		// the request context dies when this handler returns; the hijacked
		// connection outlives it
		ctx := context.Background()
		go func() {
			defer d.Disconnect(c)
			for {
				msgType, data, err := conn.ReadMessage()
				if err != nil {
					log.Debug().Err(err).Str("component", "dispatch").Msg("ws read loop closed")
					return
				}
				if msgType != websocket.TextMessage {
					continue
				}
				d.HandleFrame(ctx, c, data)
			}
		}()
	}
}
