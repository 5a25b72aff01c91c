package dispatch

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Addr string
}

// BuildHTTPServer mounts the websocket endpoint and a health probe and
// returns a server with conservative timeouts. Write timeout stays zero:
// hijacked websocket connections manage their own deadlines.
func BuildHTTPServer(d *Dispatcher, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", NewWSHandler(d, websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
