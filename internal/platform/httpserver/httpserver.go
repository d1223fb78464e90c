package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with sane defaults for this project. The write
// timeout leaves headroom over the longest permitted turn.
func New(addr string, handler http.Handler, maxTurn time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      maxTurn + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
