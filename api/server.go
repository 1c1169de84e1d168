package api

import (
	"net/http"
	"time"

	"github.com/angelmondragon/pantry-backend/pkg/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	// Webhook requests may run one inline processing attempt.
	writeTimeout    = 60 * time.Second
	idleTimeout     = 120 * time.Second
	ShutdownTimeout = 30 * time.Second
)

// NewServer builds the HTTP server cmd/api runs. PORT, when set by the
// platform, wins over the configured port.
func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.App.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}
