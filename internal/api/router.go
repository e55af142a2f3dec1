package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/natemellendorf/relaychat/internal/auth"
	"github.com/natemellendorf/relaychat/internal/hub"
	"github.com/natemellendorf/relaychat/internal/relay"
	"github.com/natemellendorf/relaychat/internal/store"
)

// Options carries everything the relay HTTP surface is built from.
type Options struct {
	Service        *relay.Service
	Hub            *hub.Hub
	Store          store.Store
	Sweeper        *store.TTLSweeper
	Verifier       auth.Verifier
	Limiter        *SendLimiter
	AllowedOrigins []string
	DevMode        bool
	WriteTimeout   time.Duration
}

// NewRouter wires the relay, WebSocket and operational endpoints.
// The returned HTTPHandler still has to be marked initialized.
func NewRouter(opts Options) (http.Handler, *HTTPHandler) {
	r := mux.NewRouter()

	var sweeper SweepClock
	if opts.Sweeper != nil {
		sweeper = opts.Sweeper
	}
	health := NewHTTPHandler(opts.Store, sweeper)
	health.Register(r)

	NewRelayHandler(opts.Service, opts.Limiter).Register(r, opts.Verifier)

	ws := NewWSHandler(opts.Service, opts.Hub, opts.Verifier,
		NewOriginChecker(opts.AllowedOrigins, opts.DevMode), opts.WriteTimeout)
	r.HandleFunc("/ws", ws.HandleWebSocket).Methods(http.MethodGet)

	return r, health
}
