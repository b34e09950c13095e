// Package signal is the websocket transport: it accepts connections, pumps
// frames between sockets and the orchestrator, and owns socket lifetime.
package signal

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/wigma-ws/internal/app/orch"
	"github.com/dkeye/wigma-ws/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit       int64
	PingPeriod      time.Duration
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	SendBufferBytes int
	// AllowedOrigins lists accepted Origin values ("*" for any). Empty
	// accepts every origin.
	AllowedOrigins []string
}

func (o *Options) withDefaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 16 << 20
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 120 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.IdleTimeout {
		o.PingPeriod = o.IdleTimeout * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendBufferBytes <= 0 {
		o.SendBufferBytes = 1 << 20
	}
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	opts     Options
	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	opts.withDefaults()
	return &SignalWSController{
		Orch:     o,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)},
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients) and browser requests whose origin is listed.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimRight(strings.TrimSpace(a), "/"))
		if a == "*" {
			return func(*http.Request) bool { return true }
		}
		set[a] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		if !ok {
			log.Warn().Str("module", "signal").Str("origin", origin).Msg("ws origin rejected")
		}
		return ok
	}
}

// HandleSignal upgrades the request and starts the pumps. Sockets outlive
// the request; ctx is the server lifetime.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	id := core.ConnID(uuid.NewString())
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("remote", c.ClientIP()).Msg("new WS connection")

	conn := newWSConn(id, ws, ctl.opts.SendBufferBytes)
	ctl.Orch.Open(conn)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(conn)
}
