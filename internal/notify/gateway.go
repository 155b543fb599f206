package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// refreshFrame is the only payload the gateway ever sends. Clients
	// re-fetch through the HTTP surface when they see it.
	refreshFrame = "refresh"

	wsDefaultQueue        = 32
	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultHeartbeat    = 30 * time.Second
	wsMaxPingFailures     = 3

	// Incoming frames carry no protocol, so anything big is abuse.
	wsReadLimit = 1 << 10
)

// GatewayConfig shapes the websocket surface.
type GatewayConfig struct {
	// OriginRequired rejects connections without an Origin header.
	OriginRequired bool

	// AllowedOrigins is the origin allowlist; "*" honors any origin.
	AllowedOrigins []string

	Queue        int
	WriteTimeout time.Duration
	Heartbeat    time.Duration
}

// Gateway bridges bus subscriptions onto websocket connections. Each
// connection subscribes to one channel and receives a bare refresh frame per
// cue; the client side never sends anything the gateway interprets.
type Gateway struct {
	bus *Bus
	log *slog.Logger
	cfg GatewayConfig

	originPatterns []string
}

// NewGateway constructs a Gateway.
func NewGateway(bus *Bus, log *slog.Logger, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.Queue < 1 {
		cfg.Queue = wsDefaultQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsDefaultWriteTimeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = wsDefaultHeartbeat
	}
	return &Gateway{
		bus:            bus,
		log:            log,
		cfg:            cfg,
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}
}

// Serve upgrades the request and relays cues for channel until either side
// goes away. channel is the subscribed bus channel; empty subscribes to all
// cues.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, channel string) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(wsReadLimit)

	sub := g.bus.Subscribe(channel, g.cfg.Queue)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.log.Info("ws.open", "channel", channel, "remote", r.RemoteAddr)

	// Reader drains and discards client frames so pongs and close frames
	// get processed.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				shutdown(closeStatusFor(err), "peer gone")
				return
			}
		}
	}()

	heartbeat := time.NewTicker(g.cfg.Heartbeat)
	defer heartbeat.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			g.log.Info("ws.close", "channel", channel)
			return

		case _, ok := <-sub.C():
			if !ok {
				// Dropped by the bus for falling behind, or bus shutdown.
				shutdown(websocket.StatusTryAgainLater, "subscriber dropped")
				g.log.Info("ws.close.dropped", "channel", channel)
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, []byte(refreshFrame))
			wcancel()
			if err != nil {
				g.log.Info("ws.write.fail", "channel", channel, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}

		case <-heartbeat.C:
			hctx, hcancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
			err := conn.Ping(hctx)
			hcancel()
			if err != nil {
				failures++
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func closeStatusFor(err error) websocket.StatusCode {
	if websocket.CloseStatus(err) != -1 {
		return websocket.StatusNormalClosure
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return websocket.StatusNormalClosure
	}
	return websocket.StatusAbnormalClosure
}

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case a == origin:
			return nil
		case host != "" && host == originHost(a):
			return nil
		}
	}
	return errors.New("origin not allowed: " + origin)
}

func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns derives websocket.Accept host patterns from the allowlist
// so the library's own origin check agrees with enforceOrigin.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHost(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	return out
}
