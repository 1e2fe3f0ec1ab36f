package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/ledgersync/internal/backoff"
	"github.com/agentworkforce/ledgersync/internal/logging"
)

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	defaultPingInterval = 20 * time.Second
)

// WebSocketProbe holds a connection to the backend bus open. The backend is
// online while the connection is readable; after a drop it redials with
// capped exponential delay.
type WebSocketProbe struct {
	URL string
	// Header is called before every dial, so a login or teardown between
	// connections changes what the next handshake carries.
	Header       func() http.Header
	HTTPClient   *http.Client
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration
	Logger       *zerolog.Logger
}

func (p *WebSocketProbe) Run(ctx context.Context, signal *Signal) error {
	logger := logging.OrNop(p.Logger)
	reconnectMin := p.ReconnectMin
	if reconnectMin <= 0 {
		reconnectMin = defaultReconnectMin
	}
	reconnectMax := p.ReconnectMax
	if reconnectMax <= 0 {
		reconnectMax = defaultReconnectMax
	}
	attempt := 0
	for {
		conn, _, err := websocket.Dial(ctx, p.URL, p.dialOptions())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			signal.Set(false)
			attempt++
			delay := backoff.Exponential(attempt, reconnectMin, reconnectMax)
			logger.Debug().Err(err).Dur("retry_in", delay).Msg("bus dial failed")
			if backoff.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		attempt = 0
		signal.Set(true)
		err = p.hold(ctx, conn)
		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
			return nil
		}
		logger.Info().Err(err).Msg("bus connection dropped")
		signal.Set(false)
		_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
	}
}

// Check dials once and hangs up.
func (p *WebSocketProbe) Check(ctx context.Context) bool {
	conn, _, err := websocket.Dial(ctx, p.URL, p.dialOptions())
	if err != nil {
		return false
	}
	_ = conn.Close(websocket.StatusNormalClosure, "probe")
	return true
}

func (p *WebSocketProbe) dialOptions() *websocket.DialOptions {
	opts := &websocket.DialOptions{HTTPClient: p.HTTPClient}
	if p.Header != nil {
		opts.HTTPHeader = p.Header()
	}
	return opts
}

// hold reads until the connection fails. Pings detect half-open sockets.
func (p *WebSocketProbe) hold(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(1 << 20)
	interval := p.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	holdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-holdCtx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(holdCtx, interval)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil && holdCtx.Err() == nil {
					_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
					return
				}
			}
		}
	}()
	for {
		if _, _, err := conn.Read(holdCtx); err != nil {
			return err
		}
	}
}
