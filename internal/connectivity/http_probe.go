package connectivity

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/ledgersync/internal/backoff"
	"github.com/agentworkforce/ledgersync/internal/logging"
)

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeJitter   = 0.2
)

// HTTPProbe polls a health URL. Any answer below 500 counts as reachable;
// transport errors and 5xx count as offline.
type HTTPProbe struct {
	URL      string
	Client   *http.Client
	Interval time.Duration
	// Jitter is a ratio in [0,1] spread around Interval.
	Jitter float64
	Logger *zerolog.Logger
}

func (p *HTTPProbe) Run(ctx context.Context, signal *Signal) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	signal.Set(p.Check(ctx))
	timer := time.NewTimer(backoff.Spread(p.Jitter).Apply(interval, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			reachable := p.Check(ctx)
			if ctx.Err() != nil {
				return nil
			}
			signal.Set(reachable)
			timer.Reset(backoff.Spread(p.Jitter).Apply(interval, rng.Float64()))
		}
	}
}

func (p *HTTPProbe) Check(ctx context.Context) bool {
	logger := logging.OrNop(p.Logger)
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(p.URL), nil)
	if err != nil {
		logger.Error().Err(err).Msg("invalid probe URL")
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Debug().Err(err).Msg("probe failed")
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
