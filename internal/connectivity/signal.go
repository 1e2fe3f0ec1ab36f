// Package connectivity tracks whether the backend is reachable and notifies
// listeners on every transition.
package connectivity

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/ledgersync/internal/logging"
	"github.com/agentworkforce/ledgersync/internal/metrics"
)

// Probe drives a Signal until ctx is done. Check answers once, for callers
// that only need the current state.
type Probe interface {
	Run(ctx context.Context, signal *Signal) error
	Check(ctx context.Context) bool
}

type SignalOptions struct {
	Initial bool
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

type Signal struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	online    bool
	onOnline  []func()
	onOffline []func()
}

func NewSignal(opts SignalOptions) *Signal {
	logger := logging.OrNop(opts.Logger)
	s := &Signal{
		logger:  logger.With().Str("component", "connectivity").Logger(),
		metrics: opts.Metrics,
		online:  opts.Initial,
	}
	s.metrics.SetOnline(opts.Initial)
	return s
}

// IsOnline is the synchronous check consulted before any network attempt.
func (s *Signal) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// OnOnline registers fn to run, on its own goroutine, after every transition
// to online.
func (s *Signal) OnOnline(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOnline = append(s.onOnline, fn)
}

func (s *Signal) OnOffline(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOffline = append(s.onOffline, fn)
}

// Set records the current state and reports whether it changed.
func (s *Signal) Set(online bool) bool {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return false
	}
	s.online = online
	listeners := s.onOffline
	if online {
		listeners = s.onOnline
	}
	listeners = append([]func(){}, listeners...)
	s.mu.Unlock()

	s.metrics.SetOnline(online)
	s.logger.Info().Bool("online", online).Msg("connectivity changed")
	for _, fn := range listeners {
		go fn()
	}
	return true
}
