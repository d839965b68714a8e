// Package guard implements a call guard (circuit breaker) that can wrap any
// call boundary and short-circuit calls once a consecutive-failure threshold
// is exceeded.
//
// The guard has three states. Closed passes calls through while counting
// consecutive failures. Open rejects every call immediately until the
// recovery window elapses. Half-open lets a single probe through: a
// successful probe closes the guard, a failed one reopens it.
package guard

import (
	"sync"
	"time"

	"github.com/fluxdb/fluxdb.go/pkg/constants"
	"github.com/fluxdb/fluxdb.go/pkg/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	// DefaultThreshold is the consecutive-failure count that opens the guard.
	DefaultThreshold = 5

	// DefaultRecovery is how long the guard stays open before allowing a probe.
	DefaultRecovery = 30 * time.Second
)

type Guard struct {
	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	threshold int
	recovery  time.Duration
	probing   bool

	logger logger.Logger
}

func New(threshold int, recovery time.Duration, log logger.Logger) *Guard {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if recovery <= 0 {
		recovery = DefaultRecovery
	}

	return &Guard{
		threshold: threshold,
		recovery:  recovery,
		logger:    log,
	}
}

// Do runs fn unless the guard is open. An open guard returns ErrGuardOpen
// without invoking fn; a half-open guard admits exactly one probe at a time.
func (g *Guard) Do(fn func() error) error {
	if err := g.admit(); err != nil {
		return err
	}

	err := fn()
	g.record(err)
	return err
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Guard) admit() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(g.openedAt) < g.recovery {
			return constants.ErrGuardOpen
		}
		g.state = StateHalfOpen
		g.probing = true
		if g.logger != nil {
			g.logger.Info("call guard half-open, admitting probe")
		}
		return nil
	default: // StateHalfOpen
		if g.probing {
			return constants.ErrGuardOpen
		}
		g.probing = true
		return nil
	}
}

func (g *Guard) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.probing = false

	if err == nil {
		if g.state != StateClosed && g.logger != nil {
			g.logger.Info("call guard closed")
		}
		g.state = StateClosed
		g.failures = 0
		return
	}

	g.failures++
	if g.state == StateHalfOpen || g.failures >= g.threshold {
		if g.state != StateOpen && g.logger != nil {
			g.logger.Warn("call guard opened", "failures", g.failures)
		}
		g.state = StateOpen
		g.openedAt = time.Now()
	}
}
