// Package pool maintains a fixed-size set of wire connections, load-balances
// RPCs across the healthy ones, and detects and repairs failures.
//
// Selection is round robin over the currently-healthy subset using one
// atomic cursor shared by all callers. Because the subset size can change
// between selections, distribution is approximately fair under churn rather
// than strictly fair; this is an accepted trade-off.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/fluxdb/fluxdb.go/pkg/connection"
	"github.com/fluxdb/fluxdb.go/pkg/constants"
	"github.com/fluxdb/fluxdb.go/pkg/logger"
	slogger "github.com/fluxdb/fluxdb.go/pkg/logger/slog"
)

// Status is the health state of one pool member.
type Status int32

const (
	StatusHealthy Status = iota
	StatusUnhealthy
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// managed wraps one wire connection with the bookkeeping the pool needs:
// status, a consecutive-failure counter, a last-used timestamp, and the
// lease flag that grants exclusive ownership to one caller.
type managed struct {
	conn connection.Connection

	status   atomic.Int32
	failures atomic.Int32
	lastUsed atomic.Int64
	leased   atomic.Bool
}

func (m *managed) Status() Status {
	return Status(m.status.Load())
}

func (m *managed) touch() {
	m.lastUsed.Store(time.Now().UnixNano())
}

// recordSuccess resets the failure counter and restores the member to
// healthy, whatever state it was in.
func (m *managed) recordSuccess() {
	m.failures.Store(0)
	m.status.Store(int32(StatusHealthy))
}

// recordFailure increments the consecutive-failure counter and flips the
// member to unhealthy at the threshold.
func (m *managed) recordFailure() int32 {
	n := m.failures.Add(1)
	if n >= constants.FailureThreshold {
		m.status.Store(int32(StatusUnhealthy))
	}
	return n
}

// selectable reports whether round robin may hand this member out: healthy
// and not exclusively leased.
func (m *managed) selectable() bool {
	return m.Status() == StatusHealthy && !m.leased.Load()
}

// Config is the pool's construction surface.
type Config struct {
	// Size is the target number of wire connections.
	Size int

	// MinIdle is the minimum number of connections that must establish
	// during initialization for Start to succeed. Defaults to 1.
	MinIdle int

	// HealthCheckInterval is the period of the background health checker.
	HealthCheckInterval time.Duration

	// InitDelay is the pause between sequential member dials during
	// initialization, so two handshakes never race on session setup.
	InitDelay time.Duration

	// Dialer constructs a new, not yet connected wire connection.
	Dialer func() connection.Connection

	Logger logger.Logger
}

func (c *Config) withDefaults() {
	if c.Size <= 0 {
		c.Size = constants.DefaultPoolSize
	}
	if c.MinIdle <= 0 {
		c.MinIdle = 1
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = constants.DefaultHealthCheckInterval
	}
	if c.InitDelay <= 0 {
		c.InitDelay = constants.DefaultInitDelay
	}
	if c.Logger == nil {
		c.Logger = slogger.New(slog.NewJSONHandler(os.Stdout, nil))
	}
}

type Pool struct {
	conf Config

	conns   []*managed
	connsMu sync.RWMutex

	// cursor is the round-robin counter shared across all callers.
	cursor atomic.Uint64

	readyCh   chan struct{}
	readyErr  error
	readyOnce sync.Once

	// releaseCh wakes one lease waiter when a lease is returned.
	releaseCh chan struct{}

	closeCh   chan struct{}
	closeOnce sync.Once

	logger logger.Logger
}

func New(conf Config) (*Pool, error) {
	if conf.Dialer == nil {
		return nil, errors.New("pool: Dialer is required")
	}
	conf.withDefaults()

	return &Pool{
		conf:      conf,
		readyCh:   make(chan struct{}),
		releaseCh: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
		logger:    conf.Logger,
	}, nil
}

// Start dials the pool members sequentially, pausing briefly after each
// successful connect. The ready signal fires at the first established
// connection; initialization fails only when fewer than MinIdle members
// establish. On success the background health checker is started.
func (p *Pool) Start(ctx context.Context) error {
	established := 0

	for i := 0; i < p.conf.Size; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.conf.InitDelay):
			}
		}

		conn := p.conf.Dialer()
		if err := conn.Connect(ctx); err != nil {
			p.logger.Warn("pool init: connection failed", "member", i, "error", err)
			continue
		}

		m := &managed{conn: conn}
		m.touch()

		p.connsMu.Lock()
		p.conns = append(p.conns, m)
		p.connsMu.Unlock()

		established++
		p.signalReady(nil)
	}

	if established < p.conf.MinIdle {
		err := fmt.Errorf("pool init: established %d of %d connections, need at least %d",
			established, p.conf.Size, p.conf.MinIdle)
		p.signalReady(err)
		return err
	}

	p.logger.Info("pool ready", "established", established, "target", p.conf.Size)

	go p.healthLoop()

	return nil
}

func (p *Pool) signalReady(err error) {
	p.readyOnce.Do(func() {
		p.readyErr = err
		close(p.readyCh)
	})
}

// WaitUntilReady blocks until the first pool connection is established, the
// initialization fails outright, or ctx is done.
func (p *Pool) WaitUntilReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return p.readyErr
	case <-p.closeCh:
		return constants.ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) closed() bool {
	select {
	case <-p.closeCh:
		return true
	default:
		return false
	}
}

// snapshot returns the current member list without holding the lock.
func (p *Pool) snapshot() []*managed {
	p.connsMu.RLock()
	defer p.connsMu.RUnlock()

	conns := make([]*managed, len(p.conns))
	copy(conns, p.conns)
	return conns
}

// pick applies round robin to the currently-healthy subset. Returns nil when
// the subset is empty.
func (p *Pool) pick() *managed {
	p.connsMu.RLock()
	healthy := make([]*managed, 0, len(p.conns))
	for _, m := range p.conns {
		if m.selectable() {
			healthy = append(healthy, m)
		}
	}
	p.connsMu.RUnlock()

	if len(healthy) == 0 {
		return nil
	}

	idx := (p.cursor.Add(1) - 1) % uint64(len(healthy))
	return healthy[idx]
}

// route selects a healthy member, falling back to one synchronous recovery
// attempt when none exists.
func (p *Pool) route(ctx context.Context) (*managed, error) {
	if m := p.pick(); m != nil {
		return m, nil
	}
	return p.recover(ctx)
}

// recover repairs an empty healthy subset: first an in-place reconnect of an
// unhealthy member, then a brand-new connection that is appended below the
// target size or replaces an unhealthy member at it. A single failed attempt
// surfaces as pool exhaustion; the pool never silently retries the caller's
// operation elsewhere.
func (p *Pool) recover(ctx context.Context) (*managed, error) {
	for _, m := range p.snapshot() {
		if m.leased.Load() {
			continue
		}
		if !m.status.CompareAndSwap(int32(StatusUnhealthy), int32(StatusReconnecting)) {
			continue
		}

		if err := m.conn.Connect(ctx); err != nil {
			p.logger.Warn("in-place reconnect failed", "error", err)
			m.status.Store(int32(StatusUnhealthy))
			break
		}

		p.logger.Info("reconnected pool member in place")
		m.recordSuccess()
		return m, nil
	}

	conn := p.conf.Dialer()
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: recovery dial failed: %v", constants.ErrPoolExhausted, err)
	}

	nm := &managed{conn: conn}
	nm.touch()

	var replaced *managed
	p.connsMu.Lock()
	if len(p.conns) < p.conf.Size {
		p.conns = append(p.conns, nm)
	} else {
		for i, m := range p.conns {
			if m.Status() != StatusHealthy && !m.leased.Load() {
				replaced = m
				p.conns[i] = nm
				break
			}
		}
		if replaced == nil {
			p.conns = append(p.conns, nm)
		}
	}
	p.connsMu.Unlock()

	if replaced != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = replaced.conn.Close(ctx)
		}()
	}

	p.logger.Info("replaced failed pool member with a fresh connection")
	return nm, nil
}

// Send performs one load-balanced RPC. The selected member's failure counter
// is incremented on transport error and reset on success; a caller-initiated
// cancellation is not held against the connection.
func (p *Pool) Send(ctx context.Context, method string, params ...any) (*connection.RPCResponse[json.RawMessage], error) {
	if p.closed() {
		return nil, constants.ErrPoolClosed
	}

	m, err := p.route(ctx)
	if err != nil {
		return nil, err
	}
	m.touch()

	res, err := m.conn.Send(ctx, method, params...)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			n := m.recordFailure()
			p.logger.Warn("pool member operation failed", "failures", n, "error", err)
		}
		return nil, err
	}

	m.recordSuccess()
	return res, nil
}

// Next exposes the member a load-balanced call would use, for callers that
// need the connection itself (live-query start).
func (p *Pool) Next(ctx context.Context) (connection.Connection, error) {
	if p.closed() {
		return nil, constants.ErrPoolClosed
	}

	m, err := p.route(ctx)
	if err != nil {
		return nil, err
	}
	m.touch()
	return m.conn, nil
}

// HealthyCount reports how many members round robin currently considers.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, m := range p.snapshot() {
		if m.selectable() {
			n++
		}
	}
	return n
}

func (p *Pool) Len() int {
	p.connsMu.RLock()
	defer p.connsMu.RUnlock()
	return len(p.conns)
}

// Close stops the health checker and closes every member. Suspended callers
// on each connection observe an explicit connection-closed error.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.closeCh)
	})

	var firstErr error
	for _, m := range p.snapshot() {
		if err := m.conn.Close(ctx); err != nil && !errors.Is(err, constants.ErrNotConnected) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	p.connsMu.Lock()
	p.conns = nil
	p.connsMu.Unlock()

	return firstErr
}
