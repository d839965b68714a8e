package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/fluxdb/fluxdb.go/pkg/connection"
	"github.com/fluxdb/fluxdb.go/pkg/constants"
)

// leaseRetryInterval is the fallback poll period for lease waiters. The
// release signal only wakes one waiter, so remaining waiters re-check on
// this cadence instead of relying on a perfect wakeup chain.
const leaseRetryInterval = 50 * time.Millisecond

// ErrLeaseReleased is returned by calls on a lease that has been returned to
// the pool.
var ErrLeaseReleased = errors.New("lease already released")

// Lease is exclusive ownership of one healthy connection. While held, the
// member is skipped by round robin and by the health checker, so nothing
// can interleave with the holder's statement sequence on that socket.
type Lease struct {
	m        *managed
	p        *Pool
	released atomic.Bool
}

// Acquire checks one healthy connection out of the pool. When every healthy
// member is leased out, the caller blocks until a lease is released or ctx
// is done. When no healthy member exists at all, one synchronous recovery
// attempt is made before waiting.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		if p.closed() {
			return nil, constants.ErrPoolClosed
		}

		if m := p.tryLease(); m != nil {
			m.touch()
			return &Lease{m: m, p: p}, nil
		}

		if p.HealthyCount() == 0 && p.unleasedCount() > 0 {
			if m, err := p.recover(ctx); err == nil {
				if m.leased.CompareAndSwap(false, true) {
					m.touch()
					return &Lease{m: m, p: p}, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closeCh:
			return nil, constants.ErrPoolClosed
		case <-p.releaseCh:
		case <-time.After(leaseRetryInterval):
		}
	}
}

func (p *Pool) tryLease() *managed {
	p.connsMu.RLock()
	defer p.connsMu.RUnlock()

	for _, m := range p.conns {
		if m.Status() != StatusHealthy {
			continue
		}
		if m.leased.CompareAndSwap(false, true) {
			return m
		}
	}
	return nil
}

func (p *Pool) unleasedCount() int {
	n := 0
	for _, m := range p.snapshot() {
		if !m.leased.Load() {
			n++
		}
	}
	return n
}

// Conn exposes the leased connection for callers that need it directly.
func (l *Lease) Conn() connection.Connection {
	return l.m.conn
}

// Send performs one RPC on the leased connection, with the same failure
// accounting as load-balanced calls.
func (l *Lease) Send(ctx context.Context, method string, params ...any) (*connection.RPCResponse[json.RawMessage], error) {
	if l.released.Load() {
		return nil, ErrLeaseReleased
	}

	l.m.touch()

	res, err := l.m.conn.Send(ctx, method, params...)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			l.m.recordFailure()
		}
		return nil, err
	}

	l.m.recordSuccess()
	return res, nil
}

// Release returns the connection to the pool and wakes one waiter.
// Idempotent.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}

	l.m.leased.Store(false)

	select {
	case l.p.releaseCh <- struct{}{}:
	default:
	}
}
