package pool

import (
	"context"
	"time"

	"github.com/fluxdb/fluxdb.go/pkg/connection"
)

// healthCheckTimeout bounds a single probe so a stuck member cannot stall
// the whole cycle.
const healthCheckTimeout = 5 * time.Second

// healthLoop probes every member on a fixed interval, independently of
// request traffic.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.conf.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.checkAll()
		}
	}
}

// checkAll runs one health cycle. Leased members are skipped so a probe
// never interleaves with a transaction's statement sequence.
func (p *Pool) checkAll() {
	for _, m := range p.snapshot() {
		if m.leased.Load() {
			continue
		}
		p.check(m)
	}
}

// check probes one member with a trivial query. A disconnected member is
// first reconnected; success resets its failure counter and status, failure
// counts toward the unhealthy threshold.
func (p *Pool) check(m *managed) {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if m.conn.IsClosed() {
		if !m.status.CompareAndSwap(int32(StatusUnhealthy), int32(StatusReconnecting)) {
			m.status.Store(int32(StatusReconnecting))
		}

		if err := m.conn.Connect(ctx); err != nil {
			m.status.Store(int32(StatusUnhealthy))
			n := m.failures.Add(1)
			p.logger.Warn("health check: reconnect failed", "failures", n, "error", err)
			return
		}

		p.logger.Info("health check: member reconnected")
		m.recordSuccess()
		return
	}

	if err := connection.Send[any](m.conn, ctx, nil, "query", "RETURN 1", nil); err != nil {
		n := m.recordFailure()
		p.logger.Warn("health check failed", "failures", n, "status", m.Status().String(), "error", err)
		return
	}

	m.recordSuccess()
}
