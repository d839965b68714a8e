package fluxdb

import (
	"context"
	"sync/atomic"

	"github.com/fluxdb/fluxdb.go/pkg/connection"
)

// Subscription is one live query: the server-assigned subscription id and
// the event channel push notifications are routed to. Events stop either on
// Kill or when the owning connection is torn down, in which case the channel
// is closed.
type Subscription struct {
	id     string
	conn   connection.Connection
	ch     chan connection.Notification
	killed atomic.Bool
}

// Live starts a live query on table and subscribes to its change feed. The
// subscription is bound to the connection the live call was routed to; all
// of its events arrive on that connection's push channel.
func (db *DB) Live(ctx context.Context, table string, diff bool) (*Subscription, error) {
	conn, err := db.pool.Next(ctx)
	if err != nil {
		return nil, err
	}

	var id string
	if err := connection.Send[string](conn, ctx, &id, "live", table, diff); err != nil {
		return nil, err
	}

	ch, err := conn.LiveNotifications(id)
	if err != nil {
		return nil, err
	}

	return &Subscription{id: id, conn: conn, ch: ch}, nil
}

// ID is the server-assigned subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// Notifications is the subscription's event stream. The channel is closed
// when the subscription is killed or its connection goes away.
func (s *Subscription) Notifications() <-chan connection.Notification {
	return s.ch
}

// Kill stops the live query on the server and ends local delivery.
// Idempotent; local delivery ends even when the kill RPC fails.
func (s *Subscription) Kill(ctx context.Context) error {
	if !s.killed.CompareAndSwap(false, true) {
		return nil
	}

	err := connection.Send[any](s.conn, ctx, nil, "kill", s.id)
	s.conn.KillNotifications(s.id)
	return err
}
