// Package connection defines the wire-connection contract and the shared
// correlation state every transport implementation embeds.
//
// A connection owns two tables: one mapping correlation ids to the channel a
// suspended caller is waiting on, and one mapping live subscription ids to
// their event channels. Both are concurrent maps so that inserts and removals
// on distinct keys never contend on a single lock.
package connection

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fluxdb/fluxdb.go/internal/codec"
	"github.com/fluxdb/fluxdb.go/pkg/constants"
)

// Connection is one physical duplex connection to the server.
type Connection interface {
	// Connect establishes the connection and performs the handshake.
	// It is idempotent: a connected instance returns immediately, and
	// concurrent callers join the single in-flight attempt.
	Connect(ctx context.Context) error

	// Close tears the connection down. Every outstanding request is
	// resolved with an explicit connection-closed error and every live
	// subscription channel is closed.
	Close(ctx context.Context) error

	// Send performs one RPC: it registers a pending request under a fresh
	// correlation id, writes the frame, and suspends the caller until the
	// matching response arrives, the connection fails, or ctx is done.
	Send(ctx context.Context, method string, params ...any) (*RPCResponse[json.RawMessage], error)

	// Use selects the namespace and database for this connection.
	Use(ctx context.Context, namespace, database string) error

	// LiveNotifications registers and returns the event channel for a live
	// subscription id previously acknowledged by the server.
	LiveNotifications(id string) (chan Notification, error)

	// KillNotifications unregisters a live subscription and closes its
	// event channel.
	KillNotifications(id string)

	// IsClosed reports whether the connection is disconnected, so that the
	// pool can trigger recovery.
	IsClosed() bool

	GetUnmarshaler() codec.Unmarshaler
}

// Send performs one RPC on c and unmarshals the result into dest when dest is
// non-nil. A server-side RPC error is returned as the call's error.
func Send[T any](c Connection, ctx context.Context, dest *T, method string, params ...any) error {
	res, err := c.Send(ctx, method, params...)
	if err != nil {
		return err
	}

	if res.Error != nil {
		return res.Error
	}

	if dest != nil && res.Result != nil {
		return c.GetUnmarshaler().Unmarshal(*res.Result, dest)
	}

	return nil
}

// Toolkit is the embeddable core shared by transport implementations:
// the pending-request and live-subscription tables.
type Toolkit struct {
	BaseURL string

	ResponseChannels     *xsync.MapOf[string, chan RPCResponse[json.RawMessage]]
	NotificationChannels *xsync.MapOf[string, chan Notification]

	// notifLock serializes event publication against channel close, so a
	// kill racing an in-flight push never sends on a closed channel.
	notifLock sync.RWMutex
}

func NewToolkit(baseURL string) Toolkit {
	return Toolkit{
		BaseURL:              baseURL,
		ResponseChannels:     xsync.NewMapOf[string, chan RPCResponse[json.RawMessage]](),
		NotificationChannels: xsync.NewMapOf[string, chan Notification](),
	}
}

// CreateResponseChannel registers a pending request under id. The returned
// channel is buffered so the read loop never blocks on a caller that has
// already abandoned its wait.
func (tk *Toolkit) CreateResponseChannel(id string) (chan RPCResponse[json.RawMessage], error) {
	ch := make(chan RPCResponse[json.RawMessage], 1)
	if _, loaded := tk.ResponseChannels.LoadOrStore(id, ch); loaded {
		return nil, fmt.Errorf("%w: %v", constants.ErrIDInUse, id)
	}
	return ch, nil
}

// TakeResponseChannel removes and returns the pending request for id.
// Exactly one of the read loop, the suspended caller, or teardown wins the
// removal, which is what guarantees single resolution.
func (tk *Toolkit) TakeResponseChannel(id string) (chan RPCResponse[json.RawMessage], bool) {
	return tk.ResponseChannels.LoadAndDelete(id)
}

// RemoveResponseChannel drops the pending request for id without resolving
// it. Used by a caller that stops waiting (timeout or cancellation).
func (tk *Toolkit) RemoveResponseChannel(id string) {
	tk.ResponseChannels.LoadAndDelete(id)
}

// FailPendingRequests resolves every outstanding request by closing its
// channel, which each suspended caller surfaces as a connection-closed error.
func (tk *Toolkit) FailPendingRequests() {
	tk.ResponseChannels.Range(func(id string, _ chan RPCResponse[json.RawMessage]) bool {
		if ch, ok := tk.ResponseChannels.LoadAndDelete(id); ok {
			close(ch)
		}
		return true
	})
}

// CreateNotificationChannel registers the event channel for a live
// subscription id.
func (tk *Toolkit) CreateNotificationChannel(id string) (chan Notification, error) {
	ch := make(chan Notification, constants.NotificationBufferSize)
	if _, loaded := tk.NotificationChannels.LoadOrStore(id, ch); loaded {
		return nil, fmt.Errorf("%w: %v", constants.ErrIDInUse, id)
	}
	return ch, nil
}

func (tk *Toolkit) GetNotificationChannel(id string) (chan Notification, bool) {
	return tk.NotificationChannels.Load(id)
}

// PublishNotification routes a push event to its subscription channel.
// It reports false when no subscription exists or the buffer is full; the
// event is dropped in both cases.
func (tk *Toolkit) PublishNotification(n Notification) bool {
	tk.notifLock.RLock()
	defer tk.notifLock.RUnlock()

	ch, ok := tk.NotificationChannels.Load(n.ID)
	if !ok {
		return false
	}

	select {
	case ch <- n:
		return true
	default:
		return false
	}
}

// RemoveNotificationChannel unregisters a subscription and closes its
// channel so readers observe the end of the stream.
func (tk *Toolkit) RemoveNotificationChannel(id string) {
	tk.notifLock.Lock()
	defer tk.notifLock.Unlock()

	if ch, ok := tk.NotificationChannels.LoadAndDelete(id); ok {
		close(ch)
	}
}

// CloseAllNotifications ends every live subscription on teardown.
func (tk *Toolkit) CloseAllNotifications() {
	tk.NotificationChannels.Range(func(id string, _ chan Notification) bool {
		tk.RemoveNotificationChannel(id)
		return true
	})
}
