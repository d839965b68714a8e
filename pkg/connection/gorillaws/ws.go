// Package gorillaws implements the wire connection on top of
// gorilla/websocket: JSON frames, request/response correlation, and
// push-notification demultiplexing.
package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	json "github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"

	"github.com/fluxdb/fluxdb.go/internal/codec"
	"github.com/fluxdb/fluxdb.go/internal/rand"
	"github.com/fluxdb/fluxdb.go/pkg/connection"
	"github.com/fluxdb/fluxdb.go/pkg/constants"
	"github.com/fluxdb/fluxdb.go/pkg/logger"
	slogger "github.com/fluxdb/fluxdb.go/pkg/logger/slog"
)

// DefaultDialer is the gorilla dialer used by every Connection. It matches
// the gorilla default with compression enabled.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// State represents the state of the wire connection.
//
// Transitions:
//
//	StatePending       -> StateConnecting   (initial connection attempt)
//	StateConnecting    -> StateConnected    (socket open and handshake done)
//	StateConnecting    -> StateDisconnected (all attempts failed)
//	StateConnected     -> StateDisconnecting (manual close)
//	StateConnected     -> StateDisconnected (fatal read error)
//	StateDisconnecting -> StateDisconnected
//	StateDisconnected  -> StateConnecting   (reconnection attempt)
type State int

const (
	// StateUnknown is intentionally the zero value so a Connection built
	// without the constructor is detectable.
	StateUnknown State = iota
	// StatePending is the state before the first Connect call.
	StatePending
	// StateConnecting covers the socket open plus the signin/use handshake.
	StateConnecting
	// StateConnected means the connection is ready for callers.
	StateConnected
	// StateDisconnecting means a manual close is in progress.
	StateDisconnecting
	// StateDisconnected means the connection is closed, either manually or
	// by a fatal error. Connect may be called again to reconnect.
	StateDisconnected
)

// connectAttempt is the one-shot broadcast every concurrent Connect caller
// waits on: many waiters, one resolution, success and error paths both
// delivered.
type connectAttempt struct {
	done chan struct{}
	err  error
}

type Connection struct {
	connection.Toolkit

	Conn *gorilla.Conn

	// connLock guards Conn for writes and swap-on-teardown. It is held
	// only around individual frame writes, never across a whole RPC.
	connLock sync.Mutex

	// stateLock guards state and the in-flight connect attempt.
	stateLock sync.RWMutex
	state     State
	attempt   *connectAttempt

	// Timeout bounds how long Send waits for the response after the
	// request frame is written. Negative disables the deadline.
	Timeout time.Duration

	config      *connection.Config
	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
	logger      logger.Logger

	// connCloseCh signals teardown to the read loop and to Send callers
	// that have not yet registered a pending request.
	connCloseCh    chan int
	connCloseError error
}

var _ connection.Connection = (*Connection)(nil)

func New(conf *connection.Config) *Connection {
	log := conf.Logger
	if log == nil {
		log = slogger.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	timeout := conf.Timeout
	if timeout == 0 {
		timeout = constants.DefaultWSTimeout
	}

	return &Connection{
		Toolkit:     connection.NewToolkit(conf.BaseURL),
		Timeout:     timeout,
		config:      conf,
		marshaler:   conf.Marshaler,
		unmarshaler: conf.Unmarshaler,
		logger:      log,
		state:       StatePending,
	}
}

// Connect establishes the socket and performs the handshake. It is
// idempotent: on an already connected instance it returns immediately, and a
// caller arriving while another attempt is in flight waits on that same
// attempt instead of starting a second one. The socket open plus handshake
// is retried up to the configured attempt count; if every attempt fails the
// same error is delivered to every waiter.
func (ws *Connection) Connect(ctx context.Context) error {
	if err := ws.config.Validate(); err != nil {
		return err
	}

	ws.stateLock.Lock()
	switch ws.state {
	case StateConnected:
		ws.stateLock.Unlock()
		return nil
	case StateConnecting:
		attempt := ws.attempt
		ws.stateLock.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateDisconnecting:
		ws.stateLock.Unlock()
		return fmt.Errorf("%w: close in progress", constants.ErrClosed)
	}

	ws.state = StateConnecting
	attempt := &connectAttempt{done: make(chan struct{})}
	ws.attempt = attempt
	ws.stateLock.Unlock()

	err := ws.connectWithRetry(ctx)

	ws.stateLock.Lock()
	if err != nil {
		ws.state = StateDisconnected
	} else {
		ws.state = StateConnected
	}
	attempt.err = err
	close(attempt.done)
	ws.stateLock.Unlock()

	if err != nil {
		ws.logger.Error("failed to connect", "url", ws.BaseURL, "error", err)
	} else {
		ws.logger.Debug("connected", "url", ws.BaseURL)
	}

	return err
}

func (ws *Connection) connectWithRetry(ctx context.Context) error {
	retries := ws.config.Retries()
	backoff := ws.config.Backoff()

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := ws.connect(ctx); err != nil {
			lastErr = err
			ws.logger.Warn("connect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		if err := ws.handshake(ctx); err != nil {
			lastErr = err
			ws.logger.Warn("handshake failed", "attempt", attempt, "error", err)
			ws.teardown(err)
			continue
		}

		return nil
	}

	return fmt.Errorf("all %d connection attempts failed: %w", retries, lastErr)
}

// connect opens the socket and starts the read loop. It must only be called
// from connectWithRetry so that attempts never overlap.
func (ws *Connection) connect(ctx context.Context) error {
	conn, res, err := DefaultDialer.DialContext(ctx, fmt.Sprintf("%s/rpc", ws.BaseURL), nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	closeCh := make(chan int)

	ws.connLock.Lock()
	ws.Conn = conn
	ws.connCloseCh = closeCh
	ws.connCloseError = nil
	ws.connLock.Unlock()

	go ws.readLoop(conn, closeCh)

	return nil
}

// handshake signs in and selects the namespace/database. The connection is
// not advertised usable until both steps succeed.
func (ws *Connection) handshake(ctx context.Context) error {
	res, err := ws.Send(ctx, "signin", ws.config.Auth)
	if err != nil {
		return fmt.Errorf("signin: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("signin: %w", res.Error)
	}

	if err := ws.Use(ctx, ws.config.Namespace, ws.config.Database); err != nil {
		return fmt.Errorf("use: %w", err)
	}

	return nil
}

// IsClosed reports whether the connection is disconnected, so the pool can
// trigger reconnection attempts.
func (ws *Connection) IsClosed() bool {
	ws.stateLock.RLock()
	defer ws.stateLock.RUnlock()

	return ws.state == StateDisconnected
}

func (ws *Connection) State() State {
	ws.stateLock.RLock()
	defer ws.stateLock.RUnlock()

	return ws.state
}

// Close writes a close message best-effort, then tears the connection down.
// Teardown resolves every outstanding request with a connection-closed error
// and ends every live subscription; any context deadline is propagated to
// the close-message write so Close cannot block indefinitely.
func (ws *Connection) Close(ctx context.Context) error {
	ws.stateLock.Lock()
	switch ws.state {
	case StateConnected:
	case StateDisconnected, StatePending:
		ws.stateLock.Unlock()
		return constants.ErrNotConnected
	default:
		ws.stateLock.Unlock()
		return fmt.Errorf("%w: close in progress", constants.ErrClosed)
	}
	ws.state = StateDisconnecting
	ws.stateLock.Unlock()

	ws.connLock.Lock()
	conn := ws.Conn
	ws.connLock.Unlock()

	if conn != nil {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetWriteDeadline(deadline)
		}
		msg := gorilla.FormatCloseMessage(constants.CloseMessageCode, "")
		if err := conn.WriteMessage(gorilla.CloseMessage, msg); err != nil {
			ws.logger.Warn("failed to write close message", "error", err)
		}
	}

	ws.teardown(constants.ErrClosed)

	ws.stateLock.Lock()
	ws.state = StateDisconnected
	ws.stateLock.Unlock()

	return nil
}

// teardown closes the socket, resolves every pending request with a
// connection-closed error, and ends every live subscription. Safe to call
// more than once.
func (ws *Connection) teardown(cause error) {
	ws.connLock.Lock()
	conn := ws.Conn
	ws.Conn = nil
	if ws.connCloseCh != nil {
		select {
		case <-ws.connCloseCh:
			// already torn down
		default:
			ws.connCloseError = cause
			close(ws.connCloseCh)
		}
	}
	ws.connLock.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	ws.FailPendingRequests()
	ws.CloseAllNotifications()
}

// fail is the fatal-error path taken by the read loop.
func (ws *Connection) fail(cause error) {
	ws.stateLock.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.state = StateDisconnected
	}
	ws.stateLock.Unlock()

	ws.teardown(cause)
}

func (ws *Connection) Use(ctx context.Context, namespace, database string) error {
	return connection.Send[any](ws, ctx, nil, "use", namespace, database)
}

func (ws *Connection) Let(ctx context.Context, key string, value any) error {
	return connection.Send[any](ws, ctx, nil, "let", key, value)
}

func (ws *Connection) Unset(ctx context.Context, key string) error {
	return connection.Send[any](ws, ctx, nil, "unset", key)
}

func (ws *Connection) GetUnmarshaler() codec.Unmarshaler {
	return ws.unmarshaler
}

// Send performs one RPC. It generates a fresh correlation id, registers the
// pending request, writes the frame, and suspends the caller until the
// matching response arrives, the connection is torn down, or the timeout or
// ctx fires. A response carrying a server-side RPC error is returned with a
// nil call error; the caller decides how to surface it.
func (ws *Connection) Send(ctx context.Context, method string, params ...any) (*connection.RPCResponse[json.RawMessage], error) {
	if ws.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ws.Timeout)
		defer cancel()
	}

	ws.connLock.Lock()
	closeCh := ws.connCloseCh
	closeErr := ws.connCloseError
	conn := ws.Conn
	ws.connLock.Unlock()

	if conn == nil {
		if closeErr != nil {
			return nil, fmt.Errorf("%w: %v", constants.ErrClosed, closeErr)
		}
		return nil, constants.ErrNotConnected
	}

	select {
	case <-closeCh:
		return nil, fmt.Errorf("%w: %v", constants.ErrClosed, ws.closeError())
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	id := rand.NewRequestID(constants.RequestIDLength)
	request := &connection.RPCRequest{
		ID:     id,
		Method: method,
		Params: params,
	}

	responseChan, err := ws.CreateResponseChannel(id)
	if err != nil {
		return nil, err
	}
	defer ws.RemoveResponseChannel(id)

	if err := ws.write(request); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no response to %q within %v", constants.ErrTimeout, method, ws.Timeout)
		}
		return nil, ctx.Err()
	case res, open := <-responseChan:
		if !open {
			return nil, fmt.Errorf("%w: %v", constants.ErrClosed, ws.closeError())
		}
		return &res, nil
	}
}

func (ws *Connection) closeError() error {
	ws.connLock.Lock()
	defer ws.connLock.Unlock()

	if ws.connCloseError != nil {
		return ws.connCloseError
	}
	return constants.ErrClosed
}

func (ws *Connection) write(v any) error {
	data, err := ws.marshaler.Marshal(v)
	if err != nil {
		return err
	}

	ws.connLock.Lock()
	defer ws.connLock.Unlock()

	if ws.Conn == nil {
		return constants.ErrNotConnected
	}
	return ws.Conn.WriteMessage(gorilla.TextMessage, data)
}

// readLoop runs for the lifetime of one socket. Every frame is dispatched on
// its own goroutine; response channels are buffered so dispatch never blocks
// on a caller.
func (ws *Connection) readLoop(conn *gorilla.Conn, closeCh chan int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closeCh:
				// graceful close, teardown already ran
			default:
				ws.logger.Error("read loop: connection lost", "error", err)
				ws.fail(err)
			}
			return
		}
		go ws.handleFrame(data)
	}
}

// handleFrame is the core protocol decision: a frame with a top-level id is
// a response and is routed to the pending request with that id; a frame
// without one is a push notification routed by its result.id field.
// Unparseable frames are logged and dropped.
func (ws *Connection) handleFrame(data []byte) {
	if id, err := jsonparser.GetString(data, "id"); err == nil && id != "" {
		ws.handleResponse(id, data)
		return
	}
	ws.handleNotification(data)
}

func (ws *Connection) handleResponse(id string, data []byte) {
	var res connection.RPCResponse[json.RawMessage]
	if err := ws.unmarshaler.Unmarshal(data, &res); err != nil {
		ws.logger.Error("dropping unparseable response frame", "id", id, "error", err)
		return
	}

	ch, ok := ws.TakeResponseChannel(id)
	if !ok {
		ws.logger.Error("dropping response with no pending request", "id", id)
		return
	}

	ch <- res
	close(ch)
}

func (ws *Connection) handleNotification(data []byte) {
	payload, _, _, err := jsonparser.Get(data, "result")
	if err != nil {
		ws.logger.Error("dropping unparseable frame", "error", err)
		return
	}

	var notification connection.Notification
	if err := ws.unmarshaler.Unmarshal(payload, &notification); err != nil {
		ws.logger.Error("dropping unparseable notification", "error", err)
		return
	}

	if notification.ID == "" {
		ws.logger.Error("dropping notification without a subscription id")
		return
	}

	if !ws.PublishNotification(notification) {
		ws.logger.Warn("dropping event with no live subscription", "id", notification.ID)
	}
}

// LiveNotifications returns the event channel for a subscription id the
// server has acknowledged.
func (ws *Connection) LiveNotifications(id string) (chan connection.Notification, error) {
	ch, err := ws.CreateNotificationChannel(id)
	if err != nil {
		ws.logger.Error(err.Error())
	}
	return ch, err
}

// KillNotifications ends local delivery for a subscription.
func (ws *Connection) KillNotifications(id string) {
	ws.RemoveNotificationChannel(id)
}
