package constants

import (
	"errors"
	"time"
)

// Errors
var (
	ErrIDInUse            = errors.New("id already in use")
	ErrTimeout            = errors.New("timeout")
	ErrClosed             = errors.New("connection closed")
	ErrNotConnected       = errors.New("connection is not established")
	ErrNoBaseURL          = errors.New("base url not set")
	ErrNoMarshaler        = errors.New("marshaler is not set")
	ErrNoUnmarshaler      = errors.New("unmarshaler is not set")
	ErrNoNamespaceOrDB    = errors.New("namespace or database or both are not set")
	ErrInvalidResponse    = errors.New("invalid server response")
	ErrQuery              = errors.New("error occurred processing the query")
	ErrNoRow              = errors.New("error no row")
	ErrPoolExhausted     = errors.New("no healthy connections available")
	ErrPoolClosed        = errors.New("pool is closed")
	ErrGuardOpen         = errors.New("call guard is open")
	ErrTransactionClosed = errors.New("transaction already committed or cancelled")
)

const (
	// RequestIDLength is the length of the generated per-request correlation id.
	RequestIDLength = 16

	// CloseMessageCode is the websocket close code sent on graceful disconnect.
	CloseMessageCode = 1000

	// DefaultWSTimeout bounds how long a single RPC waits for its response.
	DefaultWSTimeout = 30 * time.Second

	// DefaultConnectRetries is how many times a socket open plus handshake
	// is attempted before Connect gives up.
	DefaultConnectRetries = 3

	// DefaultConnectBackoff is the pause between connect attempts.
	DefaultConnectBackoff = 500 * time.Millisecond

	// DefaultPoolSize is the number of wire connections a pool maintains.
	DefaultPoolSize = 4

	// DefaultHealthCheckInterval is how often pooled connections are probed.
	DefaultHealthCheckInterval = 15 * time.Second

	// DefaultInitDelay is the pause between sequential pool member dials,
	// so that two handshakes never race on shared session setup.
	DefaultInitDelay = 100 * time.Millisecond

	// FailureThreshold is the consecutive-failure count at which a pooled
	// connection is flipped to unhealthy.
	FailureThreshold = 3

	// NotificationBufferSize is the capacity of a live subscription's
	// event channel.
	NotificationBufferSize = 100
)
