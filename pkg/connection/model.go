package connection

import (
	json "github.com/goccy/go-json"
)

// RPCError represents a JSON-RPC error returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func (r *RPCError) Error() string {
	return r.Message
}

func (r *RPCError) Is(target error) bool {
	if target == nil {
		return r == nil
	}

	_, ok := target.(*RPCError)
	return ok
}

// RPCRequest represents an outgoing JSON-RPC request.
type RPCRequest struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
}

// RPCResponse represents an incoming JSON-RPC response, correlated to a
// request by ID.
type RPCResponse[T any] struct {
	ID     any       `json:"id"`
	Error  *RPCError `json:"error,omitempty"`
	Result *T        `json:"result,omitempty"`
}

// Action is the kind of change a live-query notification reports.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionClose  Action = "CLOSE"
)

// Notification is a push frame's payload: an unsolicited server-to-client
// event carrying the live subscription id it belongs to.
type Notification struct {
	ID     string          `json:"id"`
	Action Action          `json:"action"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Auth holds the credentials sent with the signin handshake step.
type Auth struct {
	Namespace string `json:"NS,omitempty"`
	Database  string `json:"DB,omitempty"`
	Scope     string `json:"SC,omitempty"`
	Username  string `json:"user,omitempty"`
	Password  string `json:"pass,omitempty"`
}
