// Package fakedb provides an in-process fake server for testing. It speaks
// the driver's JSON RPC protocol over websocket and supports stub responses,
// failure injection, a statement log, and push-notification emission for
// live-query tests.
package fakedb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lxzan/gws"

	"github.com/fluxdb/fluxdb.go/pkg/connection"
)

// FailureType selects how a request is sabotaged before or instead of its
// normal handling.
type FailureType string

const (
	// FailureNone is no failure injection.
	FailureNone FailureType = "none"
	// FailureRequestDelay delays before processing the request.
	FailureRequestDelay FailureType = "request_delay"
	// FailureInvalidResponse sends garbage bytes instead of a valid frame.
	FailureInvalidResponse FailureType = "invalid_response"
	// FailureDropConnection closes the underlying network connection.
	FailureDropConnection FailureType = "drop_connection"
)

// FailureConfig defines how and when to inject one failure type.
type FailureConfig struct {
	Type  FailureType
	Delay time.Duration
	// Remaining limits how many requests the failure applies to; negative
	// means unlimited.
	Remaining int
}

// RequestMatcher selects incoming requests by method name and, optionally,
// by parameters.
type RequestMatcher struct {
	Method  string
	Matcher func(params []any) bool
}

// StubResponse is a pre-configured response for matching requests. Result
// and Error are mutually exclusive; Delay postpones the response.
type StubResponse struct {
	Matcher RequestMatcher
	Result  any
	Error   *connection.RPCError
	Delay   time.Duration
}

// MatchMethod matches by method name only.
func MatchMethod(method string) RequestMatcher {
	return RequestMatcher{Method: method}
}

// SimpleStubResponse stubs a successful result for a method.
func SimpleStubResponse(method string, result any) StubResponse {
	return StubResponse{Matcher: MatchMethod(method), Result: result}
}

// ErrorStubResponse stubs an RPC error for a method.
func ErrorStubResponse(method string, code int, message string) StubResponse {
	return StubResponse{
		Matcher: MatchMethod(method),
		Error:   &connection.RPCError{Code: code, Message: message},
	}
}

// QueryStubResponse stubs the per-statement result sets of a query matching
// a SQL substring.
func QueryStubResponse(sqlContains string, resultSets any) StubResponse {
	return StubResponse{
		Matcher: RequestMatcher{
			Method: "query",
			Matcher: func(params []any) bool {
				if len(params) == 0 {
					return false
				}
				sql, _ := params[0].(string)
				return strings.Contains(sql, sqlContains)
			},
		},
		Result: resultSets,
	}
}

// session is the per-socket signin/use state.
type session struct {
	username  string
	namespace string
	database  string
	vars      map[string]any
}

// Server is the fake database server.
type Server struct {
	addr     string
	listener net.Listener
	server   *gws.Server

	mu             sync.RWMutex
	stubs          []StubResponse
	globalFailures []FailureConfig
	sessions       map[*gws.Conn]*session
	subscriptions  map[string]*gws.Conn
	queryLog       []string

	signingKey []byte
}

type handler struct {
	server *Server
}

// NewServer creates a fake server. Use "127.0.0.1:0" to bind a random port.
func NewServer(addr string) *Server {
	s := &Server{
		addr:          addr,
		sessions:      make(map[*gws.Conn]*session),
		subscriptions: make(map[string]*gws.Conn),
		signingKey:    []byte("fakedb-test-key"),
	}

	h := &handler{server: s}
	// Parallel handling lets delayed stubs reorder responses, which is what
	// correlation tests need.
	s.server = gws.NewServer(h, &gws.ServerOption{ParallelEnabled: true})
	s.server.OnError = func(_ net.Conn, err error) {
		if !errors.Is(err, net.ErrClosed) && !isClosedNetworkError(err) {
			log.Printf("fakedb: server error: %v", err)
		}
	}

	return s
}

func (s *Server) AddStubResponse(stub StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs = append(s.stubs, stub)
}

// SetGlobalFailures applies failure configurations to all requests, checked
// before any handling.
func (s *Server) SetGlobalFailures(failures []FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalFailures = failures
}

// QueryLog returns the SQL text of every query handled so far, in order.
func (s *Server) QueryLog() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.queryLog))
	copy(out, s.queryLog)
	return out
}

// CountStatements reports how many logged query statements contain sub.
func (s *Server) CountStatements(sub string) int {
	n := 0
	for _, sql := range s.QueryLog() {
		if strings.Contains(sql, sub) {
			n++
		}
	}
	return n
}

// parkOnCloseListener guards against gws.Server.RunListener, which retries
// Accept on every error — including the one from a closed listener — in a
// hot loop. Parking Accept after close keeps stopped servers from spinning.
type parkOnCloseListener struct {
	net.Listener
}

func (l parkOnCloseListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil && (errors.Is(err, net.ErrClosed) || isClosedNetworkError(err)) {
		select {}
	}
	return conn, err
}

// Start begins accepting websocket connections.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.server.RunListener(parkOnCloseListener{listener}); err != nil {
			if !errors.Is(err, net.ErrClosed) && !isClosedNetworkError(err) {
				log.Printf("fakedb: server error: %v", err)
			}
		}
	}()

	return nil
}

func (s *Server) Stop() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// DropAllConnections severs every open websocket without a close handshake,
// simulating an abrupt server-side failure.
func (s *Server) DropAllConnections() {
	s.mu.Lock()
	sockets := make([]*gws.Conn, 0, len(s.sessions))
	for socket := range s.sessions {
		sockets = append(sockets, socket)
	}
	s.mu.Unlock()

	for _, socket := range sockets {
		_ = socket.NetConn().Close()
	}
}

// Address returns the bound address, useful with a random port.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the websocket base URL clients should dial.
func (s *Server) URL() string {
	return fmt.Sprintf("ws://%s", s.Address())
}

// PushNotification emits a live-query event to the connection owning the
// subscription. The frame has no top-level id, per the protocol.
func (s *Server) PushNotification(subscriptionID string, action connection.Action, record any) error {
	s.mu.RLock()
	socket, ok := s.subscriptions[subscriptionID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no subscription %q", subscriptionID)
	}

	recordData, err := json.Marshal(record)
	if err != nil {
		return err
	}

	frame := map[string]any{
		"result": connection.Notification{
			ID:     subscriptionID,
			Action: action,
			Result: recordData,
		},
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	return socket.WriteMessage(gws.OpcodeText, data)
}

func (h *handler) OnOpen(socket *gws.Conn) {
	h.server.mu.Lock()
	h.server.sessions[socket] = &session{vars: make(map[string]any)}
	h.server.mu.Unlock()
}

func (h *handler) OnClose(socket *gws.Conn, _ error) {
	h.server.mu.Lock()
	delete(h.server.sessions, socket)
	for id, owner := range h.server.subscriptions {
		if owner == socket {
			delete(h.server.subscriptions, id)
		}
	}
	h.server.mu.Unlock()
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		log.Printf("fakedb: error writing pong: %v", err)
	}
}

func (h *handler) OnPong(_ *gws.Conn, _ []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	if !h.applyGlobalFailures(socket) {
		return
	}

	var req connection.RPCRequest
	if err := json.Unmarshal(message.Bytes(), &req); err != nil {
		h.sendError(socket, nil, -32700, "Parse error")
		return
	}

	if req.Method == "query" && len(req.Params) > 0 {
		if sql, ok := req.Params[0].(string); ok {
			h.server.mu.Lock()
			h.server.queryLog = append(h.server.queryLog, sql)
			h.server.mu.Unlock()
		}
	}

	switch req.Method {
	case "signin":
		h.handleSignin(socket, &req)
		return
	case "use":
		h.handleUse(socket, &req)
		return
	case "let":
		h.handleLet(socket, &req)
		return
	case "unset":
		h.handleUnset(socket, &req)
		return
	}

	h.server.mu.RLock()
	sess := h.server.sessions[socket]
	h.server.mu.RUnlock()

	if sess == nil || sess.username == "" {
		h.sendError(socket, req.ID, -32000, "There was a problem with authentication: Not signed in")
		return
	}
	if sess.namespace == "" || sess.database == "" {
		h.sendError(socket, req.ID, -32000, "Specify a namespace and database")
		return
	}

	if stub := h.matchStub(&req); stub != nil {
		if stub.Delay > 0 {
			time.Sleep(stub.Delay)
		}
		if stub.Error != nil {
			h.sendError(socket, req.ID, stub.Error.Code, stub.Error.Message)
		} else {
			h.sendResponse(socket, req.ID, stub.Result)
		}
		return
	}

	switch req.Method {
	case "live":
		h.handleLive(socket, &req)
	case "kill":
		h.handleKill(socket, &req)
	case "query":
		// Default: one OK statement with no rows.
		h.sendResponse(socket, req.ID, []map[string]any{
			{"status": "OK", "time": "1.5µs", "result": []any{}},
		})
	default:
		h.sendResponse(socket, req.ID, map[string]any{
			"default": "response",
			"method":  req.Method,
		})
	}
}

// applyGlobalFailures runs failure injection; it reports whether normal
// handling should continue.
func (h *handler) applyGlobalFailures(socket *gws.Conn) bool {
	h.server.mu.Lock()
	defer h.server.mu.Unlock()

	for i := range h.server.globalFailures {
		f := &h.server.globalFailures[i]
		if f.Remaining == 0 {
			continue
		}
		if f.Remaining > 0 {
			f.Remaining--
		}

		switch f.Type {
		case FailureRequestDelay:
			time.Sleep(f.Delay)
		case FailureInvalidResponse:
			if err := socket.WriteMessage(gws.OpcodeText, []byte("{not json")); err != nil {
				log.Printf("fakedb: error writing invalid response: %v", err)
			}
			return false
		case FailureDropConnection:
			_ = socket.NetConn().Close()
			return false
		case FailureNone:
		}
	}

	return true
}

func (h *handler) matchStub(req *connection.RPCRequest) *StubResponse {
	h.server.mu.RLock()
	defer h.server.mu.RUnlock()

	for i := range h.server.stubs {
		stub := &h.server.stubs[i]
		if stub.Matcher.Method != req.Method {
			continue
		}
		if stub.Matcher.Matcher == nil || stub.Matcher.Matcher(req.Params) {
			return stub
		}
	}
	return nil
}

func (h *handler) handleSignin(socket *gws.Conn, req *connection.RPCRequest) {
	if len(req.Params) == 0 {
		h.sendError(socket, req.ID, -32000, "signin expects credentials")
		return
	}

	creds, err := json.Marshal(req.Params[0])
	if err != nil {
		h.sendError(socket, req.ID, -32000, "invalid credentials")
		return
	}

	var auth connection.Auth
	if err := json.Unmarshal(creds, &auth); err != nil || auth.Username == "" {
		h.sendError(socket, req.ID, -32000, "There was a problem with authentication")
		return
	}

	token, err := h.mintToken(auth.Username)
	if err != nil {
		h.sendError(socket, req.ID, -32603, fmt.Sprintf("token: %v", err))
		return
	}

	h.server.mu.Lock()
	if sess := h.server.sessions[socket]; sess != nil {
		sess.username = auth.Username
	}
	h.server.mu.Unlock()

	h.sendResponse(socket, req.ID, token)
}

func (h *handler) mintToken(username string) (string, error) {
	claims := jwt.MapClaims{
		"sub": username,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.server.signingKey)
}

func (h *handler) handleUse(socket *gws.Conn, req *connection.RPCRequest) {
	if len(req.Params) < 2 {
		h.sendError(socket, req.ID, -32000, "use expects namespace and database")
		return
	}

	ns, _ := req.Params[0].(string)
	db, _ := req.Params[1].(string)
	if ns == "" || db == "" {
		h.sendError(socket, req.ID, -32000, "Specify a namespace and database")
		return
	}

	h.server.mu.Lock()
	if sess := h.server.sessions[socket]; sess != nil {
		sess.namespace = ns
		sess.database = db
	}
	h.server.mu.Unlock()

	h.sendResponse(socket, req.ID, nil)
}

func (h *handler) handleLet(socket *gws.Conn, req *connection.RPCRequest) {
	if len(req.Params) < 2 {
		h.sendError(socket, req.ID, -32000, "let expects key and value")
		return
	}

	key, _ := req.Params[0].(string)

	h.server.mu.Lock()
	if sess := h.server.sessions[socket]; sess != nil {
		sess.vars[key] = req.Params[1]
	}
	h.server.mu.Unlock()

	h.sendResponse(socket, req.ID, nil)
}

func (h *handler) handleUnset(socket *gws.Conn, req *connection.RPCRequest) {
	if len(req.Params) < 1 {
		h.sendError(socket, req.ID, -32000, "unset expects key")
		return
	}

	key, _ := req.Params[0].(string)

	h.server.mu.Lock()
	if sess := h.server.sessions[socket]; sess != nil {
		delete(sess.vars, key)
	}
	h.server.mu.Unlock()

	h.sendResponse(socket, req.ID, nil)
}

func (h *handler) handleLive(socket *gws.Conn, req *connection.RPCRequest) {
	id, err := uuid.NewV4()
	if err != nil {
		h.sendError(socket, req.ID, -32603, fmt.Sprintf("uuid: %v", err))
		return
	}

	h.server.mu.Lock()
	h.server.subscriptions[id.String()] = socket
	h.server.mu.Unlock()

	h.sendResponse(socket, req.ID, id.String())
}

func (h *handler) handleKill(socket *gws.Conn, req *connection.RPCRequest) {
	if len(req.Params) < 1 {
		h.sendError(socket, req.ID, -32000, "kill expects a subscription id")
		return
	}

	id, _ := req.Params[0].(string)

	h.server.mu.Lock()
	delete(h.server.subscriptions, id)
	h.server.mu.Unlock()

	h.sendResponse(socket, req.ID, nil)
}

func (h *handler) sendResponse(socket *gws.Conn, id, result any) {
	resp := connection.RPCResponse[any]{ID: id, Result: &result}

	data, err := json.Marshal(resp)
	if err != nil {
		h.sendError(socket, id, -32603, fmt.Sprintf("marshal response: %v", err))
		return
	}

	if err := socket.WriteMessage(gws.OpcodeText, data); err != nil {
		log.Printf("fakedb: error writing response: %v", err)
	}
}

func (h *handler) sendError(socket *gws.Conn, id any, code int, message string) {
	resp := connection.RPCResponse[any]{
		ID:    id,
		Error: &connection.RPCError{Code: code, Message: message},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("fakedb: failed to marshal error response: %v", err)
		return
	}

	if err := socket.WriteMessage(gws.OpcodeText, data); err != nil {
		log.Printf("fakedb: error writing error response: %v", err)
	}
}

func isClosedNetworkError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
