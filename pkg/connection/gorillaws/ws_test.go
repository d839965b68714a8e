package gorillaws

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxdb/fluxdb.go/internal/codec"
	"github.com/fluxdb/fluxdb.go/internal/fakedb"
	"github.com/fluxdb/fluxdb.go/pkg/connection"
	"github.com/fluxdb/fluxdb.go/pkg/constants"
)

func newTestServer(t *testing.T) *fakedb.Server {
	t.Helper()

	srv := fakedb.NewServer("127.0.0.1:0")
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	return srv
}

func newTestConfig(url string) *connection.Config {
	return &connection.Config{
		BaseURL:        url,
		Auth:           connection.Auth{Username: "root", Password: "root"},
		Namespace:      "test",
		Database:       "test",
		Marshaler:      codec.JSON{},
		Unmarshaler:    codec.JSON{},
		ConnectRetries: 1,
		ConnectBackoff: 10 * time.Millisecond,
	}
}

func newTestConnection(t *testing.T, srv *fakedb.Server) *Connection {
	t.Helper()

	ws := New(newTestConfig(srv.URL()))
	require.NoError(t, ws.Connect(context.Background()))
	t.Cleanup(func() {
		if !ws.IsClosed() {
			_ = ws.Close(context.Background())
		}
	})

	return ws
}

func TestConnectAndQuery(t *testing.T) {
	srv := newTestServer(t)
	ws := newTestConnection(t, srv)

	assert.Equal(t, StateConnected, ws.State())

	res, err := ws.Send(context.Background(), "query", "RETURN 1", nil)
	require.NoError(t, err)
	require.Nil(t, res.Error)
	require.NotNil(t, res.Result)
	assert.Contains(t, string(*res.Result), `"OK"`)
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	ws := newTestConnection(t, srv)

	require.NoError(t, ws.Connect(context.Background()))
	assert.Equal(t, StateConnected, ws.State())
}

func TestConnectConcurrentCallersAllSucceed(t *testing.T) {
	srv := newTestServer(t)
	ws := New(newTestConfig(srv.URL()))
	t.Cleanup(func() { _ = ws.Close(context.Background()) })

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ws.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, StateConnected, ws.State())
}

func TestConnectConcurrentCallersShareFailure(t *testing.T) {
	// Nothing is listening here, so every waiter must observe the same
	// dial failure instead of an extra error or a hang.
	conf := newTestConfig("ws://127.0.0.1:1")
	ws := New(conf)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ws.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.Error(t, err, "caller %d", i)
	}
	assert.True(t, ws.IsClosed())
}

func TestConnectRetriesExhausted(t *testing.T) {
	conf := newTestConfig("ws://127.0.0.1:1")
	conf.ConnectRetries = 2
	ws := New(conf)

	err := ws.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 connection attempts failed")
	assert.True(t, ws.IsClosed())
}

func TestConnectHandshakeFailure(t *testing.T) {
	srv := newTestServer(t)

	conf := newTestConfig(srv.URL())
	conf.Auth = connection.Auth{}
	ws := New(conf)

	err := ws.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signin")
	assert.True(t, ws.IsClosed())
}

func TestConnectValidatesConfig(t *testing.T) {
	conf := newTestConfig("ws://127.0.0.1:1")
	conf.Namespace = ""
	ws := New(conf)

	err := ws.Connect(context.Background())
	assert.ErrorIs(t, err, constants.ErrNoNamespaceOrDB)
}

// Each concurrent caller must receive exactly the response carrying its own
// correlation id, even when the server answers out of request order.
func TestSendCorrelatesOutOfOrderResponses(t *testing.T) {
	srv := newTestServer(t)

	const requests = 5
	for i := 0; i < requests; i++ {
		stub := fakedb.QueryStubResponse(fmt.Sprintf("MARK %d", i), fmt.Sprintf("marker-%d", i))
		// Later requests answer sooner, reversing the response order.
		stub.Delay = time.Duration(requests-i) * 50 * time.Millisecond
		srv.AddStubResponse(stub)
	}

	ws := newTestConnection(t, srv)

	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			res, err := ws.Send(context.Background(), "query", fmt.Sprintf("MARK %d", i), nil)
			require.NoError(t, err)
			require.Nil(t, res.Error)
			require.NotNil(t, res.Result)
			assert.JSONEq(t, fmt.Sprintf("%q", fmt.Sprintf("marker-%d", i)), string(*res.Result))
		}(i)
	}
	wg.Wait()
}

func TestSendSurfacesRPCError(t *testing.T) {
	srv := newTestServer(t)
	srv.AddStubResponse(fakedb.ErrorStubResponse("info", -32000, "no session"))

	ws := newTestConnection(t, srv)

	res, err := ws.Send(context.Background(), "info")
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "no session", res.Error.Message)
}

func TestSendTimeout(t *testing.T) {
	srv := newTestServer(t)
	stub := fakedb.QueryStubResponse("SLOW", []any{})
	stub.Delay = 2 * time.Second
	srv.AddStubResponse(stub)

	conf := newTestConfig(srv.URL())
	conf.Timeout = 100 * time.Millisecond
	ws := New(conf)
	require.NoError(t, ws.Connect(context.Background()))
	t.Cleanup(func() { _ = ws.Close(context.Background()) })

	_, err := ws.Send(context.Background(), "query", "SLOW", nil)
	assert.ErrorIs(t, err, constants.ErrTimeout)
}

func TestSendNotConnected(t *testing.T) {
	ws := New(newTestConfig("ws://127.0.0.1:1"))

	_, err := ws.Send(context.Background(), "ping")
	assert.ErrorIs(t, err, constants.ErrNotConnected)
}

// A dropped socket must resolve every suspended caller with an explicit
// connection-closed error rather than leaving it waiting for the timeout.
func TestTeardownFailsPendingRequests(t *testing.T) {
	srv := newTestServer(t)
	stub := fakedb.QueryStubResponse("SLOW", []any{})
	stub.Delay = 5 * time.Second
	srv.AddStubResponse(stub)

	ws := newTestConnection(t, srv)

	errCh := make(chan error, 1)
	go func() {
		_, err := ws.Send(context.Background(), "query", "SLOW", nil)
		errCh <- err
	}()

	// Let the request frame reach the server before severing the socket.
	time.Sleep(200 * time.Millisecond)
	srv.DropAllConnections()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, constants.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not failed by teardown")
	}

	assert.Eventually(t, ws.IsClosed, time.Second, 10*time.Millisecond)
}

func TestSendAfterClose(t *testing.T) {
	srv := newTestServer(t)
	ws := newTestConnection(t, srv)

	require.NoError(t, ws.Close(context.Background()))

	_, err := ws.Send(context.Background(), "ping")
	assert.ErrorIs(t, err, constants.ErrClosed)
}

func TestCloseNotConnected(t *testing.T) {
	ws := New(newTestConfig("ws://127.0.0.1:1"))

	err := ws.Close(context.Background())
	assert.ErrorIs(t, err, constants.ErrNotConnected)
}

func TestReconnectAfterClose(t *testing.T) {
	srv := newTestServer(t)
	ws := newTestConnection(t, srv)

	require.NoError(t, ws.Close(context.Background()))
	require.True(t, ws.IsClosed())

	require.NoError(t, ws.Connect(context.Background()))
	res, err := ws.Send(context.Background(), "query", "RETURN 1", nil)
	require.NoError(t, err)
	assert.Nil(t, res.Error)
}

func TestLiveNotificationRouting(t *testing.T) {
	srv := newTestServer(t)
	ws := newTestConnection(t, srv)

	var subID string
	require.NoError(t, connection.Send[string](ws, context.Background(), &subID, "live", "user", false))
	require.NotEmpty(t, subID)

	ch, err := ws.LiveNotifications(subID)
	require.NoError(t, err)

	require.NoError(t, srv.PushNotification(subID, connection.ActionCreate, map[string]any{"name": "tobie"}))

	select {
	case n := <-ch:
		assert.Equal(t, subID, n.ID)
		assert.Equal(t, connection.ActionCreate, n.Action)
		assert.JSONEq(t, `{"name":"tobie"}`, string(n.Result))
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}

	ws.KillNotifications(subID)
	_, open := <-ch
	assert.False(t, open)
}
