package fakedb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxdb/fluxdb.go/pkg/connection"
)

func TestQueryStubResponseMatchesSubstring(t *testing.T) {
	stub := QueryStubResponse("FROM user", []any{})

	assert.True(t, stub.Matcher.Matcher([]any{"SELECT * FROM user WHERE age > 18", nil}))
	assert.False(t, stub.Matcher.Matcher([]any{"SELECT * FROM order", nil}))
	assert.False(t, stub.Matcher.Matcher(nil))
}

func TestMatchStubHonorsMethodAndOrder(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	s.AddStubResponse(SimpleStubResponse("info", "first"))
	s.AddStubResponse(SimpleStubResponse("info", "second"))
	s.AddStubResponse(ErrorStubResponse("select", -32000, "nope"))

	h := &handler{server: s}

	stub := h.matchStub(&connection.RPCRequest{Method: "info"})
	require.NotNil(t, stub)
	assert.Equal(t, "first", stub.Result)

	stub = h.matchStub(&connection.RPCRequest{Method: "select"})
	require.NotNil(t, stub)
	require.NotNil(t, stub.Error)
	assert.Equal(t, "nope", stub.Error.Message)

	assert.Nil(t, h.matchStub(&connection.RPCRequest{Method: "query", Params: []any{"RETURN 1"}}))
}

func TestCountStatements(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	s.queryLog = []string{
		"BEGIN TRANSACTION",
		"CREATE user SET name = 'tobie'",
		"COMMIT TRANSACTION",
	}

	assert.Equal(t, 1, s.CountStatements("BEGIN TRANSACTION"))
	assert.Equal(t, 1, s.CountStatements("COMMIT TRANSACTION"))
	assert.Equal(t, 0, s.CountStatements("CANCEL TRANSACTION"))
	assert.Equal(t, 3, len(s.QueryLog()))
}
