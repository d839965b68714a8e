package rand

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRequestIDLength(t *testing.T) {
	for _, n := range []int{1, 16, 64} {
		assert.Len(t, NewRequestID(n), n)
	}
}

func TestNewRequestIDCharset(t *testing.T) {
	id := NewRequestID(256)
	for _, c := range id {
		assert.Contains(t, charset, string(c))
	}
}

func TestNewRequestIDUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 10000; i++ {
		id := NewRequestID(16)
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
