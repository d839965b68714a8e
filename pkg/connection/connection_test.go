package connection

import (
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxdb/fluxdb.go/pkg/constants"
)

func TestCreateResponseChannelDuplicateID(t *testing.T) {
	tk := NewToolkit("ws://localhost")

	_, err := tk.CreateResponseChannel("abc")
	require.NoError(t, err)

	_, err = tk.CreateResponseChannel("abc")
	assert.ErrorIs(t, err, constants.ErrIDInUse)
}

func TestTakeResponseChannelSingleWinner(t *testing.T) {
	tk := NewToolkit("ws://localhost")

	_, err := tk.CreateResponseChannel("abc")
	require.NoError(t, err)

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := tk.TakeResponseChannel("abc"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestFailPendingRequestsClosesChannels(t *testing.T) {
	tk := NewToolkit("ws://localhost")

	ch1, err := tk.CreateResponseChannel("one")
	require.NoError(t, err)
	ch2, err := tk.CreateResponseChannel("two")
	require.NoError(t, err)

	tk.FailPendingRequests()

	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)

	_, ok := tk.TakeResponseChannel("one")
	assert.False(t, ok)
}

func TestPublishNotification(t *testing.T) {
	tk := NewToolkit("ws://localhost")

	ch, err := tk.CreateNotificationChannel("sub-1")
	require.NoError(t, err)

	raw := json.RawMessage(`{"name":"tobie"}`)
	ok := tk.PublishNotification(Notification{ID: "sub-1", Action: ActionCreate, Result: raw})
	require.True(t, ok)

	got := <-ch
	assert.Equal(t, ActionCreate, got.Action)
	assert.JSONEq(t, string(raw), string(got.Result))

	assert.False(t, tk.PublishNotification(Notification{ID: "unknown"}))
}

func TestPublishNotificationFullBufferDrops(t *testing.T) {
	tk := NewToolkit("ws://localhost")

	_, err := tk.CreateNotificationChannel("sub-1")
	require.NoError(t, err)

	for i := 0; i < constants.NotificationBufferSize; i++ {
		require.True(t, tk.PublishNotification(Notification{ID: "sub-1"}))
	}

	assert.False(t, tk.PublishNotification(Notification{ID: "sub-1"}))
}

func TestRemoveNotificationChannelClosesStream(t *testing.T) {
	tk := NewToolkit("ws://localhost")

	ch, err := tk.CreateNotificationChannel("sub-1")
	require.NoError(t, err)

	tk.RemoveNotificationChannel("sub-1")

	_, open := <-ch
	assert.False(t, open)
	assert.False(t, tk.PublishNotification(Notification{ID: "sub-1"}))

	// A second remove of the same id is a no-op.
	tk.RemoveNotificationChannel("sub-1")
}

func TestPublishNeverRacesWithRemove(t *testing.T) {
	tk := NewToolkit("ws://localhost")

	for i := 0; i < 100; i++ {
		_, err := tk.CreateNotificationChannel("sub")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tk.PublishNotification(Notification{ID: "sub"})
		}()
		go func() {
			defer wg.Done()
			tk.RemoveNotificationChannel("sub")
		}()
		wg.Wait()
	}
}
