package guard

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxdb/fluxdb.go/pkg/constants"
)

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestGuardStaysClosedOnSuccess(t *testing.T) {
	g := New(3, time.Minute, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, g.Do(succeed))
	}
	assert.Equal(t, StateClosed, g.State())
}

func TestGuardOpensAtThreshold(t *testing.T) {
	g := New(3, time.Minute, nil)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, g.Do(fail), errBoom)
	}
	assert.Equal(t, StateOpen, g.State())

	err := g.Do(succeed)
	assert.ErrorIs(t, err, constants.ErrGuardOpen)
}

func TestGuardSuccessResetsFailureCount(t *testing.T) {
	g := New(3, time.Minute, nil)

	require.Error(t, g.Do(fail))
	require.Error(t, g.Do(fail))
	require.NoError(t, g.Do(succeed))
	require.Error(t, g.Do(fail))
	require.Error(t, g.Do(fail))

	assert.Equal(t, StateClosed, g.State())
}

func TestGuardProbeAfterRecoveryWindow(t *testing.T) {
	g := New(1, 20*time.Millisecond, nil)

	require.Error(t, g.Do(fail))
	require.Equal(t, StateOpen, g.State())
	require.ErrorIs(t, g.Do(succeed), constants.ErrGuardOpen)

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, g.Do(succeed))
	assert.Equal(t, StateClosed, g.State())
}

func TestGuardFailedProbeReopens(t *testing.T) {
	g := New(1, 20*time.Millisecond, nil)

	require.Error(t, g.Do(fail))
	time.Sleep(30 * time.Millisecond)

	assert.ErrorIs(t, g.Do(fail), errBoom)
	assert.Equal(t, StateOpen, g.State())

	// The failed probe restarts the recovery window.
	assert.ErrorIs(t, g.Do(succeed), constants.ErrGuardOpen)
}

func TestGuardAdmitsSingleProbe(t *testing.T) {
	g := New(1, 10*time.Millisecond, nil)

	require.Error(t, g.Do(fail))
	time.Sleep(20 * time.Millisecond)

	probeStarted := make(chan struct{})
	probeFinish := make(chan struct{})
	go func() {
		_ = g.Do(func() error {
			close(probeStarted)
			<-probeFinish
			return nil
		})
	}()

	<-probeStarted
	// A second call while the probe is in flight is rejected.
	assert.ErrorIs(t, g.Do(succeed), constants.ErrGuardOpen)
	close(probeFinish)

	assert.Eventually(t, func() bool { return g.State() == StateClosed },
		time.Second, 5*time.Millisecond)
}

func TestGuardDefaults(t *testing.T) {
	g := New(0, 0, nil)
	assert.Equal(t, DefaultThreshold, g.threshold)
	assert.Equal(t, DefaultRecovery, g.recovery)
}
