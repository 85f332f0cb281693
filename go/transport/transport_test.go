package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackOffScheduleDoublesToCap(t *testing.T) {
	var bo = NewBackOff()

	var expect = []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	var prev time.Duration
	for _, want := range expect {
		var next = bo.NextBackOff()
		require.Equal(t, want, next)
		require.GreaterOrEqual(t, next, prev)
		prev = next
	}

	// Reset returns the schedule to its initial delay, as a client does on
	// every successful entry to Ready.
	bo.Reset()
	require.Equal(t, time.Second, bo.NextBackOff())
}

func TestJoinBackOffSchedule(t *testing.T) {
	var bo = NewJoinBackOff()

	require.Equal(t, 200*time.Millisecond, bo.NextBackOff())
	require.Equal(t, 400*time.Millisecond, bo.NextBackOff())
	require.Equal(t, 800*time.Millisecond, bo.NextBackOff())
	require.Equal(t, 1600*time.Millisecond, bo.NextBackOff())
	require.Equal(t, 2*time.Second, bo.NextBackOff())
}

func TestSleepInterruptedByContext(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	require.False(t, Sleep(ctx, time.Hour))

	require.True(t, Sleep(context.Background(), time.Millisecond))
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "disconnected", Disconnected.String())
	require.Equal(t, "connecting", Connecting.String())
	require.Equal(t, "joining", Joining.String())
	require.Equal(t, "ready", Ready.String())
	require.Equal(t, "backoff", Backoff.String())
	require.Equal(t, "closing", Closing.String())
}

func TestBrokerURL(t *testing.T) {
	require.Equal(t, "tcp://broker.local:1883",
		MQTTSettings{Host: "broker.local", Port: 1883}.BrokerURL())
	require.Equal(t, "ssl://broker.local:8883",
		MQTTSettings{Host: "broker.local", Port: 8883, SSL: true}.BrokerURL())
}

type fakeToken struct {
	done chan struct{}
	err  error
}

func (t fakeToken) Done() <-chan struct{} { return t.done }
func (t fakeToken) Error() error          { return t.err }

func TestWaitToken(t *testing.T) {
	var tok = fakeToken{done: make(chan struct{})}
	close(tok.done)
	require.NoError(t, WaitToken(context.Background(), tok))

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	var blocked = fakeToken{done: make(chan struct{})}
	require.ErrorIs(t, WaitToken(ctx, blocked), context.Canceled)
}
