package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tidewire/bridge/go/pipeline"
	"github.com/tidewire/bridge/go/transport"
)

// fakeSession is a scriptable dialect session.
type fakeSession struct {
	joinErr error
	frameCh chan map[string]interface{}
	lostCh  chan error
	closes  int
	mu      sync.Mutex
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		frameCh: make(chan map[string]interface{}, 16),
		lostCh:  make(chan error, 1),
	}
}

func (s *fakeSession) join(context.Context) error            { return s.joinErr }
func (s *fakeSession) frames() <-chan map[string]interface{} { return s.frameCh }
func (s *fakeSession) closed() <-chan error                  { return s.lostCh }

func (s *fakeSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
}

// fakeDialer scripts a sequence of dial outcomes: an error, or a session.
type fakeDialer struct {
	mu       sync.Mutex
	script   []interface{}
	dialedAt []time.Time
}

func (d *fakeDialer) source() string  { return "mqtt" }
func (d *fakeDialer) address() string { return "bridge/ingress" }

func (d *fakeDialer) dial(context.Context) (session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dialedAt = append(d.dialedAt, time.Now())
	if len(d.script) == 0 {
		return nil, fmt.Errorf("no more scripted sessions")
	}
	var next = d.script[0]
	d.script = d.script[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(session), nil
}

func TestClientDeliversFramesInOrder(t *testing.T) {
	var session = newFakeSession()
	var dialer = &fakeDialer{script: []interface{}{session}}
	var counters = new(pipeline.Counters)
	var client = newClient(dialer, 0, counters)

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	for i := 0; i < 3; i++ {
		session.frameCh <- map[string]interface{}{
			"payload": map[string]interface{}{"n": float64(i)},
		}
	}
	for i := 0; i < 3; i++ {
		var event = <-client.Events()
		var payload = event.Raw["payload"].(map[string]interface{})
		require.Equal(t, float64(i), payload["n"])
		require.Equal(t, "mqtt", event.Meta.Source)
		require.Equal(t, "bridge/ingress", event.Meta.Address)
		require.NotEmpty(t, event.TraceID)
		require.False(t, event.Meta.ReceivedAt.IsZero())
	}
	require.Equal(t, int64(3), counters.IngestFrames.Load())

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, transport.Closing, client.State())
}

func TestClientUsesHeaderUUIDAsTraceID(t *testing.T) {
	var id = uuid.NewString()
	var raw = map[string]interface{}{
		"header": map[string]interface{}{"UUID": id},
	}
	require.Equal(t, id, pipeline.TraceIDFromFrame(raw))

	// A malformed UUID yields a fresh one instead.
	raw["header"].(map[string]interface{})["UUID"] = "not-a-uuid"
	var got = pipeline.TraceIDFromFrame(raw)
	require.NotEqual(t, "not-a-uuid", got)
	require.NotEmpty(t, got)
}

func TestClientReconnectsWithMonotonicBackoff(t *testing.T) {
	// Four consecutive dial failures, then a live session.
	var session = newFakeSession()
	var dialer = &fakeDialer{script: []interface{}{
		fmt.Errorf("refused"),
		fmt.Errorf("refused"),
		fmt.Errorf("refused"),
		session,
	}}
	var client = newClient(dialer, 0, new(pipeline.Counters))

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var done = make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	// Wait until the client reaches Ready, then inspect dial spacing.
	require.Eventually(t, func() bool {
		return client.State() == transport.Ready
	}, 15*time.Second, 10*time.Millisecond)

	dialer.mu.Lock()
	var attempts = append([]time.Time(nil), dialer.dialedAt...)
	dialer.mu.Unlock()
	require.Len(t, attempts, 4)

	// Nominal gaps are 1s, 2s, 4s; assert monotonic non-decreasing spacing
	// with slack for scheduler jitter.
	var prior time.Duration
	for i := 1; i < len(attempts); i++ {
		var gap = attempts[i].Sub(attempts[i-1])
		require.GreaterOrEqual(t, gap, prior-100*time.Millisecond)
		require.GreaterOrEqual(t, gap, 900*time.Millisecond)
		prior = gap
	}

	cancel()
	require.NoError(t, <-done)
}

func TestClientBackoffResetsAfterReady(t *testing.T) {
	// Ready once, connection lost, then Ready again: the second dial must
	// come roughly one second after the loss, not at an escalated delay.
	var first = newFakeSession()
	var second = newFakeSession()
	var dialer = &fakeDialer{script: []interface{}{first, second}}
	var counters = new(pipeline.Counters)
	var client = newClient(dialer, 0, counters)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return client.State() == transport.Ready
	}, 5*time.Second, 10*time.Millisecond)

	var lostAt = time.Now()
	first.lostCh <- fmt.Errorf("peer went away")

	require.Eventually(t, func() bool {
		return counters.IngestReconnects.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)

	var gap = time.Since(lostAt)
	require.GreaterOrEqual(t, gap, 900*time.Millisecond)
	require.Less(t, gap, 3*time.Second)

	first.mu.Lock()
	require.Equal(t, 1, first.closes)
	first.mu.Unlock()
}

func TestClientJoinFailureEntersBackoff(t *testing.T) {
	var failing = newFakeSession()
	failing.joinErr = fmt.Errorf("subscribe rejected")
	var session = newFakeSession()
	var dialer = &fakeDialer{script: []interface{}{failing, session}}
	var client = newClient(dialer, 0, new(pipeline.Counters))

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return client.State() == transport.Ready
	}, 5*time.Second, 10*time.Millisecond)

	// The failed session was torn down despite never reaching Ready.
	failing.mu.Lock()
	require.Equal(t, 1, failing.closes)
	failing.mu.Unlock()
}

func TestClientIdleWatchdogForcesReconnect(t *testing.T) {
	// A peer that connects but never delivers a frame: the watchdog must
	// abandon the session within one idle interval.
	var silent = newFakeSession()
	var lively = newFakeSession()
	var dialer = &fakeDialer{script: []interface{}{silent, lively}}
	var counters = new(pipeline.Counters)
	var client = newClient(dialer, 100*time.Millisecond, counters)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return counters.IngestReconnects.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)

	silent.mu.Lock()
	require.Equal(t, 1, silent.closes)
	silent.mu.Unlock()
}

func TestClientStopDuringBackoff(t *testing.T) {
	var dialer = &fakeDialer{} // every dial fails
	var client = newClient(dialer, 0, new(pipeline.Counters))

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return client.State() == transport.Backoff
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop promptly from Backoff")
	}
	require.Equal(t, transport.Closing, client.State())
}

func TestNewClientRejectsUnknownSource(t *testing.T) {
	var _, err = NewClient(Config{Source: "amqp"}, new(pipeline.Counters))
	require.ErrorContains(t, err, `unknown ingest source "amqp"`)
}

func TestNormalizeFrame(t *testing.T) {
	var want = map[string]interface{}{
		"payload": map[string]interface{}{"VALUE": float64(1)},
	}

	// Shape 1: a JSON-encoded string.
	var encoded, _ = json.Marshal(`{"payload":{"VALUE":1}}`)
	got, err := normalizeFrame([]json.RawMessage{encoded})
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Shape 2: a list whose first element is such a string.
	var list, _ = json.Marshal([]string{`{"payload":{"VALUE":1}}`})
	got, err = normalizeFrame([]json.RawMessage{list})
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Shape 3: an already-decoded object.
	got, err = normalizeFrame([]json.RawMessage{json.RawMessage(`{"payload":{"VALUE":1}}`)})
	require.NoError(t, err)
	require.Equal(t, want, got)

	// A decoded object inside a list is accepted as well.
	got, err = normalizeFrame([]json.RawMessage{json.RawMessage(`[{"payload":{"VALUE":1}}]`)})
	require.NoError(t, err)
	require.Equal(t, want, got)

	for _, bad := range []json.RawMessage{
		nil,
		json.RawMessage(`42`),
		json.RawMessage(`"not json"`),
		json.RawMessage(`[]`),
		json.RawMessage(`[[]]`),
	} {
		if bad == nil {
			var _, err = normalizeFrame(nil)
			require.Error(t, err)
			continue
		}
		var _, err = normalizeFrame([]json.RawMessage{bad})
		require.Error(t, err)
	}
}
