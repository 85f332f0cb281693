package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/tidewire/bridge/go/pipeline"
	"github.com/tidewire/bridge/go/signalr"
	"github.com/tidewire/bridge/go/transport"
)

// joinAttempts bounds group-join retries within the Joining state, before
// the client surrenders the whole connection to Backoff.
const joinAttempts = 5

// joinInvokeTimeout bounds one join invocation, so a hub which accepts the
// invocation but never completes it surrenders the attempt instead of
// wedging the Joining state.
const joinInvokeTimeout = 10 * time.Second

// SignalRConfig parameterizes the hub dialect of the ingest client.
type SignalRConfig struct {
	// URL of the hub endpoint.
	URL string
	// Group to join on connect.
	Group string
	// Username and Password are passed through verbatim.
	Username string
	Password string
	// JoinMethod is the hub method invoked to join Group. Default "JoinGroup".
	JoinMethod string
	// Event is the hub target carrying inbound frames. Default "ingress".
	Event string
	// SkipNegotiate dials the websocket directly.
	SkipNegotiate bool
}

type hubDialer struct {
	cfg         SignalRConfig
	counters    *pipeline.Counters
	joinTimeout time.Duration
	// dial is swapped by tests for an in-process hub.
	dialHub func(ctx context.Context, opts signalr.Options) (hubConn, error)
}

// hubConn is the slice of signalr.Conn the ingest dialect uses.
type hubConn interface {
	On(target string, fn func(args []json.RawMessage))
	Invoke(ctx context.Context, target string, args ...interface{}) error
	Closed() <-chan error
	Close() error
}

func newHubDialer(cfg SignalRConfig, counters *pipeline.Counters) *hubDialer {
	if cfg.JoinMethod == "" {
		cfg.JoinMethod = "JoinGroup"
	}
	if cfg.Event == "" {
		cfg.Event = "ingress"
	}
	return &hubDialer{
		cfg:         cfg,
		counters:    counters,
		joinTimeout: joinInvokeTimeout,
		dialHub: func(ctx context.Context, opts signalr.Options) (hubConn, error) {
			return signalr.Dial(ctx, opts)
		},
	}
}

func (d *hubDialer) source() string  { return "signalr" }
func (d *hubDialer) address() string { return d.cfg.Group }

func (d *hubDialer) dial(ctx context.Context) (session, error) {
	var conn, err = d.dialHub(ctx, signalr.Options{
		URL:           d.cfg.URL,
		Username:      d.cfg.Username,
		Password:      d.cfg.Password,
		SkipNegotiate: d.cfg.SkipNegotiate,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing hub %s: %w", d.cfg.URL, err)
	}

	var s = &hubSession{
		dialer:  d,
		conn:    conn,
		frameCh: make(chan map[string]interface{}, eventQueueDepth),
		done:    make(chan struct{}),
	}
	// The handler runs on the hub connection's dispatch goroutine. It only
	// normalizes and enqueues; the enqueue blocks when the pipeline is
	// behind, preserving frame order, and releases when the session is
	// torn down so an abandoned session cannot pin the dispatch goroutine.
	conn.On(d.cfg.Event, func(args []json.RawMessage) {
		var raw, err = normalizeFrame(args)
		if err != nil {
			d.counters.IngestDecodeFailures.Add(1)
			log.WithFields(log.Fields{
				"event": d.cfg.Event,
				"err":   err,
			}).Debug("dropping undecodable frame")
			return
		}
		select {
		case s.frameCh <- raw:
		case <-s.done:
		}
	})
	return s, nil
}

type hubSession struct {
	dialer  *hubDialer
	conn    hubConn
	frameCh chan map[string]interface{}
	done    chan struct{}
	once    sync.Once
}

// join invokes the configured join method with the group name, retrying
// within the Joining state before giving up.
func (s *hubSession) join(ctx context.Context) error {
	var bo = backoff.WithContext(
		backoff.WithMaxRetries(transport.NewJoinBackOff(), joinAttempts-1), ctx)

	var attempt int
	var err = backoff.RetryNotify(
		func() error {
			var attemptCtx, cancel = context.WithTimeout(ctx, s.dialer.joinTimeout)
			defer cancel()
			return s.conn.Invoke(attemptCtx, s.dialer.cfg.JoinMethod, s.dialer.cfg.Group)
		},
		bo,
		func(err error, delay time.Duration) {
			attempt++
			log.WithFields(log.Fields{
				"group":   s.dialer.cfg.Group,
				"attempt": attempt,
				"delay":   delay,
				"err":     err,
			}).Warn("group join failed; retrying")
		})
	if err != nil {
		return fmt.Errorf("joining group %s: %w", s.dialer.cfg.Group, err)
	}
	return nil
}

func (s *hubSession) frames() <-chan map[string]interface{} { return s.frameCh }
func (s *hubSession) closed() <-chan error                  { return s.conn.Closed() }

func (s *hubSession) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// normalizeFrame decodes the frame carried by one hub invocation. Servers
// deliver it in three shapes, all accepted: a JSON-encoded string, an array
// whose first element is such a string, or an already-decoded object.
func normalizeFrame(args []json.RawMessage) (map[string]interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("invocation carries no arguments")
	}
	return normalizeArg(args[0], true)
}

func normalizeArg(arg json.RawMessage, allowList bool) (map[string]interface{}, error) {
	var value interface{}
	if err := json.Unmarshal(arg, &value); err != nil {
		return nil, fmt.Errorf("decoding frame argument: %w", err)
	}

	switch v := value.(type) {
	case map[string]interface{}:
		return v, nil
	case string:
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(v), &raw); err != nil {
			return nil, fmt.Errorf("decoding frame string: %w", err)
		}
		return raw, nil
	case []interface{}:
		if !allowList {
			return nil, fmt.Errorf("frame list is nested")
		}
		if len(v) == 0 {
			return nil, fmt.Errorf("frame list is empty")
		}
		var first, err = json.Marshal(v[0])
		if err != nil {
			return nil, err
		}
		return normalizeArg(first, false)
	default:
		return nil, fmt.Errorf("frame has unsupported shape %T", value)
	}
}
