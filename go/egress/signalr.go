package egress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidewire/bridge/go/signalr"
)

// SignalRConfig parameterizes the hub dialect of the egress client.
type SignalRConfig struct {
	// URL of the hub endpoint.
	URL string
	// Username and Password are passed through verbatim.
	Username string
	Password string
	// SendMethod is the hub method invoked per send. Default "SendMessage".
	SendMethod string
	// Target names the client-side callback devices listen on. Default
	// "ingress".
	Target string
	// SkipNegotiate dials the websocket directly.
	SkipNegotiate bool
	// Batch configures send coalescing.
	Batch BatchConfig
}

type hubDialer struct {
	cfg SignalRConfig
	// dialHub is swapped by tests for an in-process hub.
	dialHub func(ctx context.Context, opts signalr.Options) (hubConn, error)
}

// hubConn is the slice of signalr.Conn the egress dialect uses.
type hubConn interface {
	Invoke(ctx context.Context, target string, args ...interface{}) error
	Closed() <-chan error
	Close() error
}

func newHubDialer(cfg SignalRConfig) *hubDialer {
	if cfg.SendMethod == "" {
		cfg.SendMethod = "SendMessage"
	}
	if cfg.Target == "" {
		cfg.Target = "ingress"
	}
	return &hubDialer{
		cfg: cfg,
		dialHub: func(ctx context.Context, opts signalr.Options) (hubConn, error) {
			return signalr.Dial(ctx, opts)
		},
	}
}

func (d *hubDialer) target() string { return "signalr" }

func (d *hubDialer) dial(ctx context.Context) (conn, error) {
	var hub, err = d.dialHub(ctx, signalr.Options{
		URL:           d.cfg.URL,
		Username:      d.cfg.Username,
		Password:      d.cfg.Password,
		SkipNegotiate: d.cfg.SkipNegotiate,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing hub %s: %w", d.cfg.URL, err)
	}
	return &hubEgressConn{dialer: d, hub: hub}, nil
}

type hubEgressConn struct {
	dialer *hubDialer
	hub    hubConn
}

// send invokes SendMethod with the device's group, the configured target,
// and the payload as a JSON string.
func (c *hubEgressConn) send(ctx context.Context, device string, body []byte) error {
	var err = c.hub.Invoke(ctx, c.dialer.cfg.SendMethod, device, c.dialer.cfg.Target, string(body))
	if err != nil {
		return fmt.Errorf("sending to group %s: %w", device, err)
	}
	return nil
}

// sendBatch invokes SendMethod once with a JSON array of the payloads.
func (c *hubEgressConn) sendBatch(ctx context.Context, device string, bodies [][]byte) error {
	var array = make([]json.RawMessage, len(bodies))
	for i, body := range bodies {
		array[i] = body
	}
	var batch, err = json.Marshal(array)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}
	if err = c.hub.Invoke(ctx, c.dialer.cfg.SendMethod, device, c.dialer.cfg.Target, string(batch)); err != nil {
		return fmt.Errorf("sending batch of %d to group %s: %w", len(bodies), device, err)
	}
	return nil
}

func (c *hubEgressConn) closed() <-chan error { return c.hub.Closed() }

func (c *hubEgressConn) close() { _ = c.hub.Close() }
