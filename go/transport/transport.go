// Package transport holds the small pieces shared by the ingest and egress
// clients: the connection state machine vocabulary, the reconnection backoff
// schedules, and helpers for waiting on MQTT operation tokens and
// interruptible sleeps.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// State enumerates the connection lifecycle of a transport client.
// Transitions are: Disconnected → Connecting → Joining → Ready, with any
// failure entering Backoff before the next Connecting attempt, and Closing
// as the terminal state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Joining
	Ready
	Backoff
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Joining:
		return "joining"
	case Ready:
		return "ready"
	case Backoff:
		return "backoff"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// NewBackOff returns the reconnection schedule used by both clients:
// one second, doubling on each failure, capped at thirty seconds.
// The schedule is jitter-free so that successive delays are monotonically
// non-decreasing, and it never gives up. Callers must Reset it on every
// successful entry to Ready.
func NewBackOff() *backoff.ExponentialBackOff {
	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// NewJoinBackOff returns the schedule for retrying a group join within the
// Joining state: 200ms doubling to a 2s cap. Combine with
// backoff.WithMaxRetries to bound the attempt count.
func NewJoinBackOff() *backoff.ExponentialBackOff {
	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 2 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Sleep waits for d or until ctx is cancelled, and returns false if it was
// interrupted.
func Sleep(ctx context.Context, d time.Duration) bool {
	var timer = time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitToken blocks until an MQTT operation token resolves or ctx is done.
func WaitToken(ctx context.Context, token interface {
	Done() <-chan struct{}
	Error() error
}) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MQTTSettings are the common broker connection parameters of the MQTT-class
// dialect, shared by the ingest and egress clients and the auxiliary tools.
type MQTTSettings struct {
	Host             string
	Port             int
	Username         string
	Password         string
	KeepaliveSeconds int
	SSL              bool
	ClientID         string
}

// BrokerURL renders the paho broker address for these settings.
func (s MQTTSettings) BrokerURL() string {
	var scheme = "tcp"
	if s.SSL {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Host, s.Port)
}

// MQTTOptions builds paho client options for these settings. Automatic
// reconnection is disabled: the owning client runs its own state machine
// and must observe every connection loss.
func (s MQTTSettings) MQTTOptions() *paho.ClientOptions {
	var opts = paho.NewClientOptions().
		AddBroker(s.BrokerURL()).
		SetClientID(s.ClientID).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true)

	if s.Username != "" {
		opts.SetUsername(s.Username)
		opts.SetPassword(s.Password)
	}
	if s.KeepaliveSeconds > 0 {
		opts.SetKeepAlive(time.Duration(s.KeepaliveSeconds) * time.Second)
	}
	if s.SSL {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}
