// Package signalr is a minimal client of the JSON hub protocol spoken by
// SignalR-class servers: negotiate, websocket transport, record-separated
// JSON framing, target invocations with completions, and server pings. It
// implements exactly the surface the bridge's hub dialects need; streaming
// invocations and the MessagePack protocol are not supported.
package signalr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// recordSeparator terminates every hub protocol message.
const recordSeparator = 0x1E

// Hub protocol message types.
const (
	msgInvocation = 1
	msgCompletion = 3
	msgPing       = 6
	msgClose      = 7
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// Options configure a hub connection.
type Options struct {
	// URL of the hub endpoint, in http(s) or ws(s) form.
	URL string
	// Username and Password are passed through verbatim as basic auth on the
	// negotiate request and websocket handshake, when set.
	Username string
	Password string
	// SkipNegotiate dials the websocket directly, without the negotiate
	// exchange. Required for servers that don't implement negotiation.
	SkipNegotiate bool
	// HandshakeTimeout bounds negotiate plus the protocol handshake.
	// Defaults to ten seconds.
	HandshakeTimeout time.Duration
}

// hubMessage is the wire shape of every hub protocol message this client
// sends or receives.
type hubMessage struct {
	Type         int               `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Conn is one hub connection. Handlers registered with On run on the
// connection's single dispatch goroutine; they must hand work off rather
// than block, since a blocked handler stalls completions and pings.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex // serializes websocket writes

	mu       sync.Mutex
	handlers map[string]func(args []json.RawMessage)
	pending  map[string]chan error
	nextID   int64
	closed   bool

	closedCh  chan error
	closeOnce sync.Once
}

// Dial negotiates and connects to the hub, completing the protocol
// handshake before returning.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	var timeout = opts.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wsURL, err = connectURL(ctx, opts)
	if err != nil {
		return nil, err
	}

	var header = http.Header{}
	if opts.Username != "" {
		header.Set("Authorization", basicAuth(opts.Username, opts.Password))
	}
	var dialer = websocket.Dialer{HandshakeTimeout: timeout}
	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %s)", wsURL, err, resp.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	var conn = &Conn{
		ws:       ws,
		handlers: make(map[string]func(args []json.RawMessage)),
		pending:  make(map[string]chan error),
		closedCh: make(chan error, 1),
	}
	if err = conn.handshake(ctx); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("hub handshake: %w", err)
	}
	go conn.readLoop()
	return conn, nil
}

// connectURL resolves the websocket URL to dial: the negotiated URL bearing
// the connection token, or the ws(s) form of Options.URL when negotiation
// is skipped.
func connectURL(ctx context.Context, opts Options) (string, error) {
	var u, err = url.Parse(opts.URL)
	if err != nil {
		return "", fmt.Errorf("parsing hub URL: %w", err)
	}

	if !opts.SkipNegotiate {
		var token string
		if token, err = negotiate(ctx, *u, opts); err != nil {
			return "", err
		}
		var q = u.Query()
		q.Set("id", token)
		u.RawQuery = q.Encode()
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("hub URL has unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// negotiate performs the version-1 negotiate exchange and returns the
// connection token to present on the websocket URL.
func negotiate(ctx context.Context, u url.URL, opts Options) (string, error) {
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = u.Path + "/negotiate"
	u.RawQuery = "negotiateVersion=1"

	var req, err = http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("building negotiate request: %w", err)
	}
	if opts.Username != "" {
		req.Header.Set("Authorization", basicAuth(opts.Username, opts.Password))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("negotiating with hub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("negotiating with hub: status %s", resp.Status)
	}
	var body struct {
		ConnectionID    string `json:"connectionId"`
		ConnectionToken string `json:"connectionToken"`
	}
	if err = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding negotiate response: %w", err)
	}

	// Negotiate version 1 servers return a distinct connectionToken;
	// version 0 servers return only the connectionId.
	if body.ConnectionToken != "" {
		return body.ConnectionToken, nil
	}
	if body.ConnectionID != "" {
		return body.ConnectionID, nil
	}
	return "", fmt.Errorf("negotiate response has no connection token")
}

// handshake sends the protocol selection record and awaits the server's
// (possibly empty) response.
func (c *Conn) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
		defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()
	}
	if err := c.writeRecord([]byte(`{"protocol":"json","version":1}`)); err != nil {
		return err
	}

	var record, err = c.nextRecord(nil)
	if err != nil {
		return err
	}
	var response struct {
		Error string `json:"error"`
	}
	if err = json.Unmarshal(record, &response); err != nil {
		return fmt.Errorf("decoding handshake response: %w", err)
	}
	if response.Error != "" {
		return fmt.Errorf("server rejected handshake: %s", response.Error)
	}
	return nil
}

// On registers fn for invocations of the named target, replacing any prior
// registration. fn runs on the dispatch goroutine.
func (c *Conn) On(target string, fn func(args []json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[target] = fn
}

// Invoke sends a non-blocking invocation of the target and waits for its
// completion or ctx. A completion bearing an error fails the invocation.
func (c *Conn) Invoke(ctx context.Context, target string, args ...interface{}) error {
	var arguments = make([]json.RawMessage, len(args))
	for i, arg := range args {
		var raw, err = json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("encoding argument %d of %s: %w", i, target, err)
		}
		arguments[i] = raw
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection is closed")
	}
	c.nextID++
	var id = strconv.FormatInt(c.nextID, 10)
	var done = make(chan error, 1)
	c.pending[id] = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	var record, err = json.Marshal(hubMessage{
		Type:         msgInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    arguments,
	})
	if err != nil {
		return fmt.Errorf("encoding invocation of %s: %w", target, err)
	}
	if err = c.writeRecord(record); err != nil {
		return fmt.Errorf("sending invocation of %s: %w", target, err)
	}

	select {
	case err = <-done:
		if err != nil {
			return fmt.Errorf("invoking %s: %w", target, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Closed fires once when the connection terminates for any reason other
// than a local Close: a transport error, or a server close message.
func (c *Conn) Closed() <-chan error { return c.closedCh }

// Close tears the connection down. It is idempotent, and a Close-initiated
// teardown does not fire Closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	var wasClosed = c.closed
	c.closed = true
	c.mu.Unlock()

	if wasClosed {
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// readLoop is the dispatch goroutine: it reads records, answers pings,
// resolves completions, and runs invocation handlers until the transport
// fails or the server closes.
func (c *Conn) readLoop() {
	var buffered [][]byte
	for {
		var record, err = c.nextRecord(&buffered)
		if err != nil {
			c.terminate(err)
			return
		}

		var msg hubMessage
		if err = json.Unmarshal(record, &msg); err != nil {
			log.WithField("err", err).Warn("discarding malformed hub message")
			continue
		}

		switch msg.Type {
		case msgInvocation:
			c.mu.Lock()
			var fn = c.handlers[msg.Target]
			c.mu.Unlock()
			if fn != nil {
				fn(msg.Arguments)
			}
		case msgCompletion:
			c.mu.Lock()
			var done = c.pending[msg.InvocationID]
			c.mu.Unlock()
			if done != nil {
				if msg.Error != "" {
					done <- fmt.Errorf("%s", msg.Error)
				} else {
					done <- nil
				}
			}
		case msgPing:
			if err = c.writeRecord([]byte(`{"type":6}`)); err != nil {
				c.terminate(err)
				return
			}
		case msgClose:
			if msg.Error != "" {
				c.terminate(fmt.Errorf("server closed connection: %s", msg.Error))
			} else {
				c.terminate(fmt.Errorf("server closed connection"))
			}
			return
		default:
			// Stream items and other unhandled types are ignored.
		}
	}
}

// terminate fails pending invocations and fires Closed, unless the
// teardown was locally initiated.
func (c *Conn) terminate(err error) {
	c.mu.Lock()
	var wasClosed = c.closed
	c.closed = true
	var pending = c.pending
	c.pending = make(map[string]chan error)
	c.mu.Unlock()

	_ = c.ws.Close()
	for _, done := range pending {
		done <- fmt.Errorf("connection lost: %w", err)
	}
	if !wasClosed {
		c.closeOnce.Do(func() { c.closedCh <- err })
	}
}

// nextRecord returns the next record-separated message, reading further
// websocket messages as needed. One websocket message may carry several
// records; the remainder is retained in buffered.
func (c *Conn) nextRecord(buffered *[][]byte) ([]byte, error) {
	if buffered != nil && len(*buffered) > 0 {
		var record = (*buffered)[0]
		*buffered = (*buffered)[1:]
		return record, nil
	}
	for {
		var _, data, err = c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		var records [][]byte
		for _, part := range bytes.Split(data, []byte{recordSeparator}) {
			if len(part) > 0 {
				records = append(records, part)
			}
		}
		if len(records) == 0 {
			continue
		}
		if buffered != nil {
			*buffered = append(*buffered, records[1:]...)
		}
		return records[0], nil
	}
}

func (c *Conn) writeRecord(record []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, append(record, recordSeparator))
}

func basicAuth(username, password string) string {
	var req, _ = http.NewRequest(http.MethodGet, "http://localhost/", nil)
	req.SetBasicAuth(username, password)
	return req.Header.Get("Authorization")
}
