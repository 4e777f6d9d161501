// Package transport owns the client side of the duplex voice connection.
//
// A [Client] dials the server over WebSocket, performs the Init/Connected
// handshake, and then splits into a write loop (fed by the Send helpers) and
// a read loop that reassembles binary wire messages across WebSocket reads.
// Decoded messages and connection lifecycle changes are delivered on a single
// events channel, in arrival order.
//
// On an unexpected connection loss the client reconnects with exponential
// backoff and replays the Init handshake; [Client.Close] disables further
// reconnection attempts.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parlovoice/parlo/pkg/wire"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts = 5
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 10 * time.Second
)

// ErrClosed is returned by Send helpers after Close.
var ErrClosed = errors.New("transport: client is closed")

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventMessage carries one decoded wire message.
	EventMessage EventKind = iota
	// EventDisconnected reports an unexpected connection loss. Reconnection
	// starts immediately afterwards.
	EventDisconnected
	// EventReconnected reports a successful reconnect and handshake replay.
	EventReconnected
	// EventClosed is the final event: the client gave up reconnecting or was
	// closed. The events channel is closed right after it.
	EventClosed
)

// Event is one item on the client's inbound event stream.
type Event struct {
	Kind EventKind

	// Type and Payload are set for EventMessage.
	Type    wire.Type
	Payload []byte

	// Err is set for EventDisconnected and EventClosed.
	Err error
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBackoff sets the initial reconnect backoff. Doubles each attempt.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// WithMaxBackoff caps the reconnect backoff.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) { c.maxBackoff = d }
}

// WithMaxAttempts sets the reconnect attempt limit per disconnection.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// Client is a reconnecting duplex wire-protocol connection.
//
// All methods are safe for concurrent use.
type Client struct {
	url         string
	params      wire.InitPayload
	backoff     time.Duration
	maxBackoff  time.Duration
	maxAttempts int

	events   chan Event
	outbound chan []byte
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	conn      *websocket.Conn
	connected wire.ConnectedPayload
}

// Dial opens the connection, sends Init and waits for the server's Connected
// acknowledgment. The returned client is live: its read and write loops are
// running and events are being delivered on Events().
func Dial(ctx context.Context, url string, params wire.InitPayload, opts ...Option) (*Client, error) {
	c := &Client{
		url:         url,
		params:      params,
		backoff:     defaultBackoff,
		maxBackoff:  defaultMaxBackoff,
		maxAttempts: defaultMaxAttempts,
		events:      make(chan Event, 64),
		outbound:    make(chan []byte, 256),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	conn, ack, rest, err := c.handshake(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = ack
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(conn, rest)

	return c, nil
}

// Connected returns the server's Connected payload from the most recent
// successful handshake.
func (c *Client) Connected() wire.ConnectedPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Events returns the inbound event stream. The channel is closed after an
// EventClosed is delivered.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close shuts the connection down and disables reconnection. Safe to call
// multiple times.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "client closing")
		}
	})
	c.wg.Wait()
	return nil
}

// ── send helpers ─────────────────────────────────────────────────────────────

// SendAudioFrame transmits one raw PCM frame.
func (c *Client) SendAudioFrame(pcm []byte) error {
	return c.send(wire.Encode(wire.TypeAudioFrame, pcm))
}

// SendSpeechStart signals an utterance beginning.
func (c *Client) SendSpeechStart() error {
	return c.send(wire.Encode(wire.TypeSpeechStart, nil))
}

// SendSpeechEnd signals an utterance boundary.
func (c *Client) SendSpeechEnd() error {
	return c.send(wire.Encode(wire.TypeSpeechEnd, nil))
}

// SendBargeIn signals that the user interrupted playback.
func (c *Client) SendBargeIn() error {
	return c.send(wire.Encode(wire.TypeBargeIn, nil))
}

// SendConfigUpdate transmits mid-session configuration changes.
func (c *Client) SendConfigUpdate(p wire.ConfigUpdatePayload) error {
	data, err := wire.EncodeJSON(wire.TypeConfigUpdate, p)
	if err != nil {
		return fmt.Errorf("transport: encode config update: %w", err)
	}
	return c.send(data)
}

// SendImageUpload transmits an image data URL for the next turn.
func (c *Client) SendImageUpload(p wire.ImageUploadPayload) error {
	data, err := wire.EncodeJSON(wire.TypeImageUpload, p)
	if err != nil {
		return fmt.Errorf("transport: encode image upload: %w", err)
	}
	return c.send(data)
}

// SendNotesRequest asks the server for conversation notes.
func (c *Client) SendNotesRequest() error {
	return c.send(wire.Encode(wire.TypeNotesRequest, nil))
}

func (c *Client) send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outbound <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// ── connection lifecycle ─────────────────────────────────────────────────────

// handshake dials, sends Init and waits for Connected. Any other control
// message ahead of Connected fails the handshake. The returned rest holds
// bytes received after the Connected message; they belong to the serve loop.
func (c *Client) handshake(ctx context.Context) (*websocket.Conn, wire.ConnectedPayload, []byte, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, wire.ConnectedPayload{}, nil, fmt.Errorf("transport: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(wire.MaxPayload)

	fail := func(status websocket.StatusCode, reason string, err error) (*websocket.Conn, wire.ConnectedPayload, []byte, error) {
		conn.Close(status, reason)
		return nil, wire.ConnectedPayload{}, nil, err
	}

	init, err := wire.EncodeJSON(wire.TypeInit, c.params)
	if err != nil {
		return fail(websocket.StatusInternalError, "encode init", fmt.Errorf("transport: encode init: %w", err))
	}
	if err := conn.Write(ctx, websocket.MessageBinary, init); err != nil {
		return fail(websocket.StatusInternalError, "send init", fmt.Errorf("transport: send init: %w", err))
	}

	var buf []byte
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fail(websocket.StatusInternalError, "await connected", fmt.Errorf("transport: await connected: %w", err))
		}
		buf = append(buf, data...)

		t, payload, n, err := wire.Decode(buf)
		if errors.Is(err, wire.ErrShortBuffer) {
			continue
		}
		if err != nil {
			return fail(websocket.StatusProtocolError, "bad handshake frame", fmt.Errorf("transport: handshake decode: %w", err))
		}
		if t != wire.TypeConnected {
			return fail(websocket.StatusProtocolError, "expected connected", fmt.Errorf("transport: expected connected, got %s", t))
		}

		var ack wire.ConnectedPayload
		if err := wire.DecodeJSON(t, payload, &ack); err != nil {
			return fail(websocket.StatusProtocolError, "bad connected payload", fmt.Errorf("transport: decode connected: %w", err))
		}
		return conn, ack, buf[n:], nil
	}
}

// run serves the current connection and reconnects on unexpected loss until
// Close is called or the attempt budget is exhausted.
func (c *Client) run(conn *websocket.Conn, rest []byte) {
	defer c.wg.Done()
	defer close(c.events)

	for {
		err := c.serve(conn, rest)

		select {
		case <-c.done:
			c.emit(Event{Kind: EventClosed})
			return
		default:
		}

		c.emit(Event{Kind: EventDisconnected, Err: err})

		next, nrest, rerr := c.redial()
		if rerr != nil {
			c.emit(Event{Kind: EventClosed, Err: rerr})
			return
		}
		conn, rest = next, nrest
		c.emit(Event{Kind: EventReconnected})
	}
}

// serve pumps the outbound queue and decodes inbound bytes until the
// connection fails or the client closes.
func (c *Client) serve(conn *websocket.Conn, rest []byte) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		buf := c.dispatch(rest)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			buf = c.dispatch(append(buf, data...))
		}
	}()

	for {
		select {
		case <-c.done:
			return nil
		case err := <-readErr:
			return err
		case frame := <-c.outbound:
			if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return fmt.Errorf("transport: write: %w", err)
			}
		}
	}
}

// dispatch decodes as many complete messages as buf holds and returns the
// unconsumed remainder. A framing error discards the buffer; the stream can
// only be resynchronised at a message boundary.
func (c *Client) dispatch(buf []byte) []byte {
	for {
		t, payload, n, err := wire.Decode(buf)
		if errors.Is(err, wire.ErrShortBuffer) {
			return buf
		}
		if err != nil {
			slog.Warn("transport: dropping malformed inbound data",
				"error", err, "buffered", len(buf))
			return nil
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		c.emit(Event{Kind: EventMessage, Type: t, Payload: cp})
		buf = buf[n:]
	}
}

// redial reattempts the handshake with exponential backoff.
func (c *Client) redial() (*websocket.Conn, []byte, error) {
	backoff := c.backoff

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		select {
		case <-c.done:
			return nil, nil, ErrClosed
		default:
		}

		slog.Info("transport: attempting reconnection",
			"url", c.url,
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"backoff", backoff,
		)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		conn, ack, rest, err := c.handshake(ctx)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.connected = ack
			c.mu.Unlock()

			slog.Info("transport: reconnection successful",
				"url", c.url, "attempt", attempt, "session_id", ack.SessionID)
			return conn, rest, nil
		}

		slog.Warn("transport: reconnection attempt failed",
			"url", c.url, "attempt", attempt, "error", err)

		select {
		case <-c.done:
			return nil, nil, ErrClosed
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}

	return nil, nil, fmt.Errorf("transport: reconnection failed after %d attempts", c.maxAttempts)
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
		// Receiver stopped draining during shutdown; drop the event.
	}
}
