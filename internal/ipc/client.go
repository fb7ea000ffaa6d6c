package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RemoteError is a protocol-level failure reported by the daemon.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "keyguardctl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// IPCClient talks to keyguardd. Calls are serialized over one connection.
type IPCClient struct {
	cfg ClientConfig

	mu        sync.Mutex
	conn      net.Conn
	sessionID string
	version   string
	nextReqID atomic.Uint32
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &IPCClient{cfg: cfg}
}

// Connect dials the daemon and performs the handshake.
func (c *IPCClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w: %s", ErrDaemonNotRunning, c.cfg.SocketPath)
		}
		return fmt.Errorf("connect to daemon: %w", err)
	}

	c.conn = conn
	var ack HandshakeResponse
	err = c.roundTrip(ctx, MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.cfg.ClientVersion,
		ClientName:      c.cfg.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &ack)
	if err != nil {
		conn.Close()
		c.conn = nil
		return fmt.Errorf("handshake: %w", err)
	}
	c.sessionID = ack.SessionID
	c.version = ack.ServerVersion
	return nil
}

// Close closes the connection.
func (c *IPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// SessionID returns the ID the daemon assigned at handshake.
func (c *IPCClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ServerVersion returns the daemon's version.
func (c *IPCClient) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Ping checks that the daemon answers.
func (c *IPCClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.roundTrip(ctx, MsgPing, nil, MsgPong, nil)
}

// Call runs one verb. args may be nil. A non-nil error means the request
// never produced an envelope; verb failures come back in the Response.
func (c *IPCClient) Call(ctx context.Context, verb string, args any) (*Response, error) {
	req := &Request{Verb: verb}
	if args != nil {
		raw, err := Encode(args)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		req.Args = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	var resp Response
	if err := c.roundTrip(ctx, MsgRequest, req, MsgResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe registers for events and calls fn for each one until ctx is
// done or the connection drops. The connection carries no other traffic
// while subscribed.
func (c *IPCClient) Subscribe(ctx context.Context, events []EventType, fn func(*Event)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	var ack SubscribeResponse
	if err := c.roundTrip(ctx, MsgSubscribe, &SubscribeRequest{Events: events}, MsgSubscribeResp, &ack); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if msg.Header.Type != MsgEvent {
			continue
		}
		var ev Event
		if err := Decode(msg.Payload, &ev); err != nil {
			continue
		}
		fn(&ev)
	}
}

// roundTrip sends one message and reads until the matching reply. Events
// arriving in between are skipped. Callers hold c.mu.
func (c *IPCClient) roundTrip(ctx context.Context, typ MessageType, payload any, want MessageType, out any) error {
	var body []byte
	if payload != nil {
		raw, err := Encode(payload)
		if err != nil {
			return err
		}
		body = raw
	}
	id := c.nextReqID.Add(1)

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := NewMessage(typ, id, body).Write(c.conn); err != nil {
		return c.wrap(ctx, err)
	}
	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			return c.wrap(ctx, err)
		}
		if msg.Header.RequestID != id {
			continue
		}
		switch msg.Header.Type {
		case want:
			if out == nil || len(msg.Payload) == 0 {
				return nil
			}
			return Decode(msg.Payload, out)
		case MsgError:
			var er ErrorResponse
			if err := Decode(msg.Payload, &er); err != nil {
				return fmt.Errorf("decode error response: %w", err)
			}
			return &RemoteError{Code: er.Code, Message: er.Message}
		case MsgEvent:
			continue
		default:
			return fmt.Errorf("unexpected reply type 0x%04x", uint16(msg.Header.Type))
		}
	}
}

func (c *IPCClient) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("daemon connection: %w", err)
}
