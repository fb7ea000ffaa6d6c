package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"keyguard/internal/errs"
	"keyguard/internal/security"
)

// Handler serves operator requests.
type Handler interface {
	// HandleRequest runs one verb and returns its envelope.
	HandleRequest(ctx context.Context, client *Client, req *Request) *Response
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, req *Request) *Response

func (f HandlerFunc) HandleRequest(ctx context.Context, client *Client, req *Request) *Response {
	return f(ctx, client, req)
}

// Server is the IPC server that manages client connections
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *slog.Logger
	conns   *security.ConnectionLimiter

	mu          sync.RWMutex
	listener    net.Listener
	clients     map[string]*Client
	subscribers map[string]*subscription
	startedAt   time.Time

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32

	eventChan chan *Event
}

// Client represents a connected client
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Peer         *PeerCredentials
	Version      string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time
	handshaken   bool
	limiter      *security.RateLimiter

	// Write serialization
	writeMu sync.Mutex
}

// subscription tracks event subscriptions
type subscription struct {
	clientID string
	events   map[EventType]bool
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	// RequestsPerSecond and Burst bound each client's request rate.
	RequestsPerSecond float64
	Burst             int
	// RequireSameUser rejects peers running as another user where peer
	// credentials are available.
	RequireSameUser bool
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:        socketPath,
		Version:           "dev",
		IdleTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxConnections:    32,
		RequestsPerSecond: 20,
		Burst:             40,
		RequireSameUser:   true,
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption { return func(s *Server) { s.logger = l } }

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler, opts ...ServerOption) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("socket path required: %w", errs.ErrInvalidArgument)
	}
	def := DefaultServerConfig(cfg.SocketPath)
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond, cfg.Burst = def.RequestsPerSecond, def.Burst
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RequestsPerSecond))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		handler:     handler,
		conns:       security.NewConnectionLimiter(cfg.MaxConnections),
		clients:     make(map[string]*Client),
		subscribers: make(map[string]*subscription),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *Event, 100),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "ipc")
	}
	return s, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	if err := security.EnsurePrivateDir(filepath.Dir(s.cfg.SocketPath)); err != nil {
		return fmt.Errorf("create socket directory: %w", errs.IO(err))
	}
	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("socket %s in use: %w", s.cfg.SocketPath, errs.ErrAlreadyRunning)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", errs.IO(err))
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", errs.IO(err))
	}

	// Owner only
	if err := SetSocketPermissions(s.cfg.SocketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", errs.IO(err))
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.logger.Info("ipc server listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	close(s.eventChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("ipc server stop timed out")
	}

	os.Remove(s.cfg.SocketPath)
	s.logger.Info("ipc server stopped")
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast sends an event to all subscribed clients. Events are dropped
// when the queue is full or the server is stopped.
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}
	defer func() { _ = recover() }() // eventChan closed by a concurrent Stop
	select {
	case s.eventChan <- event:
	default:
		s.logger.Debug("event dropped", "type", event.Type)
	}
}

// acceptLoop accepts new connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if !s.conns.Acquire() {
			s.logger.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		var peer *PeerCredentials
		if cred, err := GetPeerCredentials(conn); err == nil {
			peer = cred
		}
		if s.cfg.RequireSameUser && peer != nil && peer.UID != os.Getuid() {
			s.logger.Warn("rejected connection from another user", "uid", peer.UID)
			conn.Close()
			s.conns.Release()
			continue
		}

		now := time.Now()
		client := &Client{
			ID:           uuid.NewString(),
			conn:         conn,
			Peer:         peer,
			ConnectedAt:  now,
			LastActivity: now,
			limiter:      security.NewRateLimiter(s.cfg.RequestsPerSecond, s.cfg.Burst),
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// handleConnection handles a single client connection
func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		client.conn.Close()
		s.conns.Release()
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		client.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msg, err := ReadMessage(client.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.mu.RLock()
				_, subscribed := s.subscribers[client.ID]
				s.mu.RUnlock()
				if subscribed {
					continue
				}
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("client disconnected", "client_id", client.ID, "error", err)
			}
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

// processMessage processes a single message
func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	id := msg.Header.RequestID
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, id, nil), nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)
	}

	client.mu.Lock()
	handshaken := client.handshaken
	client.mu.Unlock()
	if !handshaken {
		return NewErrorMessage(id, ErrPermissionDenied, "handshake required"), nil
	}

	switch msg.Header.Type {
	case MsgSubscribe:
		return s.handleSubscribe(client, msg)

	case MsgUnsubscribe:
		s.mu.Lock()
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		return NewMessage(MsgSubscribeResp, id, nil), nil

	case MsgRequest:
		return s.handleRequest(client, msg)
	}
	return NewErrorMessage(id, ErrInvalidRequest, fmt.Sprintf("unexpected message type 0x%04x", uint16(msg.Header.Type))), nil
}

func (s *Server) handleRequest(client *Client, msg *Message) (*Message, error) {
	id := msg.Header.RequestID
	if !client.limiter.Allow() {
		return NewResponse(MsgResponse, id, &Response{
			Error:  "rate limit exceeded",
			Kind:   "RateLimited",
			Status: StatusError,
		})
	}

	var req Request
	if err := Decode(msg.Payload, &req); err != nil || req.Verb == "" {
		return NewResponse(MsgResponse, id, &Response{
			Error:  "malformed request",
			Kind:   errs.KindOf(errs.ErrInvalidArgument),
			Status: StatusError,
		})
	}
	if s.handler == nil {
		return NewErrorMessage(id, ErrInvalidRequest, "no handler"), nil
	}
	resp := s.handler.HandleRequest(s.ctx, client, &req)
	if resp == nil {
		resp = &Response{Success: true, Status: StatusOK}
	}
	return NewResponse(MsgResponse, id, resp)
}

// handleHandshake processes handshake request
func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("protocol version %d not supported", req.ProtocolVersion)), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.handshaken = true
	client.mu.Unlock()
	s.logger.Debug("client connected", "client_id", client.ID, "name", req.ClientName, "version", req.ClientVersion)

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		SessionID:       client.ID,
	})
}

// handleSubscribe processes event subscription
func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
		}
	}

	sub := &subscription{clientID: client.ID, events: make(map[EventType]bool)}
	if len(req.Events) == 0 {
		req.Events = []EventType{EventAlert, EventPhaseChanged, EventDaemonShutdown}
	}
	for _, et := range req.Events {
		sub.events[et] = true
	}
	s.mu.Lock()
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: client.ID,
	})
}

// eventBroadcaster broadcasts events to subscribers
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for event := range s.eventChan {
		payload, err := Encode(event)
		if err != nil {
			s.logger.Warn("encode event", "type", event.Type, "error", err)
			continue
		}
		s.mu.RLock()
		for clientID, sub := range s.subscribers {
			if !sub.events[event.Type] {
				continue
			}
			if client, ok := s.clients[clientID]; ok {
				msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
				go s.sendMessage(client, msg)
			}
		}
		s.mu.RUnlock()
	}
}

// sendMessage sends a message to a client
func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}
