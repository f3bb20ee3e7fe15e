package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
)

const (
	sendQueueSize      = 64
	writeTimeout       = 5 * time.Second
	defaultPushTimeout = 5 * time.Second
	disconnectTimeout  = 10 * time.Second
)

// RPCHandler handles a single RPC method call on one connection.
type RPCHandler func(ctx context.Context, c *Conn, payload json.RawMessage) (json.RawMessage, error)

type rpcRoute struct {
	role    string
	handler RPCHandler
}

// Conn is one WebSocket connection: a UI subscriber, a worker process, or both.
type Conn struct {
	id        uint64
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	channels  map[string]struct{}
	runtimeID string
	handle    string
}

// Info returns the authenticated client.
func (c *Conn) Info() *ClientInfo { return c.info }

// Subscribe adds channelID to the channels whose presence frames this
// connection receives.
func (c *Conn) Subscribe(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channelID] = struct{}{}
}

// Unsubscribe removes channelID from the connection's subscriptions.
func (c *Conn) Unsubscribe(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channelID)
}

func (c *Conn) subscribed(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channelID]
	return ok
}

// Runtime returns the worker runtime announced on this connection, if any.
func (c *Conn) Runtime() (runtimeID, handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtimeID, c.handle
}

func (c *Conn) enqueue(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- f:
		return true
	default:
		return false
	}
}

func (c *Conn) close() { c.closeOnce.Do(func() { close(c.done) }) }

// Options configures a Server.
type Options struct {
	Addr string
	// PushTimeout bounds how long a worker has to acknowledge a delivery.
	PushTimeout    time.Duration
	OriginPatterns []string
}

// Server is the WebSocket gateway. It serves RPCs, forwards presence frames
// to channel subscribers and pushes deliveries to connected workers.
type Server struct {
	bus          domain.EventBus
	auth         Authenticator
	opts         Options
	clients      sync.Map // connID (uint64) -> *Conn
	workers      sync.Map // connection handle -> *Conn
	pending      sync.Map // outbound request ID -> pendingAck
	handlersMu   sync.RWMutex
	handlers     map[string]rpcRoute
	onDisconnect func(ctx context.Context, c *Conn)
	httpRoutes   []httpRoute
	middleware   []func(http.Handler) http.Handler
	background   sync.WaitGroup
	logger       *slog.Logger

	httpSrv   *http.Server
	boundAddr string
	ready     chan struct{}
	nextConn  atomic.Uint64
	nextFrame atomic.Uint64
	unsub     func()
	stopOnce  sync.Once
	stopErr   error
}

type httpRoute struct {
	pattern string
	handler http.Handler
}

var _ domain.WorkerPusher = (*Server)(nil)

// NewServer creates a gateway server.
func NewServer(bus domain.EventBus, auth Authenticator, opts Options, log *slog.Logger) *Server {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = defaultPushTimeout
	}
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}
	}
	return &Server{
		bus:      bus,
		auth:     auth,
		opts:     opts,
		handlers: make(map[string]rpcRoute),
		logger:   logger.OrDiscard(log),
		ready:    make(chan struct{}),
	}
}

// RegisterHandler adds an RPC handler callable by clients holding role.
// An empty role allows every authenticated client.
func (s *Server) RegisterHandler(method, role string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = rpcRoute{role: role, handler: handler}
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.Handler) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Use wraps every HTTP route (not the WebSocket endpoint) with mw.
// Must be called before Start.
func (s *Server) Use(mw func(http.Handler) http.Handler) {
	s.middleware = append(s.middleware, mw)
}

// OnDisconnect registers a hook run after a connection closes.
func (s *Server) OnDisconnect(fn func(ctx context.Context, c *Conn)) {
	s.onDisconnect = fn
}

// Go runs fn in the background; Stop waits for it.
func (s *Server) Go(fn func()) {
	s.background.Go(fn)
}

// Start begins accepting connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		var h http.Handler = route.handler
		for i := len(s.middleware) - 1; i >= 0; i-- {
			h = s.middleware[i](h)
		}
		mux.Handle(route.pattern, h)
	}

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.unsub = s.bus.Subscribe(domain.EventPresenceChanged, s.forwardPresence)
	close(s.ready)
	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the address the server bound to. Valid after Ready.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Stop closes every connection, waits for background work and shuts the
// HTTP server down. Calls after the first return the first result.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.stop(ctx) })
	return s.stopErr
}

func (s *Server) stop(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	s.clients.Range(func(key, value any) bool {
		c := value.(*Conn)
		c.close()
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})
	s.background.Wait()

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// forwardPresence sends presence frames to connections subscribed to the
// event's channel.
func (s *Server) forwardPresence(_ context.Context, e domain.Event) {
	frame := Frame{Type: FrameTypeEvent, Method: EventPresence, Payload: e.Payload}
	s.clients.Range(func(_, value any) bool {
		c := value.(*Conn)
		if c.subscribed(e.ChannelID) && !c.enqueue(frame) {
			s.logger.Warn("gateway: dropped presence frame for slow client", "conn_id", c.id)
		}
		return true
	})
}

// pendingAck is an outstanding delivery; only conn may answer it.
type pendingAck struct {
	conn  *Conn
	reply chan Frame
}

// AttachWorker registers c as the connection of runtimeID and returns a
// fresh opaque handle for it.
func (s *Server) AttachWorker(c *Conn, runtimeID string) string {
	handle := uuid.NewString()
	c.mu.Lock()
	old := c.handle
	c.runtimeID, c.handle = runtimeID, handle
	c.mu.Unlock()
	if old != "" {
		s.workers.CompareAndDelete(old, c)
	}
	s.workers.Store(handle, c)
	return handle
}

// PushToWorker sends d to the worker behind handle and waits for its
// acknowledgement.
func (s *Server) PushToWorker(ctx context.Context, handle string, d domain.Delivery) error {
	v, ok := s.workers.Load(handle)
	if !ok {
		return domain.NewSubSystemError("gateway", "Server.PushToWorker", domain.ErrWorkerNotConnected, handle)
	}
	c := v.(*Conn)
	payload, err := json.Marshal(d)
	if err != nil {
		return domain.WrapOp("Server.PushToWorker", err)
	}

	id := s.nextFrame.Add(1)
	reply := make(chan Frame, 1)
	s.pending.Store(id, pendingAck{conn: c, reply: reply})
	defer s.pending.Delete(id)

	if !c.enqueue(Frame{Type: FrameTypeRequest, ID: id, Method: MethodDeliver, Payload: payload}) {
		return domain.NewSubSystemError("gateway", "Server.PushToWorker", domain.ErrWorkerNotConnected, "send queue unavailable")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.PushTimeout)
	defer cancel()
	select {
	case f := <-reply:
		if f.Error != "" {
			return domain.NewSubSystemError("gateway", "Server.PushToWorker", domain.ErrWorkerRejected, f.Error)
		}
		return nil
	case <-c.done:
		return domain.NewSubSystemError("gateway", "Server.PushToWorker", domain.ErrWorkerNotConnected, "connection closed")
	case <-ctx.Done():
		return domain.NewSubSystemError("gateway", "Server.PushToWorker", domain.ErrTimeout, "no acknowledgement from worker")
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		token = bearer
	}
	info, err := s.auth.Authenticate(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	c := &Conn{
		id:       s.nextConn.Add(1),
		info:     info,
		ws:       ws,
		sendCh:   make(chan Frame, sendQueueSize),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
	s.clients.Store(c.id, c)
	s.logger.Info("gateway client connected", "conn_id", c.id, "client", info.Name)

	go s.writeLoop(c)
	s.readLoop(r.Context(), c)

	c.close()
	s.clients.Delete(c.id)
	if _, handle := c.Runtime(); handle != "" {
		s.workers.CompareAndDelete(handle, c)
	}
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", c.id)

	if s.onDisconnect != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), disconnectTimeout)
		s.onDisconnect(ctx, c)
		cancel()
	}
}

func (s *Server) readLoop(ctx context.Context, c *Conn) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, c.ws, &frame); err != nil {
			return
		}
		switch frame.Type {
		case FrameTypeRequest:
			go s.dispatchRPC(ctx, c, frame)
		case FrameTypeResponse:
			v, ok := s.pending.Load(frame.ID)
			if !ok {
				continue
			}
			ack := v.(pendingAck)
			if ack.conn != c {
				s.logger.Warn("dropped acknowledgement from foreign connection",
					"conn_id", c.id, "frame_id", frame.ID)
				continue
			}
			select {
			case ack.reply <- frame:
			default:
			}
		}
	}
}

func (s *Server) writeLoop(c *Conn) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, c.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, c *Conn, req Frame) {
	s.handlersMu.RLock()
	route, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendResponse(c, req.ID, nil, domain.ErrRPCMethodNotFound)
		return
	}
	if !c.info.Allows(route.role) {
		s.sendResponse(c, req.ID, nil, domain.NewDomainError(req.Method, domain.ErrPermissionDenied, "requires role "+route.role))
		return
	}

	result, err := route.handler(ctx, c, req.Payload)
	if err != nil {
		s.logger.Debug("rpc failed", "method", req.Method, "conn_id", c.id, "error", err)
	}
	s.sendResponse(c, req.ID, result, err)
}

func (s *Server) sendResponse(c *Conn, id uint64, result json.RawMessage, err error) {
	resp := Frame{Type: FrameTypeResponse, ID: id, Payload: result}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	}
	if !c.enqueue(resp) {
		s.logger.Warn("gateway: dropped RPC response for slow client", "frame_id", id)
	}
}
