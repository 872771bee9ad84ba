package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/origin"
)

const (
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
)

type WebSocketConfig struct {
	Router *Router

	// Origins gates the upgrade. Nil accepts every origin.
	Origins *origin.Checker

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	EnableCompression    bool
	TrustForwardedFor    bool

	Logger *slog.Logger
}

// WebSocketServer accepts mesh peers and feeds their frames to a Router.
//
// Every connection gets a read limit, a per-connection message rate limit and
// an idle deadline that only pongs or inbound frames extend.
type WebSocketServer struct {
	cfg      WebSocketConfig
	router   *Router
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

func NewWebSocketServer(cfg WebSocketConfig) *WebSocketServer {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}

	s := &WebSocketServer{
		cfg:    cfg,
		router: cfg.Router,
		log:    cfg.Logger,
		conns:  make(map[*wsConn]struct{}),
	}
	if s.router == nil {
		s.router = NewRouter(RouterConfig{Logger: cfg.Logger})
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	checkOrigin := func(r *http.Request) bool { return true }
	if cfg.Origins != nil {
		checkOrigin = cfg.Origins.CheckRequest
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:       checkOrigin,
		EnableCompression: cfg.EnableCompression,
	}
	return s
}

// RegisterRoutes mounts the endpoint at /mesh and at the bare root, where
// older clients connect.
func (s *WebSocketServer) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /mesh", s)
	mux.Handle("GET /{$}", s)
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug("ws_upgrade_failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	c := &wsConn{
		id:     uuid.NewString(),
		remote: remoteAddress(r, s.cfg.TrustForwardedFor),
		ws:     ws,
	}
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
		return
	}
	defer s.untrack(c)
	defer c.Close()

	s.router.Connected(c)
	defer s.router.Disconnected(c)

	s.serve(c)
}

func (s *WebSocketServer) serve(c *wsConn) {
	ws := c.ws
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	extend := func() {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(c, done)

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MaxMessagesPerSecond), s.cfg.MaxMessagesPerSecond)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				s.log.Info("ws_idle_timeout", "conn_id", c.id)
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla already sent CloseMessageTooBig.
				s.log.Warn("ws_message_too_large", "conn_id", c.id, "limit_bytes", s.cfg.MaxMessageBytes)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				s.log.Debug("ws_read_error", "conn_id", c.id, "err", err)
			}
			return
		}
		extend()

		// Limit after reading so the frame is consumed; closing with unread
		// bytes can turn into a TCP reset.
		if !limiter.Allow() {
			s.router.RateLimited(c, data)
			continue
		}
		if msgType != websocket.TextMessage {
			s.router.Malformed(c, "expected text message")
			continue
		}
		s.router.HandleMessage(c, data)
	}
}

func (s *WebSocketServer) keepalive(c *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (s *WebSocketServer) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *WebSocketServer) untrack(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Close sends a going-away close to every open connection. http.Server
// shutdown does not reach hijacked connections, so callers invoke this
// alongside it.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
