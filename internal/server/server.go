// internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/authbridge/api/schemas"
	"github.com/xkilldash9x/authbridge/internal/config"
	"github.com/xkilldash9x/authbridge/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer = 32
)

// Server terminates websocket connections and binds each one to a session.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	registry *session.Registry
	detector RegionDetector

	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	httpSrv *http.Server
}

// New creates the websocket server front end.
func New(registry *session.Registry, detector RegionDetector, cfg config.ServerConfig, logger *zap.Logger) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if detector == nil {
		detector = NoopRegionDetector{}
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		registry: registry,
		detector: detector,
		limiter:  rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// checkOrigin enforces the configured allowlist. An empty allowlist accepts
// any origin, which is only appropriate behind a trusted proxy.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	s.logger.Debug("Rejected origin.", zap.String("origin", origin))
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.registry.Len())
}

// handleWS upgrades the connection, creates a session, and runs the pumps
// until either side goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed.", zap.Error(err))
		return
	}

	conn := newWSConn(ws, s.logger)
	go conn.writePump()

	sess, err := s.registry.Create(r.Context(), conn)
	if err != nil {
		s.logger.Error("Failed to create session.", zap.Error(err))
		conn.close()
		return
	}

	country := s.detector.Detect(r)
	ack := schemas.ServerMessage{
		Type:            schemas.MsgConnected,
		SessionID:       sess.ID(),
		DetectedCountry: country,
	}
	if err := conn.Send(r.Context(), ack); err != nil {
		s.logger.Warn("Failed to send connect ack.", zap.Error(err))
		s.registry.Remove(sess.ID())
		conn.close()
		return
	}

	s.readPump(conn, sess)
}

// readPump consumes client frames for the lifetime of the connection. On exit
// the session is removed, which tears down its browser page.
func (s *Server) readPump(conn *wsConn, sess *session.Session) {
	logger := s.logger.With(zap.String("session_id", sess.ID()[:8]))
	defer func() {
		s.registry.Remove(sess.ID())
		conn.close()
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Connection closed unexpectedly.", zap.Error(err))
			} else {
				logger.Debug("Connection closed.", zap.Error(err))
			}
			return
		}

		msg, err := schemas.DecodeClientMessage(payload)
		if err != nil {
			var protoErr *schemas.ProtocolError
			if errors.As(err, &protoErr) {
				// Malformed frames get an error reply but do not kill the
				// connection or disturb the session state.
				logger.Debug("Rejected client frame.", zap.String("reason", protoErr.Reason))
				if err := conn.Send(context.Background(), schemas.Failure(schemas.MsgError, protoErr.Reason)); err != nil {
					return
				}
				continue
			}
			logger.Warn("Failed to decode client frame.", zap.Error(err))
			return
		}

		if err := sess.Dispatch(context.Background(), msg); err != nil {
			logger.Debug("Session rejected dispatch, closing connection.", zap.Error(err))
			return
		}
	}
}

// Start begins serving and blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("Listening.", zap.String("addr", s.cfg.ListenAddr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains the registry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down.")
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP shutdown did not finish cleanly.", zap.Error(err))
	}
	return s.registry.Shutdown(ctx)
}

// wsConn wraps a websocket connection with a buffered, single-writer send
// path. gorilla connections allow only one concurrent writer, so all outbound
// traffic funnels through writePump.
type wsConn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	send chan schemas.ServerMessage
	done chan struct{}

	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, logger *zap.Logger) *wsConn {
	return &wsConn{
		ws:     ws,
		logger: logger.Named("conn").With(zap.String("remote", ws.RemoteAddr().String())),
		send:   make(chan schemas.ServerMessage, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues a message for delivery. It blocks while the buffer is full and
// fails once the connection is gone.
func (c *wsConn) Send(ctx context.Context, msg schemas.ServerMessage) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			payload, err := schemas.EncodeServerMessage(msg)
			if err != nil {
				c.logger.Error("Failed to encode server message.",
					zap.String("type", msg.Type), zap.Error(err))
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("Write failed.", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
