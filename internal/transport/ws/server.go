// Package ws serves GraphQL subscriptions over the graphql-transport-ws
// websocket protocol.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/threadline/threadline/internal/graphql"
	"github.com/threadline/threadline/internal/hub"
	"github.com/threadline/threadline/internal/metrics"
	"github.com/threadline/threadline/internal/protocol"
)

// Authenticator resolves an access token to a user ID.
type Authenticator interface {
	ValidateToken(token string) (string, error)
}

// Config holds websocket timing and size limits.
type Config struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	InitTimeout    time.Duration
	MaxMessageSize int64
}

// Server handles websocket connections.
type Server struct {
	cfg      Config
	hub      *hub.Hub
	executor *graphql.Executor
	auth     Authenticator
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates a new websocket server.
func NewServer(cfg Config, h *hub.Hub, executor *graphql.Executor, auth Authenticator, logger zerolog.Logger) *Server {
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		hub:      h,
		executor: executor,
		auth:     auth,
		logger:   logger.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{protocol.Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket handles the upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade websocket")
		return nil
	}

	conn := newConnection(ws)
	if ws.Subprotocol() != protocol.Subprotocol {
		conn.closeWith(websocket.CloseProtocolError, "unsupported subprotocol", s.cfg.WriteTimeout)
		return nil
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

func (s *Server) readPump(conn *connection) {
	logger := s.logger.With().Str("conn_id", conn.id).Logger()
	defer conn.close()

	initTimer := time.AfterFunc(s.cfg.InitTimeout, func() {
		conn.closeWith(protocol.CloseInitTimeout, "Connection initialisation timeout", s.cfg.WriteTimeout)
	})
	defer initTimer.Stop()

	_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.closeWith(protocol.CloseInvalidMessage, "Invalid message received", s.cfg.WriteTimeout)
			return
		}
		if err := msg.Validate(); err != nil {
			conn.closeWith(protocol.CloseInvalidMessage, err.Error(), s.cfg.WriteTimeout)
			return
		}
		if !s.handleMessage(conn, msg, initTimer) {
			return
		}
	}
}

func (s *Server) writePump(conn *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.close()
	}()

	for {
		select {
		case <-conn.done:
			return

		case message := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", conn.id).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches a frame. It reports false when the connection
// has been closed.
func (s *Server) handleMessage(conn *connection, msg protocol.Message, initTimer *time.Timer) bool {
	switch msg.Type {
	case protocol.TypeConnectionInit:
		if conn.initReceived {
			conn.closeWith(protocol.CloseTooManyInitRequests, "Too many initialisation requests", s.cfg.WriteTimeout)
			return false
		}
		conn.initReceived = true
		initTimer.Stop()

		userID, err := s.authenticate(msg)
		if err != nil {
			s.logger.Info().Err(err).Str("conn_id", conn.id).Msg("rejected websocket connection")
			conn.closeWith(protocol.CloseUnauthorized, "Unauthorized", s.cfg.WriteTimeout)
			return false
		}
		conn.userID = userID
		ack, _ := protocol.NewMessage("", protocol.TypeConnectionAck, nil)
		conn.enqueue(ack)
		s.logger.Debug().Str("conn_id", conn.id).Str("user_id", userID).Msg("connection acknowledged")

	case protocol.TypePing:
		pong, _ := protocol.NewMessage("", protocol.TypePong, nil)
		conn.enqueue(pong)

	case protocol.TypePong:

	case protocol.TypeSubscribe:
		if conn.userID == "" {
			conn.closeWith(protocol.CloseUnauthorized, "Unauthorized", s.cfg.WriteTimeout)
			return false
		}
		var req protocol.Request
		if err := msg.DecodePayload(&req); err != nil {
			conn.closeWith(protocol.CloseInvalidMessage, err.Error(), s.cfg.WriteTimeout)
			return false
		}
		ctx, cancel := context.WithCancel(conn.ctx)
		if !conn.addSub(msg.ID, cancel) {
			cancel()
			conn.closeWith(protocol.CloseSubscriberExists, "Subscriber for "+msg.ID+" already exists", s.cfg.WriteTimeout)
			return false
		}
		go s.runOperation(ctx, conn, msg.ID, req)

	case protocol.TypeComplete:
		conn.removeSub(msg.ID)

	default:
		conn.closeWith(protocol.CloseInvalidMessage, "Unexpected message type "+msg.Type, s.cfg.WriteTimeout)
		return false
	}
	return true
}

func (s *Server) authenticate(msg protocol.Message) (string, error) {
	var payload protocol.ConnectionInitPayload
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&payload); err != nil {
			return "", err
		}
	}
	var header string
	for k, v := range payload.Headers {
		if strings.EqualFold(k, "Authorization") {
			header = v
		}
	}
	return s.auth.ValidateToken(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}

// runOperation executes one subscribe request. Queries and mutations yield a
// single result; subscriptions re-run whenever a watched topic changes and
// push the new result if it differs from the last one sent.
func (s *Server) runOperation(ctx context.Context, conn *connection, id string, req protocol.Request) {
	logger := s.logger.With().Str("conn_id", conn.id).Str("op_id", id).Logger()

	op, err := graphql.Prepare(req)
	if err != nil {
		s.sendErrors(conn, id, []protocol.Error{{Message: err.Error()}})
		conn.removeSub(id)
		return
	}

	if op.Kind() != ast.Subscription {
		resp := s.executor.Execute(ctx, conn.userID, op)
		if s.sendNext(conn, id, resp) {
			s.sendComplete(conn, id)
		}
		conn.removeSub(id)
		return
	}

	topics, err := op.Topics(conn.userID)
	if err != nil {
		s.sendErrors(conn, id, []protocol.Error{{Message: err.Error()}})
		conn.removeSub(id)
		return
	}

	// Subscribe before the first execution so no change is missed.
	changed := make(chan struct{}, 1)
	for _, topic := range topics {
		sub, err := s.hub.Subscribe(ctx, topic)
		if err != nil {
			return
		}
		defer s.unsubscribe(sub)
		go forward(ctx, sub.C, changed)
	}

	metrics.ActiveSubscriptions.Inc()
	defer metrics.ActiveSubscriptions.Dec()
	logger.Debug().Strs("topics", topics).Msg("subscription started")

	var last []byte
	for {
		resp := s.executor.Execute(ctx, conn.userID, op)
		if ctx.Err() != nil {
			return
		}
		if !bytes.Equal(resp.Data, last) || len(resp.Errors) > 0 {
			last = resp.Data
			if !s.sendNext(conn, id, resp) {
				return
			}
		}

		select {
		case <-ctx.Done():
			logger.Debug().Msg("subscription stopped")
			return
		case <-changed:
		}
	}
}

func (s *Server) unsubscribe(sub *hub.Subscriber) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	s.hub.Unsubscribe(ctx, sub)
}

func forward(ctx context.Context, in <-chan struct{}, out chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in:
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Server) sendNext(conn *connection, id string, resp protocol.Response) bool {
	msg, err := protocol.NewMessage(id, protocol.TypeNext, resp)
	if err != nil {
		return false
	}
	return conn.enqueue(msg)
}

func (s *Server) sendComplete(conn *connection, id string) {
	msg, _ := protocol.NewMessage(id, protocol.TypeComplete, nil)
	conn.enqueue(msg)
}

func (s *Server) sendErrors(conn *connection, id string, errs []protocol.Error) {
	msg, err := protocol.NewMessage(id, protocol.TypeError, errs)
	if err != nil {
		return
	}
	conn.enqueue(msg)
}
