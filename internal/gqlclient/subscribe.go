package gqlclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/threadline/threadline/internal/protocol"
)

const subscriptionID = "1"

// Subscribe opens a dedicated websocket for req and streams every result.
// The channel is closed when ctx is cancelled, the server completes the
// operation or the connection drops.
func (c *Client) Subscribe(ctx context.Context, req protocol.Request) (<-chan protocol.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.timeout,
		Subprotocols:     []string{protocol.Subprotocol},
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	s := &subscription{conn: conn}
	if err := s.handshake(c.tokens.AccessToken(), c.timeout); err != nil {
		conn.Close()
		return nil, err
	}

	subscribe, err := protocol.NewMessage(subscriptionID, protocol.TypeSubscribe, req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.write(subscribe); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write subscribe: %w", err)
	}

	out := make(chan protocol.Response)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			complete, _ := protocol.NewMessage(subscriptionID, protocol.TypeComplete, nil)
			_ = s.write(complete)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()
	go func() {
		defer close(out)
		defer close(stop)
		defer conn.Close()
		s.readLoop(ctx, out, c)
	}()
	return out, nil
}

type subscription struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscription) write(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *subscription) handshake(token string, timeout time.Duration) error {
	payload := protocol.ConnectionInitPayload{}
	if token != "" {
		payload.Headers = map[string]string{"Authorization": "Bearer " + token}
	}
	init, err := protocol.NewMessage("", protocol.TypeConnectionInit, payload)
	if err != nil {
		return err
	}
	if err := s.write(init); err != nil {
		return fmt.Errorf("write connection_init: %w", err)
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	defer s.conn.SetReadDeadline(time.Time{})
	for {
		var msg protocol.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == protocol.CloseUnauthorized {
				return fmt.Errorf("connection rejected: %s", closeErr.Text)
			}
			return fmt.Errorf("read connection_ack: %w", err)
		}
		switch msg.Type {
		case protocol.TypeConnectionAck:
			return nil
		case protocol.TypePing:
			pong, _ := protocol.NewMessage("", protocol.TypePong, nil)
			if err := s.write(pong); err != nil {
				return err
			}
		default:
			return fmt.Errorf("expected connection_ack, got: %s", msg.Type)
		}
	}
}

func (s *subscription) readLoop(ctx context.Context, out chan<- protocol.Response, c *Client) {
	for {
		var msg protocol.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("subscription read error")
			}
			return
		}

		var resp protocol.Response
		switch msg.Type {
		case protocol.TypeNext:
			if err := msg.DecodePayload(&resp); err != nil {
				c.logger.Warn().Err(err).Msg("dropping malformed next frame")
				continue
			}
		case protocol.TypeError:
			if err := json.Unmarshal(msg.Payload, &resp.Errors); err != nil {
				resp.Errors = []protocol.Error{{Message: "subscription failed"}}
			}
		case protocol.TypeComplete:
			return
		case protocol.TypePing:
			pong, _ := protocol.NewMessage("", protocol.TypePong, nil)
			_ = s.write(pong)
			continue
		default:
			continue
		}

		select {
		case out <- resp:
		case <-ctx.Done():
			return
		}
		if msg.Type == protocol.TypeError {
			return
		}
	}
}
