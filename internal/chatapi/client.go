// Package chatapi exposes the backend's chat operations as typed calls.
package chatapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/protocol"
)

// GraphQL is the transport used by Client.
type GraphQL interface {
	Do(ctx context.Context, req protocol.Request, out any) error
	Subscribe(ctx context.Context, req protocol.Request) (<-chan protocol.Response, error)
}

// Client runs chat queries, mutations and subscriptions.
type Client struct {
	gql    GraphQL
	logger zerolog.Logger
}

// New creates a chat API client.
func New(gql GraphQL, logger zerolog.Logger) *Client {
	return &Client{
		gql:    gql,
		logger: logger.With().Str("component", "chatapi").Logger(),
	}
}

// FetchChats lists the user's chats, newest first.
func (c *Client) FetchChats(ctx context.Context) ([]domain.Chat, error) {
	var out struct {
		Chats []domain.Chat `json:"chats"`
	}
	if err := c.gql.Do(ctx, protocol.Request{Query: getChatsQuery, OperationName: "GetChats"}, &out); err != nil {
		return nil, &domain.FetchError{Op: "load chats", Err: err}
	}
	return out.Chats, nil
}

// FetchChat returns one chat, or nil if it does not exist.
func (c *Client) FetchChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	var out struct {
		Chat *domain.Chat `json:"chats_by_pk"`
	}
	req := protocol.Request{
		Query:         getChatQuery,
		OperationName: "GetChat",
		Variables:     map[string]any{"chat_id": chatID},
	}
	if err := c.gql.Do(ctx, req, &out); err != nil {
		return nil, &domain.FetchError{Op: "load chat", Err: err}
	}
	return out.Chat, nil
}

// FetchMessages returns the committed messages of a chat, oldest first.
func (c *Client) FetchMessages(ctx context.Context, chatID string) ([]domain.Message, error) {
	var out struct {
		Messages []domain.Message `json:"messages"`
	}
	req := protocol.Request{
		Query:         getMessagesQuery,
		OperationName: "GetMessagesForChat",
		Variables:     map[string]any{"chat_id": chatID},
	}
	if err := c.gql.Do(ctx, req, &out); err != nil {
		return nil, err
	}
	return withChatID(out.Messages, chatID), nil
}

// CreateChat creates a chat. A blank title is rejected without a call.
func (c *Client) CreateChat(ctx context.Context, title string) (*domain.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domain.ErrEmptyTitle
	}

	var out struct {
		Chat *domain.Chat `json:"insert_chats_one"`
	}
	req := protocol.Request{
		Query:         createChatMutation,
		OperationName: "CreateChat",
		Variables:     map[string]any{"title": title},
	}
	if err := c.gql.Do(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	if out.Chat == nil {
		return nil, fmt.Errorf("failed to create chat: empty response")
	}
	return out.Chat, nil
}

// UpdateChatTitle renames a chat.
func (c *Client) UpdateChatTitle(ctx context.Context, chatID, title string) (*domain.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domain.ErrEmptyTitle
	}

	var out struct {
		Chat *domain.Chat `json:"update_chats_by_pk"`
	}
	req := protocol.Request{
		Query:         updateChatTitleMutation,
		OperationName: "UpdateChatTitle",
		Variables:     map[string]any{"chatId": chatID, "title": title},
	}
	if err := c.gql.Do(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("failed to update chat title: %w", err)
	}
	if out.Chat == nil {
		return nil, domain.ErrNotFound
	}
	return out.Chat, nil
}

// SendMessage submits text to a chat. The result may report failure even
// when the call itself succeeded.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (*domain.SendMessageResult, error) {
	var out struct {
		Result *domain.SendMessageResult `json:"sendMessage"`
	}
	req := protocol.Request{
		Query:         sendMessageMutation,
		OperationName: "SendMessage",
		Variables: map[string]any{"arg1": map[string]any{
			"chat_id": chatID,
			"message": text,
		}},
	}
	if err := c.gql.Do(ctx, req, &out); err != nil {
		return nil, err
	}
	if out.Result != nil && out.Result.Message != nil {
		out.Result.Message.ChatID = chatID
	}
	return out.Result, nil
}

// SubscribeMessages streams full message snapshots of a chat.
func (c *Client) SubscribeMessages(ctx context.Context, chatID string) (<-chan []domain.Message, error) {
	stream, err := c.gql.Subscribe(ctx, protocol.Request{
		Query:         messagesSubscription,
		OperationName: "OnNewMessage",
		Variables:     map[string]any{"chat_id": chatID},
	})
	if err != nil {
		return nil, err
	}

	out := make(chan []domain.Message)
	go pump(ctx, c.logger, stream, out, func(data json.RawMessage) ([]domain.Message, error) {
		var v struct {
			Messages []domain.Message `json:"messages"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return withChatID(v.Messages, chatID), nil
	})
	return out, nil
}

// SubscribeChats streams full snapshots of the user's chat list.
func (c *Client) SubscribeChats(ctx context.Context) (<-chan []domain.Chat, error) {
	stream, err := c.gql.Subscribe(ctx, protocol.Request{
		Query:         chatsSubscription,
		OperationName: "OnChatsUpdate",
	})
	if err != nil {
		return nil, err
	}

	out := make(chan []domain.Chat)
	go pump(ctx, c.logger, stream, out, func(data json.RawMessage) ([]domain.Chat, error) {
		var v struct {
			Chats []domain.Chat `json:"chats"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v.Chats, nil
	})
	return out, nil
}

// pump decodes every result of stream onto out. Results with errors are
// logged and skipped. out is closed when stream ends.
func pump[T any](ctx context.Context, logger zerolog.Logger, stream <-chan protocol.Response, out chan<- T, decode func(json.RawMessage) (T, error)) {
	defer close(out)
	for resp := range stream {
		if err := resp.Err(); err != nil {
			logger.Warn().Err(err).Msg("subscription returned errors")
			continue
		}
		v, err := decode(resp.Data)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to decode subscription result")
			continue
		}
		select {
		case out <- v:
		case <-ctx.Done():
			return
		}
	}
}

func withChatID(msgs []domain.Message, chatID string) []domain.Message {
	for i := range msgs {
		msgs[i].ChatID = chatID
	}
	return msgs
}
