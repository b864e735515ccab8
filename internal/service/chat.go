package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/threadline/threadline/internal/assistant"
	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/metrics"
	"github.com/threadline/threadline/internal/policy"
	"github.com/threadline/threadline/internal/repository"
)

// ChatLimits bounds what a user may send.
type ChatLimits struct {
	MaxMessageLength    int
	SendRateLimitPerMin int
}

// ChatService owns chats and messages. Every method is scoped to the
// calling user; chats of other users behave as if they did not exist.
type ChatService struct {
	store     repository.Store
	responder assistant.Responder
	policy    *policy.Engine
	publisher Publisher
	limits    ChatLimits
	logger    zerolog.Logger
	ids       *idSource
	now       func() time.Time

	// sendLocks holds one *sync.Mutex per user. The rate limit count and the
	// insert of the counted message happen under it.
	sendLocks sync.Map
}

// NewChatService creates a chat service.
func NewChatService(store repository.Store, responder assistant.Responder, policyEngine *policy.Engine, publisher Publisher, limits ChatLimits, logger zerolog.Logger) *ChatService {
	return &ChatService{
		store:     store,
		responder: responder,
		policy:    policyEngine,
		publisher: publisher,
		limits:    limits,
		logger:    logger.With().Str("component", "chat_service").Logger(),
		ids:       newIDSource(),
		now:       time.Now,
	}
}

// CreateChat creates a chat titled title for userID.
func (s *ChatService) CreateChat(ctx context.Context, userID, title string) (*domain.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domain.ErrEmptyTitle
	}

	chat := &domain.Chat{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	s.publisher.Publish(domain.ChangeChats.Topic(userID))
	return chat, nil
}

// ListChats returns the user's chats, newest first.
func (s *ChatService) ListChats(ctx context.Context, userID string) ([]domain.Chat, error) {
	chats, err := s.store.ListChats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}

// GetChat returns the chat, or nil when it does not exist for userID.
func (s *ChatService) GetChat(ctx context.Context, userID, chatID string) (*domain.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	if chat == nil || chat.UserID != userID {
		return nil, nil
	}
	return chat, nil
}

// UpdateChatTitle renames a chat.
func (s *ChatService) UpdateChatTitle(ctx context.Context, userID, chatID, title string) (*domain.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domain.ErrEmptyTitle
	}

	chat, err := s.GetChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, domain.ErrNotFound
	}
	if err := s.store.UpdateChatTitle(ctx, chatID, title); err != nil {
		return nil, fmt.Errorf("failed to update chat title: %w", err)
	}
	chat.Title = title
	s.publisher.Publish(domain.ChangeChats.Topic(userID))
	return chat, nil
}

// GetMessages returns a chat's messages, oldest first. Unknown chats yield
// an empty list.
func (s *ChatService) GetMessages(ctx context.Context, userID, chatID string) ([]domain.Message, error) {
	chat, err := s.GetChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return []domain.Message{}, nil
	}
	messages, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return messages, nil
}

// SendMessage stores the user's message, obtains the assistant's reply and
// stores it too. Refusals are reported in the result, not as an error; the
// error return is reserved for storage failures.
func (s *ChatService) SendMessage(ctx context.Context, userID, chatID, text string) (*domain.SendMessageResult, error) {
	logger := s.logger.With().Str("chat_id", chatID).Str("user_id", userID).Logger()

	chat, err := s.GetChat(ctx, userID, chatID)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("error").Inc()
		return nil, err
	}
	if chat == nil {
		metrics.MessagesSent.WithLabelValues("blocked").Inc()
		return &domain.SendMessageResult{Success: false, Error: "chat not found"}, nil
	}

	unlock := s.lockSender(userID)
	now := s.now()
	recent, err := s.store.CountUserMessagesSince(ctx, userID, now.Add(-time.Minute))
	if err != nil {
		unlock()
		metrics.MessagesSent.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to count recent messages: %w", err)
	}

	decision, err := s.policy.Evaluate(ctx, policy.Input{
		UserID:      userID,
		ChatID:      chatID,
		Message:     text,
		RecentCount: recent,
		MaxLength:   s.limits.MaxMessageLength,
		PerMinute:   s.limits.SendRateLimitPerMin,
	})
	if err != nil {
		unlock()
		metrics.MessagesSent.WithLabelValues("error").Inc()
		return nil, err
	}
	if !decision.Allow {
		unlock()
		logger.Info().Str("reason", decision.Reason).Msg("message blocked by policy")
		metrics.MessagesSent.WithLabelValues("blocked").Inc()
		return &domain.SendMessageResult{Success: false, Error: decision.Reason}, nil
	}

	userMsg := domain.Message{
		ID:        s.ids.next(now),
		ChatID:    chatID,
		Role:      domain.RoleUser,
		Content:   strings.TrimSpace(text),
		CreatedAt: now,
	}
	err = s.store.CreateMessage(ctx, &userMsg)
	unlock()
	if err != nil {
		metrics.MessagesSent.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	s.publisher.Publish(domain.ChangeMessages.Topic(chatID))
	metrics.MessagesSent.WithLabelValues("ok").Inc()

	result := &domain.SendMessageResult{Success: true, Message: &userMsg}
	if err := s.reply(ctx, chatID, userMsg.CreatedAt); err != nil {
		logger.Error().Err(err).Msg("assistant reply failed")
		result.Error = "assistant reply unavailable"
	}
	return result, nil
}

// lockSender serializes the admission of userID's messages and returns the
// matching unlock.
func (s *ChatService) lockSender(userID string) func() {
	v, _ := s.sendLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// reply asks the responder for the next assistant message and stores it.
func (s *ChatService) reply(ctx context.Context, chatID string, after time.Time) error {
	history, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	start := time.Now()
	content, err := s.responder.Reply(ctx, history)
	metrics.AssistantLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	created := s.now()
	if !created.After(after) {
		created = after.Add(time.Millisecond)
	}
	msg := domain.Message{
		ID:        s.ids.next(created),
		ChatID:    chatID,
		Role:      domain.RoleAssistant,
		Content:   content,
		CreatedAt: created,
	}
	if err := s.store.CreateMessage(ctx, &msg); err != nil {
		return fmt.Errorf("failed to store reply: %w", err)
	}
	s.publisher.Publish(domain.ChangeMessages.Topic(chatID))
	return nil
}
