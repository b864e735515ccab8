package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/assistant"
	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/policy"
	"github.com/threadline/threadline/tests/helpers"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

type failingResponder struct{}

func (failingResponder) Reply(context.Context, []domain.Message) (string, error) {
	return "", errors.New("upstream down")
}

type chatFixture struct {
	svc       *ChatService
	publisher *recordingPublisher
}

func newChatFixture(t *testing.T, responder assistant.Responder, limits ChatLimits) chatFixture {
	t.Helper()
	store := helpers.NewTestSQLiteStore(t)
	for _, id := range []string{"u1", "u2"} {
		require.NoError(t, store.CreateUser(context.Background(), &domain.User{
			ID: id, Email: id + "@example.com", PasswordHash: "x", CreatedAt: time.Now(),
		}))
	}

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	svc := NewChatService(store, responder, engine, pub, limits, zerolog.Nop())
	return chatFixture{svc: svc, publisher: pub}
}

var defaultLimits = ChatLimits{MaxMessageLength: 100, SendRateLimitPerMin: 10}

func TestCreateAndListChats(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, assistant.MockResponder{}, defaultLimits)

	_, err := f.svc.CreateChat(ctx, "u1", "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyTitle)

	first, err := f.svc.CreateChat(ctx, "u1", " first ")
	require.NoError(t, err)
	assert.Equal(t, "first", first.Title)

	f.svc.now = func() time.Time { return time.Now().Add(time.Second) }
	second, err := f.svc.CreateChat(ctx, "u1", "second")
	require.NoError(t, err)

	chats, err := f.svc.ListChats(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, second.ID, chats[0].ID)

	others, err := f.svc.ListChats(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, others)

	assert.Equal(t, []string{"chats:u1", "chats:u1"}, f.publisher.published())
}

func TestChatsAreScopedToOwner(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, assistant.MockResponder{}, defaultLimits)

	chat, err := f.svc.CreateChat(ctx, "u1", "mine")
	require.NoError(t, err)

	got, err := f.svc.GetChat(ctx, "u2", chat.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = f.svc.UpdateChatTitle(ctx, "u2", chat.ID, "stolen")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	msgs, err := f.svc.GetMessages(ctx, "u2", chat.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	result, err := f.svc.SendMessage(ctx, "u2", chat.ID, "hi")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "chat not found", result.Error)
}

func TestUpdateChatTitle(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, assistant.MockResponder{}, defaultLimits)

	chat, err := f.svc.CreateChat(ctx, "u1", "old")
	require.NoError(t, err)

	_, err = f.svc.UpdateChatTitle(ctx, "u1", chat.ID, "")
	assert.ErrorIs(t, err, domain.ErrEmptyTitle)

	updated, err := f.svc.UpdateChatTitle(ctx, "u1", chat.ID, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", updated.Title)

	got, err := f.svc.GetChat(ctx, "u1", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Title)
}

func TestSendMessageStoresUserAndAssistant(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, assistant.MockResponder{}, defaultLimits)

	chat, err := f.svc.CreateChat(ctx, "u1", "c")
	require.NoError(t, err)

	result, err := f.svc.SendMessage(ctx, "u1", chat.ID, "  hello  ")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotNil(t, result.Message)
	assert.Equal(t, "hello", result.Message.Content)
	assert.Equal(t, domain.RoleUser, result.Message.Role)
	assert.Empty(t, result.Error)

	msgs, err := f.svc.GetMessages(ctx, "u1", chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, result.Message.ID, msgs[0].ID)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.True(t, msgs[1].CreatedAt.After(msgs[0].CreatedAt))
	assert.Less(t, msgs[0].ID, msgs[1].ID)

	topic := domain.ChangeMessages.Topic(chat.ID)
	assert.Equal(t, []string{"chats:u1", topic, topic}, f.publisher.published())
}

func TestSendMessageBlockedByPolicy(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, assistant.MockResponder{}, ChatLimits{MaxMessageLength: 5, SendRateLimitPerMin: 1})

	chat, err := f.svc.CreateChat(ctx, "u1", "c")
	require.NoError(t, err)

	result, err := f.svc.SendMessage(ctx, "u1", chat.ID, strings.Repeat("x", 6))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "message exceeds 5 characters", result.Error)
	assert.Nil(t, result.Message)

	result, err = f.svc.SendMessage(ctx, "u1", chat.ID, "ok")
	require.NoError(t, err)
	assert.True(t, result.Success)

	result, err = f.svc.SendMessage(ctx, "u1", chat.ID, "again")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "rate limit")

	msgs, err := f.svc.GetMessages(ctx, "u1", chat.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestSendMessageAssistantFailureKeepsUserMessage(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, failingResponder{}, defaultLimits)

	chat, err := f.svc.CreateChat(ctx, "u1", "c")
	require.NoError(t, err)

	result, err := f.svc.SendMessage(ctx, "u1", chat.ID, "hello")
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.NotNil(t, result.Message)
	assert.Equal(t, "assistant reply unavailable", result.Error)

	msgs, err := f.svc.GetMessages(ctx, "u1", chat.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSendMessageRateLimitHoldsUnderConcurrentSends(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t, assistant.MockResponder{}, ChatLimits{MaxMessageLength: 100, SendRateLimitPerMin: 3})

	chat, err := f.svc.CreateChat(ctx, "u1", "c")
	require.NoError(t, err)

	const senders = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.SendMessage(ctx, "u1", chat.ID, "hi")
			if !assert.NoError(t, err) {
				return
			}
			if result.Success {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)

	msgs, err := f.svc.GetMessages(ctx, "u1", chat.ID)
	require.NoError(t, err)
	users := 0
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			users++
		}
	}
	assert.Equal(t, 3, users)
}
