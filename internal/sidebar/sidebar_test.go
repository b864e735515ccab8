package sidebar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/domain"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	initial  []domain.Chat
	fetchErr error
	stream   chan []domain.Chat
	created  []string
}

func (f *fakeBackend) FetchChats(ctx context.Context) ([]domain.Chat, error) {
	return f.initial, f.fetchErr
}

func (f *fakeBackend) SubscribeChats(ctx context.Context) (<-chan []domain.Chat, error) {
	return f.stream, nil
}

func (f *fakeBackend) CreateChat(ctx context.Context, title string) (*domain.Chat, error) {
	f.created = append(f.created, title)
	return &domain.Chat{ID: "new", Title: title, CreatedAt: t0.Add(time.Hour)}, nil
}

func chat(id string, age time.Duration) domain.Chat {
	return domain.Chat{ID: id, Title: id, CreatedAt: t0.Add(-age)}
}

func ids(chats []domain.Chat) []string {
	out := make([]string, len(chats))
	for i, c := range chats {
		out[i] = c.ID
	}
	return out
}

func runSidebar(t *testing.T, backend *fakeBackend) *Sidebar {
	t.Helper()
	s := New(backend, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func TestSidebarFetchThenSubscriptionOverwrites(t *testing.T) {
	backend := &fakeBackend{
		initial: []domain.Chat{chat("old", time.Hour), chat("newer", time.Minute)},
		stream:  make(chan []domain.Chat),
	}
	s := runSidebar(t, backend)

	require.Eventually(t, func() bool { return len(s.State().Chats) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"newer", "old"}, ids(s.State().Chats))
	assert.False(t, s.State().Loading)

	backend.stream <- []domain.Chat{chat("only", 0)}
	require.Eventually(t, func() bool {
		return len(s.State().Chats) == 1 && s.State().Chats[0].ID == "only"
	}, time.Second, 5*time.Millisecond)
}

func TestSidebarFetchError(t *testing.T) {
	backend := &fakeBackend{fetchErr: errors.New("offline"), stream: make(chan []domain.Chat)}
	s := runSidebar(t, backend)

	require.Eventually(t, func() bool { return s.State().Err != nil }, time.Second, 5*time.Millisecond)
	assert.False(t, s.State().Loading)

	backend.stream <- []domain.Chat{chat("a", 0)}
	require.Eventually(t, func() bool { return s.State().Err == nil }, time.Second, 5*time.Millisecond)
}

func TestSidebarCreateChat(t *testing.T) {
	backend := &fakeBackend{initial: []domain.Chat{chat("a", time.Minute)}, stream: make(chan []domain.Chat)}
	s := runSidebar(t, backend)
	require.Eventually(t, func() bool { return len(s.State().Chats) == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.CreateChat(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrEmptyTitle)
	assert.Empty(t, backend.created)

	created, err := s.CreateChat(context.Background(), " Plans ")
	require.NoError(t, err)
	assert.Equal(t, "Plans", created.Title)
	assert.Equal(t, []string{"Plans"}, backend.created)
	assert.Equal(t, []string{"new", "a"}, ids(s.State().Chats))

	s.Select(created.ID)
	assert.Equal(t, "new", s.State().ActiveChatID)

	got, ok := s.Chat("new")
	require.True(t, ok)
	assert.Equal(t, "Plans", got.DisplayTitle())
}

func TestSidebarUpdatesCoalesce(t *testing.T) {
	s := New(&fakeBackend{}, zerolog.Nop())
	s.Select("a")
	s.Select("b")

	state := <-s.Updates()
	assert.Equal(t, "b", state.ActiveChatID)
}
