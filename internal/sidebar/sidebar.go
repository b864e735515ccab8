// Package sidebar keeps the user's chat list current and tracks which chat
// is selected.
package sidebar

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/threadline/threadline/internal/domain"
)

// Backend provides the chat list.
type Backend interface {
	FetchChats(ctx context.Context) ([]domain.Chat, error)
	SubscribeChats(ctx context.Context) (<-chan []domain.Chat, error)
	CreateChat(ctx context.Context, title string) (*domain.Chat, error)
}

// State is a snapshot of the sidebar.
type State struct {
	Chats        []domain.Chat
	ActiveChatID string
	Loading      bool
	Err          error
}

// Sidebar holds the chat list. It is safe for concurrent use.
type Sidebar struct {
	backend Backend
	logger  zerolog.Logger
	updates chan State

	mu      sync.Mutex
	chats   []domain.Chat
	active  string
	loading bool
	err     error
}

// New creates a sidebar. Call Run to populate it.
func New(backend Backend, logger zerolog.Logger) *Sidebar {
	return &Sidebar{
		backend: backend,
		logger:  logger.With().Str("component", "sidebar").Logger(),
		updates: make(chan State, 1),
	}
}

// Run loads the chat list and then follows the chats subscription, replacing
// the list with every snapshot. It returns when ctx is cancelled or the
// subscription ends.
func (s *Sidebar) Run(ctx context.Context) error {
	s.update(func() { s.loading = true })

	chats, err := s.backend.FetchChats(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load chats")
		s.update(func() {
			s.loading = false
			s.err = err
		})
	} else {
		s.replace(chats)
	}

	stream, err := s.backend.SubscribeChats(ctx)
	if err != nil {
		s.update(func() { s.err = &domain.FetchError{Op: "subscribe to chats", Err: err} })
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chats, ok := <-stream:
			if !ok {
				return nil
			}
			s.replace(chats)
		}
	}
}

// CreateChat creates a chat titled title and adds it to the list. The caller
// is expected to select and activate the returned chat.
func (s *Sidebar) CreateChat(ctx context.Context, title string) (*domain.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domain.ErrEmptyTitle
	}

	chat, err := s.backend.CreateChat(ctx, title)
	if err != nil {
		return nil, err
	}

	s.update(func() {
		for _, c := range s.chats {
			if c.ID == chat.ID {
				return
			}
		}
		s.chats = sortChats(append([]domain.Chat{*chat}, s.chats...))
	})
	return chat, nil
}

// Select marks chatID as the active chat.
func (s *Sidebar) Select(chatID string) {
	s.update(func() { s.active = chatID })
}

// Chat returns the listed chat with id chatID.
func (s *Sidebar) Chat(chatID string) (domain.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if c.ID == chatID {
			return c, true
		}
	}
	return domain.Chat{}, false
}

// State returns the current snapshot.
func (s *Sidebar) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Updates delivers the latest state after each change, coalescing unread ones.
func (s *Sidebar) Updates() <-chan State {
	return s.updates
}

func (s *Sidebar) replace(chats []domain.Chat) {
	s.update(func() {
		s.chats = sortChats(append([]domain.Chat(nil), chats...))
		s.loading = false
		s.err = nil
	})
}

func (s *Sidebar) update(fn func()) {
	s.mu.Lock()
	fn()
	state := s.stateLocked()
	select {
	case s.updates <- state:
	default:
		select {
		case <-s.updates:
		default:
		}
		s.updates <- state
	}
	s.mu.Unlock()
}

func (s *Sidebar) stateLocked() State {
	return State{
		Chats:        append([]domain.Chat(nil), s.chats...),
		ActiveChatID: s.active,
		Loading:      s.loading,
		Err:          s.err,
	}
}

// sortChats orders chats newest first.
func sortChats(chats []domain.Chat) []domain.Chat {
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].CreatedAt.After(chats[j].CreatedAt)
	})
	return chats
}
