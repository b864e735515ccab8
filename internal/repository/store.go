// Package repository persists users, chats and messages.
package repository

import (
	"context"
	"time"

	"github.com/threadline/threadline/internal/domain"
)

// Store defines the interface for data persistence. Lookups of a missing
// row return nil and no error.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, userID string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByVerificationToken(ctx context.Context, token string) (*domain.User, error)
	SetVerificationToken(ctx context.Context, userID, token string) error
	MarkEmailVerified(ctx context.Context, userID string) error
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error

	// Chat operations
	CreateChat(ctx context.Context, chat *domain.Chat) error
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)
	ListChats(ctx context.Context, userID string) ([]domain.Chat, error)
	UpdateChatTitle(ctx context.Context, chatID, title string) error

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	ListMessages(ctx context.Context, chatID string) ([]domain.Message, error)
	CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int, error)

	// Lifecycle
	Close() error
}
