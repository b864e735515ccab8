package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage is returned when a message is blank after trimming.
	ErrEmptyMessage = &ValidationError{Field: "message", Message: "message cannot be empty"}
	// ErrEmptyTitle is returned when a chat title is blank after trimming.
	ErrEmptyTitle = &ValidationError{Field: "title", Message: "chat title cannot be empty"}
	// ErrSendInFlight is returned when a send is attempted while another is outstanding.
	ErrSendInFlight = errors.New("a message is already being sent")
	// ErrNoActiveChat is returned when a send is attempted with no chat selected.
	ErrNoActiveChat = errors.New("no active chat")
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEmailInUse is returned by stores when an account already uses the email.
	ErrEmailInUse = errors.New("email already in use")
)

// Auth error codes.
const (
	AuthCodeInvalidCredentials = "invalid-email-password"
	AuthCodeUnverified         = "unverified-user"
	AuthCodeEmailInUse         = "email-already-in-use"
	AuthCodeInvalidRequest     = "invalid-request"
	AuthCodeUnauthenticated    = "unauthenticated"
	AuthCodeUnavailable        = "unavailable"
)

// ValidationError rejects input before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// AuthError reports a failed auth provider call.
type AuthError struct {
	Op      string
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
}

// FetchError reports a failed initial load of chats or messages.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// SendError reports a send that failed in transport or was refused by the backend.
type SendError struct {
	ChatID string
	Reason string
	Err    error
}

func (e *SendError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("failed to send message: %v", e.Err)
	case e.Reason != "":
		return "failed to send message: " + e.Reason
	default:
		return "failed to send message"
	}
}

func (e *SendError) Unwrap() error {
	return e.Err
}
