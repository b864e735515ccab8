package domain

import "time"

// User is an account known to the auth service.
type User struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	DisplayName       string     `json:"displayName"`
	PasswordHash      string     `json:"-"`
	EmailVerified     bool       `json:"emailVerified"`
	VerificationToken string     `json:"-"`
	CreatedAt         time.Time  `json:"createdAt"`
	LastSeenAt        *time.Time `json:"lastSeenAt,omitempty"`
}

// Session is an authenticated session handed to clients.
type Session struct {
	AccessToken          string `json:"accessToken"`
	AccessTokenExpiresIn int64  `json:"accessTokenExpiresIn"` // seconds
	User                 User   `json:"user"`
}

// EmailPasswordRequest is the body of sign-in and sign-up calls.
type EmailPasswordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse wraps a session. Session is nil when sign-up requires
// email verification before a session is issued.
type SessionResponse struct {
	Session *Session `json:"session"`
}

// EmailRequest carries a single email address.
type EmailRequest struct {
	Email string `json:"email"`
}
