package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/threadline/threadline/internal/domain"
)

const userIDKey = "user_id"

// handleSignUp creates an account.
// POST /v1/auth/signup
func (s *Server) handleSignUp(c echo.Context) error {
	var req domain.EmailPasswordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	resp, err := s.auth.SignUp(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return s.authFailure(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSignIn exchanges credentials for a session.
// POST /v1/auth/signin
func (s *Server) handleSignIn(c echo.Context) error {
	var req domain.EmailPasswordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	session, err := s.auth.SignIn(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return s.authFailure(c, err)
	}
	return c.JSON(http.StatusOK, domain.SessionResponse{Session: session})
}

// handleSendVerificationEmail re-sends the verification link.
// POST /v1/auth/send-verification-email
func (s *Server) handleSendVerificationEmail(c echo.Context) error {
	var req domain.EmailRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if err := s.auth.SendVerificationEmail(c.Request().Context(), req.Email); err != nil {
		return s.authFailure(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// handleVerifyEmail consumes a verification ticket.
// GET /v1/auth/verify?ticket=...
func (s *Server) handleVerifyEmail(c echo.Context) error {
	if err := s.auth.VerifyEmail(c.Request().Context(), c.QueryParam("ticket")); err != nil {
		return s.authFailure(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// requireUser resolves the bearer token into the request's user ID.
func (s *Server) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "missing bearer token",
				"code":  domain.AuthCodeUnauthenticated,
			})
		}
		userID, err := s.auth.ValidateToken(token)
		if err != nil {
			return s.authFailure(c, err)
		}
		c.Set(userIDKey, userID)
		return next(c)
	}
}

func (s *Server) authFailure(c echo.Context, err error) error {
	var authErr *domain.AuthError
	if !errors.As(err, &authErr) {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("auth request failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	status := http.StatusBadRequest
	switch authErr.Code {
	case domain.AuthCodeInvalidCredentials, domain.AuthCodeUnauthenticated:
		status = http.StatusUnauthorized
	case domain.AuthCodeUnverified:
		status = http.StatusForbidden
	case domain.AuthCodeEmailInUse:
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]string{"error": authErr.Message, "code": authErr.Code})
}
