package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/threadline/threadline/internal/graphql"
	"github.com/threadline/threadline/internal/protocol"
)

// handleGraphQL runs a query or mutation. GraphQL errors are reported in the
// response body with status 200.
// POST /v1/graphql
func (s *Server) handleGraphQL(c echo.Context) error {
	var req protocol.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Query == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "query is required"})
	}

	op, err := graphql.Prepare(req)
	if err != nil {
		return c.JSON(http.StatusOK, protocol.Response{Errors: []protocol.Error{{Message: err.Error()}}})
	}
	if op.Kind() == ast.Subscription {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "subscriptions require a websocket connection"})
	}

	userID, _ := c.Get(userIDKey).(string)
	return c.JSON(http.StatusOK, s.executor.Execute(c.Request().Context(), userID, op))
}
