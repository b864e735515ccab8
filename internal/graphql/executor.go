// Package graphql executes the chat GraphQL API. Documents are parsed with
// gqlparser and resolved against a fixed set of root fields; there is no
// schema validation beyond what resolution itself checks.
package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/threadline/threadline/internal/domain"
	"github.com/threadline/threadline/internal/metrics"
	"github.com/threadline/threadline/internal/protocol"
)

// Resolver provides the data behind the root fields. All calls are scoped to
// the authenticated user.
type Resolver interface {
	ListChats(ctx context.Context, userID string) ([]domain.Chat, error)
	GetChat(ctx context.Context, userID, chatID string) (*domain.Chat, error)
	GetMessages(ctx context.Context, userID, chatID string) ([]domain.Message, error)
	CreateChat(ctx context.Context, userID, title string) (*domain.Chat, error)
	UpdateChatTitle(ctx context.Context, userID, chatID, title string) (*domain.Chat, error)
	SendMessage(ctx context.Context, userID, chatID, text string) (*domain.SendMessageResult, error)
}

// Executor runs operations against a Resolver.
type Executor struct {
	resolver Resolver
	logger   zerolog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(resolver Resolver, logger zerolog.Logger) *Executor {
	return &Executor{
		resolver: resolver,
		logger:   logger.With().Str("component", "graphql").Logger(),
	}
}

// Operation is a parsed request ready to execute.
type Operation struct {
	doc       *ast.QueryDocument
	def       *ast.OperationDefinition
	variables map[string]any
}

// Kind returns query, mutation or subscription.
func (o *Operation) Kind() ast.Operation {
	return o.def.Operation
}

// Prepare parses req and selects the operation to run.
func Prepare(req protocol.Request) (*Operation, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "request", Input: req.Query})
	if err != nil {
		return nil, err
	}

	var def *ast.OperationDefinition
	switch {
	case req.OperationName != "":
		def = doc.Operations.ForName(req.OperationName)
		if def == nil {
			return nil, fmt.Errorf("operation %q not found", req.OperationName)
		}
	case len(doc.Operations) == 1:
		def = doc.Operations[0]
	case len(doc.Operations) == 0:
		return nil, errors.New("document contains no operation")
	default:
		return nil, errors.New("operationName is required for documents with several operations")
	}

	op := &Operation{doc: doc, def: def, variables: req.Variables}
	if op.variables == nil {
		op.variables = map[string]any{}
	}
	if def.Operation == ast.Subscription && len(op.rootFields()) != 1 {
		return nil, errors.New("subscriptions must select exactly one root field")
	}
	return op, nil
}

// Execute runs op for userID and returns the response.
func (e *Executor) Execute(ctx context.Context, userID string, op *Operation) protocol.Response {
	data := object{}
	var errs []protocol.Error

	for _, field := range op.rootFields() {
		key := responseKey(field)
		value, err := e.resolveRoot(ctx, userID, op, field)
		if err != nil {
			errs = append(errs, toGraphQLError(err, key))
			data = append(data, objectField{key: key, value: nil})
			continue
		}
		data = append(data, objectField{key: key, value: value})
	}

	outcome := "ok"
	if len(errs) > 0 {
		outcome = "error"
		e.logger.Debug().Str("operation", string(op.Kind())).Interface("errors", errs).Msg("operation failed")
	}
	metrics.GraphQLOperations.WithLabelValues(string(op.Kind()), outcome).Inc()

	raw, err := json.Marshal(data)
	if err != nil {
		return protocol.Response{Errors: []protocol.Error{{Message: "failed to encode response"}}}
	}
	return protocol.Response{Data: raw, Errors: errs}
}

// Topics lists the hub topics whose changes affect a subscription's result.
func (o *Operation) Topics(userID string) ([]string, error) {
	var topics []string
	for _, field := range o.rootFields() {
		switch field.Name {
		case "chats", "chats_by_pk":
			topics = append(topics, domain.ChangeChats.Topic(userID))
		case "messages":
			chatID, err := o.messagesChatID(field)
			if err != nil {
				return nil, err
			}
			topics = append(topics, domain.ChangeMessages.Topic(chatID))
		case "__typename":
		default:
			return nil, fmt.Errorf("field '%s' not found in type: 'subscription_root'", field.Name)
		}
	}
	return topics, nil
}

func (e *Executor) resolveRoot(ctx context.Context, userID string, op *Operation, field *ast.Field) (any, error) {
	switch op.Kind() {
	case ast.Mutation:
		return e.resolveMutation(ctx, userID, op, field)
	default:
		return e.resolveQuery(ctx, userID, op, field)
	}
}

func (e *Executor) resolveQuery(ctx context.Context, userID string, op *Operation, field *ast.Field) (any, error) {
	switch field.Name {
	case "__typename":
		if op.Kind() == ast.Subscription {
			return "subscription_root", nil
		}
		return "query_root", nil

	case "chats":
		chats, err := e.resolver.ListChats(ctx, userID)
		if err != nil {
			return nil, err
		}
		dir, err := op.orderDirection(field, "desc")
		if err != nil {
			return nil, err
		}
		if dir == "asc" {
			for i, j := 0, len(chats)-1; i < j; i, j = i+1, j-1 {
				chats[i], chats[j] = chats[j], chats[i]
			}
		}
		return projectList(op, field, len(chats), func(i int) source { return chatSource(chats[i]) })

	case "chats_by_pk":
		id, err := op.stringArg(field, "id")
		if err != nil {
			return nil, err
		}
		chat, err := e.resolver.GetChat(ctx, userID, id)
		if err != nil || chat == nil {
			return nil, err
		}
		return project(op, field, chatSource(*chat))

	case "messages":
		chatID, err := op.messagesChatID(field)
		if err != nil {
			return nil, err
		}
		msgs, err := e.resolver.GetMessages(ctx, userID, chatID)
		if err != nil {
			return nil, err
		}
		dir, err := op.orderDirection(field, "asc")
		if err != nil {
			return nil, err
		}
		if dir == "desc" {
			for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
				msgs[i], msgs[j] = msgs[j], msgs[i]
			}
		}
		return projectList(op, field, len(msgs), func(i int) source { return messageSource(msgs[i]) })
	}
	root := "query_root"
	if op.Kind() == ast.Subscription {
		root = "subscription_root"
	}
	return nil, fmt.Errorf("field '%s' not found in type: '%s'", field.Name, root)
}

func (e *Executor) resolveMutation(ctx context.Context, userID string, op *Operation, field *ast.Field) (any, error) {
	switch field.Name {
	case "__typename":
		return "mutation_root", nil

	case "insert_chats_one":
		obj, err := op.objectArg(field, "object")
		if err != nil {
			return nil, err
		}
		title, _ := obj["title"].(string)
		chat, err := e.resolver.CreateChat(ctx, userID, title)
		if err != nil {
			return nil, err
		}
		return project(op, field, chatSource(*chat))

	case "update_chats_by_pk":
		pk, err := op.objectArg(field, "pk_columns")
		if err != nil {
			return nil, err
		}
		set, err := op.objectArg(field, "_set")
		if err != nil {
			return nil, err
		}
		id, _ := pk["id"].(string)
		title, _ := set["title"].(string)
		chat, err := e.resolver.UpdateChatTitle(ctx, userID, id, title)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return project(op, field, chatSource(*chat))

	case "sendMessage":
		input, err := op.objectArg(field, "arg1")
		if err != nil {
			return nil, err
		}
		chatID, _ := input["chat_id"].(string)
		text, _ := input["message"].(string)
		if chatID == "" {
			return nil, errors.New("arg1.chat_id is required")
		}
		result, err := e.resolver.SendMessage(ctx, userID, chatID, text)
		if err != nil {
			return nil, err
		}
		return project(op, field, sendResultSource(*result))
	}
	return nil, fmt.Errorf("field '%s' not found in type: 'mutation_root'", field.Name)
}

// rootFields flattens the operation's top-level selection set.
func (o *Operation) rootFields() []*ast.Field {
	return o.fields(o.def.SelectionSet)
}

func (o *Operation) fields(set ast.SelectionSet) []*ast.Field {
	var out []*ast.Field
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			out = append(out, s)
		case *ast.InlineFragment:
			out = append(out, o.fields(s.SelectionSet)...)
		case *ast.FragmentSpread:
			if frag := o.doc.Fragments.ForName(s.Name); frag != nil {
				out = append(out, o.fields(frag.SelectionSet)...)
			}
		}
	}
	return out
}

func (o *Operation) argValue(field *ast.Field, name string) (any, error) {
	arg := field.Arguments.ForName(name)
	if arg == nil {
		return nil, nil
	}
	return arg.Value.Value(o.variables)
}

func (o *Operation) stringArg(field *ast.Field, name string) (string, error) {
	v, err := o.argValue(field, name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q of %s must be a non-empty string", name, field.Name)
	}
	return s, nil
}

func (o *Operation) objectArg(field *ast.Field, name string) (map[string]any, error) {
	v, err := o.argValue(field, name)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("argument %q of %s must be an object", name, field.Name)
	}
	return m, nil
}

// messagesChatID extracts where: {chat_id: {_eq: $id}}.
func (o *Operation) messagesChatID(field *ast.Field) (string, error) {
	where, err := o.objectArg(field, "where")
	if err != nil {
		return "", errors.New("messages requires where.chat_id._eq")
	}
	cond, _ := where["chat_id"].(map[string]any)
	id, _ := cond["_eq"].(string)
	if id == "" {
		return "", errors.New("messages requires where.chat_id._eq")
	}
	return id, nil
}

// orderDirection reads order_by: {created_at: asc|desc}.
func (o *Operation) orderDirection(field *ast.Field, def string) (string, error) {
	v, err := o.argValue(field, "order_by")
	if err != nil || v == nil {
		return def, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return "", errors.New("order_by must be an object")
	}
	for key, dir := range m {
		if key != "created_at" {
			return "", fmt.Errorf("ordering by %q is not supported", key)
		}
		switch dir {
		case "asc", "desc":
			return dir.(string), nil
		default:
			return "", fmt.Errorf("invalid order direction %v", dir)
		}
	}
	return def, nil
}

func responseKey(field *ast.Field) string {
	if field.Alias != "" {
		return field.Alias
	}
	return field.Name
}

func toGraphQLError(err error, key string) protocol.Error {
	gqlErr := protocol.Error{Message: err.Error(), Path: []string{key}}
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		gqlErr.Extensions = map[string]any{"code": "validation-failed", "field": validation.Field}
	}
	return gqlErr
}

// source exposes the fields of one output object.
type source struct {
	typename string
	fields   map[string]any
	children map[string]source
}

func chatSource(c domain.Chat) source {
	return source{
		typename: "chats",
		fields: map[string]any{
			"id":         c.ID,
			"title":      c.Title,
			"created_at": c.CreatedAt.UTC().Format(time.RFC3339Nano),
			"user_id":    c.UserID,
		},
	}
}

func messageSource(m domain.Message) source {
	return source{
		typename: "messages",
		fields: map[string]any{
			"id":         m.ID,
			"chat_id":    m.ChatID,
			"role":       string(m.Role),
			"content":    m.Content,
			"created_at": m.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

func sendResultSource(r domain.SendMessageResult) source {
	s := source{
		typename: "SendMessageOutput",
		fields: map[string]any{
			"success": r.Success,
			"error":   nil,
			"message": nil,
		},
	}
	if r.Error != "" {
		s.fields["error"] = r.Error
	}
	if r.Message != nil {
		s.children = map[string]source{"message": messageSource(*r.Message)}
	}
	return s
}

func project(op *Operation, field *ast.Field, src source) (any, error) {
	if len(field.SelectionSet) == 0 {
		return nil, fmt.Errorf("field '%s' of type '%s' must have a selection of subfields", field.Name, src.typename)
	}

	out := object{}
	for _, sub := range op.fields(field.SelectionSet) {
		key := responseKey(sub)
		if sub.Name == "__typename" {
			out = append(out, objectField{key: key, value: src.typename})
			continue
		}
		if child, ok := src.children[sub.Name]; ok {
			v, err := project(op, sub, child)
			if err != nil {
				return nil, err
			}
			out = append(out, objectField{key: key, value: v})
			continue
		}
		v, ok := src.fields[sub.Name]
		if !ok {
			return nil, fmt.Errorf("field '%s' not found in type: '%s'", sub.Name, src.typename)
		}
		if v == nil && len(sub.SelectionSet) > 0 {
			out = append(out, objectField{key: key, value: nil})
			continue
		}
		if len(sub.SelectionSet) > 0 {
			return nil, fmt.Errorf("field '%s' of type '%s' is a scalar", sub.Name, src.typename)
		}
		out = append(out, objectField{key: key, value: v})
	}
	return out, nil
}

func projectList(op *Operation, field *ast.Field, n int, at func(int) source) (any, error) {
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := project(op, field, at(i))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
