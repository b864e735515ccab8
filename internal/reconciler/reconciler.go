package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/threadline/threadline/internal/domain"
)

// ErrSubscriptionClosed is recorded when the live stream ends on its own.
var ErrSubscriptionClosed = errors.New("message subscription closed")

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("reconciler stopped")

// MessageFetcher loads the committed messages of a chat.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, chatID string) ([]domain.Message, error)
}

// MessageSender submits a user message.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, text string) (*domain.SendMessageResult, error)
}

// MessageSubscriber streams authoritative snapshots of a chat. The channel is
// closed when ctx is cancelled or the stream ends.
type MessageSubscriber interface {
	SubscribeMessages(ctx context.Context, chatID string) (<-chan []domain.Message, error)
}

// Backend bundles the collaborators the reconciler depends on.
type Backend interface {
	MessageFetcher
	MessageSender
	MessageSubscriber
}

type snapshotEvent struct {
	chatID   string
	messages []domain.Message
}

type fetchEvent struct {
	ticket   FetchTicket
	messages []domain.Message
	err      error
}

type subscriptionEndEvent struct {
	ticket FetchTicket
	err    error
}

type sendRequest struct {
	text  string
	reply chan error
}

type sendEvent struct {
	ticket SendTicket
	result *domain.SendMessageResult
	err    error
}

// Reconciler runs a Machine on a single event loop. Collaborator calls run on
// their own goroutines and post results back to the loop.
type Reconciler struct {
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time
	machine *Machine

	activate  chan string
	snapshots chan snapshotEvent
	fetched   chan fetchEvent
	subEnded  chan subscriptionEndEvent
	sends     chan sendRequest
	sent      chan sendEvent
	drafts    chan string
	views     chan chan ChatSession

	updates chan ChatSession
	done    chan struct{}

	// owned by the loop
	runCtx    context.Context
	cancelSub context.CancelFunc
}

// New creates a reconciler. Call Run before using it.
func New(backend Backend, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		backend:   backend,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		now:       time.Now,
		machine:   NewMachine(),
		activate:  make(chan string),
		snapshots: make(chan snapshotEvent, 16),
		fetched:   make(chan fetchEvent, 4),
		subEnded:  make(chan subscriptionEndEvent, 4),
		sends:     make(chan sendRequest),
		sent:      make(chan sendEvent, 4),
		drafts:    make(chan string),
		views:     make(chan chan ChatSession),
		updates:   make(chan ChatSession, 1),
		done:      make(chan struct{}),
	}
}

// Updates delivers the latest view after every state change. Intermediate
// views may be coalesced when the reader falls behind.
func (r *Reconciler) Updates() <-chan ChatSession {
	return r.updates
}

// Run processes events until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.runCtx = ctx
	defer func() {
		if r.cancelSub != nil {
			r.cancelSub()
		}
		close(r.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case chatID := <-r.activate:
			r.handleActivate(chatID)

		case ev := <-r.fetched:
			if r.machine.FetchCompleted(ev.ticket, ev.messages, ev.err) {
				if ev.err != nil {
					r.logger.Warn().Err(ev.err).Str("chat_id", ev.ticket.ChatID).Msg("initial message fetch failed")
				}
				r.publish()
			} else {
				r.logger.Debug().Str("chat_id", ev.ticket.ChatID).Msg("dropping stale fetch result")
			}

		case ev := <-r.snapshots:
			if r.machine.ApplySnapshot(ev.chatID, ev.messages) {
				r.publish()
			}

		case ev := <-r.subEnded:
			if r.machine.SubscriptionEnded(ev.ticket, ev.err) {
				r.logger.Warn().Err(ev.err).Str("chat_id", ev.ticket.ChatID).Msg("message subscription ended")
				r.publish()
			}

		case req := <-r.sends:
			r.handleSend(req)

		case ev := <-r.sent:
			changed, err := r.machine.SendCompleted(ev.ticket, ev.result, ev.err)
			if !changed {
				r.logger.Debug().Str("chat_id", ev.ticket.ChatID).Msg("dropping stale send result")
				continue
			}
			if err != nil {
				r.logger.Warn().Err(err).Str("chat_id", ev.ticket.ChatID).Msg("error sending message")
			}
			r.publish()

		case draft := <-r.drafts:
			r.machine.SetDraft(draft)
			r.publish()

		case reply := <-r.views:
			reply <- r.machine.View()
		}
	}
}

func (r *Reconciler) handleActivate(chatID string) {
	if r.cancelSub != nil {
		r.cancelSub()
		r.cancelSub = nil
	}

	ticket, ok := r.machine.Activate(chatID)
	r.publish()
	if !ok {
		return
	}

	subCtx, cancel := context.WithCancel(r.runCtx)
	r.cancelSub = cancel

	go func() {
		msgs, err := r.backend.FetchMessages(r.runCtx, ticket.ChatID)
		select {
		case r.fetched <- fetchEvent{ticket: ticket, messages: msgs, err: err}:
		case <-r.done:
		}
	}()
	go r.pumpSnapshots(subCtx, ticket)
}

func (r *Reconciler) pumpSnapshots(ctx context.Context, ticket FetchTicket) {
	stream, err := r.backend.SubscribeMessages(ctx, ticket.ChatID)
	if err != nil {
		r.postSubscriptionEnd(ctx, ticket, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msgs, ok := <-stream:
			if !ok {
				r.postSubscriptionEnd(ctx, ticket, ErrSubscriptionClosed)
				return
			}
			select {
			case r.snapshots <- snapshotEvent{chatID: ticket.ChatID, messages: msgs}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Reconciler) postSubscriptionEnd(ctx context.Context, ticket FetchTicket, err error) {
	if ctx.Err() != nil {
		return
	}
	select {
	case r.subEnded <- subscriptionEndEvent{ticket: ticket, err: err}:
	case <-ctx.Done():
	}
}

func (r *Reconciler) handleSend(req sendRequest) {
	ticket, err := r.machine.BeginSend(req.text, r.now())
	req.reply <- err
	if err != nil {
		return
	}
	r.publish()

	go func() {
		result, err := r.backend.SendMessage(r.runCtx, ticket.ChatID, ticket.Text)
		select {
		case r.sent <- sendEvent{ticket: ticket, result: result, err: err}:
		case <-r.done:
		}
	}()
}

// publish offers the current view, replacing an unread one.
func (r *Reconciler) publish() {
	view := r.machine.View()
	select {
	case r.updates <- view:
	default:
		select {
		case <-r.updates:
		default:
		}
		r.updates <- view
	}
}

// Activate selects chatID ("" for none). Results still in flight for the
// previous chat no longer affect the view.
func (r *Reconciler) Activate(chatID string) error {
	select {
	case r.activate <- chatID:
		return nil
	case <-r.done:
		return ErrStopped
	}
}

// ApplySnapshot feeds an authoritative snapshot for chatID into the loop.
func (r *Reconciler) ApplySnapshot(chatID string, msgs []domain.Message) error {
	select {
	case r.snapshots <- snapshotEvent{chatID: chatID, messages: msgs}:
		return nil
	case <-r.done:
		return ErrStopped
	}
}

// SendMessage appends a provisional message and submits text. It returns
// once the message is queued; a validation or in-flight rejection is
// returned without touching state.
func (r *Reconciler) SendMessage(ctx context.Context, text string) error {
	req := sendRequest{text: text, reply: make(chan error, 1)}
	select {
	case r.sends <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
	return <-req.reply
}

// SetDraft records the text currently in the input box.
func (r *Reconciler) SetDraft(text string) error {
	select {
	case r.drafts <- text:
		return nil
	case <-r.done:
		return ErrStopped
	}
}

// View returns the current state.
func (r *Reconciler) View() ChatSession {
	reply := make(chan ChatSession, 1)
	select {
	case r.views <- reply:
		return <-reply
	case <-r.done:
		return ChatSession{Err: ErrStopped}
	}
}
