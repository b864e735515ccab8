// Package reconciler keeps a chat's displayed message list consistent while
// updates arrive from the initial fetch, the live subscription and local sends.
package reconciler

import (
	"fmt"
	"strings"
	"time"

	"github.com/threadline/threadline/internal/domain"
)

// ChatSession is the view of the active chat.
type ChatSession struct {
	ChatID    string
	Messages  []domain.Message
	Streaming bool
	Draft     string
	Err       error
}

// FetchTicket identifies an initial fetch issued by Activate.
type FetchTicket struct {
	Generation uint64
	ChatID     string
}

// SendTicket identifies the send started by BeginSend.
type SendTicket struct {
	Generation    uint64
	ChatID        string
	ProvisionalID string
	Text          string
}

// absorbSkew is how much older than the provisional message the server's
// copy may be stamped, to tolerate clock drift between client and server.
const absorbSkew = 30 * time.Second

type provisional struct {
	ticket SendTicket
	msg    domain.Message
	// ids present in the baseline when the send began; a user message with
	// the same content outside this set, stamped no earlier than the send
	// (less absorbSkew), is the server's copy.
	known map[string]struct{}
}

// Machine is the reconciliation state machine. It is not safe for concurrent
// use; Reconciler serializes all calls through its event loop.
type Machine struct {
	chatID     string
	generation uint64
	baseline   []domain.Message
	pending    *provisional
	streaming  bool
	draft      string
	err        error
	seq        uint64
}

// NewMachine returns a machine with no active chat.
func NewMachine() *Machine {
	return &Machine{}
}

// ChatID returns the active chat id, or "" when none is selected.
func (m *Machine) ChatID() string {
	return m.chatID
}

// Streaming reports whether a send is outstanding.
func (m *Machine) Streaming() bool {
	return m.streaming
}

// Activate switches to chatID and discards all state of the previous chat.
// The returned ticket must accompany the fetch result; ok is false when
// chatID is empty and nothing should be fetched.
func (m *Machine) Activate(chatID string) (ticket FetchTicket, ok bool) {
	m.generation++
	m.chatID = chatID
	m.baseline = nil
	m.pending = nil
	m.streaming = false
	m.draft = ""
	m.err = nil

	ticket = FetchTicket{Generation: m.generation, ChatID: chatID}
	return ticket, chatID != ""
}

func (m *Machine) current(generation uint64, chatID string) bool {
	return m.chatID != "" && generation == m.generation && chatID == m.chatID
}

// FetchCompleted applies the initial fetch result. Results for an abandoned
// activation are dropped and report false.
func (m *Machine) FetchCompleted(ticket FetchTicket, msgs []domain.Message, err error) bool {
	if !m.current(ticket.Generation, ticket.ChatID) {
		return false
	}
	if err != nil {
		m.err = &domain.FetchError{Op: "load messages", Err: err}
		return true
	}
	if _, ok := m.err.(*domain.FetchError); ok {
		m.err = nil
	}
	m.baseline = normalize(msgs)
	return true
}

// SubscriptionEnded records that the live stream for ticket stopped.
func (m *Machine) SubscriptionEnded(ticket FetchTicket, err error) bool {
	if !m.current(ticket.Generation, ticket.ChatID) || err == nil {
		return false
	}
	m.err = &domain.FetchError{Op: "subscribe to messages", Err: err}
	return true
}

// ApplySnapshot replaces the baseline with an authoritative snapshot for
// chatID. It reports false when the snapshot belongs to another chat or
// looks equal to the displayed list (same length, same last id).
func (m *Machine) ApplySnapshot(chatID string, snapshot []domain.Message) bool {
	if m.chatID == "" || chatID != m.chatID {
		return false
	}
	if sameTail(m.Messages(), snapshot) {
		return false
	}
	m.baseline = normalize(snapshot)
	return true
}

// BeginSend validates text and, if accepted, appends a provisional message
// and marks the machine as streaming. A rejected send changes nothing.
func (m *Machine) BeginSend(text string, now time.Time) (SendTicket, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SendTicket{}, domain.ErrEmptyMessage
	}
	if m.chatID == "" {
		return SendTicket{}, domain.ErrNoActiveChat
	}
	if m.streaming {
		return SendTicket{}, domain.ErrSendInFlight
	}

	m.seq++
	ticket := SendTicket{
		Generation:    m.generation,
		ChatID:        m.chatID,
		ProvisionalID: fmt.Sprintf("%s%d-%d", domain.ProvisionalPrefix, now.UnixMilli(), m.seq),
		Text:          text,
	}

	known := make(map[string]struct{}, len(m.baseline))
	for _, msg := range m.baseline {
		known[msg.ID] = struct{}{}
	}

	m.pending = &provisional{
		ticket: ticket,
		msg: domain.Message{
			ID:        ticket.ProvisionalID,
			ChatID:    m.chatID,
			Role:      domain.RoleUser,
			Content:   text,
			CreatedAt: now,
		},
		known: known,
	}
	m.streaming = true
	m.draft = ""
	return ticket, nil
}

// SendCompleted settles the send identified by ticket. A stale ticket is
// ignored. Otherwise streaming is always cleared; on success the committed
// message takes the provisional slot, on failure the provisional message is
// dropped and the returned error describes why.
func (m *Machine) SendCompleted(ticket SendTicket, result *domain.SendMessageResult, err error) (bool, error) {
	if m.pending == nil || m.pending.ticket != ticket || !m.current(ticket.Generation, ticket.ChatID) {
		return false, nil
	}
	m.pending = nil
	m.streaming = false

	if err == nil && result != nil && result.Success && result.Message != nil {
		committed := *result.Message
		if !m.hasID(committed.ID) {
			m.baseline = insertOrdered(m.baseline, committed)
		}
		return true, nil
	}

	sendErr := &domain.SendError{ChatID: ticket.ChatID, Err: err}
	if err == nil {
		switch {
		case result == nil:
			sendErr.Reason = "empty response"
		case result.Error != "":
			sendErr.Reason = result.Error
		case result.Success:
			sendErr.Reason = "response carried no message"
		}
	}
	m.err = sendErr
	if m.draft == "" {
		m.draft = ticket.Text
	}
	return true, sendErr
}

// SetDraft stores the unsent input.
func (m *Machine) SetDraft(text string) {
	m.draft = text
}

// Messages returns the displayed list: the baseline with the provisional
// message appended unless the baseline already holds the server's copy.
func (m *Machine) Messages() []domain.Message {
	out := make([]domain.Message, 0, len(m.baseline)+1)
	out = append(out, m.baseline...)
	if m.pending != nil && !m.absorbed() {
		out = append(out, m.pending.msg)
	}
	return out
}

// View returns a copy of the current state.
func (m *Machine) View() ChatSession {
	return ChatSession{
		ChatID:    m.chatID,
		Messages:  m.Messages(),
		Streaming: m.streaming,
		Draft:     m.draft,
		Err:       m.err,
	}
}

func (m *Machine) absorbed() bool {
	p := m.pending
	notBefore := p.msg.CreatedAt.Add(-absorbSkew)
	for _, msg := range m.baseline {
		if msg.ID == p.msg.ID {
			return true
		}
		if _, ok := p.known[msg.ID]; ok {
			continue
		}
		if msg.CreatedAt.Before(notBefore) {
			continue
		}
		if msg.Role == domain.RoleUser && msg.Content == p.msg.Content {
			return true
		}
	}
	return false
}

func (m *Machine) hasID(id string) bool {
	for _, msg := range m.baseline {
		if msg.ID == id {
			return true
		}
	}
	return false
}

// sameTail is the cheap equality check used to skip redundant snapshots.
func sameTail(current, snapshot []domain.Message) bool {
	if len(current) != len(snapshot) {
		return false
	}
	if len(current) == 0 {
		return true
	}
	return current[len(current)-1].ID == snapshot[len(snapshot)-1].ID
}

// normalize copies msgs and drops repeated ids, keeping the first.
func normalize(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, msg := range msgs {
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		out = append(out, msg)
	}
	return out
}

// insertOrdered places msg after every entry not newer than it, which is the
// tail in the common case.
func insertOrdered(list []domain.Message, msg domain.Message) []domain.Message {
	i := len(list)
	for i > 0 && list[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	list = append(list, domain.Message{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	return list
}
