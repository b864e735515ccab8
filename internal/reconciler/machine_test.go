package reconciler

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/domain"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func msg(id string, role domain.Role, content string, offset time.Duration) domain.Message {
	return domain.Message{ID: id, Role: role, Content: content, CreatedAt: t0.Add(offset)}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func activated(t *testing.T, chatID string, initial ...domain.Message) *Machine {
	t.Helper()
	m := NewMachine()
	ticket, ok := m.Activate(chatID)
	require.True(t, ok)
	require.True(t, m.FetchCompleted(ticket, initial, nil))
	return m
}

func assertInvariants(t *testing.T, msgs []domain.Message) {
	t.Helper()
	seen := map[string]bool{}
	for i, m := range msgs {
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		if m.IsProvisional() {
			assert.Equal(t, len(msgs)-1, i, "provisional message must be last")
		}
		if i > 0 && !m.IsProvisional() {
			assert.False(t, m.CreatedAt.Before(msgs[i-1].CreatedAt), "messages out of order at %d", i)
		}
	}
}

func TestActivateWithoutChat(t *testing.T) {
	m := NewMachine()
	_, ok := m.Activate("")
	assert.False(t, ok)
	assert.Empty(t, m.Messages())

	_, err := m.BeginSend("hello", t0)
	assert.ErrorIs(t, err, domain.ErrNoActiveChat)
}

func TestSendSuccessReplacesProvisional(t *testing.T) {
	m1 := msg("m1", domain.RoleUser, "hi", 0)
	m := activated(t, "c1", m1)
	assert.Equal(t, []string{"m1"}, ids(m.Messages()))

	ticket, err := m.BeginSend("  yo  ", t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, m.Streaming())

	view := m.View()
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "m1", view.Messages[0].ID)
	assert.True(t, strings.HasPrefix(view.Messages[1].ID, "temp-"))
	assert.Equal(t, domain.RoleUser, view.Messages[1].Role)
	assert.Equal(t, "yo", view.Messages[1].Content)
	assert.Empty(t, view.Draft)

	m2 := msg("m2", domain.RoleUser, "yo", 2*time.Second)
	changed, err := m.SendCompleted(ticket, &domain.SendMessageResult{Success: true, Message: &m2}, nil)
	assert.True(t, changed)
	assert.NoError(t, err)

	view = m.View()
	assert.Equal(t, []string{"m1", "m2"}, ids(view.Messages))
	assert.False(t, view.Streaming)
	assert.NoError(t, view.Err)
}

func TestSendFailureFlagRemovesProvisional(t *testing.T) {
	m := activated(t, "c1", msg("m1", domain.RoleUser, "hi", 0))

	ticket, err := m.BeginSend("yo", t0.Add(time.Second))
	require.NoError(t, err)

	changed, sendErr := m.SendCompleted(ticket, &domain.SendMessageResult{Success: false, Error: "rate limited"}, nil)
	assert.True(t, changed)

	var se *domain.SendError
	require.ErrorAs(t, sendErr, &se)
	assert.Equal(t, "rate limited", se.Reason)

	view := m.View()
	assert.Equal(t, []string{"m1"}, ids(view.Messages))
	assert.False(t, view.Streaming)
	assert.ErrorAs(t, view.Err, &se)
	assert.Equal(t, "yo", view.Draft)
}

func TestSendTransportErrorRemovesProvisional(t *testing.T) {
	m := activated(t, "c1")
	boom := errors.New("connection reset")

	ticket, err := m.BeginSend("yo", t0)
	require.NoError(t, err)

	_, sendErr := m.SendCompleted(ticket, nil, boom)
	assert.ErrorIs(t, sendErr, boom)
	assert.Empty(t, m.Messages())
	assert.False(t, m.Streaming())
}

func TestSendSuccessWithoutMessageIsFailure(t *testing.T) {
	m := activated(t, "c1")
	ticket, err := m.BeginSend("yo", t0)
	require.NoError(t, err)

	_, sendErr := m.SendCompleted(ticket, &domain.SendMessageResult{Success: true}, nil)
	require.Error(t, sendErr)
	assert.Empty(t, m.Messages())
}

func TestFailureKeepsNewDraft(t *testing.T) {
	m := activated(t, "c1")
	ticket, err := m.BeginSend("first", t0)
	require.NoError(t, err)

	m.SetDraft("second")
	_, _ = m.SendCompleted(ticket, &domain.SendMessageResult{Error: "nope"}, nil)
	assert.Equal(t, "second", m.View().Draft)
}

func TestSnapshotAbsorbsProvisional(t *testing.T) {
	m1 := msg("m1", domain.RoleUser, "hi", 0)
	m := activated(t, "c1", m1)

	ticket, err := m.BeginSend("yo", t0.Add(time.Second))
	require.NoError(t, err)

	m2 := msg("m2", domain.RoleUser, "yo", 2*time.Second)
	assert.True(t, m.ApplySnapshot("c1", []domain.Message{m1, m2}))
	assert.Equal(t, []string{"m1", "m2"}, ids(m.Messages()))
	assert.True(t, m.Streaming())

	_, err = m.SendCompleted(ticket, &domain.SendMessageResult{Success: true, Message: &m2}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(m.Messages()))
	assert.False(t, m.Streaming())
}

func TestSnapshotWithOlderEqualContentDoesNotAbsorb(t *testing.T) {
	m1 := msg("m1", domain.RoleUser, "yo", 0)
	m := activated(t, "c1", m1)

	_, err := m.BeginSend("yo", t0.Add(time.Second))
	require.NoError(t, err)

	reply := msg("a1", domain.RoleAssistant, "hey", time.Second)
	assert.True(t, m.ApplySnapshot("c1", []domain.Message{m1, reply}))

	got := m.Messages()
	require.Len(t, got, 3)
	assert.True(t, got[2].IsProvisional())
}

func TestSendBeforeFetchKeepsProvisionalOverOlderEqualContent(t *testing.T) {
	m := NewMachine()
	fetch, ok := m.Activate("c1")
	require.True(t, ok)

	ticket, err := m.BeginSend("yo", t0)
	require.NoError(t, err)

	old := msg("m0", domain.RoleUser, "yo", -time.Hour)
	assert.True(t, m.FetchCompleted(fetch, []domain.Message{old}, nil))

	got := m.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "m0", got[0].ID)
	assert.True(t, got[1].IsProvisional())
	assert.True(t, m.Streaming())
	assertInvariants(t, got)

	copyOfSend := msg("m1", domain.RoleUser, "yo", -time.Second)
	assert.True(t, m.ApplySnapshot("c1", []domain.Message{old, copyOfSend}))
	assert.Equal(t, []string{"m0", "m1"}, ids(m.Messages()))

	_, err = m.SendCompleted(ticket, &domain.SendMessageResult{Success: true, Message: &copyOfSend}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1"}, ids(m.Messages()))
}

func TestSnapshotForOtherChatIgnored(t *testing.T) {
	m := activated(t, "c1", msg("m1", domain.RoleUser, "hi", 0))
	assert.False(t, m.ApplySnapshot("c2", []domain.Message{msg("x", domain.RoleUser, "x", 0)}))
	assert.Equal(t, []string{"m1"}, ids(m.Messages()))
}

func TestSnapshotCheapEqualityShortCircuits(t *testing.T) {
	m1 := msg("m1", domain.RoleUser, "hi", 0)
	m := activated(t, "c1", m1)

	edited := m1
	edited.Content = "edited"
	assert.False(t, m.ApplySnapshot("c1", []domain.Message{edited}))
	assert.Equal(t, "hi", m.Messages()[0].Content)

	assert.True(t, m.ApplySnapshot("c1", nil))
	assert.Empty(t, m.Messages())
}

func TestSnapshotDropsDuplicateIDs(t *testing.T) {
	m := activated(t, "c1")
	m1 := msg("m1", domain.RoleUser, "hi", 0)
	assert.True(t, m.ApplySnapshot("c1", []domain.Message{m1, m1, msg("m2", domain.RoleAssistant, "yo", time.Second)}))
	assert.Equal(t, []string{"m1", "m2"}, ids(m.Messages()))
}

func TestStaleFetchDiscarded(t *testing.T) {
	m := NewMachine()
	ticketA, _ := m.Activate("chatA")
	ticketB, _ := m.Activate("chatB")

	assert.False(t, m.FetchCompleted(ticketA, []domain.Message{msg("a1", domain.RoleUser, "a", 0)}, nil))
	assert.True(t, m.FetchCompleted(ticketB, []domain.Message{msg("b1", domain.RoleUser, "b", 0)}, nil))
	assert.Equal(t, []string{"b1"}, ids(m.Messages()))
	assert.Equal(t, "chatB", m.ChatID())
}

func TestStaleFetchForReactivatedChatDiscarded(t *testing.T) {
	m := NewMachine()
	first, _ := m.Activate("chatA")
	m.Activate("chatB")
	second, _ := m.Activate("chatA")

	assert.False(t, m.FetchCompleted(first, []domain.Message{msg("old", domain.RoleUser, "a", 0)}, nil))
	assert.True(t, m.FetchCompleted(second, []domain.Message{msg("new", domain.RoleUser, "a", 0)}, nil))
	assert.Equal(t, []string{"new"}, ids(m.Messages()))
}

func TestFetchErrorRecorded(t *testing.T) {
	m := NewMachine()
	ticket, _ := m.Activate("c1")
	assert.True(t, m.FetchCompleted(ticket, nil, errors.New("503")))

	var fe *domain.FetchError
	assert.ErrorAs(t, m.View().Err, &fe)

	assert.True(t, m.FetchCompleted(ticket, []domain.Message{msg("m1", domain.RoleUser, "hi", 0)}, nil))
	assert.NoError(t, m.View().Err)
}

func TestSubscriptionEndedRecorded(t *testing.T) {
	m := NewMachine()
	ticket, _ := m.Activate("c1")
	assert.False(t, m.SubscriptionEnded(ticket, nil))
	assert.True(t, m.SubscriptionEnded(ticket, ErrSubscriptionClosed))
	assert.ErrorIs(t, m.View().Err, ErrSubscriptionClosed)
}

func TestSendWhileStreamingRejected(t *testing.T) {
	m := activated(t, "c1", msg("m1", domain.RoleUser, "hi", 0))
	_, err := m.BeginSend("one", t0)
	require.NoError(t, err)
	before := m.View()

	_, err = m.BeginSend("two", t0)
	assert.ErrorIs(t, err, domain.ErrSendInFlight)
	assert.Equal(t, before, m.View())
}

func TestEmptyMessageRejected(t *testing.T) {
	m := activated(t, "c1")
	_, err := m.BeginSend("   ", t0)

	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.False(t, m.Streaming())
	assert.Empty(t, m.Messages())
}

func TestSendResultAfterChatSwitchIgnored(t *testing.T) {
	m := activated(t, "c1")
	oldTicket, err := m.BeginSend("for c1", t0)
	require.NoError(t, err)

	ticket, _ := m.Activate("c2")
	m.FetchCompleted(ticket, nil, nil)
	assert.False(t, m.Streaming())

	newTicket, err := m.BeginSend("for c2", t0.Add(time.Second))
	require.NoError(t, err)

	committed := msg("x1", domain.RoleUser, "for c1", time.Second)
	changed, _ := m.SendCompleted(oldTicket, &domain.SendMessageResult{Success: true, Message: &committed}, nil)
	assert.False(t, changed)
	assert.True(t, m.Streaming())

	got := m.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, newTicket.ProvisionalID, got[0].ID)
}

func TestProvisionalIDsDistinct(t *testing.T) {
	m := activated(t, "c1")
	first, err := m.BeginSend("a", t0)
	require.NoError(t, err)
	_, _ = m.SendCompleted(first, nil, errors.New("x"))

	second, err := m.BeginSend("b", t0)
	require.NoError(t, err)
	assert.NotEqual(t, first.ProvisionalID, second.ProvisionalID)
}

// Every interleaving of fetch, snapshot and send confirmation must converge to
// a single committed copy of the sent message.
func TestInterleavingsConverge(t *testing.T) {
	m1 := msg("m1", domain.RoleUser, "hi", 0)
	m2 := msg("m2", domain.RoleUser, "yo", 2*time.Second)
	a1 := msg("a1", domain.RoleAssistant, "hello", 3*time.Second)

	const (
		fetch = iota
		snapshot
		confirm
	)
	orders := [][]int{
		{fetch, snapshot, confirm},
		{fetch, confirm, snapshot},
		{snapshot, fetch, confirm},
		{snapshot, confirm, fetch},
		{confirm, fetch, snapshot},
		{confirm, snapshot, fetch},
	}

	for _, order := range orders {
		m := NewMachine()
		ticket, _ := m.Activate("c1")
		send, err := m.BeginSend("yo", t0.Add(time.Second))
		require.NoError(t, err)

		inFlight := 0
		for _, mm := range m.Messages() {
			if mm.Content == "yo" && mm.Role == domain.RoleUser {
				inFlight++
			}
		}
		assert.Equal(t, 1, inFlight)

		for _, step := range order {
			switch step {
			case fetch:
				m.FetchCompleted(ticket, []domain.Message{m1, m2, a1}, nil)
			case snapshot:
				m.ApplySnapshot("c1", []domain.Message{m1, m2, a1})
			case confirm:
				committed := m2
				_, err := m.SendCompleted(send, &domain.SendMessageResult{Success: true, Message: &committed}, nil)
				require.NoError(t, err)
			}
			assertInvariants(t, m.Messages())
		}

		assert.Equal(t, []string{"m1", "m2", "a1"}, ids(m.Messages()), "order %v", order)
		assert.False(t, m.Streaming())
	}
}
