// Package service implements the backend operations behind the GraphQL and
// auth endpoints.
package service

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Publisher announces that a topic's data changed.
type Publisher interface {
	Publish(topic string)
}

// idSource issues time-ordered message IDs. Two IDs minted in the same
// millisecond still sort in creation order.
type idSource struct {
	mu      sync.Mutex
	entropy io.Reader
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *idSource) next(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}
