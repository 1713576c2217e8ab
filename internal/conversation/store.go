// Package conversation implements the ordered turn history shared between the
// session coordinator and the transport layer.
//
// The Store is append-only from the coordinator's perspective: user and
// system turns are appended fully formed, while an assistant turn passes
// through a Draft phase in which streamed fragments extend its content. Only
// a completed draft reaches the history, so every stored turn is frozen at
// append time and a snapshot never observes a half-written turn.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxloop/voxloop/pkg/types"
)

// ErrInvalidState indicates a contract violation by the caller, such as
// starting a second assistant draft while one is already in flight.
var ErrInvalidState = errors.New("conversation: invalid state")

// Role identifies the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is one exchange unit in the conversation history. Once a Turn has been
// appended to the Store its content never changes.
type Turn struct {
	// ID uniquely identifies the turn.
	ID string

	// Role is the author of the turn.
	Role Role

	// Content is the turn's text.
	Content string

	// CreatedAt marks when the turn entered the history.
	CreatedAt time.Time
}

// Draft is an in-flight assistant turn whose content is still being extended
// by streaming fragments. A Draft is mutable until it is completed (frozen
// and appended) or discarded. Safe for concurrent use, though in practice the
// coordinator's consumer loop is the only writer.
type Draft struct {
	mu        sync.Mutex
	id        string
	content   strings.Builder
	startedAt time.Time
}

// ID returns the identifier the completed turn will carry.
func (d *Draft) ID() string { return d.id }

// Extend appends a streamed fragment to the draft's content.
func (d *Draft) Extend(fragment string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.content.WriteString(fragment)
}

// Content returns the text accumulated so far.
func (d *Draft) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content.String()
}

// Store is the ordered conversation history. Append is the sole mutator
// (single-writer); Snapshot may be called concurrently from any goroutine.
type Store struct {
	mu    sync.RWMutex
	turns []Turn
	draft *Draft
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Append adds a fully formed turn at the tail of the history. A zero
// CreatedAt is stamped with the current time and an empty ID is assigned.
//
// Returns ErrInvalidState for an unknown role, or for an assistant turn while
// an assistant draft is still in flight: assistant content must reach the
// history through CompleteDraft so that it is frozen at append time.
func (s *Store) Append(t Turn) error {
	if !t.Role.IsValid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidState, t.Role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Role == RoleAssistant && s.draft != nil {
		return fmt.Errorf("%w: assistant turn already in flight", ErrInvalidState)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.turns = append(s.turns, t)
	return nil
}

// StartAssistant opens a new assistant draft. Returns ErrInvalidState if a
// draft is already in flight.
func (s *Store) StartAssistant() (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draft != nil {
		return nil, fmt.Errorf("%w: assistant turn already in flight", ErrInvalidState)
	}
	d := &Draft{
		id:        uuid.NewString(),
		startedAt: time.Now(),
	}
	s.draft = d
	return d, nil
}

// CompleteDraft freezes the draft and appends it to the history as an
// assistant turn. Returns ErrInvalidState if d is not the current in-flight
// draft.
func (s *Store) CompleteDraft(d *Draft) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draft == nil || s.draft != d {
		return Turn{}, fmt.Errorf("%w: draft is not in flight", ErrInvalidState)
	}
	t := Turn{
		ID:        d.id,
		Role:      RoleAssistant,
		Content:   d.Content(),
		CreatedAt: time.Now(),
	}
	s.turns = append(s.turns, t)
	s.draft = nil
	return t, nil
}

// DiscardDraft drops the in-flight draft without appending anything. Calling
// it with a draft that is not in flight is a no-op, so a failed turn can be
// discarded unconditionally.
func (s *Store) DiscardDraft(d *Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draft == d {
		s.draft = nil
	}
}

// Truncate drops the oldest non-system turns until the history holds at most
// maxTurns entries. A leading system turn is never removed. No-op when the
// history is already within bound or maxTurns is not positive.
func (s *Store) Truncate(maxTurns int) {
	if maxTurns <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) <= maxTurns {
		return
	}

	head := 0
	var kept []Turn
	if len(s.turns) > 0 && s.turns[0].Role == RoleSystem {
		kept = append(kept, s.turns[0])
		head = 1
	}

	drop := len(s.turns) - maxTurns
	if head+drop > len(s.turns) {
		drop = len(s.turns) - head
	}
	kept = append(kept, s.turns[head+drop:]...)
	s.turns = kept
}

// Snapshot returns an immutable ordered copy of the history, safe to read
// concurrently with appends.
func (s *Store) Snapshot() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the current number of stored turns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Messages converts the history into the message form consumed by LLM
// providers.
func (s *Store) Messages() []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Message, 0, len(s.turns))
	for _, t := range s.turns {
		out = append(out, types.Message{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}
	return out
}
