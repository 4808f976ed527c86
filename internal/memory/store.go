// Package memory provides per-conversation turn logs for the agent loop.
//
// Conversations live in process memory only. They are created lazily
// on first reference and are never evicted or persisted; a restart
// starts every conversation fresh.
package memory

import (
	"sync"
	"time"
)

// Entry is one exchanged turn. Role is the sender identity: a user
// display name, the assistant's name, or a "<tool>.<func>" slug for
// tool results.
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is an append-only ordered log of entries. It is safe
// for concurrent use.
type Conversation struct {
	key       Key
	createdAt time.Time

	mu      sync.RWMutex
	entries []Entry

	turn sync.Mutex // held for the duration of one agent turn
}

// NewConversation returns an empty conversation for key.
func NewConversation(key Key) *Conversation {
	return &Conversation{key: key, createdAt: time.Now()}
}

// Key returns the conversation's key.
func (c *Conversation) Key() Key { return c.key }

// CreatedAt returns when the conversation was first referenced.
func (c *Conversation) CreatedAt() time.Time { return c.createdAt }

// Add appends one entry. It always succeeds.
func (c *Conversation) Add(role, content string, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Entry{Role: role, Content: content, Timestamp: ts})
}

// AddPair appends an input entry and its response atomically, so a
// concurrent reader never observes one without the other.
func (c *Conversation) AddPair(in, out Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, in, out)
}

// Entries returns a copy of the full ordered log. Callers may read it
// repeatedly; the conversation is not affected.
func (c *Conversation) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of entries.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Store owns the conversations of one worker. It is safe for
// concurrent use.
type Store struct {
	mu            sync.Mutex
	conversations map[Key]*Conversation
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{conversations: make(map[Key]*Conversation)}
}

// GetOrCreate returns the conversation for key, creating it on first
// reference. Repeated calls with an equal key return the same
// instance for the lifetime of the store.
func (s *Store) GetOrCreate(key Key) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[key]
	if !ok {
		conv = NewConversation(key)
		s.conversations[key] = conv
	}
	return conv
}

// Acquire returns the conversation for key with its turn lock held.
// Only one caller may hold a given conversation at a time; release
// must be called exactly once when the turn ends.
func (s *Store) Acquire(key Key) (*Conversation, func()) {
	conv := s.GetOrCreate(key)
	conv.turn.Lock()
	return conv, conv.turn.Unlock
}

// Get returns the conversation for key without creating it.
func (s *Store) Get(key Key) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[key]
	return conv, ok
}

// Len returns the number of conversations referenced so far.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// Stats summarizes a store.
type Stats struct {
	Conversations int
	Entries       int
}

// Stats counts conversations and the entries they hold.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	convs := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		convs = append(convs, c)
	}
	s.mu.Unlock()

	st := Stats{Conversations: len(convs)}
	for _, c := range convs {
		st.Entries += c.Len()
	}
	return st
}
