package query

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai"
)

// Sessions keeps the recent turns of chat conversations in memory. Idle
// sessions expire after the TTL.
type Sessions struct {
	mu       sync.Mutex
	store    *cache.Cache
	maxTurns int
}

// NewSessions creates a session store keeping at most maxTurns question
// and answer pairs per session.
func NewSessions(ttl time.Duration, maxTurns int) *Sessions {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &Sessions{store: cache.New(ttl, ttl/2), maxTurns: maxTurns}
}

// History returns a copy of the session's messages, oldest first.
func (s *Sessions) History(id string) []ai.ChatMessage {
	if id == "" {
		return nil
	}
	v, ok := s.store.Get(id)
	if !ok {
		return nil
	}
	return append([]ai.ChatMessage(nil), v.([]ai.ChatMessage)...)
}

// Append adds messages to the session and refreshes its expiry.
func (s *Sessions) Append(id string, msgs ...ai.ChatMessage) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.History(id)
	history = append(history, msgs...)
	if limit := 2 * s.maxTurns; len(history) > limit {
		history = history[len(history)-limit:]
	}
	s.store.SetDefault(id, history)
}

// Reset forgets a session.
func (s *Sessions) Reset(id string) {
	s.store.Delete(id)
}
