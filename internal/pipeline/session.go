package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrSuperseded is returned for an ask whose session started a newer ask
// before it finished. Its result is discarded.
var ErrSuperseded = errors.New("superseded by a newer query")

// Asker runs a single ask.
type Asker interface {
	Ask(ctx context.Context, username, query string) (Response, error)
}

// Session serialises the visible results of one client's asks: only the
// most recently started ask may deliver its response. Older asks run to
// completion but report ErrSuperseded.
type Session struct {
	asker    Asker
	username string
	gen      atomic.Uint64
}

// NewSession creates a Session for username.
func NewSession(asker Asker, username string) *Session {
	return &Session{asker: asker, username: username}
}

// Ask starts a new generation and runs query.
func (s *Session) Ask(ctx context.Context, query string) (Response, error) {
	gen := s.gen.Add(1)
	resp, err := s.asker.Ask(ctx, s.username, query)
	if latest := s.gen.Load(); latest != gen {
		slog.Warn("discarding superseded ask", "user", s.username, "generation", gen, "latest", latest)
		return Response{}, ErrSuperseded
	}
	return resp, err
}

// Sessions keeps a bounded set of Sessions keyed by user and client id.
type Sessions struct {
	asker Asker
	mu    sync.Mutex
	cache *lru.Cache[sessionKey, *Session]
}

type sessionKey struct {
	username string
	id       string
}

// NewSessions creates a registry holding at most size sessions; the least
// recently used is forgotten first.
func NewSessions(asker Asker, size int) *Sessions {
	if size <= 0 {
		size = 256
	}
	cache, _ := lru.New[sessionKey, *Session](size)
	return &Sessions{asker: asker, cache: cache}
}

// Get returns the session for (username, id), creating it if needed.
func (s *Sessions) Get(username, id string) *Session {
	key := sessionKey{username: username, id: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache.Get(key); ok {
		return sess
	}
	sess := NewSession(s.asker, username)
	s.cache.Add(key, sess)
	return sess
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int { return s.cache.Len() }
