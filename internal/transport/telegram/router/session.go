package router

import (
	"sync"
	"time"
)

// inputMode is what the next plain message of an operator is read as.
type inputMode string

const (
	modeChannels inputMode = "channels"
	modeTimes    inputMode = "times"
	modeMessage  inputMode = "message"
)

type session struct {
	group string
	mode  inputMode
	exp   time.Time
}

type sessionKey struct {
	chat int64
	user int64
}

// sessionStore holds one pending prompt per operator and chat.
type sessionStore struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[sessionKey]session
	now func() time.Time
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{ttl: ttl, m: map[sessionKey]session{}, now: time.Now}
}

func (s *sessionStore) set(chat, user int64, group string, mode inputMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.m {
		if now.After(v.exp) {
			delete(s.m, k)
		}
	}
	s.m[sessionKey{chat, user}] = session{group: group, mode: mode, exp: now.Add(s.ttl)}
}

func (s *sessionStore) get(chat, user int64) (session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{chat, user}
	v, ok := s.m[k]
	if !ok {
		return session{}, false
	}
	if s.now().After(v.exp) {
		delete(s.m, k)
		return session{}, false
	}
	return v, true
}

// clear drops the prompt and reports whether one was pending.
func (s *sessionStore) clear(chat, user int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{chat, user}
	_, ok := s.m[k]
	delete(s.m, k)
	return ok
}
