package tgui

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// TokenStore keeps payloads server-side so only a short token travels in
// callback_data. Tokens never contain ':'.
type TokenStore struct {
	mu  sync.Mutex
	ttl time.Duration
	max int
	m   map[string]tokenEntry

	now func() time.Time
}

type tokenEntry struct {
	v   string
	exp time.Time
}

// NewTokenStore defaults to ttl=15m, max=5000.
func NewTokenStore(ttl time.Duration, max int) *TokenStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if max <= 0 {
		max = 5000
	}
	return &TokenStore{ttl: ttl, max: max, m: map[string]tokenEntry{}, now: time.Now}
}

// Put stores v and returns a 9-byte token ("~" + 8 base64url chars).
func (s *TokenStore) Put(v string) string {
	var buf [6]byte
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	for {
		_, _ = rand.Read(buf[:])
		tok := "~" + base64.RawURLEncoding.EncodeToString(buf[:])
		if _, exists := s.m[tok]; exists {
			continue
		}
		s.m[tok] = tokenEntry{v: v, exp: now.Add(s.ttl)}
		return tok
	}
}

func (s *TokenStore) Get(tok string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[tok]
	if !ok {
		return "", false
	}
	if s.now().After(e.exp) {
		delete(s.m, tok)
		return "", false
	}
	return e.v, true
}

func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *TokenStore) sweepLocked(now time.Time) {
	for k, e := range s.m {
		if now.After(e.exp) {
			delete(s.m, k)
		}
	}
	// Evict arbitrary entries when still over the limit.
	for k := range s.m {
		if len(s.m) < s.max {
			break
		}
		delete(s.m, k)
	}
}
