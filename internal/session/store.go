// Package session holds per-login transient state: consumed MFA token IDs and
// in-flight WebAuthn ceremony data. Nothing here is durable: a ceremony left
// unanswered simply expires, and a restart invalidates pending logins, which
// begin again from the password step.
package session

import (
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

const CeremonyTTL = 5 * time.Minute

type ceremonyEntry struct {
	data      webauthn.SessionData
	expiresAt time.Time
}

type Store struct {
	mu         sync.Mutex
	consumed   map[string]time.Time
	ceremonies map[string]ceremonyEntry
}

func NewStore() *Store {
	return &Store{
		consumed:   make(map[string]time.Time),
		ceremonies: make(map[string]ceremonyEntry),
	}
}

// IsJTIValid reports whether a pending-token ID has not been consumed yet.
func (s *Store) IsJTIValid(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.consumed[jti]
	return !exists
}

// ConsumeJTI marks a pending-token ID as used. It returns false when the JTI
// was already consumed, so concurrent verifications agree on a single winner.
func (s *Store) ConsumeJTI(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.consumed[jti]; exists {
		return false
	}
	s.consumed[jti] = time.Now()
	return true
}

// PutCeremony stores WebAuthn session data under a caller-chosen key,
// replacing any previous ceremony under the same key.
func (s *Store) PutCeremony(key string, data webauthn.SessionData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ceremonies[key] = ceremonyEntry{
		data:      data,
		expiresAt: time.Now().Add(CeremonyTTL),
	}
}

// TakeCeremony removes and returns the ceremony stored under key. The removal
// is unconditional: a finish attempt spends the challenge win or lose.
func (s *Store) TakeCeremony(key string) (webauthn.SessionData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.ceremonies[key]
	if !ok {
		return webauthn.SessionData{}, false
	}
	delete(s.ceremonies, key)
	if time.Now().After(entry.expiresAt) {
		return webauthn.SessionData{}, false
	}
	return entry.data, true
}

// DropCeremony discards a pending ceremony without returning it.
func (s *Store) DropCeremony(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ceremonies, key)
}

// StartCleanup sweeps expired ceremonies and stale consumed JTIs. Consumed
// JTIs only need to outlive the MFA token expiry window.
func (s *Store) StartCleanup(interval, jtiRetention time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			s.sweep(jtiRetention)
		}
	}()
}

func (s *Store) sweep(jtiRetention time.Duration) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.ceremonies {
		if now.After(entry.expiresAt) {
			delete(s.ceremonies, key)
		}
	}
	for jti, consumedAt := range s.consumed {
		if now.Sub(consumedAt) > jtiRetention {
			delete(s.consumed, jti)
		}
	}
}
