package session

import (
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

func TestConsumeJTISingleWinner(t *testing.T) {
	s := NewStore()

	if !s.IsJTIValid("jti-1") {
		t.Fatal("fresh JTI must be valid")
	}

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ConsumeJTI("jti-1") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if s.IsJTIValid("jti-1") {
		t.Fatal("consumed JTI must be invalid")
	}
}

func TestTakeCeremonyIsSingleUse(t *testing.T) {
	s := NewStore()

	s.PutCeremony("auth:abc", webauthn.SessionData{Challenge: "challenge-1"})

	data, ok := s.TakeCeremony("auth:abc")
	if !ok {
		t.Fatal("expected the stored ceremony")
	}
	if data.Challenge != "challenge-1" {
		t.Fatalf("unexpected challenge %q", data.Challenge)
	}

	if _, ok := s.TakeCeremony("auth:abc"); ok {
		t.Fatal("a ceremony must be spent by the first take")
	}
}

func TestPutCeremonyReplacesPrevious(t *testing.T) {
	s := NewStore()

	s.PutCeremony("reg:user", webauthn.SessionData{Challenge: "old"})
	s.PutCeremony("reg:user", webauthn.SessionData{Challenge: "new"})

	data, ok := s.TakeCeremony("reg:user")
	if !ok || data.Challenge != "new" {
		t.Fatalf("expected the replacement ceremony, got %+v ok=%v", data, ok)
	}
}

func TestExpiredCeremonyNotReturned(t *testing.T) {
	s := NewStore()

	s.PutCeremony("auth:old", webauthn.SessionData{Challenge: "stale"})
	s.mu.Lock()
	entry := s.ceremonies["auth:old"]
	entry.expiresAt = time.Now().Add(-time.Second)
	s.ceremonies["auth:old"] = entry
	s.mu.Unlock()

	if _, ok := s.TakeCeremony("auth:old"); ok {
		t.Fatal("expired ceremony must not be returned")
	}
}

func TestSweepDropsStaleEntries(t *testing.T) {
	s := NewStore()

	s.PutCeremony("auth:stale", webauthn.SessionData{Challenge: "x"})
	s.ConsumeJTI("jti-old")

	s.mu.Lock()
	entry := s.ceremonies["auth:stale"]
	entry.expiresAt = time.Now().Add(-time.Minute)
	s.ceremonies["auth:stale"] = entry
	s.consumed["jti-old"] = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	s.sweep(30 * time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ceremonies["auth:stale"]; ok {
		t.Fatal("sweep must drop expired ceremonies")
	}
	if _, ok := s.consumed["jti-old"]; ok {
		t.Fatal("sweep must drop consumed JTIs past retention")
	}
}
