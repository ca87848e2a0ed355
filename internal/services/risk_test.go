package services

import (
	"testing"
	"time"

	"github.com/vshub/backend/internal/models"
)

const chromeWindowsUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/126.0.0.0 Safari/537.36"

func newRiskService(t *testing.T) (*RiskService, *models.User) {
	t.Helper()
	db := openTestDB(t)
	svc := NewRiskService(db, newTestVault(t), testTwofaConfig())
	user := createUser(t, db, "riskuser")
	return svc, user
}

func TestDeviceHashIgnoresIP(t *testing.T) {
	// The fingerprint depends on the user agent alone, so only the UA goes in.
	if DeviceHash(chromeWindowsUA) != DeviceHash(chromeWindowsUA) {
		t.Fatal("hash must be deterministic")
	}
	if DeviceHash(chromeWindowsUA) == DeviceHash("other agent") {
		t.Fatal("different agents must hash differently")
	}
	if len(DeviceHash(chromeWindowsUA)) != 64 {
		t.Fatal("expected a hex SHA-256 digest")
	}
}

func TestDeviceLabel(t *testing.T) {
	cases := []struct {
		ua       string
		expected string
	}{
		{chromeWindowsUA, "Chrome en Windows"},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) Gecko/20100101 Firefox/127.0", "Firefox en macOS"},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Version/17.0 Safari/604.1", "Safari en iOS"},
		{"Mozilla/5.0 (X11; Linux x86_64) Chrome/126.0.0.0 Safari/537.36", "Chrome en Linux"},
		{"curl/8.4.0", "Navegador en dispositivo desconocido"},
	}
	for _, tc := range cases {
		if got := DeviceLabel(tc.ua); got != tc.expected {
			t.Fatalf("DeviceLabel(%q) = %q, want %q", tc.ua, got, tc.expected)
		}
	}
}

func TestGrantAndLookupTrust(t *testing.T) {
	svc, user := newRiskService(t)

	if err := svc.GrantTrust(user.ID, chromeWindowsUA, "10.0.0.1"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	device, err := svc.LookupTrust(user.ID, DeviceHash(chromeWindowsUA))
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if device == nil {
		t.Fatal("expected a live trust grant")
	}
	if device.Label != "Chrome en Windows" {
		t.Fatalf("unexpected label %q", device.Label)
	}
	if device.IPAddress == "10.0.0.1" {
		t.Fatal("stored IP must be encrypted")
	}

	// An unknown fingerprint misses.
	miss, err := svc.LookupTrust(user.ID, DeviceHash("unknown agent"))
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if miss != nil {
		t.Fatal("expected no grant for an unknown device")
	}
}

func TestLookupTrustTreatsExpiredAsAbsent(t *testing.T) {
	svc, user := newRiskService(t)

	if err := svc.GrantTrust(user.ID, chromeWindowsUA, "10.0.0.1"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	svc.DB.Model(&models.TrustedDevice{}).Where("user_id = ?", user.ID).
		Update("expires_at", time.Now().Add(-time.Minute))

	device, err := svc.LookupTrust(user.ID, DeviceHash(chromeWindowsUA))
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if device != nil {
		t.Fatal("expired grant must read as absent")
	}
}

func TestGrantTrustReplacesSameFingerprint(t *testing.T) {
	svc, user := newRiskService(t)

	svc.GrantTrust(user.ID, chromeWindowsUA, "10.0.0.1")
	svc.GrantTrust(user.ID, chromeWindowsUA, "10.0.0.2")

	var count int64
	svc.DB.Model(&models.TrustedDevice{}).Where("user_id = ?", user.ID).Count(&count)
	if count != 1 {
		t.Fatalf("expected a single grant per fingerprint, got %d", count)
	}
}

func TestShouldRequireSecondFactorOrdering(t *testing.T) {
	svc, user := newRiskService(t)
	now := time.Now()
	user.TwofaEnabled = true
	user.LastTwofaAt = &now
	svc.DB.Model(user).Updates(map[string]interface{}{
		"twofa_enabled": true,
		"last_twofa_at": now,
	})

	// No grant at all.
	required, reason, err := svc.ShouldRequireSecondFactor(user, chromeWindowsUA)
	if err != nil || !required || reason != "unrecognized_device" {
		t.Fatalf("expected unrecognized_device, got required=%v reason=%q err=%v", required, reason, err)
	}

	// Trusted and fresh: skip.
	svc.GrantTrust(user.ID, chromeWindowsUA, "10.0.0.1")
	required, _, err = svc.ShouldRequireSecondFactor(user, chromeWindowsUA)
	if err != nil || required {
		t.Fatalf("expected skip on trusted device, got required=%v err=%v", required, err)
	}

	// Stale verification overrides trust.
	stale := now.Add(-31 * 24 * time.Hour)
	user.LastTwofaAt = &stale
	required, reason, _ = svc.ShouldRequireSecondFactor(user, chromeWindowsUA)
	if !required || reason != "verification_stale" {
		t.Fatalf("expected verification_stale, got required=%v reason=%q", required, reason)
	}

	// The boundary is inclusive: exactly 30 days since the last proof still
	// forces a challenge.
	boundary := now.Add(-svc.Config.ReverifyAfter)
	user.LastTwofaAt = &boundary
	required, reason, _ = svc.ShouldRequireSecondFactor(user, chromeWindowsUA)
	if !required || reason != "verification_stale" {
		t.Fatalf("expected challenge at the 30 day boundary, got required=%v reason=%q", required, reason)
	}

	// Recent failures override trust even with a fresh verification.
	user.LastTwofaAt = &now
	for i := 0; i < 3; i++ {
		svc.DB.Create(&models.LoginAttempt{
			UserID:    &user.ID,
			Username:  user.Username,
			IPAddress: "10.0.0.9",
			Success:   false,
		})
	}
	required, reason, _ = svc.ShouldRequireSecondFactor(user, chromeWindowsUA)
	if !required || reason != "recent_failures" {
		t.Fatalf("expected recent_failures, got required=%v reason=%q", required, reason)
	}
}

func TestShouldRequireSecondFactorDisabledAccount(t *testing.T) {
	svc, user := newRiskService(t)

	required, reason, err := svc.ShouldRequireSecondFactor(user, chromeWindowsUA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if required || reason != "" {
		t.Fatalf("account without 2FA must not be challenged, got required=%v reason=%q", required, reason)
	}
}
