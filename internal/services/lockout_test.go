package services

import (
	"testing"
	"time"

	"github.com/vshub/backend/internal/models"
)

func newLockoutService(t *testing.T) (*LockoutService, *models.User) {
	t.Helper()
	db := openTestDB(t)
	v := newTestVault(t)
	audit := NewAuditService(db, v, nil)
	svc := NewLockoutService(db, audit, testTwofaConfig())
	user := createUser(t, db, "lockuser")
	return svc, user
}

func TestLockoutTriggersAtThreshold(t *testing.T) {
	svc, user := newLockoutService(t)

	for i := 0; i < 4; i++ {
		locked, err := svc.RecordFailure(user, "10.0.0.1", chromeWindowsUA)
		if err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
		if locked {
			t.Fatalf("attempt %d must not lock yet", i+1)
		}
	}

	locked, err := svc.RecordFailure(user, "10.0.0.1", chromeWindowsUA)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if !locked {
		t.Fatal("fifth failure inside the window must lock")
	}
	if user.LockedUntil == nil || !user.LockedUntil.After(time.Now().Add(29*time.Minute)) {
		t.Fatalf("expected locked_until about 30 minutes out, got %v", user.LockedUntil)
	}

	isLocked, until := svc.IsLocked(user)
	if !isLocked || until.IsZero() {
		t.Fatal("expected IsLocked to report the standing lock")
	}
}

func TestFailuresOutsideWindowDoNotLock(t *testing.T) {
	svc, user := newLockoutService(t)

	// Four old failures, aged out of the counting window.
	for i := 0; i < 4; i++ {
		svc.DB.Create(&models.LoginAttempt{
			UserID:    &user.ID,
			Username:  user.Username,
			IPAddress: "10.0.0.1",
			Success:   false,
		})
	}
	svc.DB.Model(&models.LoginAttempt{}).Where("user_id = ?", user.ID).
		Update("created_at", time.Now().Add(-16*time.Minute))

	locked, err := svc.RecordFailure(user, "10.0.0.1", chromeWindowsUA)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if locked {
		t.Fatal("stale failures must not count toward the lock")
	}
}

func TestRecordSuccessClearsLock(t *testing.T) {
	svc, user := newLockoutService(t)

	lockedUntil := time.Now().Add(30 * time.Minute)
	svc.DB.Model(user).Update("locked_until", lockedUntil)
	user.LockedUntil = &lockedUntil

	if err := svc.RecordSuccess(user, "10.0.0.1"); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if user.LockedUntil != nil {
		t.Fatal("success must clear the lock")
	}

	var reloaded models.User
	svc.DB.First(&reloaded, "id = ?", user.ID)
	if reloaded.LockedUntil != nil {
		t.Fatal("cleared lock must persist")
	}
}

func TestElapsedLockReadsAsUnlocked(t *testing.T) {
	svc, user := newLockoutService(t)

	past := time.Now().Add(-time.Minute)
	user.LockedUntil = &past

	if locked, _ := svc.IsLocked(user); locked {
		t.Fatal("an elapsed lock must read as unlocked")
	}
}

func TestUnlockWritesAuditEvent(t *testing.T) {
	svc, user := newLockoutService(t)

	lockedUntil := time.Now().Add(30 * time.Minute)
	svc.DB.Model(user).Update("locked_until", lockedUntil)
	user.LockedUntil = &lockedUntil

	if err := svc.Unlock(user, "admin", "10.0.0.1", chromeWindowsUA); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if user.LockedUntil != nil {
		t.Fatal("unlock must clear the lock")
	}

	// The audit write is asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var count int64
		svc.DB.Model(&models.AuditEvent{}).
			Where("event_type = ?", models.AuditAccountUnlock).Count(&count)
		if count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected an account_unlock audit event")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
