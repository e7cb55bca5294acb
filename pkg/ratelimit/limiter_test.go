package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/praetorian-labs/gradeflow/pkg/cache"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(cache.NewMemoryStore(), time.Minute, 3, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "teacher-1") {
			t.Fatalf("call %d should be allowed within limit of 3", i+1)
		}
	}
	if l.Allow(ctx, "teacher-1") {
		t.Fatalf("4th call should exceed the limit of 3")
	}
}

func TestAllowPerKeyIsolation(t *testing.T) {
	l := New(cache.NewMemoryStore(), time.Minute, 1, nil)
	ctx := context.Background()

	if !l.Allow(ctx, "teacher-a") {
		t.Fatalf("teacher-a's first call should be allowed")
	}
	if !l.Allow(ctx, "teacher-b") {
		t.Fatalf("teacher-b should have its own independent counter")
	}
	if l.Allow(ctx, "teacher-a") {
		t.Fatalf("teacher-a's second call should exceed its limit")
	}
}

func TestRemainingReflectsUsage(t *testing.T) {
	l := New(cache.NewMemoryStore(), time.Minute, 5, nil)
	ctx := context.Background()

	l.Allow(ctx, "teacher-1")
	l.Allow(ctx, "teacher-1")

	if got := l.Remaining(ctx, "teacher-1"); got != 3 {
		t.Fatalf("Remaining() = %d, want 3", got)
	}
}

func TestResetClearsWindow(t *testing.T) {
	l := New(cache.NewMemoryStore(), time.Minute, 1, nil)
	ctx := context.Background()

	l.Allow(ctx, "teacher-1")
	if l.Allow(ctx, "teacher-1") {
		t.Fatalf("second call should have been denied before reset")
	}

	l.Reset(ctx, "teacher-1")
	if !l.Allow(ctx, "teacher-1") {
		t.Fatalf("call after Reset() should be allowed again")
	}
}

// failingStore always errors, to exercise the limiter's fail-open contract.
type failingStore struct{}

func (failingStore) Get(ctx context.Context, key string) ([]byte, error) { return nil, errors.New("down") }
func (failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("down")
}
func (failingStore) Delete(ctx context.Context, key string) error { return errors.New("down") }
func (failingStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errors.New("down")
}
func (failingStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	return nil, errors.New("down")
}

func TestAllowFailsOpenOnStoreError(t *testing.T) {
	l := New(failingStore{}, time.Minute, 1, nil)
	if !l.Allow(context.Background(), "teacher-1") {
		t.Fatalf("Allow() should fail open (return true) when the store errors")
	}
}

func TestRemainingFailsOpenOnStoreError(t *testing.T) {
	l := New(failingStore{}, time.Minute, 7, nil)
	if got := l.Remaining(context.Background(), "teacher-1"); got != 7 {
		t.Fatalf("Remaining() = %d, want the full limit (7) on store error", got)
	}
}
