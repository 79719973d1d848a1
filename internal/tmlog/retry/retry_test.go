package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xatm/internal/tmlog"
	"pkt.systems/xatm/internal/tmlog/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
}

type stubStore struct {
	putErrs  []error
	putCalls int
	getCalls int
}

func (s *stubStore) Put(context.Context, string, []byte) error {
	s.putCalls++
	if idx := s.putCalls - 1; idx < len(s.putErrs) {
		return s.putErrs[idx]
	}
	return nil
}

func (s *stubStore) Get(context.Context, string) ([]byte, error) {
	s.getCalls++
	return nil, tmlog.ErrNotFound
}

func (s *stubStore) Delete(context.Context, string) error { return nil }

func (s *stubStore) List(context.Context, string) ([]string, error) { return nil, nil }

func TestRetriesTransientWithBackoff(t *testing.T) {
	clk := &fakeClock{}
	inner := &stubStore{putErrs: []error{
		tmlog.NewTransientError(errors.New("503")),
		tmlog.NewTransientError(errors.New("503")),
		tmlog.NewTransientError(errors.New("503")),
	}}
	store := retry.Wrap(inner, pslog.NoopLogger(), clk, retry.Config{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    25 * time.Millisecond,
		Multiplier:  2,
	})
	if err := store.Put(context.Background(), "k", nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if inner.putCalls != 4 {
		t.Fatalf("calls=%d", inner.putCalls)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(clk.sleeps) != len(want) {
		t.Fatalf("sleeps=%v", clk.sleeps)
	}
	for i := range want {
		if clk.sleeps[i] != want[i] {
			t.Fatalf("sleeps=%v want %v", clk.sleeps, want)
		}
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	clk := &fakeClock{}
	inner := &stubStore{}
	store := retry.Wrap(inner, nil, clk, retry.Config{MaxAttempts: 3})
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, tmlog.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	if inner.getCalls != 1 || len(clk.sleeps) != 0 {
		t.Fatalf("calls=%d sleeps=%v", inner.getCalls, clk.sleeps)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	clk := &fakeClock{}
	transient := tmlog.NewTransientError(errors.New("timeout"))
	inner := &stubStore{putErrs: []error{transient, transient, transient}}
	store := retry.Wrap(inner, nil, clk, retry.Config{MaxAttempts: 2})
	if err := store.Put(context.Background(), "k", nil); !tmlog.IsTransient(err) {
		t.Fatalf("err=%v", err)
	}
	if inner.putCalls != 2 {
		t.Fatalf("calls=%d", inner.putCalls)
	}
}
