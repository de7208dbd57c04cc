package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWithLockFailFast(t *testing.T) {
	l := New(NewMemoryManager(), Options{TTL: time.Minute}, discardLogger())
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = WithLock(ctx, l, "u1", "BTCUSDT", func(context.Context) (int, error) {
			close(entered)
			<-release
			return 0, nil
		})
	}()
	<-entered

	_, err := WithLock(ctx, l, "u1", "BTCUSDT", func(context.Context) (int, error) {
		t.Fatal("second holder must not run")
		return 0, nil
	})
	var busy *domain.LockBusyError
	if !errors.As(err, &busy) {
		t.Fatalf("got %v, want LockBusyError", err)
	}
	if !errors.Is(err, domain.ErrLockHeld) {
		t.Fatal("LockBusyError should unwrap to ErrLockHeld")
	}

	// Different symbol is independent.
	if _, err := WithLock(ctx, l, "u1", "ETHUSDT", func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatalf("other symbol: %v", err)
	}

	close(release)
	<-done

	if _, err := WithLock(ctx, l, "u1", "BTCUSDT", func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	l := New(NewMemoryManager(), Options{TTL: time.Minute}, discardLogger())
	ctx := context.Background()

	func() {
		defer func() { _ = recover() }()
		_, _ = WithLock(ctx, l, "u1", "BTCUSDT", func(context.Context) (int, error) {
			panic("boom")
		})
	}()

	if _, err := WithLock(ctx, l, "u1", "BTCUSDT", func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatalf("lock not released after panic: %v", err)
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	m := NewMemoryManager()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	stale, err := m.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(context.Background(), "k", time.Second); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("live lease: got %v", err)
	}

	now = now.Add(2 * time.Second)
	fresh, err := m.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("expired lease: %v", err)
	}

	// The stale holder can neither refresh nor release the new lease.
	if err := stale.Refresh(context.Background(), time.Second); !errors.Is(err, domain.ErrLockLost) {
		t.Fatalf("stale refresh: got %v, want ErrLockLost", err)
	}
	stale.Release()
	if _, err := m.Acquire(context.Background(), "k", time.Second); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("stale release dropped foreign lease: %v", err)
	}
	fresh.Release()
}

func TestWaitPolicyAcquiresAfterRelease(t *testing.T) {
	l := New(NewMemoryManager(), Options{
		TTL:          time.Minute,
		Policy:       PolicyWait,
		WaitTimeout:  2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, discardLogger())
	ctx := context.Background()

	first, err := l.Acquire(ctx, "u1", "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	time.AfterFunc(30*time.Millisecond, first.Release)

	second, err := l.Acquire(ctx, "u1", "BTCUSDT")
	if err != nil {
		t.Fatalf("wait policy: %v", err)
	}
	second.Release()
}

func TestWaitPolicyTimesOut(t *testing.T) {
	l := New(NewMemoryManager(), Options{
		TTL:          time.Minute,
		Policy:       PolicyWait,
		WaitTimeout:  30 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, discardLogger())

	lease, err := l.Acquire(context.Background(), "u1", "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	var busy *domain.LockBusyError
	if _, err := l.Acquire(context.Background(), "u1", "BTCUSDT"); !errors.As(err, &busy) {
		t.Fatalf("got %v, want LockBusyError", err)
	}
}

func TestWithLockSerializesCriticalSection(t *testing.T) {
	l := New(NewMemoryManager(), Options{
		TTL:          time.Minute,
		Policy:       PolicyWait,
		WaitTimeout:  5 * time.Second,
		PollInterval: time.Millisecond,
	}, discardLogger())

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := WithLock(context.Background(), l, "u1", "BTCUSDT", func(context.Context) (int, error) {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return 0, nil
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxSeen)
	}
}

func TestMemoryLeaseRefresh(t *testing.T) {
	m := NewMemoryManager()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	l, err := m.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(800 * time.Millisecond)
	if err := l.Refresh(context.Background(), time.Second); err != nil {
		t.Fatalf("refresh live lease: %v", err)
	}
	// Past the original expiry but inside the refreshed one.
	now = now.Add(800 * time.Millisecond)
	if _, err := m.Acquire(context.Background(), "k", time.Second); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("refreshed lease: got %v, want ErrLockHeld", err)
	}

	now = now.Add(2 * time.Second)
	if err := l.Refresh(context.Background(), time.Second); !errors.Is(err, domain.ErrLockLost) {
		t.Fatalf("expired lease refresh: got %v, want ErrLockLost", err)
	}
}

func TestWithLockOutlivesTTL(t *testing.T) {
	l := New(NewMemoryManager(), Options{TTL: 60 * time.Millisecond}, discardLogger())
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := WithLock(ctx, l, "u1", "BTCUSDT", func(ctx context.Context) (int, error) {
			close(entered)
			<-release
			return 0, Held(ctx)
		})
		done <- err
	}()
	<-entered

	// Several TTLs into the critical section the lease is still held.
	time.Sleep(250 * time.Millisecond)
	var busy *domain.LockBusyError
	if _, err := WithLock(ctx, l, "u1", "BTCUSDT", func(context.Context) (int, error) { return 0, nil }); !errors.As(err, &busy) {
		t.Fatalf("second holder got %v, want LockBusyError", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Held inside a renewed lease: %v", err)
	}
}

// stealingManager hands out leases whose refresh reports the lease gone.
type stealingManager struct {
	*MemoryManager
}

type stolenLease struct {
	domain.Lease
}

func (stolenLease) Refresh(context.Context, time.Duration) error {
	return domain.ErrLockLost
}

func (m stealingManager) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	l, err := m.MemoryManager.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return stolenLease{l}, nil
}

func TestHeldReportsLostLease(t *testing.T) {
	tests := []struct {
		name    string
		wait    time.Duration
		wantErr bool
	}{
		{"before first refresh", 0, false},
		{"after failed refresh", 100 * time.Millisecond, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(stealingManager{NewMemoryManager()}, Options{TTL: 30 * time.Millisecond}, discardLogger())
			_, err := WithLock(context.Background(), l, "u1", "BTCUSDT", func(ctx context.Context) (int, error) {
				time.Sleep(tt.wait)
				return 0, Held(ctx)
			})
			if got := err != nil; got != tt.wantErr {
				t.Fatalf("Held = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, domain.ErrLockLost) {
				t.Fatalf("Held = %v, want ErrLockLost", err)
			}
		})
	}
	if err := Held(context.Background()); err != nil {
		t.Fatalf("Held outside WithLock = %v", err)
	}
}
