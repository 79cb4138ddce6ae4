package creds

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/windrose-im/windrose/internal/events"
	"github.com/windrose-im/windrose/pkg/models"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))
}

func TestTokenReturnsCachedWhenValid(t *testing.T) {
	store := newTestStore(t)
	refreshCalls := 0

	coord := NewCoordinator(Options{
		Store: store,
		Refresh: func(context.Context, string) (Credential, error) {
			refreshCalls++
			return Credential{}, errors.New("should not be called")
		},
	})

	access := signedToken(t, time.Hour)
	if err := coord.SetCredential(Credential{Access: access, Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}

	got, err := coord.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got != access {
		t.Errorf("Token returned wrong access token")
	}
	if refreshCalls != 0 {
		t.Errorf("refresh called %d times, want 0", refreshCalls)
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	store := newTestStore(t)

	var refreshCalls atomic.Int32
	newAccess := signedToken(t, time.Hour)
	gate := make(chan struct{})

	coord := NewCoordinator(Options{
		Store: store,
		Refresh: func(ctx context.Context, refreshToken string) (Credential, error) {
			refreshCalls.Add(1)
			<-gate
			if refreshToken != "r1" {
				t.Errorf("refresh token = %q, want r1", refreshToken)
			}
			return Credential{Access: newAccess, Refresh: "r2"}, nil
		},
	})

	// Expired access token forces a refresh on first use.
	if err := coord.SetCredential(Credential{Access: signedToken(t, -time.Minute), Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}

	const callers = 16
	results := make([]string, callers)
	errs := make([]error, callers)
	var started, done sync.WaitGroup
	for i := 0; i < callers; i++ {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], errs[i] = coord.Token(context.Background())
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond) // let callers reach the single-flight
	close(gate)
	done.Wait()

	if n := refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh executed %d times, want exactly 1", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if results[i] != newAccess {
			t.Errorf("caller %d got a different token", i)
		}
	}

	// The new pair was committed atomically.
	stored, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if stored.Access != newAccess || stored.Refresh != "r2" {
		t.Errorf("stored credential = %+v, want refreshed pair", stored)
	}
}

func TestRefreshFailureRejectsAllCallersAndKeepsStore(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewBus()

	var expiredEvents atomic.Int32
	bus.Subscribe(models.EventError, func(e models.Event) {
		if e.Error.Code == models.ErrCodeSessionExpired {
			expiredEvents.Add(1)
		}
	})

	gate := make(chan struct{})
	coord := NewCoordinator(Options{
		Store: store,
		Bus:   bus,
		Refresh: func(context.Context, string) (Credential, error) {
			<-gate
			return Credential{}, errors.New("401 unauthorized")
		},
	})

	original := Credential{Access: signedToken(t, -time.Minute), Refresh: "r1"}
	if err := coord.SetCredential(original); err != nil {
		t.Fatal(err)
	}

	const callers = 8
	errs := make([]error, callers)
	var done sync.WaitGroup
	for i := 0; i < callers; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			_, errs[i] = coord.Token(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	done.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrSessionExpired) {
			t.Errorf("caller %d error = %v, want ErrSessionExpired", i, err)
		}
	}
	if n := expiredEvents.Load(); n < 1 {
		t.Error("no SESSION_EXPIRED event emitted")
	}

	// The stored record is untouched, not partially overwritten.
	stored, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if stored != original {
		t.Errorf("stored credential changed on failed refresh: %+v", stored)
	}
}

func TestCallerCancelDoesNotAbortSharedRefresh(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewBus()

	var expiredEvents atomic.Int32
	bus.Subscribe(models.EventError, func(e models.Event) {
		if e.Error.Code == models.ErrCodeSessionExpired {
			expiredEvents.Add(1)
		}
	})

	newAccess := signedToken(t, time.Hour)
	started := make(chan struct{})
	gate := make(chan struct{})
	var sawCancel atomic.Bool

	coord := NewCoordinator(Options{
		Store: store,
		Bus:   bus,
		Refresh: func(ctx context.Context, _ string) (Credential, error) {
			close(started)
			<-gate
			if ctx.Err() != nil {
				sawCancel.Store(true)
			}
			return Credential{Access: newAccess, Refresh: "r2"}, nil
		},
	})

	if err := coord.SetCredential(Credential{Access: signedToken(t, -time.Minute), Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}

	// The initiating caller gives up mid-refresh. The refresh serves
	// every parked caller and must run to completion regardless.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := coord.Token(ctx)
		done <- err
	}()
	<-started
	cancel()
	time.Sleep(20 * time.Millisecond) // let the cancellation propagate, if it were wired through
	close(gate)

	if err := <-done; err != nil {
		t.Fatalf("Token after caller cancel: %v", err)
	}
	if sawCancel.Load() {
		t.Error("caller cancellation reached the shared refresh")
	}
	if n := expiredEvents.Load(); n != 0 {
		t.Errorf("SESSION_EXPIRED events = %d, want 0", n)
	}

	stored, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if stored.Access != newAccess || stored.Refresh != "r2" {
		t.Errorf("stored credential = %+v, want refreshed pair", stored)
	}
}

func TestInterruptedRefreshIsNotSessionExpiry(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewBus()

	var expiredEvents atomic.Int32
	bus.Subscribe(models.EventError, func(e models.Event) {
		if e.Error.Code == models.ErrCodeSessionExpired {
			expiredEvents.Add(1)
		}
	})

	coord := NewCoordinator(Options{
		Store: store,
		Bus:   bus,
		Refresh: func(context.Context, string) (Credential, error) {
			return Credential{}, context.Canceled
		},
	})

	original := Credential{Access: signedToken(t, -time.Minute), Refresh: "r1"}
	if err := coord.SetCredential(original); err != nil {
		t.Fatal(err)
	}

	_, err := coord.Token(context.Background())
	if err == nil {
		t.Fatal("Token succeeded on an interrupted refresh")
	}
	// Only a server verdict expires the session; an interrupted refresh
	// must not log the user out.
	if errors.Is(err, ErrSessionExpired) {
		t.Errorf("err = %v, must not be ErrSessionExpired", err)
	}
	if n := expiredEvents.Load(); n != 0 {
		t.Errorf("SESSION_EXPIRED events = %d, want 0", n)
	}

	stored, loadErr := store.Load()
	if loadErr != nil {
		t.Fatal(loadErr)
	}
	if stored != original {
		t.Errorf("stored credential changed on interrupted refresh: %+v", stored)
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	store := newTestStore(t)
	refreshCalls := 0
	newAccess := signedToken(t, time.Hour)

	coord := NewCoordinator(Options{
		Store: store,
		Refresh: func(context.Context, string) (Credential, error) {
			refreshCalls++
			return Credential{Access: newAccess, Refresh: "r2"}, nil
		},
	})

	if err := coord.SetCredential(Credential{Access: signedToken(t, time.Hour), Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}

	// Valid token, no refresh.
	if _, err := coord.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if refreshCalls != 0 {
		t.Fatalf("refresh ran before Invalidate")
	}

	// Server said 401; next call must refresh despite the healthy expiry.
	coord.Invalidate()
	got, err := coord.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshCalls)
	}
	if got != newAccess {
		t.Errorf("Token did not return the refreshed access token")
	}
}

func TestTokenWithoutCredential(t *testing.T) {
	coord := NewCoordinator(Options{
		Store: newTestStore(t),
		Refresh: func(context.Context, string) (Credential, error) {
			return Credential{}, errors.New("unreachable")
		},
	})

	if _, err := coord.Token(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}
}

func TestCoordinatorLoadsPersistedCredential(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	access := signedToken(t, time.Hour)

	if err := NewFileStore(path).Save(Credential{Access: access, Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}

	// A fresh coordinator (new process) picks the pair up from disk.
	coord := NewCoordinator(Options{
		Store: NewFileStore(path),
		Refresh: func(context.Context, string) (Credential, error) {
			return Credential{}, errors.New("should not refresh")
		},
	})

	got, err := coord.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got != access {
		t.Error("persisted credential not used after restart")
	}
}

func TestClearWipesStorage(t *testing.T) {
	store := newTestStore(t)
	coord := NewCoordinator(Options{
		Store: store,
		Refresh: func(context.Context, string) (Credential, error) {
			return Credential{}, errors.New("unreachable")
		},
	})

	if err := coord.SetCredential(Credential{Access: signedToken(t, time.Hour), Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}
	if err := coord.Clear(); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Load(); !errors.Is(err, ErrNoCredential) {
		t.Errorf("store.Load after Clear = %v, want ErrNoCredential", err)
	}
	if _, err := coord.Token(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Token after Clear = %v, want ErrNoCredential", err)
	}
}

func TestAccessExpiry(t *testing.T) {
	exp := AccessExpiry(signedToken(t, time.Hour))
	if exp.IsZero() {
		t.Fatal("expiry not extracted from JWT")
	}
	if d := time.Until(exp); d < 55*time.Minute || d > 65*time.Minute {
		t.Errorf("expiry %v not about an hour out", d)
	}

	if !AccessExpiry("not-a-jwt").IsZero() {
		t.Error("garbage token should yield zero expiry")
	}
}

func TestFileStoreSaveIsAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "credentials.json"))

	if err := store.Save(Credential{Access: "a1", Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(Credential{Access: "a2", Refresh: "r2"}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Access != "a2" || got.Refresh != "r2" {
		t.Errorf("Load = %+v, want latest pair", got)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}
