package creds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/windrose-im/windrose/internal/events"
	"github.com/windrose-im/windrose/internal/infra"
	"github.com/windrose-im/windrose/internal/observability"
	"github.com/windrose-im/windrose/pkg/models"
)

// RefreshFunc redeems a refresh token for a new credential pair. It is
// called at most once per expiry window regardless of caller concurrency.
type RefreshFunc func(ctx context.Context, refreshToken string) (Credential, error)

// Options configures a Coordinator.
type Options struct {
	// Store persists the credential pair. Required.
	Store *FileStore

	// Refresh performs the network renewal. Required.
	Refresh RefreshFunc

	// ExpirySkew treats tokens expiring within this window as already
	// expired, so requests in flight don't race the deadline. Default 30s.
	ExpirySkew time.Duration

	// Bus receives the SESSION_EXPIRED signal on refresh failure.
	Bus *events.Bus

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Coordinator hands out valid bearer tokens, refreshing through a
// single-flight group. All callers parked behind an in-flight refresh
// receive the same resulting pair or the same failure.
type Coordinator struct {
	store   *FileStore
	refresh RefreshFunc
	skew    time.Duration
	bus     *events.Bus
	logger  *observability.Logger
	metrics *observability.Metrics

	group infra.Group[struct{}, Credential]

	mu          sync.RWMutex
	cred        Credential
	expiry      time.Time
	loaded      bool
	invalidated bool

	// now is swappable for tests.
	now func() time.Time
}

// NewCoordinator builds a coordinator. The stored credential, if any, is
// loaded lazily on first use.
func NewCoordinator(opts Options) *Coordinator {
	if opts.ExpirySkew <= 0 {
		opts.ExpirySkew = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}
	return &Coordinator{
		store:   opts.Store,
		refresh: opts.Refresh,
		skew:    opts.ExpirySkew,
		bus:     opts.Bus,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// Token returns a bearer access token valid for at least the configured
// skew. When the cached token is near expiry, exactly one caller performs
// the refresh; the rest wait on it and share the outcome.
func (c *Coordinator) Token(ctx context.Context) (string, error) {
	cred, ok, err := c.current()
	if err != nil {
		return "", err
	}
	if ok {
		return cred.Access, nil
	}

	fresh, err, shared := c.group.Do(struct{}{}, func() (Credential, error) {
		// A caller that lost the race to a refresh that just finished
		// sees a valid cache here and skips the network round-trip.
		if cred, ok, err := c.current(); err == nil && ok {
			return cred, nil
		}
		// The refresh serves every parked caller, not just the one that
		// happened to initiate it; it must outlive that caller's ctx and
		// always run to completion or failure.
		return c.doRefresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.RefreshCounter.WithLabelValues("failed").Inc()
		}
		return "", err
	}
	if c.metrics != nil {
		if shared {
			c.metrics.RefreshCounter.WithLabelValues("shared").Inc()
		} else {
			c.metrics.RefreshCounter.WithLabelValues("executed").Inc()
		}
	}
	return fresh.Access, nil
}

// OAuthToken returns the current credential as an oauth2 bearer token,
// refreshing through the single-flight group when needed. HTTP callers
// use it with SetAuthHeader for bearer injection.
func (c *Coordinator) OAuthToken(ctx context.Context) (*oauth2.Token, error) {
	if _, err := c.Token(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()
	return cred.Token(), nil
}

// Invalidate forces the next Token call to refresh, regardless of the
// cached expiry. Used after a 401 that the preemptive check missed.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	c.invalidated = true
	c.mu.Unlock()
}

// SetCredential installs and persists a new pair (login).
func (c *Coordinator) SetCredential(cred Credential) error {
	if err := c.store.Save(cred); err != nil {
		return err
	}
	c.mu.Lock()
	c.cred = cred
	c.expiry = AccessExpiry(cred.Access)
	c.loaded = true
	c.invalidated = false
	c.mu.Unlock()
	return nil
}

// Clear wipes both tokens from memory and durable storage (logout).
func (c *Coordinator) Clear() error {
	c.mu.Lock()
	c.cred = Credential{}
	c.expiry = time.Time{}
	c.loaded = true
	c.invalidated = false
	c.mu.Unlock()
	return c.store.Clear()
}

// current returns the cached credential and whether it is still usable.
func (c *Coordinator) current() (Credential, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		cred, err := c.store.Load()
		if err == nil {
			c.cred = cred
			c.expiry = AccessExpiry(cred.Access)
		} else if err != ErrNoCredential {
			return Credential{}, false, err
		}
		c.loaded = true
	}

	if c.cred.Access == "" && c.cred.Refresh == "" {
		return Credential{}, false, ErrNoCredential
	}
	if c.invalidated {
		return c.cred, false, nil
	}
	valid := c.now().Add(c.skew).Before(c.expiry)
	return c.cred, valid, nil
}

// doRefresh performs the network renewal and commits the result. A failed
// refresh is fatal to the session: the server has rejected the refresh
// token, so retrying cannot succeed and risks invalidating it further.
func (c *Coordinator) doRefresh(ctx context.Context) (Credential, error) {
	c.mu.RLock()
	refreshToken := c.cred.Refresh
	c.mu.RUnlock()

	if refreshToken == "" {
		return Credential{}, ErrNoCredential
	}

	fresh, err := c.refresh(ctx, refreshToken)
	if err != nil {
		// An interrupted refresh says nothing about the refresh token's
		// validity; only a server verdict expires the session.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Credential{}, fmt.Errorf("credential refresh interrupted: %w", err)
		}
		c.logger.Warn(ctx, "credential refresh failed", "error", err)
		if c.bus != nil {
			c.bus.PublishError(models.ErrCodeSessionExpired, "credential refresh rejected")
		}
		return Credential{}, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	// Both tokens are written together; the stored record is never torn.
	if err := c.store.Save(fresh); err != nil {
		return Credential{}, err
	}

	c.mu.Lock()
	c.cred = fresh
	c.expiry = AccessExpiry(fresh.Access)
	c.invalidated = false
	c.mu.Unlock()

	c.logger.Debug(ctx, "credential refreshed", "expiry", AccessExpiry(fresh.Access))
	return fresh, nil
}
