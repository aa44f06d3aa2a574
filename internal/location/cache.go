// Package location caches device position fixes so heartbeats do not each
// pay for a GPS acquisition.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/shelterlink/device-agent/internal/clock"
	"github.com/shelterlink/device-agent/internal/platform"
	"github.com/shelterlink/device-agent/internal/protocol"
	"github.com/shelterlink/device-agent/internal/syncerr"
)

var log = logrus.WithField("component", "location")

// Config holds location cache configuration
type Config struct {
	TTL             time.Duration // Freshness window of the cache and of OS last-known fixes
	MobileTimeout   time.Duration // Fresh acquisition timeout on devices
	DesktopTimeout  time.Duration // Fresh acquisition timeout on non-native runtimes
	EmulatorTimeout time.Duration // Fresh acquisition timeout on emulators
	Retries         int           // Extra fresh attempts after the first
	RetryBackoff    time.Duration // Wait between fresh attempts
}

// DefaultConfig returns default location cache configuration
func DefaultConfig() Config {
	return Config{
		TTL:             60 * time.Second,
		MobileTimeout:   15 * time.Second,
		DesktopTimeout:  10 * time.Second,
		EmulatorTimeout: 5 * time.Second,
		Retries:         2,
		RetryBackoff:    time.Second,
	}
}

// Source of a returned fix
const (
	SourceCache     = "cache"
	SourceLastKnown = "last_known"
	SourceFresh     = "fresh"
	SourceFallback  = "fallback"
)

// Fix is a location handed out by the cache. Stale fixes are last-known-good
// fallbacks older than the TTL and should be treated as degraded accuracy.
type Fix struct {
	Location   protocol.Location
	AcquiredAt time.Time
	Source     string
	Stale      bool
}

func (f *Fix) clone() *Fix {
	c := *f
	if f.Location.Altitude != nil {
		alt := *f.Location.Altitude
		c.Location.Altitude = &alt
	}
	return &c
}

// Cache serves position fixes with a freshness window and a last-known-good
// fallback. At most one acquisition runs at a time; concurrent callers share
// its result.
type Cache struct {
	config  Config
	source  platform.Positioner
	runtime platform.Runtime
	clock   clock.Clock
	group   singleflight.Group

	mu         sync.Mutex
	cached     *Fix // within TTL
	lastGood   *Fix // most recent successful acquisition ever
	lastReason syncerr.Reason
	lastErr    error
}

// New creates a location cache over a platform positioner
func New(config Config, source platform.Positioner, runtime platform.Runtime, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		config:  config,
		source:  source,
		runtime: runtime,
		clock:   clk,
	}
}

// Get returns a fix no older than the TTL, or a stale fallback when a fresh
// one cannot be had. Returns a LocationUnavailable error only when no fix
// was ever acquired.
func (c *Cache) Get(ctx context.Context) (*Fix, error) {
	if fix := c.fresh(); fix != nil {
		log.Debug("Location cache hit")
		return fix, nil
	}
	return c.acquire(ctx, false)
}

// ForceRefresh drops the cached fix and performs one fresh acquisition,
// skipping the OS last-known shortcut. Used for user-initiated retries.
func (c *Cache) ForceRefresh(ctx context.Context) (*Fix, error) {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
	return c.acquire(ctx, true)
}

// LastFailure returns the reason and cause of the most recent failed
// acquisition. The reason is empty after a success.
func (c *Cache) LastFailure() (syncerr.Reason, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReason, c.lastErr
}

// Timeout returns the fresh acquisition timeout for this runtime.
func (c *Cache) Timeout() time.Duration {
	switch {
	case c.runtime.Emulator:
		return c.config.EmulatorTimeout
	case c.runtime.Kind == platform.RuntimeMobile:
		return c.config.MobileTimeout
	default:
		return c.config.DesktopTimeout
	}
}

func (c *Cache) fresh() *Fix {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil && c.clock.Now().Sub(c.cached.AcquiredAt) < c.config.TTL {
		fix := c.cached.clone()
		fix.Source = SourceCache
		return fix
	}
	return nil
}

// acquire runs one shared acquisition. The shared work is detached from the
// caller that started it so a cancelled caller cannot fail the others; each
// caller stops waiting when its own context is done.
func (c *Cache) acquire(ctx context.Context, force bool) (*Fix, error) {
	ch := c.group.DoChan("acquire", func() (interface{}, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.budget(force))
		defer cancel()
		return c.doAcquire(actx, force)
	})

	select {
	case res := <-ch:
		if res.Shared {
			log.Debug("Joined in-flight location acquisition")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Fix).clone(), nil
	case <-ctx.Done():
		return nil, syncerr.Location("get location", reasonFor(ctx.Err()), ctx.Err())
	}
}

// budget bounds a whole acquisition: every fresh attempt at the runtime
// timeout, the backoff between them and one more timeout for the status and
// last-known queries.
func (c *Cache) budget(force bool) time.Duration {
	attempts := c.attempts(force)
	return time.Duration(attempts)*c.Timeout() + time.Duration(attempts-1)*c.config.RetryBackoff + c.Timeout()
}

func (c *Cache) doAcquire(ctx context.Context, force bool) (*Fix, error) {
	if !force {
		if fix := c.fresh(); fix != nil {
			return fix, nil
		}
		if fix := c.lastKnown(ctx); fix != nil {
			c.store(fix)
			return fix, nil
		}
	}

	attempts := c.attempts(force)

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if werr := c.wait(ctx, c.config.RetryBackoff); werr != nil {
				err = werr
				break
			}
		}
		var fix *Fix
		fix, err = c.freshFix(ctx)
		if err == nil {
			c.store(fix)
			return fix, nil
		}
		log.WithError(err).WithField("attempt", i+1).Debug("Fresh location attempt failed")
		if r := reasonFor(err); r == syncerr.ReasonPermissionDenied || r == syncerr.ReasonServiceDisabled {
			break
		}
	}

	return c.fallback(err)
}

func (c *Cache) attempts(force bool) int {
	if force {
		return 1
	}
	return 1 + c.config.Retries
}

func (c *Cache) lastKnown(ctx context.Context) *Fix {
	pos, err := c.source.LastKnownPosition(ctx)
	if err != nil || pos == nil {
		return nil
	}
	if c.clock.Now().Sub(pos.Timestamp) >= c.config.TTL {
		return nil
	}
	fix := toFix(pos, SourceLastKnown)
	fix.AcquiredAt = pos.Timestamp
	return fix
}

func (c *Cache) freshFix(ctx context.Context) (*Fix, error) {
	enabled, err := c.source.LocationServiceEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, platform.ErrServiceDisabled
	}
	perm, err := c.source.LocationPermission(ctx)
	if err != nil {
		return nil, err
	}
	if !perm.Granted() {
		return nil, platform.ErrPermissionDenied
	}

	tctx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	pos, err := c.source.CurrentPosition(tctx)
	if err != nil {
		if tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("acquire position after %s: %w", c.Timeout(), context.DeadlineExceeded)
		}
		return nil, err
	}
	if pos == nil {
		return nil, platform.ErrNoPosition
	}
	fix := toFix(pos, SourceFresh)
	fix.AcquiredAt = c.clock.Now()
	return fix, nil
}

func (c *Cache) fallback(cause error) (*Fix, error) {
	reason := reasonFor(cause)

	c.mu.Lock()
	c.lastReason = reason
	c.lastErr = cause
	lastGood := c.lastGood
	c.mu.Unlock()

	if lastGood != nil {
		fix := lastGood.clone()
		fix.Source = SourceFallback
		fix.Stale = true
		log.WithFields(logrus.Fields{
			"reason": reason,
			"age":    c.clock.Now().Sub(fix.AcquiredAt).Round(time.Second),
		}).Warn("Location unavailable, using last known good fix")
		return fix, nil
	}

	log.WithField("reason", reason).Warn("Location unavailable, no fallback fix")
	return nil, syncerr.Location("get location", reason, cause)
}

func (c *Cache) store(fix *Fix) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = fix.clone()
	c.lastGood = fix.clone()
	c.lastReason = ""
	c.lastErr = nil
}

// wait blocks for d on the cache clock.
func (c *Cache) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	t := c.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

func toFix(pos *platform.Position, source string) *Fix {
	loc := protocol.Location{
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
		Accuracy:  pos.Accuracy,
	}
	if pos.Altitude != nil {
		alt := *pos.Altitude
		loc.Altitude = &alt
	}
	return &Fix{Location: loc, Source: source}
}

func reasonFor(err error) syncerr.Reason {
	switch {
	case err == nil:
		return syncerr.ReasonUnknown
	case errors.Is(err, platform.ErrPermissionDenied):
		return syncerr.ReasonPermissionDenied
	case errors.Is(err, platform.ErrServiceDisabled):
		return syncerr.ReasonServiceDisabled
	case errors.Is(err, context.DeadlineExceeded):
		return syncerr.ReasonTimeout
	case errors.Is(err, platform.ErrNoPosition):
		return syncerr.ReasonUnknown
	default:
		return syncerr.ReasonPlatformError
	}
}
