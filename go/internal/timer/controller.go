// Package timer implements the countdown shared by a controlling host and
// any number of observers through a remote document.
//
// The remote document is the source of truth for currentTime and isRunning;
// ApplyRemoteSnapshot always overwrites the local view with it. The tick
// source is private to the viewer that started it.
package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizclock/go/internal/models"
	"github.com/mcdev12/quizclock/go/internal/remotestate"
)

// Clock is the subset of clockwork.Clock the controller needs.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
}

const (
	defaultPeriod       = time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the real clock.
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithPeriod changes the tick period.
func WithPeriod(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.period = d
		}
	}
}

// WithWriteTimeout bounds each remote write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// ReadOnly makes the controller an observer: it mirrors snapshots and
// rejects every control operation.
func ReadOnly() Option {
	return func(c *Controller) { c.readOnly = true }
}

// Controller owns one viewer's copy of a named timer.
type Controller struct {
	store        remotestate.Store
	ownerID      string
	path         string
	clock        Clock
	period       time.Duration
	writeTimeout time.Duration
	readOnly     bool

	mu          sync.Mutex
	current     int
	defaultTime int
	running     bool
	tick        *tickHandle
	gen         uint64

	// revisions of the newest write issued here and the newest snapshot applied
	lastWriteRev uint64
	appliedRev   uint64

	attached bool
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *remotestate.Subscription
	writeErr error
}

type tickHandle struct {
	gen     uint64
	lastSeq uint64
	stop    chan struct{}
}

// NewController creates a controller for ownerID in Stopped(defaultTime).
func NewController(store remotestate.Store, ownerID string, defaultTime int, opts ...Option) *Controller {
	if defaultTime <= 0 {
		defaultTime = models.DefaultTimerSeconds
	}
	c := &Controller{
		store:        store,
		ownerID:      ownerID,
		path:         models.TimerPath(ownerID),
		clock:        clockwork.NewRealClock(),
		period:       defaultPeriod,
		writeTimeout: defaultWriteTimeout,
		current:      defaultTime,
		defaultTime:  defaultTime,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OwnerID returns the timer owner.
func (c *Controller) OwnerID() string {
	return c.ownerID
}

// Attach subscribes to the remote document, then adopts it, creating it
// when absent (controllers only). Changes that land while the document is
// loaded are delivered after Attach returns and pass the revision check.
// Attaching twice is a no-op.
func (c *Controller) Attach(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attached {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	sub, err := c.store.Subscribe(c.ctx, c.path, c.onChange)
	if err != nil {
		c.cancel()
		return fmt.Errorf("subscribe timer %s: %w", c.ownerID, err)
	}

	if err := c.loadLocked(ctx); err != nil {
		c.cancel()
		if uerr := c.store.Unsubscribe(sub); uerr != nil {
			log.Warn().Err(uerr).Str("owner", c.ownerID).Msg("failed to unsubscribe after attach error")
		}
		return err
	}
	c.sub = sub
	c.attached = true

	log.Debug().
		Str("owner", c.ownerID).
		Bool("read_only", c.readOnly).
		Int("current_time", c.current).
		Bool("is_running", c.running).
		Msg("timer attached")
	return nil
}

func (c *Controller) loadLocked(ctx context.Context) error {
	entry, err := c.store.Get(ctx, c.path)
	switch {
	case err == nil:
		var doc models.TimerDoc
		if err := json.Unmarshal(entry.Value, &doc); err != nil {
			return fmt.Errorf("decode timer %s: %w", c.ownerID, err)
		}
		c.applyLocked(Snapshot{TimerDoc: doc, Revision: entry.Revision})
	case errors.Is(err, remotestate.ErrNotFound):
		if c.readOnly {
			return nil
		}
		rev, err := c.store.Set(ctx, c.path, c.docLocked())
		if err != nil {
			return fmt.Errorf("create timer %s: %w", c.ownerID, err)
		}
		c.lastWriteRev = rev
	default:
		return fmt.Errorf("load timer %s: %w", c.ownerID, err)
	}
	return nil
}

// Detach cancels the local tick and stops observing the remote document.
// The remote document is left as is.
func (c *Controller) Detach() error {
	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return nil
	}
	c.cancelTickLocked()
	c.attached = false
	sub := c.sub
	c.sub = nil
	c.cancel()
	c.mu.Unlock()

	log.Debug().Str("owner", c.ownerID).Msg("timer detached")
	return c.store.Unsubscribe(sub)
}

// Start begins the countdown. Valid only when stopped above zero.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.controlLocked(); err != nil {
		return err
	}
	if c.running {
		return fmt.Errorf("%w: %s is already running", ErrInvalidTransition, c.ownerID)
	}
	if c.current == 0 {
		return fmt.Errorf("%w: %s is at zero", ErrInvalidTransition, c.ownerID)
	}

	c.running = true
	c.startTickLocked()
	log.Info().Str("owner", c.ownerID).Int("current_time", c.current).Msg("timer started")

	return c.writeLocked(ctx, map[string]any{"isRunning": true})
}

// Pause stops a running countdown.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.controlLocked(); err != nil {
		return err
	}
	if !c.running {
		return fmt.Errorf("%w: %s is not running", ErrInvalidTransition, c.ownerID)
	}

	c.running = false
	c.cancelTickLocked()
	log.Info().Str("owner", c.ownerID).Int("current_time", c.current).Msg("timer paused")

	return c.writeLocked(ctx, map[string]any{"isRunning": false})
}

// Reset returns to Stopped(defaultTime) from any phase.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.controlLocked(); err != nil {
		return err
	}

	c.current = c.defaultTime
	c.running = false
	c.cancelTickLocked()
	log.Info().Str("owner", c.ownerID).Int("default_time", c.defaultTime).Msg("timer reset")

	return c.writeLocked(ctx, map[string]any{
		"currentTime": c.current,
		"isRunning":   false,
	})
}

// SetCurrentTime is the host's manual edit. Editing a running timer pauses it.
func (c *Controller) SetCurrentTime(ctx context.Context, value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.controlLocked(); err != nil {
		return err
	}
	if value < 0 || value > c.defaultTime {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidTime, value, c.defaultTime)
	}

	fields := map[string]any{"currentTime": value}
	if c.running {
		c.running = false
		c.cancelTickLocked()
		fields["isRunning"] = false
		log.Info().Str("owner", c.ownerID).Msg("timer paused by manual edit")
	}
	c.current = value

	return c.writeLocked(ctx, fields)
}

// OnTick advances the countdown by one second. It is a no-op unless running.
func (c *Controller) OnTick(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.tickLocked(ctx)
	return err
}

// ApplyRemoteSnapshot makes the remote document authoritative: local
// currentTime and isRunning are overwritten, and a snapshot at zero or not
// running cancels any local tick. Snapshots older than this viewer's last
// write are stale echoes and are ignored.
func (c *Controller) ApplyRemoteSnapshot(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyLocked(snap)
}

// State returns a copy of the local view.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State{
		OwnerID:     c.ownerID,
		CurrentTime: c.current,
		DefaultTime: c.defaultTime,
		IsRunning:   c.running,
		Ticking:     c.tick != nil,
	}
}

// Phase returns the current state machine position.
func (c *Controller) Phase() Phase {
	return c.State().Phase()
}

// Stale reports whether remote updates are currently not being received.
func (c *Controller) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sub.Stale()
}

// Err returns the last persistent write failure, or nil once a later write
// succeeded.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.writeErr
}

func (c *Controller) controlLocked() error {
	if c.readOnly {
		return ErrReadOnly
	}
	if !c.attached {
		return ErrNotAttached
	}
	return nil
}

func (c *Controller) docLocked() models.TimerDoc {
	return models.TimerDoc{
		CurrentTime: c.current,
		DefaultTime: c.defaultTime,
		IsRunning:   c.running,
	}
}

func (c *Controller) applyLocked(snap Snapshot) {
	if snap.Revision != 0 && (snap.Revision < c.lastWriteRev || snap.Revision < c.appliedRev) {
		log.Debug().
			Str("owner", c.ownerID).
			Uint64("revision", snap.Revision).
			Uint64("last_write", c.lastWriteRev).
			Msg("ignoring stale timer snapshot")
		return
	}

	doc := snap.TimerDoc.Normalize(c.defaultTime)
	c.defaultTime = doc.DefaultTime
	c.current = doc.CurrentTime
	c.running = doc.IsRunning

	// at zero Normalize already cleared IsRunning
	if !c.running {
		c.cancelTickLocked()
	}
	if snap.Revision > c.appliedRev {
		c.appliedRev = snap.Revision
	}
}

// tickLocked decrements once and reports whether ticking should continue.
func (c *Controller) tickLocked(ctx context.Context) (bool, error) {
	if !c.running || c.current == 0 {
		return false, nil
	}

	c.current--
	fields := map[string]any{"currentTime": c.current}
	if c.current == 0 {
		c.running = false
		c.cancelTickLocked()
		fields["isRunning"] = false
		log.Info().Str("owner", c.ownerID).Msg("timer reached zero")
	}

	return c.running, c.writeLocked(ctx, fields)
}

func (c *Controller) writeLocked(ctx context.Context, fields map[string]any) error {
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	rev, err := c.store.Update(wctx, c.path, fields)
	if err != nil {
		c.writeErr = err
		log.Error().
			Err(err).
			Str("owner", c.ownerID).
			Interface("fields", fields).
			Msg("failed to write timer state")
		return fmt.Errorf("write timer %s: %w", c.ownerID, err)
	}

	c.writeErr = nil
	if rev > c.lastWriteRev {
		c.lastWriteRev = rev
	}
	return nil
}

func (c *Controller) onChange(ch remotestate.Change) {
	if ch.Path != c.path {
		return
	}
	if ch.Deleted {
		log.Warn().Str("owner", c.ownerID).Msg("timer document deleted remotely, keeping local state")
		return
	}

	var doc models.TimerDoc
	if err := json.Unmarshal(ch.Value, &doc); err != nil {
		log.Error().Err(err).Str("owner", c.ownerID).Msg("malformed timer snapshot")
		return
	}
	c.ApplyRemoteSnapshot(Snapshot{TimerDoc: doc, Revision: ch.Revision})
}
