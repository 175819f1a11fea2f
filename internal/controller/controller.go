/*
Package controller watches control-pilot (CP) state transitions and drives
one session's matching runs: arming on a charging-state transition,
retrying on failure, and cancelling on disconnect (spec §4.5).
*/
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"slacd/internal/clock"
	"slacd/internal/session"
)

// MaxAttempts bounds how many matching attempts runWithRetries makes in
// total per CP activation, counting the first one (spec §4.4).
const MaxAttempts = 3

// Observer receives notifications when a matching run starts and when it
// ultimately fails after exhausting retries (spec §6).
type Observer interface {
	MatchingOngoing(evseID string)
	MatchingFailed(evseID string)
}

// ErrNotProvisioned signals HandleCPState/Run was called before Provision
// completed (spec.md §4.4's one-shot Set-Key requirement, made explicit in
// the type per the supplemented `slac/main.py` settle-before-arm behavior).
var ErrNotProvisioned = errors.New("controller: session not yet provisioned")

// Controller drives one session.Session in reaction to CP-state strings.
// Only the first character of a CP-state value is significant; any
// trailing characters (e.g. "B1" vs "B2") are ignored (spec §4.5).
type Controller struct {
	sess     *session.Session
	observer Observer
	evseID   string
	clk      clock.Clock
	log      *slog.Logger

	mu          sync.Mutex
	provisioned bool
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithClock injects a clock.Clock other than the real wall clock, for
// tests bounding the retry window deterministically.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clk = c }
}

// WithLogger injects a *slog.Logger other than slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) { ctl.log = l }
}

// New creates a Controller driving sess, notifying observer, for the EVSE
// identified by evseID.
func New(evseID string, sess *session.Session, observer Observer, opts ...Option) *Controller {
	c := &Controller{
		sess:     sess,
		observer: observer,
		evseID:   evseID,
		clk:      clock.Real{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provision performs the session's one-shot Set-Key exchange. It must
// succeed once before HandleCPState/Run will arm a matching task.
func (c *Controller) Provision(ctx context.Context) error {
	if err := c.sess.Provision(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.provisioned = true
	c.mu.Unlock()
	return nil
}

// HandleCPState reacts to a single CP-state transition (spec §4.5):
// A/E/F cancels a running task when the new state is A, or when the
// session has already reached Matched; B/C/D arms a new task if none is
// running; any other value is logged and ignored.
func (c *Controller) HandleCPState(ctx context.Context, state string) error {
	if state == "" {
		return nil
	}

	c.mu.Lock()
	if !c.provisioned {
		c.mu.Unlock()
		return ErrNotProvisioned
	}
	running := c.running
	c.mu.Unlock()

	switch state[0] {
	case 'A', 'E', 'F':
		if running && (state[0] == 'A' || c.sess.State() == session.Matched) {
			c.cancelRunning()
		}
	case 'B', 'C', 'D':
		if !running {
			c.arm(ctx)
		}
	default:
		c.log.Debug("ignoring unrecognized CP state", slog.String("evse_id", c.evseID), slog.String("state", state))
	}
	return nil
}

// Run drives HandleCPState from a channel of CP-state strings until ctx is
// cancelled or the channel is closed, for callers that prefer handing the
// controller a channel instead of calling HandleCPState per event.
func (c *Controller) Run(ctx context.Context, cpStates <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-cpStates:
			if !ok {
				return
			}
			if err := c.HandleCPState(ctx, state); err != nil {
				c.log.Error("handle CP state", slog.String("evse_id", c.evseID), slog.String("error", err.Error()))
			}
		}
	}
}

// arm spawns the retrying matching task if none is already running.
func (c *Controller) arm(parent context.Context) {
	taskCtx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runWithRetries(taskCtx)
}

// cancelRunning cancels the in-flight task, waits for it to unwind, and
// leaves the logical network (spec §4.5).
func (c *Controller) cancelRunning() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	if err := c.sess.LeaveLogicalNetwork(); err != nil {
		c.log.Error("leave logical network", slog.String("evse_id", c.evseID), slog.String("error", err.Error()))
	}
}

// runWithRetries runs the session's matching sequence, retrying up to
// MaxAttempts times within MatchingRepetitionWindow (spec §4.4), and
// notifies the observer at the start and on terminal failure.
func (c *Controller) runWithRetries(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	c.observer.MatchingOngoing(c.evseID)

	deadline := c.clk.Now().Add(session.MatchingRepetitionWindow)
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if c.clk.Now().After(deadline) {
			break
		}
		_, err := c.sess.Run(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		c.log.Debug("matching attempt failed", slog.String("evse_id", c.evseID), slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}

	c.log.Warn("matching failed after retries", slog.String("evse_id", c.evseID), slog.Any("error", lastErr))
	c.observer.MatchingFailed(c.evseID)
}
