package access

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/talosaether/gymops/auth"
	"github.com/talosaether/gymops/events"
	"github.com/talosaether/gymops/users"
)

// SessionSource reports the user signed in to a session, or "" when nobody
// is.
type SessionSource interface {
	CurrentSession(ctx context.Context) (userID string, err error)
}

// ProfileSource reads user profiles.
type ProfileSource interface {
	GetProfile(ctx context.Context, id string) (*users.Profile, error)
}

// SessionFunc adapts a function to SessionSource.
type SessionFunc func(ctx context.Context) (string, error)

func (f SessionFunc) CurrentSession(ctx context.Context) (string, error) {
	return f(ctx)
}

// Context is the access state of one session. Every transition takes a new
// generation; a fetch that finishes after a newer transition started is
// dropped, so the last event always wins.
type Context struct {
	sessions  SessionSource
	profiles  ProfileSource
	sessionID string
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.Mutex
	gen     uint64
	subject string
	current atomic.Pointer[Snapshot]
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithContextLogger sets the logger.
func WithContextLogger(logger *slog.Logger) ContextOption {
	return func(c *Context) {
		c.logger = logger
	}
}

// WithContextMetrics records transitions and dropped fetches on m.
func WithContextMetrics(m *Metrics) ContextOption {
	return func(c *Context) {
		c.metrics = m
	}
}

// BoundToSession makes Attach ignore sign-in and sign-out events of other
// sessions.
func BoundToSession(sessionID string) ContextOption {
	return func(c *Context) {
		c.sessionID = sessionID
	}
}

// NewContext returns an Uninitialized Context.
func NewContext(sessions SessionSource, profiles ProfileSource, opts ...ContextOption) *Context {
	c := &Context{
		sessions: sessions,
		profiles: profiles,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.current.Store(uninitialized())
	return c
}

// Snapshot returns the latest published state. It never returns nil.
func (c *Context) Snapshot() *Snapshot {
	return c.current.Load()
}

// Subject returns the user the current generation is about, or "".
func (c *Context) Subject() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subject
}

// Start asks the session source who is signed in and loads their profile.
func (c *Context) Start(ctx context.Context) *Snapshot {
	gen := c.begin("")

	userID, err := c.sessions.CurrentSession(ctx)
	if err != nil {
		c.logger.Warn("session check failed; treating as signed out", "error", err)
		return c.settle(gen, signedOut(gen))
	}
	if userID == "" {
		return c.settle(gen, signedOut(gen))
	}

	if !c.claim(gen, userID) {
		return c.Snapshot()
	}
	return c.load(ctx, gen, userID)
}

// HandleSignIn loads userID's profile as the new state.
func (c *Context) HandleSignIn(ctx context.Context, userID string) *Snapshot {
	if userID == "" {
		return c.HandleSignOut()
	}
	gen := c.begin(userID)
	return c.load(ctx, gen, userID)
}

// HandleSignOut clears the state and supersedes any fetch in flight.
func (c *Context) HandleSignOut() *Snapshot {
	gen := c.next("")
	return c.settle(gen, signedOut(gen))
}

// Refresh re-reads the current user's profile, e.g. after their role
// changed. A signed-out Context stays signed out.
func (c *Context) Refresh(ctx context.Context) *Snapshot {
	userID := c.Subject()
	if userID == "" {
		return c.Snapshot()
	}
	return c.HandleSignIn(ctx, userID)
}

// Attach follows sign-in, sign-out and role-change events on bus until the
// returned function is called.
func (c *Context) Attach(bus events.Subscriber) (detach func()) {
	offIn := events.On(bus, auth.EventSignedIn, func(ctx context.Context, ev auth.SignedIn) {
		if c.follows(ev.SessionID) {
			c.HandleSignIn(ctx, ev.UserID)
		}
	})
	offOut := events.On(bus, auth.EventSignedOut, func(ctx context.Context, ev auth.SignedOut) {
		if c.follows(ev.SessionID) {
			c.HandleSignOut()
		}
	})
	offRole := events.On(bus, EventRoleChanged, func(ctx context.Context, ev RoleChanged) {
		if ev.UserID == c.Subject() {
			c.Refresh(ctx)
		}
	})
	return func() {
		offIn()
		offOut()
		offRole()
	}
}

func (c *Context) follows(sessionID string) bool {
	return c.sessionID == "" || c.sessionID == sessionID
}

// begin opens a new generation and publishes Loading for it.
func (c *Context) begin(subject string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.subject = subject
	c.publish(loading(c.gen))
	return c.gen
}

// next opens a new generation without publishing anything.
func (c *Context) next(subject string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.subject = subject
	return c.gen
}

// claim records who gen is loading, unless gen was superseded.
func (c *Context) claim(gen uint64, subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		c.dropped()
		return false
	}
	c.subject = subject
	return true
}

func (c *Context) load(ctx context.Context, gen uint64, userID string) *Snapshot {
	profile, err := c.profiles.GetProfile(ctx, userID)
	if err != nil {
		c.logger.Warn("profile fetch failed; treating as signed out", "user_id", userID, "error", err)
		return c.settle(gen, signedOut(gen))
	}
	if !profile.GetRole().Valid() {
		c.logger.Error("profile references an unknown role; granting nothing",
			"user_id", userID, "role", string(profile.GetRole()))
	}
	return c.settle(gen, signedIn(gen, profile))
}

// settle publishes snap if gen is still the latest generation. It returns
// whatever is current afterwards.
func (c *Context) settle(gen uint64, snap *Snapshot) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		c.dropped()
		c.logger.Debug("discarding superseded access state", "generation", gen, "latest", c.gen)
		return c.current.Load()
	}
	if snap.user == nil {
		c.subject = ""
	}
	c.publish(snap)
	return snap
}

// publish must be called with mu held.
func (c *Context) publish(snap *Snapshot) {
	c.current.Store(snap)
	if c.metrics != nil {
		label := snap.state.String()
		if snap.state == StateReady && snap.user == nil {
			label = "signed_out"
		}
		c.metrics.Transitions.WithLabelValues(label).Inc()
	}
}

func (c *Context) dropped() {
	if c.metrics != nil {
		c.metrics.StaleFetches.Inc()
	}
}
