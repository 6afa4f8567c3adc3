package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/talosaether/gymops"
	"github.com/talosaether/gymops/auth"
	"github.com/talosaether/gymops/events"
)

const (
	defaultProfileTTL  = time.Minute
	defaultMaxSessions = 10000
	defaultSessionTTL  = 12 * time.Hour
)

// Module keeps one Context per signed-in session and resolves the snapshot
// every request is checked against.
type Module struct {
	registry    prometheus.Registerer
	profileTTL  time.Duration
	maxSessions int
	sessionTTL  time.Duration

	app      *gymops.App
	logger   *slog.Logger
	metrics  *Metrics
	auth     *auth.Module
	profiles *CachedProfiles
	changer  *RoleChanger
	contexts *lru.LRU[string, *Context]
	detach   []func()
}

// Option is a function that configures the access module.
type Option func(*Module)

// WithRegistry registers the access metrics with registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(mod *Module) {
		mod.registry = registry
	}
}

// WithProfileTTL sets how long profiles stay in the cache.
func WithProfileTTL(ttl time.Duration) Option {
	return func(mod *Module) {
		mod.profileTTL = ttl
	}
}

// WithMaxSessions bounds the number of session contexts kept in memory.
func WithMaxSessions(n int) Option {
	return func(mod *Module) {
		mod.maxSessions = n
	}
}

// New creates a new access module with the given options.
func New(opts ...Option) *Module {
	mod := &Module{
		profileTTL:  defaultProfileTTL,
		maxSessions: defaultMaxSessions,
		sessionTTL:  defaultSessionTTL,
	}
	for _, opt := range opts {
		opt(mod)
	}
	return mod
}

// Name returns the module identifier.
func (mod *Module) Name() string {
	return "access"
}

// Init wires the module to users (required), cache, events and auth
// (optional).
func (mod *Module) Init(ctx context.Context, app *gymops.App) error {
	mod.app = app
	mod.logger = app.Logger().With("module", "access")

	if cfg := app.ConfigData(); cfg != nil {
		mod.profileTTL = cfg.GetDuration("access.profile_ttl", mod.profileTTL)
		mod.sessionTTL = cfg.GetDuration("auth.session_ttl", mod.sessionTTL)
		if n := cfg.GetInt("access.max_sessions"); n > 0 {
			mod.maxSessions = n
		}
	}

	if !app.HasUsers() {
		return errors.New("access requires the users module")
	}
	store, ok := app.Users().(RoleStore)
	if !ok {
		return fmt.Errorf("users module %T cannot read profiles or set roles", app.Users())
	}

	var profileCache Cache
	if app.HasCache() {
		if c, ok := app.Cache().(Cache); ok {
			profileCache = c
		}
	}

	mod.metrics = NewMetrics(mod.registry)
	mod.profiles = NewCachedProfiles(store, profileCache, mod.profileTTL, mod.logger)
	mod.changer = NewRoleChanger(store, mod.profiles, app, mod.metrics, mod.logger)
	mod.contexts = lru.NewLRU[string, *Context](mod.maxSessions, nil, mod.sessionTTL)

	if m, ok := app.Module("auth"); ok {
		mod.auth, _ = m.(*auth.Module)
	}

	if m, ok := app.Module("events"); ok {
		if bus, ok := m.(events.Subscriber); ok {
			mod.subscribe(bus)
		}
	} else {
		mod.logger.Warn("no events module registered; session contexts start lazily")
	}

	mod.logger.Info("access module initialized",
		"profile_cache", profileCache != nil, "profile_ttl", mod.profileTTL)
	return nil
}

// Shutdown detaches from the event bus and forgets every session.
func (mod *Module) Shutdown(ctx context.Context) error {
	for _, off := range mod.detach {
		off()
	}
	mod.detach = nil
	if mod.contexts != nil {
		mod.contexts.Purge()
	}
	return nil
}

func (mod *Module) subscribe(bus events.Subscriber) {
	mod.detach = append(mod.detach,
		events.On(bus, auth.EventSignedIn, func(ctx context.Context, ev auth.SignedIn) {
			c := mod.newContext(ev.SessionID, nil)
			c.HandleSignIn(ctx, ev.UserID)
		}),
		events.On(bus, auth.EventSignedOut, func(ctx context.Context, ev auth.SignedOut) {
			if c, ok := mod.contexts.Peek(ev.SessionID); ok {
				c.HandleSignOut()
				mod.contexts.Remove(ev.SessionID)
			}
		}),
		events.On(bus, EventRoleChanged, func(ctx context.Context, ev RoleChanged) {
			for _, c := range mod.contexts.Values() {
				if c.Subject() == ev.UserID {
					c.Refresh(ctx)
				}
			}
		}),
	)
}

// newContext registers a Context for sessionID, replacing any previous one.
func (mod *Module) newContext(sessionID string, sessions SessionSource) *Context {
	if sessions == nil {
		sessions = SessionFunc(func(context.Context) (string, error) { return "", nil })
	}
	c := NewContext(sessions, mod.profiles,
		BoundToSession(sessionID),
		WithContextLogger(mod.logger.With("session_id", sessionID)),
		WithContextMetrics(mod.metrics),
	)
	mod.contexts.Add(sessionID, c)
	return c
}

// ContextFor returns the Context of session, starting one from the session
// token when none is held (e.g. after a restart).
func (mod *Module) ContextFor(ctx context.Context, session *auth.Session) *Context {
	if c, ok := mod.contexts.Get(session.ID); ok {
		return c
	}
	var sessions SessionSource = SessionFunc(func(context.Context) (string, error) { return session.UserID, nil })
	if mod.auth != nil {
		sessions = auth.TokenSession{Module: mod.auth, Token: session.Token}
	}
	c := mod.newContext(session.ID, sessions)
	c.Start(ctx)
	return c
}

// SnapshotFor resolves a Ready snapshot for userID without a Context. An
// empty or unreadable user yields the signed-out snapshot.
func (mod *Module) SnapshotFor(ctx context.Context, userID string) *Snapshot {
	if userID == "" {
		return ReadyFor(nil)
	}
	profile, err := mod.profiles.GetProfile(ctx, userID)
	if err != nil {
		mod.logger.Warn("profile fetch failed; treating as signed out", "user_id", userID, "error", err)
		return ReadyFor(nil)
	}
	return ReadyFor(profile)
}

// SessionSnapshot returns the snapshot for session. While its Context is
// still loading the profile is read directly so the request is not denied
// for being early.
func (mod *Module) SessionSnapshot(ctx context.Context, session *auth.Session) *Snapshot {
	if session == nil {
		return ReadyFor(nil)
	}
	snap := mod.ContextFor(ctx, session).Snapshot()
	if snap.State() != StateReady {
		return mod.SnapshotFor(ctx, session.UserID)
	}
	return snap
}

// Resolve is middleware that stores the request's snapshot in its context.
// Mount it after auth.RequireAuth; requests without a session get the
// signed-out snapshot.
func (mod *Module) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := mod.SessionSnapshot(r.Context(), auth.SessionFromContext(r.Context()))
		next.ServeHTTP(w, r.WithContext(WithSnapshot(r.Context(), snap)))
	})
}

// Roles returns the role change service.
func (mod *Module) Roles() *RoleChanger {
	return mod.changer
}

// Metrics returns the module's counters.
func (mod *Module) Metrics() *Metrics {
	return mod.metrics
}
