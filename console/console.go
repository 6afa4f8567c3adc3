// Package console serves the gym console's HTTP API on top of the App
// modules: sign-in, the signed-in user's capabilities, the member list and
// role changes.
//
// Every route behind RequireAuth gets an access snapshot from
// access.Module.Resolve, and each handler checks against that snapshot
// only. Denials answer 403 with the same "access denied" body whatever the
// reason.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talosaether/gymops"
	"github.com/talosaether/gymops/access"
	"github.com/talosaether/gymops/auth"
	"github.com/talosaether/gymops/permissions"
	"github.com/talosaether/gymops/rbac"
	"github.com/talosaether/gymops/users"
)

const (
	defaultLoginLimit  = 10
	defaultLoginWindow = time.Minute
	defaultTimeout     = 15 * time.Second
)

// Server holds the modules the handlers use.
type Server struct {
	users    *users.Module
	auth     *auth.Module
	access   *access.Module
	perms    *permissions.Module
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	loginLimit  int
	loginWindow time.Duration
	timeout     time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer exposes gatherer on GET /metrics. Without it the route is
// not mounted.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithLoginLimit allows n login attempts per client address per window.
func WithLoginLimit(n int, window time.Duration) Option {
	return func(s *Server) {
		s.loginLimit = n
		s.loginWindow = window
	}
}

// New looks up the users, auth, access and permissions modules on app.
func New(app *gymops.App, opts ...Option) (*Server, error) {
	s := &Server{
		logger:      app.Logger().With("component", "console"),
		loginLimit:  defaultLoginLimit,
		loginWindow: defaultLoginWindow,
		timeout:     defaultTimeout,
	}

	var ok bool
	if s.users, ok = lookup[*users.Module](app, "users"); !ok {
		return nil, errors.New("console requires the users module")
	}
	if s.auth, ok = lookup[*auth.Module](app, "auth"); !ok {
		return nil, errors.New("console requires the auth module")
	}
	if s.access, ok = lookup[*access.Module](app, "access"); !ok {
		return nil, errors.New("console requires the access module")
	}
	if s.perms, ok = lookup[*permissions.Module](app, "permissions"); !ok {
		return nil, errors.New("console requires the permissions module")
	}

	if cfg := app.ConfigData(); cfg != nil {
		if n := cfg.GetInt("http.login_limit"); n > 0 {
			s.loginLimit = n
		}
		s.loginWindow = cfg.GetDuration("http.login_window", s.loginWindow)
		s.timeout = cfg.GetDuration("http.request_timeout", s.timeout)
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func lookup[T gymops.Module](app *gymops.App, name string) (T, bool) {
	var zero T
	mod, ok := app.Module(name)
	if !ok {
		return zero, false
	}
	typed, ok := mod.(T)
	return typed, ok
}

// Router builds the console's routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP, chimw.RequestID, chimw.Recoverer, chimw.Timeout(s.timeout))
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.With(httprate.Limit(s.loginLimit, s.loginWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
		}),
	)).Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireAuth, s.access.Resolve)

		r.Get("/me", s.handleMe)
		r.Get("/roles/assignable", s.handleAssignableRoles)
		r.Get("/members", s.handleMembers)
		r.Get("/roles", s.handleRoles)
		r.Put("/users/{id}/role", s.handleChangeRole)

		r.Group(func(r chi.Router) {
			r.Use(access.Permission(rbac.CanManageUsers).Middleware)
			r.Get("/users", s.handleUsers)
			r.Get("/users/{id}/permissions", s.handleUserPermissions)
			r.Get("/users/{id}/can/{capability}", s.handleUserCan)
		})
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

// ErrSeedNotAdmin reports that the seed email already belongs to a user
// who is not an admin. The profile is left as it is.
var ErrSeedNotAdmin = errors.New("console: seed email belongs to a non-admin")

// SeedAdmin creates an admin profile for email unless one with that email
// already exists. It is how the first admin gets into an empty store. An
// existing profile that is not an admin is returned with ErrSeedNotAdmin.
func SeedAdmin(ctx context.Context, mod *users.Module, email, password string) (*users.Profile, error) {
	existing, err := mod.GetByEmail(ctx, email)
	if err == nil {
		p, _ := existing.(*users.Profile)
		if p.GetRole() != rbac.RoleAdmin {
			return p, fmt.Errorf("%w: %s is %s", ErrSeedNotAdmin, email, p.GetRole())
		}
		return p, nil
	}
	if !errors.Is(err, users.ErrNotFound) {
		return nil, fmt.Errorf("look up admin: %w", err)
	}
	return mod.CreateProfile(ctx, users.CreateInput{Email: email, Password: password, Role: rbac.RoleAdmin})
}
