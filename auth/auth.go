// Package auth is the identity collaborator of the console: it verifies
// credentials through the users module, issues session tokens, and announces
// sign-in and sign-out on the events module.
//
// Consumers that only need "who is signed in" depend on CurrentSession (see
// TokenSession) and on the SignedIn/SignedOut events, never on cookies.
//
// Basic usage:
//
//	app := gymops.New(
//	    gymops.WithModules(
//	        events.New(),
//	        users.New(),
//	        auth.New(),
//	    ),
//	)
//
//	session, err := authMod.Login(ctx, w, "coach@example.com", "secret123")
//	router.With(authMod.RequireAuth).Get("/me", handler)
package auth

import (
	"cmp"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talosaether/gymops"
)

// ErrInvalidSession reports an unknown or expired session token.
var ErrInvalidSession = errors.New("invalid or expired session")

// Event types published on the events module.
const (
	EventSignedIn  = "session.signed_in"
	EventSignedOut = "session.signed_out"
)

// SignedIn is the payload of EventSignedIn.
type SignedIn struct {
	UserID    string
	SessionID string
}

// SignedOut is the payload of EventSignedOut.
type SignedOut struct {
	UserID    string
	SessionID string
}

// Session represents an authenticated user session.
type Session struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

const (
	defaultDBPath     = "./data/sessions.db"
	defaultCookieName = "gymops_session"
	defaultSessionTTL = 12 * time.Hour
)

// Module issues and resolves console sessions.
type Module struct {
	store        SessionStore
	dbPath       string
	cookieName   string
	sessionTTL   time.Duration
	secureCookie bool
	now          func() time.Time
	app          *gymops.App
}

// Option configures a Module in New. Config keys read in Init override
// the values set here.
type Option func(*Module)

// WithStore replaces the SQLite session store. The module closes it on
// shutdown.
func WithStore(store SessionStore) Option {
	return func(mod *Module) { mod.store = store }
}

// WithDBPath points the default SQLite store at path.
func WithDBPath(path string) Option {
	return func(mod *Module) { mod.dbPath = path }
}

func WithCookieName(name string) Option {
	return func(mod *Module) { mod.cookieName = name }
}

// WithSessionTTL sets how long a session lives after sign-in. Sessions
// are not extended on use.
func WithSessionTTL(ttl time.Duration) Option {
	return func(mod *Module) { mod.sessionTTL = ttl }
}

// WithSecureCookie marks the session cookie HTTPS-only.
func WithSecureCookie(secure bool) Option {
	return func(mod *Module) { mod.secureCookie = secure }
}

func New(opts ...Option) *Module {
	mod := &Module{
		dbPath:     defaultDBPath,
		cookieName: defaultCookieName,
		sessionTTL: defaultSessionTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(mod)
	}
	return mod
}

func (mod *Module) Name() string { return "auth" }

// Init applies the auth config section, opens the session store and drops
// sessions that expired while the process was down.
func (mod *Module) Init(ctx context.Context, app *gymops.App) error {
	mod.app = app
	log := app.Logger().With("module", "auth")

	if cfg := app.ConfigData(); cfg != nil {
		mod.dbPath = cmp.Or(cfg.GetString("auth.db_path"), mod.dbPath)
		mod.cookieName = cmp.Or(cfg.GetString("auth.cookie_name"), mod.cookieName)
		mod.sessionTTL = cfg.GetDuration("auth.session_ttl", mod.sessionTTL)
		mod.secureCookie = mod.secureCookie || cfg.GetBool("auth.secure_cookie")
	}

	if mod.store == nil {
		store, err := NewSQLiteSessionStore(mod.dbPath)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		mod.store = store
	}
	log.Info("session store ready", "path", mod.dbPath, "ttl", mod.sessionTTL)

	switch purged, err := mod.store.DeleteExpired(ctx, mod.now()); {
	case err != nil:
		log.Warn("expired session purge failed", "error", err)
	case purged > 0:
		log.Info("expired sessions purged", "count", purged)
	}
	return nil
}

func (mod *Module) Shutdown(context.Context) error {
	if mod.store == nil {
		return nil
	}
	return mod.store.Close()
}

// UserIdentifier is what auth needs from an authenticated profile.
type UserIdentifier interface {
	GetID() string
}

// StartSession verifies the credentials, stores a new session and publishes
// EventSignedIn.
func (mod *Module) StartSession(ctx context.Context, email, password string) (*Session, error) {
	userAny, err := mod.app.Users().Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}

	user, ok := userAny.(UserIdentifier)
	if !ok {
		return nil, fmt.Errorf("authenticated %T has no GetID", userAny)
	}

	token, err := generateToken(32)
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}

	now := mod.now()
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    user.GetID(),
		Token:     token,
		ExpiresAt: now.Add(mod.sessionTTL),
		CreatedAt: now,
	}

	if err := mod.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	mod.app.Logger().Debug("session started", "user_id", session.UserID, "session_id", session.ID)
	mod.app.Emit(ctx, EventSignedIn, SignedIn{UserID: session.UserID, SessionID: session.ID})

	return session, nil
}

// EndSession deletes the session behind token and publishes EventSignedOut.
// Unknown tokens are ignored.
func (mod *Module) EndSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	session, err := mod.store.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidSession) {
			return nil
		}
		return err
	}
	if err := mod.store.Delete(ctx, session.ID); err != nil {
		return err
	}

	mod.app.Logger().Debug("session ended", "user_id", session.UserID, "session_id", session.ID)
	mod.app.Emit(ctx, EventSignedOut, SignedOut{UserID: session.UserID, SessionID: session.ID})
	return nil
}

// SessionForToken returns the live session behind token. Expired sessions
// are removed and reported as ErrInvalidSession.
func (mod *Module) SessionForToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrInvalidSession
	}
	session, err := mod.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.Expired(mod.now()) {
		_ = mod.store.Delete(ctx, session.ID)
		return nil, ErrInvalidSession
	}
	return session, nil
}

// Login starts a session and sets the session cookie.
func (mod *Module) Login(ctx context.Context, writer http.ResponseWriter, email, password string) (*Session, error) {
	session, err := mod.StartSession(ctx, email, password)
	if err != nil {
		return nil, err
	}

	cookie := mod.cookie(session.Token)
	cookie.Expires = session.ExpiresAt
	http.SetCookie(writer, cookie)
	return session, nil
}

// Logout ends the request's session and clears the cookie.
func (mod *Module) Logout(ctx context.Context, writer http.ResponseWriter, request *http.Request) error {
	if err := mod.EndSession(ctx, mod.tokenFrom(request)); err != nil {
		return err
	}

	cookie := mod.cookie("")
	cookie.MaxAge = -1
	http.SetCookie(writer, cookie)
	return nil
}

func (mod *Module) cookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     mod.cookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   mod.secureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}

// tokenFrom reads the session cookie, falling back to a bearer token.
func (mod *Module) tokenFrom(request *http.Request) string {
	if cookie, err := request.Cookie(mod.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if token, ok := strings.CutPrefix(request.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// GetSession resolves the request's cookie or bearer token.
func (mod *Module) GetSession(ctx context.Context, request *http.Request) (*Session, error) {
	return mod.SessionForToken(ctx, mod.tokenFrom(request))
}

// GetUserID returns the signed-in user's ID for an *http.Request, or "".
func (mod *Module) GetUserID(ctx context.Context, request any) string {
	httpReq, ok := request.(*http.Request)
	if !ok {
		return ""
	}
	session, err := mod.GetSession(ctx, httpReq)
	if err != nil {
		return ""
	}
	return session.UserID
}

// RequireAuth answers 401 unless the request carries a live session, which
// it stores on the request context for SessionFromContext.
func (mod *Module) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := mod.GetSession(r.Context(), r)
		if err != nil {
			if !errors.Is(err, ErrInvalidSession) {
				mod.app.Logger().Error("session lookup failed", "error", err)
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
	})
}

// TokenSession answers "who is signed in" for one session token. The zero
// token means nobody is.
type TokenSession struct {
	Module *Module
	Token  string
}

// CurrentSession returns the signed-in user's ID, or "" with a nil error
// when there is no live session.
func (ts TokenSession) CurrentSession(ctx context.Context) (string, error) {
	if ts.Module == nil || ts.Token == "" {
		return "", nil
	}
	session, err := ts.Module.SessionForToken(ctx, ts.Token)
	if errors.Is(err, ErrInvalidSession) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return session.UserID, nil
}

// WithSession stores session in ctx.
func WithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// SessionFromContext retrieves the session stored by RequireAuth, or nil.
func SessionFromContext(ctx context.Context) *Session {
	session, _ := ctx.Value(sessionContextKey).(*Session)
	return session
}

// UserIDFromContext returns the session's user ID, or "".
func UserIDFromContext(ctx context.Context) string {
	if session := SessionFromContext(ctx); session != nil {
		return session.UserID
	}
	return ""
}

type sessionKey struct{}

var sessionContextKey sessionKey

// generateToken returns n random bytes, URL-safe base64 encoded.
func generateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
