// Package gymops is the module registry for the gym operations console backend.
//
// An App owns the process-wide logger and configuration and initializes
// modules in registration order. Modules reach their collaborators through
// the typed accessors below.
package gymops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// App holds the registered modules in initialization order. Collaborators
// are found by the interface they implement, not by name.
type App struct {
	mu         sync.RWMutex
	modules    map[string]Module
	order      []string
	config     *Config
	configData ConfigData
	logger     *slog.Logger
}

// UsersModule stores console profiles. Results are *users.Profile values
// typed as any so this package does not import users.
type UsersModule interface {
	Module
	Create(ctx context.Context, email, password string) (any, error)
	GetByID(ctx context.Context, id string) (any, error)
	GetByEmail(ctx context.Context, email string) (any, error)
	Authenticate(ctx context.Context, email, password string) (any, error)
}

// AuthModule resolves the signed-in user of a request.
type AuthModule interface {
	Module
	GetUserID(ctx context.Context, request any) string
}

// PermissionsModule answers capability questions by user ID. Capabilities
// and roles travel as their string keys.
type PermissionsModule interface {
	Module
	Can(ctx context.Context, userID, capability string) bool
	RoleHasPermission(role, permission string) bool
	HasRole(ctx context.Context, userID, role string) bool
}

// CacheModule is a byte-valued key store shared by modules.
type CacheModule interface {
	Module
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// EventsModule is the in-process event bus.
type EventsModule interface {
	Module
	Subscribe(eventType string, handler any) func()
	Publish(ctx context.Context, eventType string, payload any)
	PublishAsync(ctx context.Context, eventType string, payload any)
}

// Config holds app-level configuration.
type Config struct {
	Env      string
	LogLevel slog.Level
}

// Option configures an App in New.
type Option func(*App)

// New creates a new App with the given options.
func New(opts ...Option) *App {
	app := &App{
		modules: make(map[string]Module),
		config: &Config{
			Env:      "development",
			LogLevel: slog.LevelInfo,
		},
		logger: newLogger(slog.LevelInfo),
	}

	for _, opt := range opts {
		opt(app)
	}

	return app
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// WithConfig replaces the app config and rebuilds the logger at its level.
func WithConfig(cfg *Config) Option {
	return func(app *App) {
		app.config = cfg
		app.logger = newLogger(cfg.LogLevel)
	}
}

// WithLogger replaces the default stdout logger.
func WithLogger(logger *slog.Logger) Option {
	return func(app *App) {
		app.logger = logger
	}
}

// WithConfigFile reads a YAML config, expanding ${VAR} and ${VAR:-default}.
// A file that cannot be read is logged and ignored.
func WithConfigFile(path string) Option {
	return func(app *App) {
		data, err := LoadConfig(path)
		if err != nil {
			app.logger.Error("failed to load config file", "path", path, "error", err)
			return
		}
		app.applyConfig(data)
		app.logger.Info("config loaded", "path", path)
	}
}

// WithConfigData uses already parsed configuration.
func WithConfigData(data ConfigData) Option {
	return func(app *App) {
		app.applyConfig(data)
	}
}

func (app *App) applyConfig(data ConfigData) {
	app.configData = data

	section := data.Section("gymops")
	if section == nil {
		return
	}
	if env := section.GetString("env"); env != "" {
		app.config.Env = env
	}
	if logLevel := section.GetString("log_level"); logLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err == nil {
			app.config.LogLevel = level
			app.logger = newLogger(level)
		}
	}
}

// WithModules registers mods in order. Failures are logged, not returned;
// use Register directly when startup must stop on error.
func WithModules(modules ...Module) Option {
	return func(app *App) {
		ctx := context.Background()
		for _, mod := range modules {
			if err := app.Register(ctx, mod); err != nil {
				app.logger.Error("failed to register module",
					"module", mod.Name(),
					"error", err,
				)
			}
		}
	}
}

// Register initializes mod and adds it under its name. Names are unique.
func (app *App) Register(ctx context.Context, mod Module) error {
	name := mod.Name()

	app.mu.RLock()
	_, exists := app.modules[name]
	app.mu.RUnlock()
	if exists {
		return fmt.Errorf("module %q already registered", name)
	}

	// Init runs unlocked so modules can call accessors on the App.
	if err := mod.Init(ctx, app); err != nil {
		return fmt.Errorf("failed to initialize module %q: %w", name, err)
	}

	app.mu.Lock()
	defer app.mu.Unlock()

	app.modules[name] = mod
	app.order = append(app.order, name)
	app.logger.Info("module registered", "module", name)

	return nil
}

// Shutdown stops modules newest first and joins their errors.
func (app *App) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	var errs []error
	for i := len(app.order) - 1; i >= 0; i-- {
		name := app.order[i]
		if err := app.modules[name].Shutdown(ctx); err != nil {
			app.logger.Error("failed to shutdown module", "module", name, "error", err)
			errs = append(errs, fmt.Errorf("module %q: %w", name, err))
			continue
		}
		app.logger.Info("module shutdown", "module", name)
	}

	return errors.Join(errs...)
}

// Module returns a registered module by name.
func (app *App) Module(name string) (Module, bool) {
	app.mu.RLock()
	defer app.mu.RUnlock()
	mod, ok := app.modules[name]
	return mod, ok
}

// find returns the earliest registered module implementing T.
func find[T any](app *App) (T, bool) {
	app.mu.RLock()
	defer app.mu.RUnlock()
	for _, name := range app.order {
		if mod, ok := app.modules[name].(T); ok {
			return mod, true
		}
	}
	var zero T
	return zero, false
}

func mustFind[T any](app *App, kind string) T {
	mod, ok := find[T](app)
	if !ok {
		panic(kind + " module not registered")
	}
	return mod
}

// Users returns the users module. Panics if none is registered.
func (app *App) Users() UsersModule { return mustFind[UsersModule](app, "users") }

// Auth returns the auth module. Panics if none is registered.
func (app *App) Auth() AuthModule { return mustFind[AuthModule](app, "auth") }

// Permissions returns the permissions module. Panics if none is registered.
func (app *App) Permissions() PermissionsModule {
	return mustFind[PermissionsModule](app, "permissions")
}

// Cache returns the cache module. Panics if none is registered.
func (app *App) Cache() CacheModule { return mustFind[CacheModule](app, "cache") }

// Events returns the events module. Panics if none is registered.
func (app *App) Events() EventsModule { return mustFind[EventsModule](app, "events") }

// HasUsers reports whether a users module is registered.
func (app *App) HasUsers() bool {
	_, ok := find[UsersModule](app)
	return ok
}

// HasCache reports whether a cache module is registered.
func (app *App) HasCache() bool {
	_, ok := find[CacheModule](app)
	return ok
}

// Emit publishes an event synchronously when an events module is registered
// and does nothing otherwise.
func (app *App) Emit(ctx context.Context, eventType string, payload any) {
	if events, ok := find[EventsModule](app); ok {
		events.Publish(ctx, eventType, payload)
	}
}

// Logger returns the App logger for use by modules and application code.
func (app *App) Logger() *slog.Logger {
	return app.logger
}

// Config returns the App configuration.
func (app *App) Config() *Config {
	return app.config
}

// ConfigData returns the raw configuration data loaded from file.
// Returns nil if no config file was loaded.
func (app *App) ConfigData() ConfigData {
	return app.configData
}
