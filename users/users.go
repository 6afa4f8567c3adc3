// Package users is the profile store for console users: members, trainers
// and administrators.
//
// Profiles carry the role that the access module resolves into permissions.
// Profile edits never touch the role; roles change only through SetRole,
// which the access module calls after its role mutation checks pass.
//
// Basic usage:
//
//	app := gymops.New(
//	    gymops.WithModules(users.New()),
//	)
//	profile, err := usersMod.CreateProfile(ctx, users.CreateInput{
//	    Email:    "coach@example.com",
//	    Password: "secret123",
//	    Role:     rbac.RoleTrainer,
//	})
package users

import (
	"cmp"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/talosaether/gymops"
	"github.com/talosaether/gymops/rbac"
)

var (
	ErrNotFound       = errors.New("user not found")
	ErrEmailExists    = errors.New("email already exists")
	ErrInvalidEmail   = errors.New("invalid email")
	ErrWeakPassword   = errors.New("password too weak (minimum 8 characters)")
	ErrWrongPassword  = errors.New("wrong password")
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile is a console user.
type Profile struct {
	ID           string      `json:"id"`
	Email        string      `json:"email"`
	FirstName    string      `json:"first_name"`
	LastName     string      `json:"last_name"`
	Role         rbac.RoleID `json:"role"`
	PasswordHash string      `json:"-"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// GetID returns the profile's ID.
func (p *Profile) GetID() string {
	if p == nil {
		return ""
	}
	return p.ID
}

// GetEmail returns the profile's email.
func (p *Profile) GetEmail() string {
	if p == nil {
		return ""
	}
	return p.Email
}

// GetRole returns the stored role id, which may be unknown to rbac if the
// row was written by something else.
func (p *Profile) GetRole() rbac.RoleID {
	if p == nil {
		return ""
	}
	return p.Role
}

// OwnerID is the profile's own ID; a profile belongs to its user.
func (p *Profile) OwnerID() string {
	return p.GetID()
}

// FullName joins first and last name.
func (p *Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// CreateInput contains the data needed to create a profile.
type CreateInput struct {
	Email     string      `validate:"required,email"`
	Password  string      `validate:"min=8"`
	FirstName string      `validate:"max=100"`
	LastName  string      `validate:"max=100"`
	Role      rbac.RoleID `validate:"omitempty,gymrole"`
}

// UpdateInput contains the profile fields a user may edit. Nil fields are
// left unchanged.
type UpdateInput struct {
	Email     *string `validate:"omitempty,email"`
	Password  *string `validate:"omitempty,min=8"`
	FirstName *string `validate:"omitempty,max=100"`
	LastName  *string `validate:"omitempty,max=100"`
}

// Module owns profile storage and password hashing.
type Module struct {
	store    Store
	dbPath   string
	validate *validator.Validate
	app      *gymops.App
}

type Option func(*Module)

// WithStore replaces the SQLite profile store.
func WithStore(store Store) Option {
	return func(mod *Module) { mod.store = store }
}

// WithDBPath points the default SQLite store at path.
func WithDBPath(path string) Option {
	return func(mod *Module) { mod.dbPath = path }
}

func New(opts ...Option) *Module {
	mod := &Module{dbPath: "./data/users.db", validate: newValidator()}
	for _, opt := range opts {
		opt(mod)
	}
	return mod
}

// newValidator registers the gymrole tag, which accepts catalog role ids.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("gymrole", func(fl validator.FieldLevel) bool {
		return rbac.RoleID(fl.Field().String()).Valid()
	})
	return v
}

func (mod *Module) Name() string { return "users" }

func (mod *Module) Init(ctx context.Context, app *gymops.App) error {
	mod.app = app
	if cfg := app.ConfigData(); cfg != nil {
		mod.dbPath = cmp.Or(cfg.GetString("users.db_path"), mod.dbPath)
	}
	if mod.store == nil {
		store, err := NewSQLiteStore(mod.dbPath)
		if err != nil {
			return fmt.Errorf("open profile store: %w", err)
		}
		mod.store = store
	}
	app.Logger().Info("profile store ready", "module", "users", "path", mod.dbPath)
	return nil
}

func (mod *Module) Shutdown(context.Context) error {
	if mod.store == nil {
		return nil
	}
	return mod.store.Close()
}

// Create registers a member with the given email and password.
func (mod *Module) Create(ctx context.Context, email, password string) (any, error) {
	return mod.CreateProfile(ctx, CreateInput{Email: email, Password: password})
}

// CreateProfile registers a new user. An empty role defaults to member.
func (mod *Module) CreateProfile(ctx context.Context, input CreateInput) (*Profile, error) {
	input.Email = strings.TrimSpace(input.Email)
	if err := mod.check(input); err != nil {
		return nil, err
	}
	if input.Role == "" {
		input.Role = rbac.RoleMember
	}

	existing, err := mod.store.GetByEmail(ctx, input.Email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("email lookup: %w", err)
	}
	if existing != nil {
		return nil, ErrEmailExists
	}

	hash, err := hashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	profile := &Profile{
		ID:           uuid.New().String(),
		Email:        input.Email,
		FirstName:    strings.TrimSpace(input.FirstName),
		LastName:     strings.TrimSpace(input.LastName),
		Role:         input.Role,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := mod.store.Create(ctx, profile); err != nil {
		return nil, fmt.Errorf("store profile: %w", err)
	}

	return profile, nil
}

// check validates input and maps the first failing field to a sentinel.
func (mod *Module) check(input any) error {
	err := mod.validate.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	switch first := fieldErrs[0]; first.Field() {
	case "Email":
		return ErrInvalidEmail
	case "Password":
		return ErrWeakPassword
	default:
		return fmt.Errorf("%w: %s failed %s", ErrInvalidProfile, first.Field(), first.Tag())
	}
}

// GetByID satisfies gymops.UsersModule; the result is a *Profile.
func (mod *Module) GetByID(ctx context.Context, id string) (any, error) {
	return mod.store.GetByID(ctx, id)
}

func (mod *Module) GetByEmail(ctx context.Context, email string) (any, error) {
	return mod.store.GetByEmail(ctx, email)
}

// GetProfile returns the profile with id or ErrNotFound.
func (mod *Module) GetProfile(ctx context.Context, id string) (*Profile, error) {
	return mod.store.GetByID(ctx, id)
}

// List returns every profile ordered by email.
func (mod *Module) List(ctx context.Context) ([]*Profile, error) {
	return mod.store.List(ctx)
}

// UpdateProfile edits name, email or password. The role is not editable here.
func (mod *Module) UpdateProfile(ctx context.Context, id string, input UpdateInput) (*Profile, error) {
	if err := mod.check(input); err != nil {
		return nil, err
	}

	profile, err := mod.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Email != nil {
		email := strings.TrimSpace(*input.Email)
		if email == "" {
			return nil, ErrInvalidEmail
		}
		existing, err := mod.store.GetByEmail(ctx, email)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("email lookup: %w", err)
		}
		if existing != nil && existing.ID != id {
			return nil, ErrEmailExists
		}
		profile.Email = email
	}
	if input.FirstName != nil {
		profile.FirstName = strings.TrimSpace(*input.FirstName)
	}
	if input.LastName != nil {
		profile.LastName = strings.TrimSpace(*input.LastName)
	}
	if input.Password != nil {
		hash, err := hashPassword(*input.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		profile.PasswordHash = hash
	}

	profile.UpdatedAt = time.Now().UTC()

	if err := mod.store.Update(ctx, profile); err != nil {
		return nil, fmt.Errorf("update profile %s: %w", id, err)
	}

	return profile, nil
}

// SetRole writes a new role for the user and returns the updated profile.
// It performs no authorization; callers must run the role mutation checks
// first.
func (mod *Module) SetRole(ctx context.Context, id string, role rbac.RoleID) (*Profile, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidProfile, string(role))
	}
	if err := mod.store.UpdateRole(ctx, id, role, time.Now().UTC()); err != nil {
		return nil, err
	}
	return mod.store.GetByID(ctx, id)
}

// Delete removes the profile. Live sessions of that user keep resolving
// until their context refreshes and finds no profile.
func (mod *Module) Delete(ctx context.Context, id string) error {
	return mod.store.Delete(ctx, id)
}

// Authenticate returns the *Profile for a matching email and password.
// Unknown emails and wrong passwords both yield ErrWrongPassword.
func (mod *Module) Authenticate(ctx context.Context, email, password string) (any, error) {
	profile, err := mod.store.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrWrongPassword
		}
		return nil, err
	}

	if !verifyPassword(password, profile.PasswordHash) {
		return nil, ErrWrongPassword
	}

	return profile, nil
}

// Argon2id parameters.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// hashPassword encodes as base64(salt)$base64(key).
func hashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(key), nil
}

func verifyPassword(password, encoded string) bool {
	saltB64, keyB64, ok := strings.Cut(encoded, "$")
	if !ok || saltB64 == "" || keyB64 == "" {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(keyB64)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}
