package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/talosaether/gymops/rbac"
)

// Store persists profiles. Lookups of missing rows return ErrNotFound.
type Store interface {
	Create(ctx context.Context, profile *Profile) error
	GetByID(ctx context.Context, id string) (*Profile, error)
	GetByEmail(ctx context.Context, email string) (*Profile, error)
	List(ctx context.Context) ([]*Profile, error)
	Update(ctx context.Context, profile *Profile) error
	UpdateRole(ctx context.Context, id string, role rbac.RoleID, updatedAt time.Time) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// SQLiteStore keeps profiles in one SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the profile database at dbPath, creating the file
// and its directory on first use.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("profile db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open profile db: %w", err)
	}
	if _, err := db.Exec(profileSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("profile schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Rows written before roles existed default to member.
const profileSchema = `
CREATE TABLE IF NOT EXISTS profiles (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	first_name    TEXT NOT NULL DEFAULT '',
	last_name     TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'member',
	password_hash TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS profiles_by_role ON profiles(role);
`

const profileColumns = `id, email, first_name, last_name, role, password_hash, created_at, updated_at`

func (store *SQLiteStore) Create(ctx context.Context, p *Profile) error {
	query := `INSERT INTO profiles (` + profileColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := store.db.ExecContext(ctx, query,
		p.ID, p.Email, p.FirstName, p.LastName, string(p.Role), p.PasswordHash, p.CreatedAt, p.UpdatedAt)
	return err
}

func (store *SQLiteStore) GetByID(ctx context.Context, id string) (*Profile, error) {
	row := store.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	return scanProfile(row)
}

func (store *SQLiteStore) GetByEmail(ctx context.Context, email string) (*Profile, error) {
	row := store.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE email = ?`, email)
	return scanProfile(row)
}

// List returns every profile, ordered by email.
func (store *SQLiteStore) List(ctx context.Context) ([]*Profile, error) {
	rows, err := store.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Update writes the editable profile fields. The role column is left alone.
func (store *SQLiteStore) Update(ctx context.Context, p *Profile) error {
	query := `UPDATE profiles SET email = ?, first_name = ?, last_name = ?, password_hash = ?, updated_at = ? WHERE id = ?`
	result, err := store.db.ExecContext(ctx, query, p.Email, p.FirstName, p.LastName, p.PasswordHash, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// UpdateRole changes only the role column.
func (store *SQLiteStore) UpdateRole(ctx context.Context, id string, role rbac.RoleID, updatedAt time.Time) error {
	result, err := store.db.ExecContext(ctx, `UPDATE profiles SET role = ?, updated_at = ? WHERE id = ?`, string(role), updatedAt, id)
	if err != nil {
		return err
	}
	return expectRow(result)
}

func (store *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := store.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(result)
}

func (store *SQLiteStore) Close() error { return store.db.Close() }

// expectRow turns an update that matched nothing into ErrNotFound.
func expectRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*Profile, error) {
	var p Profile
	var role string
	err := row.Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &role, &p.PasswordHash, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Role = rbac.RoleID(role)
	return &p, nil
}
