package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opsdesk/console-client-go/internal/model"
)

// Schema holds the single-row-per-role session table. The demo binary
// applies it at startup; deployments with managed migrations can run it
// themselves.
const Schema = `
CREATE TABLE IF NOT EXISTS console_sessions (
	role          TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	user_name     TEXT NOT NULL DEFAULT '',
	user_email    TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// postgresDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx.
type postgresDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type Postgres struct {
	db postgresDB
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

type sessionRow struct {
	Role         string    `db:"role"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	UserID       string    `db:"user_id"`
	UserName     string    `db:"user_name"`
	UserEmail    string    `db:"user_email"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r sessionRow) session() model.Session {
	return model.Session{
		Role:         model.Role(r.Role),
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		User: model.UserSummary{
			ID:    r.UserID,
			Name:  r.UserName,
			Email: r.UserEmail,
		},
	}
}

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s *Postgres) Get(ctx context.Context, role model.Role) (*model.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT role, access_token, refresh_token, user_id, user_name, user_email, updated_at
		FROM console_sessions WHERE role = $1
	`, string(role))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session := row.session()
	return &session, nil
}

func (s *Postgres) Set(ctx context.Context, session model.Session) error {
	if err := validateSession(session); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO console_sessions (role, access_token, refresh_token, user_id, user_name, user_email, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (role) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			user_id = EXCLUDED.user_id,
			user_name = EXCLUDED.user_name,
			user_email = EXCLUDED.user_email,
			updated_at = EXCLUDED.updated_at
	`, string(session.Role), session.AccessToken, session.RefreshToken,
		session.User.ID, session.User.Name, session.User.Email, time.Now())
	return err
}

func (s *Postgres) Clear(ctx context.Context, role model.Role) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM console_sessions WHERE role = $1
	`, string(role))
	return err
}

func (s *Postgres) ClearAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM console_sessions`)
	return err
}

func (s *Postgres) HasActive(ctx context.Context) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM console_sessions`)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

var _ Store = (*Postgres)(nil)
