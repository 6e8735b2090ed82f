package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"chorus.org/internal/ids"
)

const pgErrUniqueViolation = "23505"

var _ Store = (*PGStore)(nil)

// PGStore implements Store on the logins table.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const loginColumns = `id, username, password_hash, coalesce(person_id, ''), superuser, created_at`

func scanLogin(row *sql.Row) (Login, error) {
	var l Login
	if err := row.Scan(&l.ID, &l.Username, &l.PasswordHash, &l.PersonID, &l.Superuser, &l.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Login{}, ErrNotFound
		}
		return Login{}, err
	}
	return l, nil
}

func (s *PGStore) LoginByUsername(ctx context.Context, username string) (Login, error) {
	return scanLogin(s.db.QueryRowContext(ctx,
		`select `+loginColumns+` from logins where lower(username) = $1`, normalizeUsername(username)))
}

func (s *PGStore) Login(ctx context.Context, id string) (Login, error) {
	return scanLogin(s.db.QueryRowContext(ctx, `select `+loginColumns+` from logins where id = $1`, id))
}

// CreateLogin inserts l and links the person to it in one transaction.
func (s *PGStore) CreateLogin(ctx context.Context, l Login) (Login, error) {
	if strings.TrimSpace(l.Username) == "" || l.PasswordHash == "" {
		return Login{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	if l.ID == "" {
		l.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Login{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var person sql.NullString
	if l.PersonID != "" {
		person = sql.NullString{String: l.PersonID, Valid: true}
	}
	err = tx.QueryRowContext(ctx, `
		insert into logins (id, username, password_hash, person_id, superuser)
		values ($1, $2, $3, $4, $5)
		returning created_at`,
		l.ID, strings.TrimSpace(l.Username), l.PasswordHash, person, l.Superuser).Scan(&l.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
			return Login{}, fmt.Errorf("%w: username %q", ErrAlreadyExists, l.Username)
		}
		return Login{}, err
	}
	if l.PersonID != "" {
		res, err := tx.ExecContext(ctx, `update people set login_id = $2 where id = $1 and login_id is null`, l.PersonID, l.ID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
				return Login{}, fmt.Errorf("%w: person %s already has a login", ErrAlreadyExists, l.PersonID)
			}
			return Login{}, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return Login{}, err
		} else if n == 0 {
			return Login{}, fmt.Errorf("%w: person %s is unknown or already linked", ErrInvalidInput, l.PersonID)
		}
	}
	if err := tx.Commit(); err != nil {
		return Login{}, err
	}
	return l, nil
}

func (s *PGStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `update logins set password_hash = $2 where id = $1`, id, passwordHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
