package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"storefront-auth/internal/models"
	"storefront-auth/internal/repository"
)

type UserRepository struct {
	db  DBTX
	now func() time.Time
}

var _ repository.UserRepository = (*UserRepository)(nil)

func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db, now: time.Now}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	now := r.now().UTC()

	query :=
		`INSERT INTO users (user_id, identifier, identifier_kind, role, status, safe_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (identifier_kind, identifier) DO NOTHING
		 RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query,
		user.UserID, user.Identifier, string(user.IdentifierKind),
		string(user.Role), string(user.Status), user.SafeKeyHash, now,
	).Scan(&user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrUserExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	user.UpdatedAt = user.CreatedAt
	return nil
}

const selectUserColumns = `SELECT user_id, identifier, identifier_kind, role, status, safe_key_hash,
		        key_updated_at, last_login, created_at, updated_at
		 FROM users`

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*models.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, repository.ErrUserNotFound
	}
	return r.scanOne(r.db.QueryRowContext(ctx, selectUserColumns+`
		 WHERE user_id = $1`, userID))
}

func (r *UserRepository) GetByIdentifier(ctx context.Context, kind models.IdentifierKind, identifier string) (*models.User, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, selectUserColumns+`
		 WHERE identifier_kind = $1 AND identifier = $2`, string(kind), identifier))
}

func (r *UserRepository) scanOne(row *sql.Row) (*models.User, error) {
	var (
		user                    models.User
		kind, role, status      string
		keyUpdatedAt, lastLogin sql.NullTime
	)
	err := row.Scan(&user.UserID, &user.Identifier, &kind, &role, &status, &user.SafeKeyHash,
		&keyUpdatedAt, &lastLogin, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrUserNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	user.IdentifierKind = models.IdentifierKind(kind)
	user.Role = models.Role(role)
	user.Status = models.Status(status)
	if keyUpdatedAt.Valid {
		user.KeyUpdatedAt = &keyUpdatedAt.Time
	}
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}
	return &user, nil
}

func (r *UserRepository) SetSafeKeyHash(ctx context.Context, userID, hash string, at time.Time) error {
	if _, err := uuid.Parse(userID); err != nil {
		return repository.ErrUserNotFound
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET safe_key_hash = $1, key_updated_at = $2, updated_at = $2 WHERE user_id = $3`,
		hash, at.UTC(), userID)
	return checkAffected(res, err)
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	if _, err := uuid.Parse(userID); err != nil {
		return repository.ErrUserNotFound
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_login = $1 WHERE user_id = $2`,
		at.UTC(), userID)
	return checkAffected(res, err)
}

func (r *UserRepository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return repository.ErrUserNotFound
	}
	return nil
}
