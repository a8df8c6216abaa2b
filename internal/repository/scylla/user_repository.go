package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"storefront-auth/internal/bucketing"
	"storefront-auth/internal/models"
	"storefront-auth/internal/repository"
	"storefront-auth/internal/util"
)

const writeRetries = 2

// CQL is the part of a Scylla session the user repository runs on.
// *ScyllaClient implements it.
type CQL interface {
	Exec(ctx context.Context, stmt string, values ...interface{}) error
	Scan(ctx context.Context, stmt string, values []interface{}, dest ...interface{}) error
	ScanCAS(ctx context.Context, stmt string, values ...interface{}) (bool, map[string]interface{}, error)
	HealthCheck(ctx context.Context) error
}

// UserRepository stores users partitioned by murmur3 bucket, with a
// lookup table keyed by (identifier_kind, identifier). The users row is
// written before the lookup row, so a visible lookup always points at a
// stored user. The lookup insert is IF NOT EXISTS and is the uniqueness
// guard.
type UserRepository struct {
	db         CQL
	buckets    *bucketing.BucketingManager
	now        func() time.Time
	retryDelay time.Duration
}

var _ repository.UserRepository = (*UserRepository)(nil)

func NewUserRepository(db CQL, buckets *bucketing.BucketingManager) *UserRepository {
	return &UserRepository{
		db:         db,
		buckets:    buckets,
		now:        time.Now,
		retryDelay: 100 * time.Millisecond,
	}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	now := r.now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.UserBucket = r.buckets.GetUserBucket(user.UserID)

	err := r.execWithRetry(ctx, insertUserCQL,
		user.UserBucket, user.UserID, user.Identifier, string(user.IdentifierKind),
		string(user.Role), string(user.Status), user.SafeKeyHash, now, now)
	if err != nil {
		util.Error("Failed to create user", zap.String("user_id", user.UserID), zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	applied, existing, err := r.reserveIdentifier(ctx, user, now)
	if err == nil && !applied {
		var reclaimed bool
		reclaimed, err = r.releaseOrphan(ctx, user, existing)
		if err == nil && reclaimed {
			applied, _, err = r.reserveIdentifier(ctx, user, now)
		}
	}
	if err != nil || !applied {
		r.discardUser(ctx, user)
		if err != nil {
			util.Error("Failed to reserve identifier",
				zap.String("user_id", user.UserID),
				zap.String("identifier_kind", string(user.IdentifierKind)),
				zap.Error(err))
			return fmt.Errorf("failed to create user: %w", err)
		}
		return repository.ErrUserExists
	}

	util.Info("User created",
		zap.String("user_id", user.UserID),
		zap.Int("user_bucket", user.UserBucket),
		zap.String("identifier_kind", string(user.IdentifierKind)))
	return nil
}

func (r *UserRepository) reserveIdentifier(ctx context.Context, user *models.User, now time.Time) (bool, map[string]interface{}, error) {
	return r.db.ScanCAS(ctx, insertIdentifierCQL,
		string(user.IdentifierKind), user.Identifier, user.UserBucket, user.UserID, now)
}

// releaseOrphan deletes a lookup row whose users row is gone, left behind
// by a writer that failed between the two inserts. It reports whether the
// identifier is free to claim again.
func (r *UserRepository) releaseOrphan(ctx context.Context, user *models.User, existing map[string]interface{}) (bool, error) {
	ownerID := fmt.Sprint(existing["user_id"])
	ownerBucket, ok := existing["user_bucket"].(int)
	if !ok {
		return false, nil
	}

	_, err := r.get(ctx, ownerBucket, ownerID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return false, err
	}

	released, _, err := r.db.ScanCAS(ctx, releaseIdentifierCQL,
		string(user.IdentifierKind), user.Identifier, ownerID)
	if err != nil {
		return false, err
	}
	if released {
		util.Warn("Released orphaned identifier",
			zap.String("orphan_user_id", ownerID),
			zap.String("identifier_kind", string(user.IdentifierKind)))
	}
	return released, nil
}

// discardUser removes a users row that lost the identifier race. A row
// left behind is unreachable by identifier and only logged.
func (r *UserRepository) discardUser(ctx context.Context, user *models.User) {
	if err := r.db.Exec(ctx, deleteUserCQL, user.UserBucket, user.UserID); err != nil {
		util.Error("Failed to discard unclaimed user row",
			zap.String("user_id", user.UserID),
			zap.Error(err))
	}
}

func (r *UserRepository) execWithRetry(ctx context.Context, stmt string, values ...interface{}) error {
	var lastErr error
	for i := 0; i <= writeRetries; i++ {
		if lastErr = r.db.Exec(ctx, stmt, values...); lastErr == nil {
			return nil
		}
		if i < writeRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * r.retryDelay):
			}
		}
	}
	return lastErr
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*models.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, repository.ErrUserNotFound
	}
	return r.get(ctx, r.buckets.GetUserBucket(userID), userID)
}

func (r *UserRepository) GetByIdentifier(ctx context.Context, kind models.IdentifierKind, identifier string) (*models.User, error) {
	var (
		bucket int
		userID string
	)
	err := r.db.Scan(ctx, selectIdentifierCQL, []interface{}{string(kind), identifier}, &bucket, &userID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrUserNotFound
		}
		util.Error("Failed to look up identifier",
			zap.String("identifier_kind", string(kind)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user by identifier: %w", err)
	}
	// A lookup without its users row is an orphan; Create reclaims it.
	return r.get(ctx, bucket, userID)
}

func (r *UserRepository) get(ctx context.Context, bucket int, userID string) (*models.User, error) {
	var (
		user                    models.User
		kind, role, status      string
		keyUpdatedAt, lastLogin time.Time
	)
	err := r.db.Scan(ctx, selectUserCQL, []interface{}{bucket, userID},
		&user.UserBucket, &user.UserID, &user.Identifier, &kind, &role, &status,
		&user.SafeKeyHash, &keyUpdatedAt, &lastLogin, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrUserNotFound
		}
		util.Error("Failed to get user", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.IdentifierKind = models.IdentifierKind(kind)
	user.Role = models.Role(role)
	user.Status = models.Status(status)
	if !keyUpdatedAt.IsZero() {
		user.KeyUpdatedAt = &keyUpdatedAt
	}
	if !lastLogin.IsZero() {
		user.LastLogin = &lastLogin
	}
	return &user, nil
}

func (r *UserRepository) SetSafeKeyHash(ctx context.Context, userID, hash string, at time.Time) error {
	if _, err := uuid.Parse(userID); err != nil {
		return repository.ErrUserNotFound
	}

	applied, _, err := r.db.ScanCAS(ctx, updateSafeKeyCQL,
		hash, at.UTC(), at.UTC(), r.buckets.GetUserBucket(userID), userID)
	if err != nil {
		util.Error("Failed to set safe key", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to set safe key: %w", err)
	}
	if !applied {
		return repository.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	if _, err := uuid.Parse(userID); err != nil {
		return repository.ErrUserNotFound
	}

	applied, _, err := r.db.ScanCAS(ctx, updateLastLoginCQL,
		at.UTC(), r.buckets.GetUserBucket(userID), userID)
	if err != nil {
		util.Error("Failed to update last login", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to update last login: %w", err)
	}
	if !applied {
		return repository.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
