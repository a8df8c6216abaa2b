package scylla

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-auth/internal/bucketing"
	"storefront-auth/internal/config"
	"storefront-auth/internal/models"
	"storefront-auth/internal/repository"
)

type userRow struct {
	bucket                  int
	id, identifier, kind    string
	role, status, hash      string
	keyUpdatedAt, lastLogin time.Time
	createdAt, updatedAt    time.Time
}

type lookupRow struct {
	bucket int
	userID string
}

// fakeCQL keeps the two user tables in memory and answers the statements
// the repository issues.
type fakeCQL struct {
	mu        sync.Mutex
	users     map[string]userRow
	lookups   map[string]lookupRow
	order     []string
	insertErr error
	casErr    error
}

func newFakeCQL() *fakeCQL {
	return &fakeCQL{users: map[string]userRow{}, lookups: map[string]lookupRow{}}
}

func lookupKey(kind, identifier interface{}) string {
	return fmt.Sprintf("%v|%v", kind, identifier)
}

func (f *fakeCQL) Exec(_ context.Context, stmt string, v ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch stmt {
	case insertUserCQL:
		f.order = append(f.order, "users")
		if f.insertErr != nil {
			return f.insertErr
		}
		f.users[v[1].(string)] = userRow{
			bucket: v[0].(int), id: v[1].(string), identifier: v[2].(string), kind: v[3].(string),
			role: v[4].(string), status: v[5].(string), hash: v[6].(string),
			createdAt: v[7].(time.Time), updatedAt: v[8].(time.Time),
		}
	case deleteUserCQL:
		delete(f.users, v[1].(string))
	default:
		return fmt.Errorf("unexpected exec: %s", stmt)
	}
	return nil
}

func (f *fakeCQL) Scan(_ context.Context, stmt string, v []interface{}, dest ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch stmt {
	case selectIdentifierCQL:
		row, ok := f.lookups[lookupKey(v[0], v[1])]
		if !ok {
			return gocql.ErrNotFound
		}
		*dest[0].(*int) = row.bucket
		*dest[1].(*string) = row.userID
	case selectUserCQL:
		row, ok := f.users[v[1].(string)]
		if !ok || row.bucket != v[0].(int) {
			return gocql.ErrNotFound
		}
		*dest[0].(*int) = row.bucket
		for i, s := range []string{row.id, row.identifier, row.kind, row.role, row.status, row.hash} {
			*dest[i+1].(*string) = s
		}
		for i, t := range []time.Time{row.keyUpdatedAt, row.lastLogin, row.createdAt, row.updatedAt} {
			*dest[i+7].(*time.Time) = t
		}
	default:
		return fmt.Errorf("unexpected scan: %s", stmt)
	}
	return nil
}

func (f *fakeCQL) ScanCAS(_ context.Context, stmt string, v ...interface{}) (bool, map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch stmt {
	case insertIdentifierCQL:
		f.order = append(f.order, "lookup")
		if f.casErr != nil {
			return false, nil, f.casErr
		}
		key := lookupKey(v[0], v[1])
		if row, ok := f.lookups[key]; ok {
			return false, map[string]interface{}{"user_bucket": row.bucket, "user_id": row.userID}, nil
		}
		f.lookups[key] = lookupRow{bucket: v[2].(int), userID: v[3].(string)}
		return true, nil, nil
	case releaseIdentifierCQL:
		key := lookupKey(v[0], v[1])
		row, ok := f.lookups[key]
		if !ok || row.userID != v[2].(string) {
			return false, nil, nil
		}
		delete(f.lookups, key)
		return true, nil, nil
	case updateSafeKeyCQL:
		row, ok := f.users[v[4].(string)]
		if !ok {
			return false, nil, nil
		}
		row.hash, row.keyUpdatedAt, row.updatedAt = v[0].(string), v[1].(time.Time), v[2].(time.Time)
		f.users[row.id] = row
		return true, nil, nil
	case updateLastLoginCQL:
		row, ok := f.users[v[2].(string)]
		if !ok {
			return false, nil, nil
		}
		row.lastLogin = v[0].(time.Time)
		f.users[row.id] = row
		return true, nil, nil
	}
	return false, nil, fmt.Errorf("unexpected cas: %s", stmt)
}

func (f *fakeCQL) HealthCheck(context.Context) error { return nil }

func newTestRepository(t *testing.T) (*UserRepository, *fakeCQL) {
	t.Helper()
	db := newFakeCQL()
	repo := NewUserRepository(db, bucketing.NewBucketingManager(config.BucketingConfig{UserBuckets: 16, EventBuckets: 8}))
	repo.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	repo.retryDelay = 0
	return repo, db
}

func newCustomer(identifier string) *models.User {
	return &models.User{
		Identifier:     identifier,
		IdentifierKind: models.IdentifierEmail,
		Role:           models.RoleCustomer,
		Status:         models.StatusActive,
	}
}

func TestCreateAndLookUpUser(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()

	user := newCustomer("ada@example.com")
	require.NoError(t, repo.Create(ctx, user))
	assert.Equal(t, []string{"users", "lookup"}, db.order)

	got, err := repo.GetByIdentifier(ctx, models.IdentifierEmail, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.UserID, got.UserID)
	assert.Equal(t, models.RoleCustomer, got.Role)
	assert.False(t, got.HasKey())
	assert.Nil(t, got.LastLogin)

	at := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SetSafeKeyHash(ctx, user.UserID, "hash", at))
	require.NoError(t, repo.UpdateLastLogin(ctx, user.UserID, at))

	got, err = repo.GetByID(ctx, user.UserID)
	require.NoError(t, err)
	assert.True(t, got.HasKey())
	require.NotNil(t, got.KeyUpdatedAt)
	assert.True(t, at.Equal(*got.KeyUpdatedAt))
	require.NotNil(t, got.LastLogin)
}

func TestUnknownUsers(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.GetByIdentifier(ctx, models.IdentifierEmail, "nobody@example.com")
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
	_, err = repo.GetByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
	assert.ErrorIs(t, repo.SetSafeKeyHash(ctx, uuid.NewString(), "hash", time.Now()), repository.ErrUserNotFound)
	assert.ErrorIs(t, repo.UpdateLastLogin(ctx, uuid.NewString(), time.Now()), repository.ErrUserNotFound)
}

func TestDuplicateIdentifierKeepsFirstUser(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()

	first := newCustomer("ada@example.com")
	require.NoError(t, repo.Create(ctx, first))

	second := newCustomer("ada@example.com")
	assert.ErrorIs(t, repo.Create(ctx, second), repository.ErrUserExists)

	assert.Len(t, db.users, 1)
	got, err := repo.GetByIdentifier(ctx, models.IdentifierEmail, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.UserID, got.UserID)
}

func TestOrphanedLookupIsNotFoundAndReclaimedOnCreate(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()

	orphanID := uuid.NewString()
	db.lookups[lookupKey("email", "ada@example.com")] = lookupRow{bucket: 3, userID: orphanID}

	_, err := repo.GetByIdentifier(ctx, models.IdentifierEmail, "ada@example.com")
	assert.ErrorIs(t, err, repository.ErrUserNotFound)

	user := newCustomer("ada@example.com")
	require.NoError(t, repo.Create(ctx, user))
	assert.NotEqual(t, orphanID, user.UserID)

	got, err := repo.GetByIdentifier(ctx, models.IdentifierEmail, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.UserID, got.UserID)
}

func TestFailedUserInsertLeavesNoLookup(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()
	db.insertErr = errors.New("write timeout")

	err := repo.Create(ctx, newCustomer("ada@example.com"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, repository.ErrUserExists)
	assert.Equal(t, []string{"users", "users", "users"}, db.order)
	assert.Empty(t, db.lookups)

	db.insertErr = nil
	assert.NoError(t, repo.Create(ctx, newCustomer("ada@example.com")))
}

func TestFailedReservationDiscardsUserRow(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()
	db.casErr = errors.New("cas contention")

	err := repo.Create(ctx, newCustomer("ada@example.com"))
	require.Error(t, err)
	assert.Empty(t, db.users)
	assert.Empty(t, db.lookups)
}
