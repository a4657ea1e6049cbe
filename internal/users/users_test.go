package users

import (
	"context"
	"errors"
	"testing"

	"ally-api/internal/shared"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newManager(t *testing.T) (*UserManager, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewUserManager(client, db, zap.NewNop().Sugar()), mock, mr
}

func TestReadThroughCache(t *testing.T) {
	u, mock, mr := newManager(t)
	mock.ExpectQuery("SELECT").
		WithArgs(testKey).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "role"}).AddRow("u1", "a@b.c", "admin"))

	user, err := u.GetUserMetadataFromKey(context.Background(), testKey)
	if err != nil {
		t.Fatal(err)
	}
	if user.UserID != "u1" || !user.IsAdmin() || user.APIKey != testKey {
		t.Fatalf("unexpected user %+v", user)
	}
	if !mr.Exists(cacheKey(testKey)) {
		t.Fatal("expected user to be cached")
	}

	// second lookup is served from redis, no query expected
	user, err = u.GetUserMetadataFromKey(context.Background(), testKey)
	if err != nil || user.UserID != "u1" || user.APIKey != testKey {
		t.Fatalf("unexpected cached user %+v %v", user, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}

	if err := u.Invalidate(context.Background(), testKey); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(cacheKey(testKey)) {
		t.Fatal("expected cache entry removed")
	}
}

func TestUnknownKey(t *testing.T) {
	u, mock, _ := newManager(t)
	mock.ExpectQuery("SELECT").
		WithArgs(testKey).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "role"}))
	_, err := u.GetUserMetadataFromKey(context.Background(), testKey)
	var rerr *shared.RequestError
	if !errors.As(err, &rerr) || rerr.StatusCode != 401 {
		t.Fatalf("expected 401, got %v", err)
	}
}
