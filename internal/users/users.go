// Package users resolves api keys to user metadata
package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ally-api/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type UserManager struct {
	redis *redis.Client
	rdb   *sql.DB
	log   *zap.SugaredLogger
}

func NewUserManager(redisClient *redis.Client, rdb *sql.DB, log *zap.SugaredLogger) *UserManager {
	return &UserManager{redis: redisClient, rdb: rdb, log: log}
}

func cacheKey(apiKey string) string {
	return fmt.Sprintf("ally:v1:user:apikey:%s", apiKey)
}

// GetUserMetadataFromKey reads through the redis cache to the read replica
func (u *UserManager) GetUserMetadataFromKey(ctx context.Context, apiKey string) (*shared.UserMetadata, error) {
	var userMetadata shared.UserMetadata
	userInfoCacheKey := cacheKey(apiKey)

	userInfoCache, err := u.redis.Get(ctx, userInfoCacheKey).Result()
	switch {
	case err == nil:
		err = json.Unmarshal([]byte(userInfoCache), &userMetadata)
		if err == nil {
			userMetadata.APIKey = apiKey
			return &userMetadata, nil
		}
		u.log.Errorw("Error unmarshalling user info cache", "error", err)
	case !errors.Is(err, redis.Nil):
		u.log.Warnw("User cache unavailable", "error", err)
	}
	u.log.Debugw("User cache miss", "key", userInfoCacheKey)

	err = u.rdb.QueryRowContext(ctx, `
		SELECT
		user.id,
		user.email,
		user.role
		FROM user
		INNER JOIN api_key ON user.id = api_key.user_id
		WHERE api_key.id = ?
		`, apiKey).Scan(
		&userMetadata.UserID,
		&userMetadata.Email,
		&userMetadata.Role,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			u.log.Warnw("Invalid API key", "key", shared.Truncate(apiKey, 6))
			return nil, shared.ErrUnauthorized
		}
		u.log.Errorw("Database error during API key validation", "error", err)
		return nil, errors.Join(shared.ErrUnauthorized, err)
	}
	userMetadata.APIKey = apiKey

	cached, err := json.Marshal(userMetadata)
	if err != nil {
		u.log.Errorw("Error marshalling user info", "error", err)
		return &userMetadata, nil
	}
	if err := u.redis.Set(ctx, userInfoCacheKey, cached, shared.UserInfoCacheTTL).Err(); err != nil {
		u.log.Warnw("Failed caching user info", "error", err)
	}
	return &userMetadata, nil
}

// Invalidate drops the cached metadata for a key, used after role changes
func (u *UserManager) Invalidate(ctx context.Context, apiKey string) error {
	return u.redis.Del(ctx, cacheKey(apiKey)).Err()
}
