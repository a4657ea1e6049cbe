// Package middleware holds the echo middleware shared by every route
package middleware

import (
	"context"

	"ally-api/internal/ctx"
	"ally-api/internal/shared"

	"github.com/labstack/echo/v4"
)

// UserLookup resolves an api key, users.UserManager in production
type UserLookup interface {
	GetUserMetadataFromKey(ctx context.Context, apiKey string) (*shared.UserMetadata, error)
}

type UserMiddleware struct {
	users UserLookup
}

func NewUserMiddleware(users UserLookup) *UserMiddleware {
	return &UserMiddleware{users: users}
}

func (u *UserMiddleware) ExtractUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		c.User = nil

		apiKey, err := shared.ExtractAPIKey(c)
		if err != nil {
			return next(c)
		}
		user, err := u.users.GetUserMetadataFromKey(c.Request().Context(), apiKey)
		if err != nil {
			c.LogValues.AddError(err)
			return next(c)
		}
		c.User = user
		c.Log = c.Log.With("user_id", c.User.UserID)
		c.LogValues.UserID = user.UserID
		c.LogValues.Role = user.Role
		return next(c)
	}
}

func (u *UserMiddleware) RequireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		if c.User == nil {
			return c.JSON(401, shared.ErrorResponse{Error: "unauthorized"})
		}
		return next(c)
	}
}

func (u *UserMiddleware) RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		if c.User == nil {
			return c.JSON(401, shared.ErrorResponse{Error: "unauthorized"})
		}
		if !c.User.IsAdmin() {
			return c.JSON(403, shared.ErrorResponse{Error: "forbidden"})
		}
		return next(c)
	}
}
