// Package routers binds handlers to echo routes
package routers

import (
	"errors"

	"ally-api/internal/ctx"
	"ally-api/internal/shared"
)

// errorJSON writes the pre-stream error response for err. Anything that is
// not a RequestError is reported as a generic 500.
func errorJSON(c *ctx.Context, err error, violation string) error {
	c.LogValues.AddError(err)
	var rerr *shared.RequestError
	if !errors.As(err, &rerr) {
		c.LogValues.LogLevel = "ERROR"
		return c.JSON(500, shared.ErrorResponse{Error: shared.ErrInternalServerError.Err.Error()})
	}
	return c.JSON(rerr.StatusCode, shared.ErrorResponse{
		Error:     rerr.Err.Error(),
		Code:      rerr.Code,
		Violation: violation,
	})
}
