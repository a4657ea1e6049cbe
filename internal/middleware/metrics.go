package middleware

import (
	"fmt"
	"time"

	"ally-api/internal/ctx"
	"ally-api/internal/metrics"
	"ally-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID, _ := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 28)
			reqID = "req_" + reqID
			logger := log.With("request_id", reqID)
			c.Response().Header().Set("X-Request-Id", reqID)

			start := time.Now()
			cc := &ctx.Context{
				Context: c,
				Log:     logger,
				Reqid:   reqID,
				LogValues: &ctx.ContextLogValues{
					RequestID: reqID,
					StartTime: start,
					Path:      c.Path(),
				},
			}
			err := next(cc)
			if err != nil {
				cc.LogValues.AddError(err)
				c.Error(err)
			}

			status := cc.Response().Status
			cc.LogValues.StatusCode = status
			cc.LogValues.RequestDuration = time.Since(start)
			level := levelFor(status, cc.LogValues)
			log.Desugar().Check(level, "end_of_request").Write(zap.Object("request", cc.LogValues))
			metrics.ResponseCodes.WithLabelValues(c.Path(), fmt.Sprintf("%d", status)).Inc()
			return nil
		}
	}
}

// levelFor picks the end of request log level. Streams answer 200 before
// they can fail, so routes may force a level through LogLevel.
func levelFor(status int, values *ctx.ContextLogValues) zapcore.Level {
	if values.LogLevel != "" {
		if lvl, err := zapcore.ParseLevel(values.LogLevel); err == nil {
			return lvl
		}
	}
	switch {
	case status >= 500:
		return zapcore.ErrorLevel
	case status >= 400 || values.Error != nil:
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}

func NewRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			defer func() {
				_ = log.Sync()
			}()
			log.Errorw("Api Panic", "error", err.Error(), "stack", string(stack))
			return c.JSON(500, shared.ErrorResponse{Error: shared.ErrInternalServerError.Err.Error()})
		},
	})
}
