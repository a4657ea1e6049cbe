package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ally-api/internal/agent"
	"ally-api/internal/buckets"
	"ally-api/internal/conversation"
	"ally-api/internal/database"
	"ally-api/internal/fanout"
	"ally-api/internal/guardrail"
	"ally-api/internal/handlers/chat"
	"ally-api/internal/ledger"
	"ally-api/internal/llm"
	"ally-api/internal/middleware"
	"ally-api/internal/routers"
	"ally-api/internal/shared"
	"ally-api/internal/users"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Flags / ENV Variables
	writeDSN := flag.String("dsn", "", "Write vitess DSN")
	readDSN := flag.String("read-dsn", "", "Read vitess DSN")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")
	redisAddr := flag.String("redis-addr", "", "Redis host:port")
	debug := flag.Bool("debug", false, "Debug enabled")

	modelURL := flag.String("model-url", "", "OpenAI compatible endpoint for the agent")
	modelAPIKey := flag.String("model-api-key", "", "Agent endpoint api key")
	agentModel := flag.String("agent-model", "", "Agent model name")
	agentStream := flag.Bool("agent-stream", true, "Stream agent output instead of re-chunking the final answer")
	guardrailURL := flag.String("guardrail-url", "", "Classifier endpoint, defaults to model-url")
	guardrailAPIKey := flag.String("guardrail-api-key", "", "Classifier endpoint api key, defaults to model-api-key")
	guardrailModel := flag.String("guardrail-model", "", "Classifier model name")
	titleModel := flag.String("title-model", "", "Title model name, defaults to guardrail-model")

	guardrailMaxLength := flag.Int("guardrail-max-length", shared.GuardrailMaxInputLength, "Max message length in characters")
	guardrailMaxBytes := flag.Int("guardrail-max-message-bytes", shared.GuardrailMaxMessageSize, "Max message size in bytes, wrapper context included")
	guardrailTimeout := flag.Duration("guardrail-timeout", shared.GuardrailTimeout, "Classifier timeout")
	guardrailVolumeLimit := flag.Int64("guardrail-volume-limit", shared.GuardrailVolumeLimit, "Volume abuse verdicts allowed per window")
	ledgerStore := flag.String("ledger-store", "mysql", "Usage store: mysql | redis | memory")
	heartbeatInterval := flag.Duration("heartbeat-interval", shared.HeartbeatInterval, "Stream heartbeat interval")
	wsRecoveryWindow := flag.Duration("ws-recovery-window", shared.WSRecoveryWindow, "How long a dropped socket can resume its session")
	wsOrigins := flag.String("ws-origins", "", "Comma separated origin patterns allowed to open sockets")
	chatRateLimit := flag.Int("chat-rate-limit", 30, "Chat requests per user per minute, 0 disables")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	// Write DB init
	writeDB, err := sql.Open("mysql", *writeDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing sqlClient: %s", err))
	}
	err = writeDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed ping to sql db: %s", err))
	}

	// Read db init
	readDB, err := sql.Open("mysql", *readDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing readSqlClient: %s", err))
	}
	err = readDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed to ping read replica sql db: %s", err))
	}

	// Load Redis connection
	redisClient := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: "",
		DB:       0,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		panic(fmt.Sprintf("failed ping to redis db: %s", err))
	}

	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if writeDB != nil {
			_ = writeDB.Close()
		}
		if readDB != nil {
			_ = readDB.Close()
		}
	}()

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()
	defer func() {
		_ = log.Sync()
	}()

	// Model clients
	if *guardrailURL == "" {
		*guardrailURL = *modelURL
	}
	if *guardrailAPIKey == "" {
		*guardrailAPIKey = *modelAPIKey
	}
	if *titleModel == "" {
		*titleModel = *guardrailModel
	}
	agentClient := llm.NewClient(*modelURL, *modelAPIKey, log)
	guardrailClient := llm.NewClient(*guardrailURL, *guardrailAPIKey, log)

	var store ledger.Store
	switch *ledgerStore {
	case "mysql":
		store = database.NewLedgerStore(writeDB, readDB)
	case "redis":
		store = ledger.NewRedisStore(redisClient)
	case "memory":
		log.Warn("Using in memory usage store, counters reset on restart")
		store = ledger.NewMemoryStore()
	default:
		panic(fmt.Sprintf("unknown ledger store %q", *ledgerStore))
	}
	usageLedger := ledger.New(store, log)

	usageCache := buckets.NewUsageCache(log, func(ctx context.Context, records []shared.InteractionRecord) error {
		return database.SaveInteractions(ctx, writeDB, records)
	})

	hub := fanout.NewHub(*wsRecoveryWindow, log)
	relay := fanout.NewRelay(hub, redisClient, log)

	chatHandler := chat.NewChatHandler(chat.ChatHandler{
		Guardrail: guardrail.New(
			guardrail.NewLLMClassifier(guardrailClient, *guardrailModel),
			guardrail.NewRedisVolumeCounter(redisClient, shared.GuardrailVolumeWindow),
			guardrail.Config{
				MaxLength:       *guardrailMaxLength,
				MaxMessageBytes: *guardrailMaxBytes,
				Timeout:         *guardrailTimeout,
				VolumeLimit:     *guardrailVolumeLimit,
			},
			log,
		),
		Ledger:            usageLedger,
		Runtime:           agent.NewChunked(agent.NewHTTPRuntime(agentClient, *agentModel, *agentStream, log)),
		Titler:            agent.NewTitleGenerator(guardrailClient, *titleModel, log),
		Conversations:     conversation.NewMySQLStore(writeDB, readDB),
		Notifier:          relay,
		Usage:             usageCache,
		Log:               log,
		HeartbeatInterval: *heartbeatInterval,
	})

	e := echo.New()
	e.GET(("/ping"), func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey, err := shared.ExtractAPIKey(c)
			if err != nil {
				return c.String(401, "Missing or invalid API key")
			}

			if apiKey != *metricsAPIKey {
				return c.String(401, "Unauthorized API key")
			}
			return next(c)
		}
	})
	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(middleware.NewTrackMiddleware(log))
	base.Use(middleware.NewRecoverMiddleware(log))

	umw := middleware.NewUserMiddleware(users.NewUserManager(redisClient, readDB, log))
	var limiter *middleware.RateLimiter
	if *chatRateLimit > 0 {
		limiter = middleware.NewRateLimiter(*chatRateLimit, max(1, *chatRateLimit/6))
	}

	var origins []string
	if *wsOrigins != "" {
		origins = strings.Split(*wsOrigins, ",")
	}

	// Register routes
	routers.RegisterChatRoutes(base, chatHandler, usageLedger, umw, limiter)
	routers.RegisterFanoutRoutes(base, hub, relay, umw, origins)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayReady := make(chan struct{})
	go func() {
		if err := relay.Run(ctx, relayReady); err != nil && ctx.Err() == nil {
			log.Errorw("Notification relay stopped", "error", err)
		}
	}()
	select {
	case <-relayReady:
	case <-time.After(5 * time.Second):
		log.Warn("Notification relay not subscribed yet, continuing")
	}

	go func() {
		if err := e.Start(":80"); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	// Wait for interrupt signal to gracefully shut down the server
	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	hub.Shutdown(shutdownCtx, fanout.ShutdownNotice{
		Message:          "Server is restarting, reconnecting shortly.",
		ReconnectDelayMs: shared.ReconnectDelay.Milliseconds(),
	}, shared.ShutdownNoticeDelay)
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Failed graceful shutdown", "error", err)
	}
	usageCache.Shutdown()
}
