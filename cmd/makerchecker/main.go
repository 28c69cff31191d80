package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/makerchecker/internal/app"
	"github.com/odyssey-erp/makerchecker/internal/auth"
	"github.com/odyssey-erp/makerchecker/internal/changes"
	"github.com/odyssey-erp/makerchecker/internal/groups"
	"github.com/odyssey-erp/makerchecker/internal/observability"
	"github.com/odyssey-erp/makerchecker/internal/platform/cache"
	"github.com/odyssey-erp/makerchecker/internal/platform/db"
	"github.com/odyssey-erp/makerchecker/internal/rbac"
	"github.com/odyssey-erp/makerchecker/internal/roles"
	"github.com/odyssey-erp/makerchecker/internal/shared"
	"github.com/odyssey-erp/makerchecker/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	policy, err := changes.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Error("load policy", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()

	rbacSource := rbac.NewPGSource(dbpool)
	if err := ensurePermissions(ctx, rbacSource, policy); err != nil {
		logger.Error("seed permissions", slog.Any("error", err))
		os.Exit(1)
	}
	permCache := rbac.NewCache(rbacSource, rbac.CacheConfig{
		TTL:        cfg.RBACCacheTTL,
		Logger:     logger,
		Registerer: metrics.Registerer(),
		Redis:      redisClient,
		Channel:    cfg.RBACInvalidationBus,
	})
	go func() {
		if err := permCache.ListenForInvalidation(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("rbac invalidation listener stopped", slog.Any("error", err))
		}
	}()
	authorizer := rbac.NewAuthorizer(permCache)
	rbacMiddleware := rbac.Middleware{Authorizer: authorizer, Logger: logger}

	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		TTL:    cfg.JWTTTL,
	})
	if err != nil {
		logger.Error("init token issuer", slog.Any("error", err))
		os.Exit(1)
	}
	authService := auth.NewService(auth.NewRepository(dbpool), rbacSource, tokens)
	authHandler := auth.NewHandler(logger, authService)

	roleRepo := roles.NewRepository(dbpool)
	roleService := roles.NewService(roleRepo)
	groupRepo := groups.NewRepository(dbpool)
	groupService := groups.NewService(groupRepo)

	registry := changes.NewRegistry()
	registry.Register(changes.TableRole, roles.NewStore(roleRepo, permCache, logger))
	registry.Register(changes.TableGroupMembership, groups.NewMembershipStore(groupRepo, permCache, logger))
	registry.Register(changes.TableGroupRole, groups.NewRoleAssignmentStore(groupRepo, permCache, logger))

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts, cfg.WorkerQueue)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	ledger := changes.NewLedger(changes.NewRepository(dbpool), registry, changes.LedgerConfig{
		Policy:             policy,
		Auditor:            changes.TxAuditor{},
		Notifier:           jobClient,
		Logger:             logger,
		Registerer:         metrics.Registerer(),
		ForbidSelfApproval: cfg.LedgerForbidSelfApproval,
	})
	changesHandler := changes.NewHandler(changes.HandlerConfig{
		Logger:           logger,
		Ledger:           ledger,
		Builder:          changes.NewBuilder(registry),
		Authorizer:       authorizer,
		RBAC:             rbacMiddleware,
		Idempotency:      shared.NewIdempotencyStore(dbpool),
		ResolvePerMinute: cfg.ResolveLimitPerMinute,
	})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Tokens:             tokens,
		AuthHandler:        authHandler,
		ChangesHandler:     changesHandler,
		RolesHandler:       roles.NewHandler(logger, roleService, rbacMiddleware),
		GroupsHandler:      groups.NewHandler(logger, groupService, rbacMiddleware),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, permCache, rbacSource, rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, cfg.WorkerQueue, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.Any("tables", registry.Tables()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
