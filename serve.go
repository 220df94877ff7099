package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/photoverify/internal/auth"
	"github.com/example/photoverify/internal/config"
	"github.com/example/photoverify/internal/handlers"
	"github.com/example/photoverify/internal/logging"
	"github.com/example/photoverify/internal/repository"
	"github.com/example/photoverify/internal/usecase"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the verification HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.Log.Level)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

func runServer(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, 15*time.Second)
	defer cancel()

	db, err := initDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	repo := repository.NewVerificationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient, err := initRedis(redisCtx, cfg.Redis.Addr, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	pipeline, closeExtractor, err := newPipeline(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer closeExtractor()

	signer, err := newSigningClient(ctx, cfg, logger, repo)
	if err != nil {
		return err
	}

	cache := usecase.NewRedisCache(redisClient, "photoverify")
	uc := usecase.NewVerificationUseCase(repo, cache, pipeline, signer, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		Audience: cfg.Auth.Audience,
		Issuer:   cfg.Auth.Issuer,
	})

	handlers.RegisterRoutes(r, uc, authMiddleware, handlers.Options{
		Signer: signer,
		Logger: logger,
		Checks: []handlers.HealthCheck{
			{Name: "postgres", Check: func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			}},
			{Name: "redis", Check: cache.Ping},
		},
	})

	api := &apiServer{
		server: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: cfg.HTTP.ShutdownTimeout,
		logger:          logger,
		drainers:        []drainer{{name: "signing_queue", drain: signer.Close}},
	}

	logger.Info("photoverify API listening", zap.String("addr", cfg.HTTP.Addr))
	return api.serve(nil, nil)
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Error("failed to connect to database", zap.Error(err))
		return nil, logging.NewOperationError("main.open_database", "", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, logging.NewOperationError("main.database_handle", "", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLife)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Error("database ping failed", zap.Error(err))
		return nil, logging.NewOperationError("main.ping_database", "", err)
	}

	return db, nil
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Error("redis connection failed", zap.Error(err), zap.String("addr", addr))
		_ = client.Close()
		return nil, logging.NewOperationError("main.ping_redis", "", err)
	}
	return client, nil
}

// drainer is background work that must settle once the API stops taking
// requests.
type drainer struct {
	name  string
	drain func(ctx context.Context) error
}

// apiServer runs the HTTP API and drains background work on the way out.
type apiServer struct {
	server          *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger
	drainers        []drainer
}

// serve blocks until the server fails or a shutdown signal arrives. On a
// signal it lets in-flight requests finish, then drains every drainer under
// the same deadline. A nil listener means ListenAndServe on server.Addr; a nil
// signalCh means SIGINT and SIGTERM.
func (s *apiServer) serve(listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = s.server.Serve(listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh, stopSignals := shutdownSignals(signalCh)
	defer stopSignals()

	select {
	case err := <-errCh:
		if err != nil {
			s.logger.Error("http server stopped", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return errors.Join(err, s.drain(ctx))
	case sig, ok := <-sigCh:
		if ok {
			s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	serveErr := s.server.Shutdown(ctx)
	if serveErr == nil || errors.Is(serveErr, context.Canceled) {
		serveErr = <-errCh
	}
	return errors.Join(serveErr, s.drain(ctx))
}

func (s *apiServer) drain(ctx context.Context) error {
	var errs []error
	for _, d := range s.drainers {
		if err := d.drain(ctx); err != nil {
			s.logger.Warn("drain failed", zap.String("component", d.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("drain %s: %w", d.name, err))
			continue
		}
		s.logger.Info("drained", zap.String("component", d.name))
	}
	return errors.Join(errs...)
}

// shutdownSignals returns signalCh when given, otherwise a channel notified
// on SIGINT and SIGTERM.
func shutdownSignals(signalCh <-chan os.Signal) (<-chan os.Signal, func()) {
	if signalCh != nil {
		return signalCh, func() {}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}
