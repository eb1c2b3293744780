package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-billing/internal/adapter/handler"
	"github.com/rl1809/stock-billing/internal/adapter/queue"
	"github.com/rl1809/stock-billing/internal/adapter/storage"
	"github.com/rl1809/stock-billing/internal/app"
	"github.com/rl1809/stock-billing/internal/core/service"
	"github.com/rl1809/stock-billing/internal/observability"
	"github.com/rl1809/stock-billing/internal/port"
)

const shutdownTimeout = 10 * time.Second

// store bundles the repository chosen by STORE_DRIVER with the collaborators
// it can provide itself when Redis is not configured.
type store struct {
	repo  port.DatabaseRepository
	seq   port.Sequencer
	idem  port.IdempotencyGuard
	close func()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env file is fine; real environment variables take precedence.
	_ = godotenv.Load()
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	metrics := observability.NewMetrics()
	var publisher port.AlertPublisher = service.LogPublisher{Logger: logger}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, PoolSize: 100})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		floor, err := st.repo.MaxBillSequence(ctx)
		if err != nil {
			return err
		}
		redisAdapter := storage.NewRedisAdapter(rdb).WithSequenceFloor(floor)
		st.seq = redisAdapter
		st.idem = redisAdapter

		asynqPublisher := queue.NewAsynqPublisher(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer asynqPublisher.Close()
		publisher = asynqPublisher
		logger.Info("connected to redis", slog.String("addr", cfg.RedisAddr), slog.Int64("bill_sequence_floor", floor))
	}

	alerts := service.NewAlertDispatcher(publisher, cfg.AlertQueueSize, metrics, logger)
	alerts.Start(cfg.AlertWorkers)
	defer alerts.Close()

	services := handler.Services{
		Products: service.NewProductService(st.repo, logger),
		Ledger:   service.NewLedgerService(st.repo, alerts, metrics, logger),
		Billing: service.NewBillingService(service.BillingDeps{
			Repo:        st.repo,
			Sequencer:   st.seq,
			Idempotency: st.idem,
			Alerts:      alerts,
			Metrics:     metrics,
			Logger:      logger,
		}),
		Query: service.NewQueryService(st.repo),
	}

	grpcServer := grpc.NewServer()
	handler.RegisterBillingServiceServer(grpcServer, handler.NewGRPCHandler(services, logger))

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: app.NewRouter(app.RouterParams{
			Logger:  logger,
			Config:  cfg,
			API:     handler.NewHTTPHandler(services, logger),
			Metrics: metrics,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		logger.Info("gRPC server listening", slog.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.Any("error", err))
		}
		grpcServer.GracefulStop()
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *app.Config, logger *slog.Logger) (store, error) {
	switch cfg.StoreDriver {
	case app.DriverMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return store{}, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return store{}, fmt.Errorf("ping mysql: %w", err)
		}
		adapter := storage.NewMySQLAdapter(db, cfg.LockTimeout)
		if err := adapter.Migrate(ctx); err != nil {
			db.Close()
			return store{}, fmt.Errorf("migrate mysql: %w", err)
		}
		logger.Info("connected to mysql")
		return store{
			repo:  adapter,
			seq:   adapter,
			idem:  storage.NewMemoryIdempotency(24 * time.Hour),
			close: func() { db.Close() },
		}, nil

	case app.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PGDSN)
		if err != nil {
			return store{}, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return store{}, fmt.Errorf("ping postgres: %w", err)
		}
		adapter := storage.NewPostgresAdapter(pool, cfg.LockTimeout)
		if err := adapter.Migrate(ctx); err != nil {
			pool.Close()
			return store{}, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return store{repo: adapter, seq: adapter, idem: adapter, close: pool.Close}, nil
	}

	mem := storage.NewMemoryStore(cfg.LockTimeout)
	logger.Info("using in-memory store")
	return store{
		repo:  mem,
		seq:   mem,
		idem:  storage.NewMemoryIdempotency(24 * time.Hour),
		close: func() {},
	}, nil
}
