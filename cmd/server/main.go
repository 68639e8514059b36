package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isph/exchange-engine/internal/api"
	"github.com/isph/exchange-engine/internal/config"
	"github.com/isph/exchange-engine/internal/evaluation"
	"github.com/isph/exchange-engine/internal/hub"
	"github.com/isph/exchange-engine/internal/keylock"
	"github.com/isph/exchange-engine/internal/ledger"
	"github.com/isph/exchange-engine/internal/logger"
	"github.com/isph/exchange-engine/internal/metrics"
	"github.com/isph/exchange-engine/internal/trade"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "exchange-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	conf, err := config.LoadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(conf.LogLevel, conf.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync(log)
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize ledger ---
	st, err := openLedger(ctx, conf, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("close ledger", zap.Error(err))
		}
	}()

	if conf.SeedFile != "" {
		fixture, err := ledger.LoadFixture(conf.SeedFile)
		if err != nil {
			return err
		}
		res, err := ledger.Seed(ctx, st, fixture)
		if err != nil {
			return fmt.Errorf("seed ledger: %w", err)
		}
		log.Info("ledger seeded",
			zap.String("file", conf.SeedFile),
			zap.Int("accounts", res.Accounts),
			zap.Int("stocks", res.Stocks),
			zap.Int("events", res.Events),
		)
	}

	// --- WebSocket hub ---
	wsHub := hub.New(log)

	// --- Trading engine and evaluation queue ---
	engine := trade.NewEngine(st, keylock.New(), log).
		SetNotifier(wsHub).
		SetMaxRetries(conf.TradeMaxRetries)

	evaluator := evaluation.NewHTTPEvaluator(conf.EvaluatorURL, conf.EvaluatorTimeout)
	queue := evaluation.NewQueue(st, evaluator, log).
		SetPollInterval(conf.EvaluationPollInterval).
		SetTimeout(conf.EvaluatorTimeout)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"exchange-engine","backend":%q,"queue_depth":%d}`,
			conf.Backend(), queue.Len())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handler := api.NewHandler(engine, queue, log)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for ledger change notifications. Long-lived, so
		// it sits outside the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + conf.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error {
		log.Info("exchange-engine listening", zap.String("port", conf.Port), zap.String("backend", conf.Backend()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down exchange-engine")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("exchange-engine stopped")
	return nil
}

// openLedger selects the backend: Postgres when DATABASE_URL is set, else
// Redis when REDIS_URL is set, else an in-memory ledger.
func openLedger(ctx context.Context, conf *config.Config, log *zap.Logger) (ledger.Store, error) {
	switch conf.Backend() {
	case "postgres":
		pool, err := pgxpool.New(ctx, conf.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		st := ledger.NewPostgresStore(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		log.Info("connected to PostgreSQL")
		return st, nil

	case "redis":
		opt, err := redis.ParseURL(conf.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		log.Info("connected to Redis")
		return ledger.NewRedisStore(rdb, ""), nil

	default:
		log.Warn("DATABASE_URL and REDIS_URL not set, using in-memory ledger (data will not persist)")
		return ledger.NewMemoryStore(), nil
	}
}

// requestLogger logs each request through zap once it completes.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
