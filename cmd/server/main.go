package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"symptom-chat/internal/chat"
	"symptom-chat/internal/checker"
	"symptom-chat/internal/config"
	"symptom-chat/internal/history"
	"symptom-chat/internal/metrics"
	"symptom-chat/internal/platform/telegram"
	"symptom-chat/internal/report"
	"symptom-chat/pkg/logging"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()
	cfg := config.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting symptom chat gateway",
		"env", cfg.Env,
		"port", cfg.Port,
		"checker", cfg.CheckerBaseURL,
		"history", cfg.HistoryBackend,
	)

	// 1. Clients
	checkerClient := checker.NewClient(cfg.CheckerBaseURL,
		checker.WithTimeout(cfg.CheckerTimeout),
		checker.WithSessionCookie(cfg.CheckerSessionCookie),
		checker.WithLogger(logger),
	)

	store, err := openHistory(cfg, checkerClient, logger)
	if err != nil {
		logger.Error("failed to open history backend", "backend", cfg.HistoryBackend, "error", err)
		os.Exit(1)
	}
	defer store.close()

	var tgClient report.TelegramClient
	if cfg.TelegramEnabled() {
		tgClient = telegram.NewClient(cfg.TelegramBotToken)
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN or DOCTOR_CHAT_ID is not set; report sharing is disabled")
	}

	// 2. Services
	flowMetrics := metrics.NewFlowMetrics(prometheus.DefaultRegisterer)
	reportSvc := report.NewService(checkerClient, report.NewRenderer(cfg.ReportFontPath, cfg.DefaultLanguage), tgClient, cfg.DoctorChatID, logger)

	sessions := chat.NewSessions(checkerClient, checkerClient, store.recorder, flowMetrics,
		chat.WithLogger(logger),
		chat.WithLanguage(cfg.DefaultLanguage),
		chat.WithThinkingDelay(cfg.ThinkingDelay),
		chat.WithPersistTimeout(cfg.PersistTimeout),
	)
	chatHandler := chat.NewHandler(sessions, chat.HandlerDeps{
		Catalog:   checkerClient,
		Reports:   reportSvc,
		History:   store.history,
		Diagnoses: store.diagnoses,
		Logger:    logger,
	})

	// 3. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS for frontend
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
			if r.Method == http.MethodOptions {
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, sessions.Len())
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		chat.RegisterRoutes(r, chatHandler)
	})

	// 4. Idle session sweeper
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepSessions(sweepCtx, sessions, cfg.SessionIdleTTL, logger)

	// No WriteTimeout: diagnoses can outlast it and websockets inherit it.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// Transcript saves run detached from requests; let them land before the
	// stores close.
	sessions.Wait()
	logger.Info("server stopped")
}

func sweepSessions(ctx context.Context, sessions *chat.Sessions, idle time.Duration, logger *logging.Logger) {
	if idle <= 0 {
		return
	}
	interval := idle / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Sweep(idle); n > 0 {
				logger.Info("expired idle chat sessions", "count", n, "remaining", sessions.Len())
			}
		}
	}
}

// historyStore is the persistence side of the gateway for one backend.
type historyStore struct {
	recorder  chat.Recorder
	history   chat.HistoryReader
	diagnoses chat.DiagnosisLister
	close     func()
}

func openHistory(cfg *config.Config, checkerClient *checker.Client, logger *logging.Logger) (*historyStore, error) {
	switch cfg.HistoryBackend {
	case config.HistoryHTTP, "":
		return &historyStore{recorder: checkerClient, close: func() {}}, nil

	case config.HistoryNone:
		return &historyStore{close: func() {}}, nil

	case config.HistoryPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres history backend")
		}
		db, err := connectDB(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := runMigrations(cfg.MigrationsPath, cfg.DatabaseURL, logger); err != nil {
			_ = db.Close()
			return nil, err
		}
		repo := chat.NewRepository(db)
		return &historyStore{
			recorder:  repo,
			history:   repo,
			diagnoses: repo,
			close:     func() { _ = db.Close() },
		}, nil

	case config.HistoryRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
		rs := history.NewRedisStore(client, cfg.RedisHistoryTTL)
		return &historyStore{
			recorder: rs,
			history:  rs,
			close:    func() { _ = client.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown HISTORY_BACKEND %q", cfg.HistoryBackend)
	}
}

func connectDB(dsn string, logger *logging.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Simple retry logic for DB connection
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err == nil {
			logger.Info("connected to database")
			return db, nil
		}
		logger.Info("waiting for database", "attempt", i+1, "error", err)
		time.Sleep(time.Second)
	}
	_ = db.Close()
	return nil, fmt.Errorf("connect database: %w", err)
}

func runMigrations(source, dsn string, logger *logging.Logger) error {
	m, err := migrate.New(source, dsn)
	if err != nil {
		return fmt.Errorf("migration init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up: %w", err)
	}
	logger.Info("migrations applied", "source", source)
	return nil
}
