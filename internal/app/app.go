// Package app wires storage, services and the HTTP API into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"libralend/internal/catalog"
	"libralend/internal/circulation"
	"libralend/internal/config"
	"libralend/internal/consistency"
	"libralend/internal/httpx"
	"libralend/internal/membership"
	"libralend/internal/storage"
	"libralend/internal/storage/memory"
	"libralend/internal/storage/sqlstore"
)

// App represents the application
type App struct {
	config  *config.Config
	logger  *zap.Logger
	store   storage.Store
	lending *circulation.Coordinator
	checker *consistency.Checker
	handler http.Handler
	server  *http.Server
}

// NewLogger builds a production logger, or a development one for LOG_LEVEL=debug.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// New opens the configured store and builds the HTTP handler.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	lending, err := circulation.NewCoordinator(store, circulation.Config{
		BorrowLimit: cfg.BorrowLimit,
		LockTimeout: cfg.LockTimeout,
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &App{
		config:  cfg,
		logger:  logger,
		store:   store,
		lending: lending,
		checker: consistency.NewChecker(store, cfg.BorrowLimit, logger),
	}
	a.handler = a.routes()
	a.server = &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("application initialised",
		zap.String("storage", cfg.StorageDriver),
		zap.Int("borrow_limit", cfg.BorrowLimit),
		zap.Duration("lock_timeout", cfg.LockTimeout))
	return a, nil
}

// OpenStore opens the configured store, migrating SQL schemas.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.StorageDriver {
	case config.DriverMemory:
		return memory.New(cfg.LockTimeout), nil
	case config.DriverSQLite:
		store, err := sqlstore.OpenSQLite(ctx, cfg.SQLitePath, cfg.LockTimeout, logger)
		if err != nil {
			return nil, err
		}
		return migrated(store, logger)
	case config.DriverPostgres:
		store, err := sqlstore.OpenPostgres(ctx, cfg.DatabaseURL, cfg.LockTimeout, logger)
		if err != nil {
			return nil, err
		}
		return migrated(store, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func migrated(store *sqlstore.Store, logger *zap.Logger) (storage.Store, error) {
	if err := sqlstore.Migrate(store.DB(), store.Dialect(), logger); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (a *App) routes() http.Handler {
	lendingHandler := circulation.NewHandler(a.lending, a.config.ConflictRetries, a.logger)
	catalogHandler := catalog.NewHandler(
		catalog.NewService(a.store, a.lending, a.logger), a.logger)
	membershipHandler := membership.NewHandler(
		membership.NewService(a.store, a.lending, a.config.RegistrationRate, a.logger), a.logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "UP"})
	})
	r.Get("/health/consistency", a.handleConsistency)

	r.Route("/books", catalogHandler.Routes)
	r.Route("/members", func(r chi.Router) {
		membershipHandler.Routes(r)
		r.Get("/{id}/borrowed-books", lendingHandler.HandleMemberBorrows)
		r.Get("/by-name/{name}/borrowed-books", lendingHandler.HandleMemberNameBorrows)
	})
	r.Route("/borrows", lendingHandler.Routes)

	return otelhttp.NewHandler(r, "libralend",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

func (a *App) handleConsistency(w http.ResponseWriter, r *http.Request) {
	report, err := a.checker.Check(r.Context())
	if err != nil {
		a.logger.Error("consistency check failed", zap.Error(err))
		httpx.Error(w, http.StatusInternalServerError, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// Handler exposes the HTTP API without starting a listener.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops the server and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	a.logger.Info("shutting down")
	err := a.server.Shutdown(ctx)
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
