// Пакет server — HTTP-сервер fileditch с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aShanki/fileditch/internal/api/handlers"
	"github.com/aShanki/fileditch/internal/api/middleware"
	"github.com/aShanki/fileditch/internal/api/openapi"
	"github.com/aShanki/fileditch/internal/config"
)

// Handlers — набор обработчиков, монтируемых в роутер.
type Handlers struct {
	Files       *handlers.FilesHandler
	Auth        *handlers.AuthHandler
	Health      *handlers.HealthHandler
	Maintenance *handlers.MaintenanceHandler
	// Session — проверка cookie сессии для закрытых endpoints
	Session *middleware.SessionAuth
	// UploadLimiter — лимит запросов на /upload и /login по IP
	UploadLimiter *middleware.RateLimiter
}

// Server — HTTP-сервер fileditch.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// NewRouter собирает chi роутер со всеми маршрутами и middleware.
func NewRouter(logger *slog.Logger, h Handlers) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	limited := h.UploadLimiter.Middleware()
	session := h.Session.Middleware()

	router.With(limited).Post("/login", h.Auth.Login)
	router.Post("/logout", h.Auth.Logout)

	router.With(limited, session).Post("/upload", h.Files.Upload)

	router.Get("/file/{publicId}", h.Files.Download)
	router.Head("/file/{publicId}", h.Files.Download)
	router.Get("/file/{publicId}/info", h.Files.Info)

	router.Route("/maintenance", func(r chi.Router) {
		r.Use(session)
		r.Post("/sweep", h.Maintenance.Sweep)
		r.Post("/reconcile", h.Maintenance.Reconcile)
	})

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Get("/openapi.yaml", openapi.Handler())

	return router
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, h Handlers) *Server {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: NewRouter(logger, h),
		// Без Read/WriteTimeout: длительность передачи файла не ограничена
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "http_server")),
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняется graceful shutdown с таймаутом
// cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSCert != ""),
		)

		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст отменён, остановка сервера")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
