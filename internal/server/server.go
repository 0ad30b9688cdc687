// Пакет server: HTTP-сервер Clip Relay с TLS и graceful shutdown.
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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/cliprelay/internal/api/handlers"
	"github.com/bigkaa/cliprelay/internal/api/middleware"
	"github.com/bigkaa/cliprelay/internal/config"
)

// Server: HTTP-сервер Clip Relay.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// NewRouter собирает chi.Router со всеми middleware и маршрутами.
// limiter может быть nil (ограничение частоты отключено).
func NewRouter(cfg *config.Config, logger *slog.Logger, api *handlers.APIHandler, limiter *middleware.RateLimiter) chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.CORS(cfg.CORSOrigins))

	router.Handle("/metrics", promhttp.Handler())

	var mutations func(http.Handler) http.Handler
	if limiter != nil {
		mutations = limiter.Middleware
	}
	api.Mount(router, mutations)

	return router
}

// New создаёт HTTP-сервер. onShutdown выполняются при Shutdown:
// Broadcaster.Close завершает SSE-потоки, иначе Shutdown ждёт их до таймаута.
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler, onShutdown ...func()) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	if cfg.TLSEnabled() {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	s := &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
	for _, fn := range onShutdown {
		srv.RegisterOnShutdown(fn)
	}
	return s
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняется graceful shutdown с CR_SHUTDOWN_TIMEOUT.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSEnabled()),
		)

		var err error
		if s.cfg.TLSEnabled() {
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
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...",
		slog.Duration("timeout", s.cfg.ShutdownTimeout),
	)
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
