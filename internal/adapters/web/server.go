// Package web: REST-поверхность менеджера сессий на chi: старт и статус
// сессий, PNG QR-кодов, отправка 2FA-пароля, logout/reset, исходящие
// сообщения, /health, /metrics и пробы /live и /ready.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tgworker/internal/domain/sessions"
	"tgworker/internal/infra/logger"
	"tgworker/internal/infra/metrics"
)

// Sessions: операции менеджера, которые нужны HTTP-слою.
type Sessions interface {
	StartSession(ctx context.Context, tenantID string, force bool) (sessions.State, error)
	Status(tenantID string) (sessions.State, error)
	QRImage(qrID, tenantHint string) ([]byte, error)
	SubmitPassword(ctx context.Context, tenantID, password string) error
	Logout(ctx context.Context, tenantID string) error
	HardReset(ctx context.Context, tenantID string) error
	SendMessage(ctx context.Context, tenantID string, req sessions.SendRequest) error
	Health() sessions.Health
	IsReady() bool
}

var _ Sessions = (*sessions.Manager)(nil)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 150 * time.Second
	idleTimeout  = 60 * time.Second

	// Таймауты обработчиков: короткие операции, 2FA и отправка с медиа.
	shortTimeOut  = 5 * time.Second
	mediumTimeOut = 30 * time.Second
	longTimeOut   = 120 * time.Second

	maxBodyBytes = 1 << 20
)

// Server: HTTP-сервер REST API.
type Server struct {
	srv      *http.Server
	sessions Sessions
	metrics  *metrics.Metrics
	health   healthcheck.Handler
	log      *zap.Logger
}

// NewServer собирает роутер. metrics обязателен: из его реестра отдаётся /metrics.
func NewServer(address string, svc Sessions, m *metrics.Metrics) *Server {
	s := &Server{
		sessions: svc,
		metrics:  m,
		health:   healthcheck.NewMetricsHandler(m.Registry, "tgworker"),
		log:      logger.Named("http"),
	}
	s.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	s.health.AddReadinessCheck("bootstrap", func() error {
		if !svc.IsReady() {
			return fmt.Errorf("session bootstrap in progress")
		}
		return nil
	})

	s.srv = &http.Server{
		Addr:         address,
		Handler:      s.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Get("/live", s.health.LiveEndpoint)
	r.Get("/ready", s.health.ReadyEndpoint)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.readyGate)
		r.Post("/session/start", s.handleStart)
		r.Post("/session/2fa", s.handlePassword)
		r.Post("/session/logout", s.handleLogout)
		r.Post("/session/reset", s.handleReset)
		r.Post("/send", s.handleSend)
		r.Get("/session/status", s.handleStatus)
		r.Get("/session/qr/{qrID}.png", s.handleQR)
	})
	return r
}

// Handler возвращает корневой обработчик (для тестов и встраивания).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start слушает адрес до Shutdown.
func (s *Server) Start() error {
	s.log.Info("starting http server", zap.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown корректно останавливает сервер, дожидаясь активных запросов.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	return s.srv.Shutdown(ctx)
}
