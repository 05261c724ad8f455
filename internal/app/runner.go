package app

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"tgworker/internal/infra/logger"
)

// Сервисы, которые оркестрирует Runner. Интерфейсы позволяют проверить порядок
// запуска и остановки без сети.
type (
	sessionService interface {
		Start(ctx context.Context)
		Bootstrap(ctx context.Context) error
		Close()
	}
	httpService interface {
		Start() error
		Shutdown(ctx context.Context) error
	}
)

const (
	webServerShutdownTimeout = 10 * time.Second
)

// Runner запускает узлы в правильном порядке и гасит их в обратном:
//   - HTTP-сервер поднимается сразу, /live и /ready отвечают во время bootstrap,
//   - уборщик QR-кэша и восстановление сессий стартуют параллельно,
//   - при остановке сначала закрывается HTTP, затем сессии, последней закрывается база.
type Runner struct {
	sessions sessionService
	server   httpService
	db       *bbolt.DB

	bootstrapWG sync.WaitGroup
}

// NewRunner подготавливает Runner. db может быть nil (в тестах).
func NewRunner(mgr sessionService, server httpService, db *bbolt.DB) *Runner {
	return &Runner{sessions: mgr, server: server, db: db}
}

// Run блокируется до отмены ctx. Ошибка HTTP-сервера (например, занят порт)
// останавливает сервис и возвращается вызывающему.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)

	// session_manager
	logger.Debug("starting service session_manager")
	r.sessions.Start(ctx)
	logger.Debug("service session_manager started")

	// web_server
	logger.Debug("starting service web_server")
	go func() {
		if err := r.server.Start(); err != nil {
			serverErr <- err
			cancel()
		}
	}()
	logger.Debug("service web_server started")

	// bootstrap
	r.bootstrapWG.Go(func() {
		if err := r.sessions.Bootstrap(ctx); err != nil {
			logger.Error("session bootstrap failed", zap.Error(err))
		}
	})

	logger.Info("tgworker running...")
	<-ctx.Done()
	logger.Debug("Shutdown signal received, stopping runner...")
	r.stopAllServices()

	select {
	case err := <-serverErr:
		return errors.Wrap(err, "web server")
	default:
		return nil
	}
}

func (r *Runner) stopAllServices() {
	// Останавливаем в обратном порядке

	// web server
	logger.Debug("stopping service web_server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), webServerShutdownTimeout)
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("failed to stop web_server: %v", err)
	}
	cancel()
	logger.Debug("service web_server stopped")

	// bootstrap видит отменённый контекст и завершается сам
	r.bootstrapWG.Wait()

	// session_manager
	logger.Debug("stopping service session_manager")
	r.sessions.Close()
	logger.Debug("service session_manager stopped")

	// state db
	if r.db != nil {
		logger.Debug("closing state db")
		if err := r.db.Close(); err != nil {
			logger.Errorf("failed to close state db: %v", err)
		}
	}
}
