// Package app: верхний уровень сборки tgworker. Здесь связываются конфигурация,
// общая база состояния, фабрика MTProto-клиентов, вебхук, загрузчик медиа,
// менеджер сессий и REST-сервер. Запуск и остановку оркестрирует Runner.
package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"go.etcd.io/bbolt"

	"tgworker/internal/adapters/media"
	tgadapter "tgworker/internal/adapters/telegram"
	"tgworker/internal/adapters/telegram/session"
	"tgworker/internal/adapters/web"
	"tgworker/internal/adapters/webhook"
	"tgworker/internal/domain/sessions"
	"tgworker/internal/infra/config"
	"tgworker/internal/infra/logger"
	"tgworker/internal/infra/metrics"
)

// App агрегирует зависимости сервиса:
//   - базу состояния апдейтов и кэша пиров (bbolt),
//   - фабрику клиентов и каталог файлов сессий,
//   - менеджер сессий с его портами (вебхук, медиа, метрики),
//   - HTTP-сервер.
type App struct {
	cfg     *config.Config
	db      *bbolt.DB
	metrics *metrics.Metrics
	mgr     *sessions.Manager
	server  *web.Server
	runner  *Runner
}

// NewApp создаёт пустой каркас приложения. Фактическая сборка выполняется в Init.
func NewApp(cfg *config.Config) *App {
	return &App{cfg: cfg}
}

// Init открывает хранилища и собирает граф зависимостей. При ошибке всё уже
// открытое закрывается.
func (a *App) Init() (err error) {
	env := a.cfg.Env
	logger.Info("tgworker initializing...")

	a.db, err = tgadapter.OpenStateDB(env.StateDBFile)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = a.db.Close()
		}
	}()

	dir, err := session.NewDir(env.SessionsDir)
	if err != nil {
		return errors.Wrap(err, "open sessions dir")
	}

	factory, err := tgadapter.NewFactory(tgadapter.Config{
		APIID:   env.APIID,
		APIHash: env.APIHash,
		Device: telegram.DeviceConfig{
			DeviceModel:    env.DeviceModel,
			SystemVersion:  env.SystemVersion,
			AppVersion:     env.AppVersion,
			LangCode:       env.LangCode,
			SystemLangCode: env.SystemLangCode,
		},
		ThrottleRPS:  env.ThrottleRPS,
		FloodMaxWait: env.FloodMaxWait,
		TestDC:       env.TestDC,
		DedupWindow:  env.InboundDedupWindow,
	}, dir, a.db)
	if err != nil {
		return errors.Wrap(err, "init client factory")
	}

	a.metrics = metrics.New()
	a.mgr, err = sessions.New(sessions.Options{
		Factory:     factory,
		Credentials: factory,
		Deliverer:   newDeliverer(env),
		Fetcher:     media.New(env.MediaFetchTimeout, env.MediaMaxBytes),
		Metrics:     a.metrics,

		QRTTL:                env.QRTTL,
		PollInterval:         env.QRPollInterval,
		QRRetention:          env.QRRetention,
		TwoFATTL:             env.TwoFATTL,
		FloodFloor:           env.TwoFAFloodFloor,
		WebhookTimeout:       env.WebhookTimeout,
		BootstrapConcurrency: env.BootstrapConcurrency,
	})
	if err != nil {
		return errors.Wrap(err, "init session manager")
	}

	a.server = web.NewServer(env.HTTPAddress, a.mgr, a.metrics)
	a.runner = NewRunner(a.mgr, a.server, a.db)
	return nil
}

// Run блокируется до отмены ctx и корректной остановки всех узлов.
func (a *App) Run(ctx context.Context) error {
	if a.runner == nil {
		return errors.New("app is not initialized")
	}
	return a.runner.Run(ctx)
}

// newDeliverer собирает доставку во вебхук. Без WEBHOOK_URL доставки нет
// совсем: менеджер тихо отбрасывает входящие.
func newDeliverer(env config.EnvConfig) sessions.Deliverer {
	if env.WebhookURL == "" {
		return nil
	}
	return webhook.New(webhook.Options{
		URL:          env.WebhookURL,
		Secret:       env.WebhookSecret,
		SecretHeader: env.WebhookSecretHeader,
		Timeout:      env.WebhookTimeout,
	})
}
