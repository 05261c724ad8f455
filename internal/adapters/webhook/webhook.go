// Package webhook доставляет нормализованные входящие сообщения во внешний
// HTTP-вебхук: POST JSON с общим секретом в заголовке.
package webhook

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"tgworker/internal/domain/sessions"
	"tgworker/internal/infra/logger"
)

// Options: параметры доставки.
type Options struct {
	URL          string
	Secret       string
	SecretHeader string
	Timeout      time.Duration
}

// Deliverer реализует sessions.Deliverer поверх resty.
type Deliverer struct {
	opts   Options
	client *resty.Client
	log    *zap.Logger
}

var _ sessions.Deliverer = (*Deliverer)(nil)

// ErrDisabled: URL вебхука не задан, сообщения отбрасываются.
var ErrDisabled = errors.New("webhook url is not configured")

// New создаёт доставщик. Пустой URL допустим: Deliver тогда возвращает ErrDisabled.
func New(opts Options) *Deliverer {
	if opts.SecretHeader == "" {
		opts.SecretHeader = "X-Webhook-Secret"
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "tgworker-webhook")
	return &Deliverer{opts: opts, client: client, log: logger.Named("webhook")}
}

// Deliver отправляет одно сообщение. Любой ответ вне 2xx: ошибка.
func (d *Deliverer) Deliver(ctx context.Context, msg sessions.InboundMessage) error {
	if strings.TrimSpace(d.opts.URL) == "" {
		return ErrDisabled
	}
	req := d.client.R().SetContext(ctx).SetBody(msg)
	if d.opts.Secret != "" {
		req.SetHeader(d.opts.SecretHeader, d.opts.Secret)
	}
	resp, err := req.Post(d.opts.URL)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return errors.Errorf("webhook responded %d", resp.StatusCode())
	}
	d.log.Debug("webhook delivered",
		zap.String("tenant", msg.Tenant),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("took", resp.Time()),
	)
	return nil
}
