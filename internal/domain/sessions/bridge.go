package sessions

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// handleInbound доставляет входящее сообщение во вебхук. Ошибки доставки
// считаются и логируются, но цикл апдейтов клиента не прерывают.
func (m *Manager) handleInbound(ctx context.Context, t *tenant, c Client, msg InboundMessage) error {
	now := m.now()
	t.mu.Lock()
	if t.client != c {
		t.mu.Unlock()
		return nil
	}
	t.state.LastSeen = now
	t.state.Stats.Inbound++
	t.mu.Unlock()

	msg.Tenant = t.id
	msg.Channel = ChannelTelegram
	if msg.Attachments == nil {
		msg.Attachments = []Attachment{}
	}
	m.opts.Metrics.InboundMessages.Inc()

	if m.opts.Deliverer == nil {
		m.log.Debug("webhook not configured, inbound message dropped", zap.String("tenant", t.id))
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.WebhookTimeout)
	defer cancel()
	start := time.Now()
	err := m.opts.Deliverer.Deliver(dctx, msg)
	m.opts.Metrics.WebhookDuration.Observe(time.Since(start).Seconds())

	t.mu.Lock()
	if err != nil {
		t.state.Stats.DeliveryFailed++
	} else {
		t.state.Stats.Delivered++
	}
	t.mu.Unlock()

	if err != nil {
		m.opts.Metrics.WebhookFailures.Inc()
		m.log.Warn("webhook delivery failed",
			zap.String("tenant", t.id),
			zap.String("from_id", msg.FromID),
			zap.Error(err))
		return nil
	}
	m.opts.Metrics.WebhookDelivered.Inc()
	return nil
}

// SendMessage отправляет исходящее сообщение от имени тенанта. Проверки идут
// в порядке: адресат, содержимое (включая URL вложений), авторизация. До
// авторизации сеть не используется.
// С вложениями текст становится подписью только первого из них.
func (m *Manager) SendMessage(ctx context.Context, tenantID string, req SendRequest) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	to := Target{
		PeerID:   req.PeerID,
		Username: strings.TrimPrefix(strings.TrimSpace(req.Username), "@"),
	}
	if to.Empty() {
		return ErrMissingTarget
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return ErrMissingContent
	}
	for i, att := range req.Attachments {
		if _, err := ParseMediaURL(att.URL); err != nil {
			return errors.Wrapf(err, "attachment %d", i)
		}
	}

	t, ok := m.tenants.Get(tenantID)
	if !ok {
		return ErrNotAuthorized
	}
	t.mu.Lock()
	c := t.client
	authorized := t.state.Status == StatusAuthorized
	t.mu.Unlock()
	if c == nil || !authorized {
		return ErrNotAuthorized
	}

	err := m.send(ctx, c, to, req)

	t.mu.Lock()
	if err != nil {
		t.state.Stats.SendFailed++
	} else {
		t.state.Stats.Sent++
		t.state.LastSeen = m.now()
	}
	t.mu.Unlock()

	if err != nil {
		m.opts.Metrics.OutboundMessages.WithLabelValues("error").Inc()
		if errors.Is(err, ErrAuthKeyUnregistered) {
			m.softDisconnect(t, c, string(CodeAuthKeyUnregistered))
		}
		m.log.Warn("send failed", zap.String("tenant", tenantID), zap.Error(err))
		return err
	}
	m.opts.Metrics.OutboundMessages.WithLabelValues("ok").Inc()
	return nil
}

func (m *Manager) send(ctx context.Context, c Client, to Target, req SendRequest) error {
	if len(req.Attachments) == 0 {
		return c.SendText(ctx, to, req.Text)
	}
	if m.opts.Fetcher == nil {
		return NewError(CodeMediaFetch, errors.New("media fetcher is not configured"))
	}
	for i, att := range req.Attachments {
		media, err := m.opts.Fetcher.Fetch(ctx, att)
		if err != nil {
			if CodeOf(err) == "" {
				err = NewError(CodeMediaFetch, err)
			}
			return errors.Wrapf(err, "attachment %d", i)
		}
		caption := ""
		if i == 0 {
			caption = req.Text
		}
		if err := c.SendMedia(ctx, to, media, caption); err != nil {
			return err
		}
	}
	return nil
}

// ParseMediaURL принимает только абсолютные http(s)-адреса с хостом.
func ParseMediaURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, NewError(CodeInvalidMediaURL, errors.Errorf("unsupported media url %q", raw))
	}
	return u, nil
}
