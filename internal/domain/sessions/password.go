package sessions

import (
	"context"
	"math"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// SubmitPassword завершает вход облачным паролем (2FA).
//
// Пустой пароль и активное окно flood-backoff отклоняются локально, без
// обращения к бэкенду. SRP_ID_INVALID повторяет весь обмен один раз.
// Каждый отказ, кроме истёкшего окна, продлевает TTL ожидания пароля.
func (m *Manager) SubmitPassword(ctx context.Context, tenantID, password string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if password == "" {
		return ErrPasswordRequired
	}
	t := m.entry(tenantID)
	t.flow.Lock()
	defer t.flow.Unlock()

	now := m.now()
	t.mu.Lock()
	m.expireLocked(t, now)
	if until := t.state.TwoFABackoffUntil; now.Before(until) {
		t.mu.Unlock()
		m.opts.Metrics.PasswordAttempts.WithLabelValues("rate_limited").Inc()
		return FloodWait(ceilSeconds(until.Sub(now)))
	}
	if t.state.Status == StatusAuthorized && t.client != nil {
		t.mu.Unlock()
		return nil
	}
	if t.state.Status == StatusDisconnected && t.state.LastError == string(CodeTwoFATimeout) {
		t.mu.Unlock()
		return ErrTwoFAExpired
	}
	m.stopPollLocked(t)
	m.retireQRLocked(t)
	m.transitionLocked(t, StatusNeeds2FA)
	t.state.Needs2FA = true
	t.state.AwaitingPassword = true
	t.state.TwoFAPending = true
	if t.state.TwoFASince.IsZero() {
		t.state.TwoFASince = now
	}
	t.state.Needs2FAExpiresAt = now.Add(m.opts.TwoFATTL)
	t.state.CanRestart = false
	t.mu.Unlock()

	c, err := m.ensureClient(ctx, t)
	if err == nil {
		err = m.passwordRoundTrip(ctx, c, password)
		if errors.Is(err, ErrSRPInvalid) {
			m.log.Info("srp id invalid, retrying password round-trip", zap.String("tenant", tenantID))
			err = m.passwordRoundTrip(ctx, c, password)
		}
	}

	switch {
	case err == nil:
		m.opts.Metrics.PasswordAttempts.WithLabelValues("ok").Inc()
		m.markAuthorized(t, c, "password")
		return nil
	case errors.Is(err, ErrPasswordInvalid):
		m.opts.Metrics.PasswordAttempts.WithLabelValues("invalid").Inc()
		m.rearm(t, CodePasswordInvalid, 0)
		return err
	case errors.Is(err, ErrSRPInvalid):
		m.opts.Metrics.PasswordAttempts.WithLabelValues("srp_invalid").Inc()
		m.rearm(t, CodeSRPInvalid, 0)
		return err
	case errors.Is(err, ErrAuthKeyUnregistered):
		m.opts.Metrics.PasswordAttempts.WithLabelValues("error").Inc()
		m.softDisconnect(t, c, string(CodeAuthKeyUnregistered))
		return err
	}

	if wait, ok := RetryAfterOf(err); ok {
		wait = max(wait, m.opts.FloodFloor)
		m.opts.Metrics.PasswordAttempts.WithLabelValues("flood_wait").Inc()
		m.rearm(t, CodeFloodWait, wait)
		m.log.Warn("password flood wait", zap.String("tenant", tenantID), zap.Duration("wait", wait))
		return FloodWait(wait)
	}

	m.opts.Metrics.PasswordAttempts.WithLabelValues("error").Inc()
	m.rearm(t, CodePasswordException, 0)
	m.log.Warn("password submission failed", zap.String("tenant", tenantID), zap.Error(err))
	if CodeOf(err) == CodeNetwork {
		return err
	}
	return NewError(CodePasswordException, err)
}

// passwordRoundTrip запрашивает параметры SRP и проверяет пароль. При
// несовместимости локального расчёта пробует legacy-вызов один раз.
func (m *Manager) passwordRoundTrip(ctx context.Context, c Client, password string) error {
	info, err := c.PasswordInfo(ctx)
	if err != nil {
		return err
	}
	err = c.CheckPassword(ctx, info, password)
	if errors.Is(err, ErrIncompatible) {
		m.log.Info("password check incompatible, using legacy call")
		err = c.CheckPasswordLegacy(ctx, password)
	}
	return err
}

// rearm продлевает окно ожидания пароля после неудачной попытки.
// backoff > 0 дополнительно выставляет twofa_backoff_until, и окно тогда
// отсчитывается от конца паузы: повтор после retry_after всегда успевает.
func (m *Manager) rearm(t *tenant, code Code, backoff time.Duration) {
	now := m.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	from := now
	if backoff > 0 {
		t.state.TwoFABackoffUntil = now.Add(backoff)
		from = t.state.TwoFABackoffUntil
	}
	t.state.LastError = string(code)
	if t.state.Status == StatusNeeds2FA {
		t.state.Needs2FAExpiresAt = from.Add(m.opts.TwoFATTL)
	}
}

// ceilSeconds округляет паузу вверх до целых секунд, как её видит клиент в Retry-After.
func ceilSeconds(d time.Duration) time.Duration {
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
