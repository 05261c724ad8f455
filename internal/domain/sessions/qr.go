package sessions

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// StartSession запускает или возвращает текущий сценарий входа тенанта.
//
// Без force живой сценарий (authorized, waiting_qr с непросроченным QR,
// needs_2fa с ожидающим паролем) возвращается как есть. Если есть файл сессии,
// сначала пробуется тихое восстановление. Иначе выпускается новый QR и
// запускается ровно одна задача опроса.
func (m *Manager) StartSession(ctx context.Context, tenantID string, force bool) (State, error) {
	if tenantID == "" {
		return State{}, ErrTenantRequired
	}
	t := m.entry(tenantID)
	t.flow.Lock()
	defer t.flow.Unlock()

	now := m.now()
	t.mu.Lock()
	m.expireLocked(t, now)
	switch t.state.Status {
	case StatusNeeds2FA:
		// Пароль: единственный путь вперёд, даже с force.
		if t.state.TwoFAPending {
			t.state.Needs2FAExpiresAt = now.Add(m.opts.TwoFATTL)
			st := t.snapshotLocked()
			t.mu.Unlock()
			return st, nil
		}
	case StatusAuthorized:
		if !force && t.client != nil {
			st := t.snapshotLocked()
			t.mu.Unlock()
			return st, nil
		}
	case StatusWaitingQR:
		if !force && t.poll != nil {
			st := t.snapshotLocked()
			t.mu.Unlock()
			return st, nil
		}
	}
	done := m.stopPollLocked(t)
	m.retireQRLocked(t)
	t.clearTwoFAFlagsLocked()
	var stale Client
	if force {
		stale = t.detachClientLocked()
	}
	t.mu.Unlock()

	waitDone(ctx, done)
	if stale != nil {
		if err := stale.Close(); err != nil {
			m.log.Debug("client close failed", zap.String("tenant", tenantID), zap.Error(err))
		}
	}

	if !force && m.opts.Credentials.Exists(tenantID) {
		if st, ok := m.tryResume(ctx, t); ok {
			return st, nil
		}
	}
	return m.startQR(ctx, t)
}

// tryResume пробует авторизоваться по существующему файлу сессии.
func (m *Manager) tryResume(ctx context.Context, t *tenant) (State, bool) {
	c, err := m.ensureClient(ctx, t)
	if err == nil {
		var ok bool
		ok, err = c.IsAuthorized(ctx)
		if err == nil && ok {
			m.markAuthorized(t, c, "resume")
			t.mu.Lock()
			defer t.mu.Unlock()
			return t.snapshotLocked(), true
		}
	}
	if err != nil {
		m.log.Info("silent resume failed, falling back to qr",
			zap.String("tenant", t.id), zap.Error(err))
		if errors.Is(err, ErrAuthKeyUnregistered) {
			// Ключ отозван: строим новое соединение под QR.
			t.mu.Lock()
			old := t.detachClientLocked()
			t.mu.Unlock()
			m.closeAsync(old)
		}
	}
	return State{}, false
}

// startQR выпускает QR-токен и запускает задачу опроса.
func (m *Manager) startQR(ctx context.Context, t *tenant) (State, error) {
	fail := func(err error) (State, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if errors.Is(err, ErrAuthKeyUnregistered) {
			m.disconnectLocked(t, string(CodeAuthKeyUnregistered))
			m.closeAsync(t.detachClientLocked())
		} else {
			t.state.LastError = reasonOf(err)
			t.state.CanRestart = true
		}
		return t.snapshotLocked(), err
	}

	c, err := m.ensureClient(ctx, t)
	if err != nil {
		return fail(err)
	}
	tok, err := c.ExportQR(ctx)
	if err != nil {
		return fail(err)
	}
	png, err := m.opts.RenderQR(tok.URL)
	if err != nil {
		return fail(errors.Wrap(err, "render qr"))
	}

	now := m.now()
	expires := tok.ExpiresAt
	if expires.IsZero() || !expires.After(now) {
		expires = now.Add(m.opts.QRTTL)
	}
	qrID := m.opts.NewQRID()

	t.mu.Lock()
	if t.client != c {
		// Клиента успели сбросить параллельно (soft disconnect из колбэка).
		t.mu.Unlock()
		return fail(NewError(CodeNetwork, errors.New("client dropped during qr export")))
	}
	m.stopPollLocked(t)
	m.retireQRLocked(t)
	t.clearTwoFAFlagsLocked()
	t.state.QRID = qrID
	t.state.QRPNG = png
	t.state.QRURL = tok.URL
	t.state.QRExpiresAt = expires
	m.transitionLocked(t, StatusWaitingQR)
	t.state.LastError = ""
	t.state.CanRestart = false
	t.state.RestartPending = false
	m.qrCache.Set(qrID, &CachedQR{TenantID: t.id, PNG: png, ExpiresAt: expires})

	pollCtx, cancel := context.WithCancel(m.ctx)
	task := &pollTask{gen: t.gen, cancel: cancel, done: make(chan struct{})}
	t.poll = task
	st := t.snapshotLocked()
	t.mu.Unlock()

	m.opts.Metrics.QRGenerated.Inc()
	m.log.Info("qr login started",
		zap.String("tenant", t.id),
		zap.String("qr_id", qrID),
		zap.Time("expires_at", expires))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.pollQR(pollCtx, t, c, task, expires)
	}()
	return st, nil
}

// pollQR ждёт подтверждения QR короткими окнами, чтобы регулярно сверять
// дедлайн. Результаты применяются, только если поколение задачи не устарело.
func (m *Manager) pollQR(ctx context.Context, t *tenant, c Client, task *pollTask, deadline time.Time) {
	defer close(task.done)

	for {
		if ctx.Err() != nil {
			return
		}
		now := m.now()
		if !now.Before(deadline) {
			m.finishPoll(t, task, func() {
				m.disconnectLocked(t, string(CodeQRLoginTimeout))
				m.opts.Metrics.QRExpired.Inc()
			})
			return
		}

		wait := min(m.opts.PollInterval, deadline.Sub(now))
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		err := c.AwaitQR(waitCtx)
		cancel()

		switch {
		case err == nil:
			if m.finishPoll(t, task, nil) {
				m.markAuthorized(t, c, "qr")
			}
			return
		case errors.Is(err, ErrPasswordNeeded):
			m.finishPoll(t, task, func() {
				now := m.now()
				m.retireQRLocked(t)
				m.transitionLocked(t, StatusNeeds2FA)
				t.state.Needs2FA = true
				t.state.AwaitingPassword = true
				t.state.TwoFAPending = true
				t.state.TwoFASince = now
				t.state.Needs2FAExpiresAt = now.Add(m.opts.TwoFATTL)
				t.state.LastError = ""
			})
			return
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, ErrAuthKeyUnregistered):
			if m.finishPoll(t, task, nil) {
				m.softDisconnect(t, c, string(CodeAuthKeyUnregistered))
			}
			return
		default:
			m.log.Warn("qr poll failed", zap.String("tenant", t.id), zap.Error(err))
			t.mu.Lock()
			if t.gen == task.gen {
				t.state.LastError = reasonOf(err)
			}
			t.mu.Unlock()
			// Пауза, чтобы мгновенно падающий AwaitQR не крутил цикл.
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

// finishPoll снимает задачу с тенанта и под t.mu применяет apply, если
// поколение ещё актуально. Возвращает false для устаревшей задачи.
func (m *Manager) finishPoll(t *tenant, task *pollTask, apply func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != task.gen {
		return false
	}
	if t.poll == task {
		t.poll = nil
	}
	if apply != nil {
		apply()
	}
	return true
}

// QRImage отдаёт PNG по qr_id. Просроченный код всегда даёт ErrQRExpired
// (в течение окна удержания), неизвестный: ErrQRNotFound. tenantHint
// сужает поиск по живому состоянию.
func (m *Manager) QRImage(qrID, tenantHint string) ([]byte, error) {
	if qrID == "" {
		return nil, ErrQRNotFound
	}
	now := m.now()

	if cq, ok := m.qrCache.Get(qrID); ok {
		if now.Before(cq.ExpiresAt) {
			return cq.PNG, nil
		}
		m.expireQR(qrID, cq.TenantID, now)
		return nil, ErrQRExpired
	}

	if until, ok := m.qrGone.Get(qrID); ok {
		if now.Before(until) {
			return nil, ErrQRExpired
		}
		m.qrGone.Remove(qrID)
	}

	var candidates []*tenant
	if tenantHint != "" {
		if t, ok := m.tenants.Get(tenantHint); ok {
			candidates = append(candidates, t)
		}
	} else {
		for item := range m.tenants.IterBuffered() {
			candidates = append(candidates, item.Val)
		}
	}
	for _, t := range candidates {
		t.mu.Lock()
		if t.state.QRID != qrID {
			t.mu.Unlock()
			continue
		}
		if now.Before(t.state.QRExpiresAt) {
			png := t.state.QRPNG
			m.qrCache.Set(qrID, &CachedQR{TenantID: t.id, PNG: png, ExpiresAt: t.state.QRExpiresAt})
			t.mu.Unlock()
			return png, nil
		}
		m.expireLocked(t, now)
		t.mu.Unlock()
		return nil, ErrQRExpired
	}
	return nil, ErrQRNotFound
}

// expireQR удаляет просроченный код из кэша, ставит надгробие и, если код
// ещё живой у тенанта, выводит тенанта из waiting_qr.
func (m *Manager) expireQR(qrID, tenantID string, now time.Time) {
	m.qrCache.Remove(qrID)
	m.qrGone.Set(qrID, now.Add(m.opts.QRRetention))

	t, ok := m.tenants.Get(tenantID)
	if !ok {
		return
	}
	t.mu.Lock()
	if t.state.QRID == qrID {
		m.expireLocked(t, now)
	}
	t.mu.Unlock()
}
