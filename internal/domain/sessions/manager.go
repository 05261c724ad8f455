// Package sessions управляет жизненным циклом MTProto-сессий тенантов:
// QR-логин, 2FA, мост входящих/исходящих сообщений и восстановление после
// отзыва ключа. Протокольный клиент скрыт за интерфейсом Client.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tgworker/internal/infra/clock"
	"tgworker/internal/infra/logger"
	"tgworker/internal/infra/metrics"
	"tgworker/internal/infra/qrimage"
)

const (
	defaultQRTTL           = 180 * time.Second
	defaultPollInterval    = 5 * time.Second
	defaultQRRetention     = 15 * time.Minute
	defaultTwoFATTL        = 90 * time.Second
	defaultFloodFloor      = 60 * time.Second
	defaultWebhookTimeout  = 10 * time.Second
	defaultJanitorInterval = time.Minute
	defaultResumeBackoff   = 500 * time.Millisecond
	defaultResumeRetries   = 2
	subscribeTimeout       = 30 * time.Second
	logoutTimeout          = 15 * time.Second
)

// Options: зависимости и тайминги менеджера. Нулевые тайминги заменяются
// значениями по умолчанию.
type Options struct {
	Factory     ClientFactory
	Credentials Credentials
	Deliverer   Deliverer
	Fetcher     MediaFetcher
	Metrics     *metrics.Metrics

	// Clock подменяется в тестах.
	Clock func() time.Time
	// RenderQR превращает payload QR в PNG.
	RenderQR func(payload string) ([]byte, error)
	// NewQRID генерирует непрозрачный qr_id.
	NewQRID func() string

	QRTTL           time.Duration
	PollInterval    time.Duration
	QRRetention     time.Duration
	TwoFATTL        time.Duration
	FloodFloor      time.Duration
	WebhookTimeout  time.Duration
	JanitorInterval time.Duration

	BootstrapConcurrency int
	ResumeRetries        uint64
	ResumeBackoff        time.Duration
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clock.Now
	}
	if o.RenderQR == nil {
		o.RenderQR = qrimage.PNG
	}
	if o.NewQRID == nil {
		o.NewQRID = func() string { return uuid.NewString() }
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewIsolated()
	}
	if o.QRTTL <= 0 {
		o.QRTTL = defaultQRTTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.QRRetention <= 0 {
		o.QRRetention = defaultQRRetention
	}
	if o.TwoFATTL <= 0 {
		o.TwoFATTL = defaultTwoFATTL
	}
	if o.FloodFloor <= 0 {
		o.FloodFloor = defaultFloodFloor
	}
	if o.WebhookTimeout <= 0 {
		o.WebhookTimeout = defaultWebhookTimeout
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = defaultJanitorInterval
	}
	if o.BootstrapConcurrency <= 0 {
		o.BootstrapConcurrency = 4
	}
	if o.ResumeRetries == 0 {
		o.ResumeRetries = defaultResumeRetries
	}
	if o.ResumeBackoff <= 0 {
		o.ResumeBackoff = defaultResumeBackoff
	}
}

// Health: агрегаты для /health.
type Health struct {
	Authorized int
	Waiting    int
	Needs2FA   int
}

// Manager: реестр сессий тенантов. Блокировки только потенантные: тенанты
// не конкурируют между собой.
type Manager struct {
	opts Options
	log  *zap.Logger

	tenants cmap.ConcurrentMap[string, *tenant]
	qrCache cmap.ConcurrentMap[string, *CachedQR]
	qrGone  cmap.ConcurrentMap[string, time.Time]

	ready     chan struct{}
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создаёт менеджер. Factory и Credentials обязательны.
func New(opts Options) (*Manager, error) {
	if opts.Factory == nil {
		return nil, errors.New("sessions: client factory is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("sessions: credentials store is required")
	}
	opts.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:    opts,
		log:     logger.Named("sessions"),
		tenants: cmap.New[*tenant](),
		qrCache: cmap.New[*CachedQR](),
		qrGone:  cmap.New[time.Time](),
		ready:   make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, s := range allStatuses {
		m.opts.Metrics.SessionsByStatus.WithLabelValues(string(s)).Set(0)
	}
	return m, nil
}

func (m *Manager) now() time.Time { return m.opts.Clock() }

// entry возвращает запись тенанта, создавая её при первом обращении.
// Записи не удаляются: сброс лишь обнуляет состояние, сохраняя мьютексы.
func (m *Manager) entry(id string) *tenant {
	if t, ok := m.tenants.Get(id); ok {
		return t
	}
	if m.tenants.SetIfAbsent(id, newTenant(id)) {
		m.opts.Metrics.SessionsByStatus.WithLabelValues(string(StatusDisconnected)).Inc()
	}
	t, _ := m.tenants.Get(id)
	return t
}

// transitionLocked меняет статус и поддерживает гейдж sessions{status}.
func (m *Manager) transitionLocked(t *tenant, to Status) {
	from := t.state.Status
	if from == to {
		return
	}
	t.state.Status = to
	m.opts.Metrics.SessionsByStatus.WithLabelValues(string(from)).Dec()
	m.opts.Metrics.SessionsByStatus.WithLabelValues(string(to)).Inc()
	m.log.Info("session status changed",
		zap.String("tenant", t.id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

// stopPollLocked отменяет задачу опроса QR и инвалидирует её поколение.
// Возвращает канал завершения, который ждут уже после снятия mu.
func (m *Manager) stopPollLocked(t *tenant) <-chan struct{} {
	t.gen++
	p := t.poll
	if p == nil {
		return nil
	}
	t.poll = nil
	p.cancel()
	return p.done
}

func waitDone(ctx context.Context, done <-chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// retireQRLocked убирает QR из живого состояния и кэша, оставляя надгробие,
// чтобы поздний запрос получил «expired», а не «not found».
func (m *Manager) retireQRLocked(t *tenant) {
	if id := t.state.QRID; id != "" {
		m.qrCache.Remove(id)
		m.qrGone.Set(id, m.now().Add(m.opts.QRRetention))
	}
	t.state.QRID = ""
	t.state.QRPNG = nil
	t.state.QRURL = ""
	t.state.QRExpiresAt = time.Time{}
}

// disconnectLocked переводит тенанта в disconnected с подсказкой can_restart.
func (m *Manager) disconnectLocked(t *tenant, reason string) {
	m.retireQRLocked(t)
	t.clearTwoFAFlagsLocked()
	m.transitionLocked(t, StatusDisconnected)
	t.state.LastError = reason
	t.state.CanRestart = true
	t.state.RestartPending = false
	m.opts.Metrics.Disconnects.WithLabelValues(reason).Inc()
}

// closeAsync закрывает клиента в отдельной горутине: вызов может прийти из
// колбэка самого клиента.
func (m *Manager) closeAsync(c Client) {
	if c == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := c.Close(); err != nil {
			m.log.Debug("client close failed", zap.Error(err))
		}
	}()
}

// softDisconnect: единая реакция на отозванный ключ и прочие фатальные
// ошибки клиента. Файл сессии сохраняется. Если у тенанта уже другой клиент,
// событие относится к устаревшему соединению и игнорируется.
func (m *Manager) softDisconnect(t *tenant, c Client, reason string) {
	t.mu.Lock()
	if c != nil && t.client != c {
		t.mu.Unlock()
		m.closeAsync(c)
		return
	}
	m.stopPollLocked(t)
	m.disconnectLocked(t, reason)
	old := t.detachClientLocked()
	t.mu.Unlock()

	m.log.Warn("session soft-disconnected", zap.String("tenant", t.id), zap.String("reason", reason))
	m.closeAsync(old)
}

// ensureClient возвращает подключённого клиента тенанта, создавая его при
// необходимости. Вызывается под t.flow, сетевой I/O идёт без t.mu.
func (m *Manager) ensureClient(ctx context.Context, t *tenant) (Client, error) {
	t.mu.Lock()
	c := t.client
	t.mu.Unlock()

	if c == nil {
		created, err := m.opts.Factory.NewClient(t.id)
		if err != nil {
			return nil, errors.Wrap(err, "create client")
		}
		t.mu.Lock()
		if t.client == nil {
			t.client = created
			c = created
		} else {
			c = t.client
		}
		t.mu.Unlock()
		if c != created {
			m.closeAsync(created)
		}
	}

	if err := c.Connect(ctx); err != nil {
		if errors.Is(err, ErrClientStopped) {
			t.mu.Lock()
			if t.client == c {
				t.detachClientLocked()
			}
			t.mu.Unlock()
			m.closeAsync(c)
		}
		return nil, err
	}
	return c, nil
}

// markAuthorized фиксирует успешный вход и подписывает тенанта на входящие.
func (m *Manager) markAuthorized(t *tenant, c Client, method string) {
	t.mu.Lock()
	if t.client != c {
		t.mu.Unlock()
		return
	}
	m.retireQRLocked(t)
	t.clearTwoFAFlagsLocked()
	t.state.TwoFABackoffUntil = time.Time{}
	m.transitionLocked(t, StatusAuthorized)
	t.state.LastError = ""
	t.state.CanRestart = false
	t.state.RestartPending = false
	t.state.LastSeen = m.now()
	t.mu.Unlock()

	m.opts.Metrics.Logins.WithLabelValues(method).Inc()
	m.log.Info("session authorized", zap.String("tenant", t.id), zap.String("method", method))
	m.subscribe(t, c)
}

// subscribe регистрирует обработчики входящих событий один раз на клиента.
func (m *Manager) subscribe(t *tenant, c Client) {
	t.mu.Lock()
	already := t.subscribed == c
	t.mu.Unlock()
	if already {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, subscribeTimeout)
	defer cancel()
	err := c.Subscribe(ctx, Events{
		OnMessage: func(ctx context.Context, msg InboundMessage) error {
			return m.handleInbound(ctx, t, c, msg)
		},
		OnFailure: func(err error) {
			m.handleClientFailure(t, c, err)
		},
	})
	if err != nil {
		m.handleClientFailure(t, c, err)
		return
	}

	t.mu.Lock()
	if t.client == c {
		t.subscribed = c
	}
	t.mu.Unlock()
}

// handleClientFailure обрабатывает ошибки фоновых циклов клиента.
func (m *Manager) handleClientFailure(t *tenant, c Client, err error) {
	if errors.Is(err, ErrAuthKeyUnregistered) {
		m.softDisconnect(t, c, string(CodeAuthKeyUnregistered))
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, ErrClientStopped) {
		m.softDisconnect(t, c, "client_stopped")
		return
	}
	m.log.Warn("client failure", zap.String("tenant", t.id), zap.Error(err))
	t.mu.Lock()
	if t.client == c {
		t.state.LastError = err.Error()
	}
	t.mu.Unlock()
}

// expireLocked лениво закрывает просроченные окна 2FA и QR.
func (m *Manager) expireLocked(t *tenant, now time.Time) {
	switch t.state.Status {
	case StatusNeeds2FA:
		exp := t.state.Needs2FAExpiresAt
		if !t.state.TwoFAPending || exp.IsZero() || now.Before(exp) {
			return
		}
		m.stopPollLocked(t)
		m.disconnectLocked(t, string(CodeTwoFATimeout))
		m.closeAsync(t.detachClientLocked())
	case StatusWaitingQR:
		exp := t.state.QRExpiresAt
		if exp.IsZero() || now.Before(exp) {
			return
		}
		m.stopPollLocked(t)
		m.disconnectLocked(t, string(CodeQRLoginTimeout))
		m.opts.Metrics.QRExpired.Inc()
	}
}

// Bootstrap восстанавливает сессии всех тенантов, у которых есть файл сессии,
// и открывает Ready. Ошибка одного тенанта не прерывает остальных.
func (m *Manager) Bootstrap(ctx context.Context) error {
	defer m.markReady()

	ids, err := m.opts.Credentials.List()
	if err != nil {
		return errors.Wrap(err, "list sessions")
	}
	m.log.Info("bootstrap started", zap.Int("sessions", len(ids)))

	var g errgroup.Group
	g.SetLimit(m.opts.BootstrapConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			m.resume(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	h := m.Health()
	m.log.Info("bootstrap finished", zap.Int("authorized", h.Authorized), zap.Int("total", len(ids)))
	return nil
}

// resume: тихое переподключение одного тенанта при старте.
func (m *Manager) resume(ctx context.Context, id string) {
	t := m.entry(id)
	t.flow.Lock()
	defer t.flow.Unlock()

	var (
		c          Client
		authorized bool
	)
	op := func() error {
		var err error
		c, err = m.ensureClient(ctx, t)
		if err == nil {
			authorized, err = c.IsAuthorized(ctx)
		}
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ResumeBackoff
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, m.opts.ResumeRetries), ctx))

	switch {
	case err == nil && authorized:
		m.opts.Metrics.BootstrapSessions.WithLabelValues("authorized").Inc()
		m.markAuthorized(t, c, "resume")
		return
	case err == nil:
		err = ErrNotAuthorized
		m.opts.Metrics.BootstrapSessions.WithLabelValues("unauthorized").Inc()
	default:
		m.opts.Metrics.BootstrapSessions.WithLabelValues("failed").Inc()
	}

	m.log.Warn("session resume failed", zap.String("tenant", id), zap.Error(err))
	t.mu.Lock()
	m.transitionLocked(t, StatusDisconnected)
	t.state.LastError = reasonOf(err)
	t.state.CanRestart = true
	old := t.detachClientLocked()
	t.mu.Unlock()
	m.closeAsync(old)
}

func (m *Manager) markReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// Ready закрывается после завершения Bootstrap.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// IsReady сообщает, завершён ли Bootstrap.
func (m *Manager) IsReady() bool {
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}

// Status возвращает снимок состояния тенанта. Попутно закрывает просроченные
// окна QR/2FA; новых сессий не запускает.
func (m *Manager) Status(tenantID string) (State, error) {
	if tenantID == "" {
		return State{}, ErrTenantRequired
	}
	t := m.entry(tenantID)

	t.mu.Lock()
	defer t.mu.Unlock()
	m.expireLocked(t, m.now())
	switch t.state.Status {
	case StatusWaitingQR:
		if t.client == nil || t.poll == nil {
			t.state.CanRestart = true
		}
	case StatusNeeds2FA:
		if t.client == nil {
			t.state.CanRestart = true
		}
	}
	return t.snapshotLocked(), nil
}

// Tenants возвращает снимки всех известных тенантов.
func (m *Manager) Tenants() []State {
	out := make([]State, 0, m.tenants.Count())
	for item := range m.tenants.IterBuffered() {
		item.Val.mu.Lock()
		out = append(out, item.Val.snapshotLocked())
		item.Val.mu.Unlock()
	}
	return out
}

// Health считает тенантов по статусам.
func (m *Manager) Health() Health {
	var h Health
	for item := range m.tenants.IterBuffered() {
		item.Val.mu.Lock()
		switch item.Val.state.Status {
		case StatusAuthorized:
			h.Authorized++
		case StatusWaitingQR:
			h.Waiting++
		case StatusNeeds2FA:
			h.Needs2FA++
		}
		item.Val.mu.Unlock()
	}
	return h
}

// Logout завершает сессию на бэкенде (без гарантии успеха) и выполняет hard reset.
func (m *Manager) Logout(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	t := m.entry(tenantID)
	t.flow.Lock()
	defer t.flow.Unlock()

	t.mu.Lock()
	c := t.client
	authorized := t.state.Status == StatusAuthorized
	t.mu.Unlock()

	if c != nil && authorized {
		lctx, cancel := context.WithTimeout(ctx, logoutTimeout)
		err := c.LogOut(lctx)
		cancel()
		if err != nil {
			m.log.Warn("backend logout failed", zap.String("tenant", tenantID), zap.Error(err))
		}
	}
	return m.hardReset(ctx, t)
}

// HardReset рвёт соединение и удаляет файл сессии тенанта.
func (m *Manager) HardReset(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	t := m.entry(tenantID)
	t.flow.Lock()
	defer t.flow.Unlock()
	return m.hardReset(ctx, t)
}

// hardReset выполняется под t.flow.
func (m *Manager) hardReset(ctx context.Context, t *tenant) error {
	t.mu.Lock()
	done := m.stopPollLocked(t)
	m.retireQRLocked(t)
	t.clearTwoFAFlagsLocked()
	t.state.TwoFABackoffUntil = time.Time{}
	m.transitionLocked(t, StatusDisconnected)
	t.state.LastError = ""
	t.state.CanRestart = true
	t.state.RestartPending = false
	old := t.detachClientLocked()
	t.mu.Unlock()

	waitDone(ctx, done)
	if old != nil {
		if err := old.Close(); err != nil {
			m.log.Debug("client close failed", zap.String("tenant", t.id), zap.Error(err))
		}
	}
	if err := m.opts.Credentials.Remove(t.id); err != nil {
		return errors.Wrap(err, "remove session file")
	}
	m.opts.Metrics.Disconnects.WithLabelValues("hard_reset").Inc()
	m.log.Info("session hard-reset", zap.String("tenant", t.id))
	return nil
}

// Start запускает фоновую уборку кэша QR и просроченных окон.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// sweep: один проход уборщика.
func (m *Manager) sweep() {
	now := m.now()
	for item := range m.qrCache.IterBuffered() {
		if !now.Before(item.Val.ExpiresAt) {
			m.expireQR(item.Key, item.Val.TenantID, now)
		}
	}
	for item := range m.qrGone.IterBuffered() {
		if !now.Before(item.Val) {
			m.qrGone.Remove(item.Key)
		}
	}
	for item := range m.tenants.IterBuffered() {
		item.Val.mu.Lock()
		m.expireLocked(item.Val, now)
		item.Val.mu.Unlock()
	}
}

// Close останавливает опросы, закрывает всех клиентов и ждёт фоновые горутины.
// Файлы сессий не трогаются.
func (m *Manager) Close() {
	m.cancel()
	m.markReady()

	var clients []Client
	for item := range m.tenants.IterBuffered() {
		t := item.Val
		t.mu.Lock()
		m.stopPollLocked(t)
		if c := t.detachClientLocked(); c != nil {
			clients = append(clients, c)
		}
		t.mu.Unlock()
	}
	for _, c := range clients {
		if err := c.Close(); err != nil {
			m.log.Debug("client close failed", zap.Error(err))
		}
	}
	m.wg.Wait()
}

// reasonOf превращает ошибку в короткую подсказку last_error.
func reasonOf(err error) string {
	if code := CodeOf(err); code != "" {
		return string(code)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
