// Package telegram реализует протокольный клиент тенанта поверх gotd/td:
// одно MTProto-соединение на тенанта, QR-логин, вход по облачному паролю,
// доставка входящих через updates.Manager и отправка текста и медиа.
// Ошибки gotd переводятся в таксономию sessions в errors.go.
package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/kr/pretty"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tgworker/internal/adapters/telegram/session"
	"tgworker/internal/domain/sessions"
	"tgworker/internal/infra/concurrency"
	"tgworker/internal/infra/logger"
)

const (
	// closeTimeout ограничивает ожидание остановки цикла клиента в Close.
	closeTimeout = 10 * time.Second
)

// lazyUpdateHandler позволяет подменить обработчик апдейтов после создания
// клиента: до авторизации апдейты идут прямо в диспетчер (нужен только
// updateLoginToken), после Subscribe через кэш пиров и updates.Manager.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// Config: параметры подключения, общие для всех тенантов.
type Config struct {
	APIID       int
	APIHash     string
	Device      telegram.DeviceConfig
	ThrottleRPS int
	// FloodMaxWait: сколько floodwait-middleware ждёт сам. Более длинные
	// паузы возвращаются вызывающему как flood_wait.
	FloodMaxWait time.Duration
	TestDC       bool
	// DedupWindow: окно подавления повторно полученных входящих. 0 выключает.
	DedupWindow time.Duration
}

// Factory создаёт клиентов тенантов и заодно управляет их файлами сессий
// (реализует sessions.ClientFactory и sessions.Credentials).
type Factory struct {
	cfg   Config
	dir   *session.Dir
	db    *bbolt.DB
	state *boltstor.State
	dedup *concurrency.Deduplicator
	log   *zap.Logger
}

var (
	_ sessions.ClientFactory = (*Factory)(nil)
	_ sessions.Credentials   = (*Factory)(nil)
	_ sessions.Client        = (*Client)(nil)
)

// NewFactory собирает фабрику поверх каталога сессий и общей базы состояния.
func NewFactory(cfg Config, dir *session.Dir, db *bbolt.DB) (*Factory, error) {
	if cfg.APIID == 0 || strings.TrimSpace(cfg.APIHash) == "" {
		return nil, errors.New("telegram: api id and hash are required")
	}
	if dir == nil || db == nil {
		return nil, errors.New("telegram: sessions dir and state db are required")
	}
	if cfg.ThrottleRPS <= 0 {
		cfg.ThrottleRPS = 1
	}
	return &Factory{
		cfg:   cfg,
		dir:   dir,
		db:    db,
		state: boltstor.NewStateStorage(db),
		dedup: concurrency.NewDeduplicator(cfg.DedupWindow, nil),
		log:   logger.Named("telegram"),
	}, nil
}

// List возвращает тенантов с файлами сессий.
func (f *Factory) List() ([]string, error) { return f.dir.List() }

// Exists сообщает, есть ли файл сессии тенанта.
func (f *Factory) Exists(tenantID string) bool { return f.dir.Exists(tenantID) }

// Remove удаляет файл сессии и кэш пиров тенанта.
func (f *Factory) Remove(tenantID string) error {
	if err := f.dir.Remove(tenantID); err != nil {
		return err
	}
	return dropPeerBucket(f.db, tenantID)
}

// NewClient создаёт (но не подключает) клиента тенанта.
func (f *Factory) NewClient(tenantID string) (sessions.Client, error) {
	store, err := f.dir.Storage(tenantID)
	if err != nil {
		return nil, sessions.NewError(sessions.CodeTenantRequired, err)
	}

	c := &Client{
		tenant:     tenantID,
		log:        f.log.With(zap.String("tenant", tenantID)),
		dispatcher: tg.NewUpdateDispatcher(),
		lazy:       &lazyUpdateHandler{},
		dedup:      f.dedup,
		waiter:     floodwait.NewWaiter(),
		ready:      make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	if f.cfg.FloodMaxWait > 0 {
		c.waiter = c.waiter.WithMaxWait(f.cfg.FloodMaxWait)
	}
	c.lazy.set(c.dispatcher)
	c.loggedIn = qrlogin.OnLoginToken(c.dispatcher)
	c.dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		return c.onMessage(ctx, e, u.Message)
	})
	c.dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		return c.onMessage(ctx, e, u.Message)
	})

	options := telegram.Options{
		SessionStorage: store,
		UpdateHandler:  c.lazy,
		Middlewares: []telegram.Middleware{
			c.waiter,
			ratelimit.New(rate.Limit(f.cfg.ThrottleRPS), f.cfg.ThrottleRPS*2), //nolint:mnd // burst = 2*rate
		},
		OnDead: func() {
			c.log.Warn("connection dead, gotd will reconnect")
		},
		Device: f.cfg.Device,
		Logger: c.log.Named("mtproto").WithOptions(zap.IncreaseLevel(zap.InfoLevel)),
	}
	if f.cfg.TestDC {
		options.DCList = dcs.Test()
	}

	c.tg = telegram.NewClient(f.cfg.APIID, f.cfg.APIHash, options)
	c.api = c.tg.API()
	c.qr = c.tg.QR()
	c.peers = newPeerBook(f.db, tenantID, c.api)
	c.updates = tgupdates.New(tgupdates.Config{
		Handler:      c.dispatcher,
		Storage:      f.state,
		AccessHasher: c.peers.mgr,
		Logger:       c.log.Named("updates").WithOptions(zap.IncreaseLevel(zap.InfoLevel)),
	})
	return c, nil
}

// Client: MTProto-соединение одного тенанта.
type Client struct {
	tenant     string
	log        *zap.Logger
	tg         *telegram.Client
	api        *tg.Client
	qr         qrlogin.QR
	dispatcher tg.UpdateDispatcher
	lazy       *lazyUpdateHandler
	dedup      *concurrency.Deduplicator
	waiter     *floodwait.Waiter
	updates    *tgupdates.Manager
	peers      *peerBook
	loggedIn   <-chan struct{}

	mu         sync.Mutex
	started    bool
	closed     bool
	cancel     context.CancelFunc
	runCtx     context.Context
	runErr     error
	ready      chan struct{}
	stopped    chan struct{}
	scanned    bool
	subscribed bool
	events     sessions.Events
	selfID     int64
}

// Connect запускает цикл клиента и ждёт установления соединения.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.stoppedError(errors.New("client closed"))
	}
	if !c.started {
		c.started = true
		runCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.run(runCtx)
	}
	ready, stopped := c.ready, c.stopped
	c.mu.Unlock()

	select {
	case <-stopped:
		return c.stoppedError(c.lastRunErr())
	default:
	}
	select {
	case <-ready:
		return nil
	case <-stopped:
		return c.stoppedError(c.lastRunErr())
	case <-ctx.Done():
		return mapError(ctx.Err())
	}
}

func (c *Client) run(ctx context.Context) {
	err := c.waiter.Run(ctx, func(ctx context.Context) error {
		return c.tg.Run(ctx, func(ctx context.Context) error {
			c.mu.Lock()
			c.runCtx = ctx
			c.mu.Unlock()
			close(c.ready)
			c.log.Debug("client connected")
			<-ctx.Done()
			return ctx.Err()
		})
	})

	c.mu.Lock()
	c.runErr = err
	closed := c.closed
	events := c.events
	c.mu.Unlock()
	close(c.stopped)

	if closed || errors.Is(err, context.Canceled) {
		return
	}
	c.log.Warn("client run stopped", zap.Error(err))
	if events.OnFailure == nil {
		return
	}
	mapped := mapError(err)
	if !errors.Is(mapped, sessions.ErrAuthKeyUnregistered) {
		mapped = c.stoppedError(err)
	}
	events.OnFailure(mapped)
}

func (c *Client) lastRunErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// stoppedError строит отказ для клиента, цикл которого уже завершён. Отозванный
// ключ сохраняет свой код, остальное: network_error с ErrClientStopped внутри.
func (c *Client) stoppedError(cause error) error {
	if cause != nil {
		if mapped := mapError(cause); errors.Is(mapped, sessions.ErrAuthKeyUnregistered) {
			return mapped
		}
		return sessions.NewError(sessions.CodeNetwork, errors.Wrap(sessions.ErrClientStopped, cause.Error()))
	}
	return sessions.NewError(sessions.CodeNetwork, sessions.ErrClientStopped)
}

// alive проверяет, что цикл клиента запущен и не завершился.
func (c *Client) alive() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return sessions.NewError(sessions.CodeNetwork, errors.New("client not connected"))
	}
	select {
	case <-c.stopped:
		return c.stoppedError(c.lastRunErr())
	default:
		return nil
	}
}

// IsAuthorized проверяет ключ сессии через auth.Status.
func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	if err := c.alive(); err != nil {
		return false, err
	}
	status, err := c.tg.Auth().Status(ctx)
	if err != nil {
		return false, mapError(err)
	}
	return status.Authorized, nil
}

// ExportQR выпускает новый login token.
func (c *Client) ExportQR(ctx context.Context) (sessions.QRToken, error) {
	if err := c.alive(); err != nil {
		return sessions.QRToken{}, err
	}
	c.mu.Lock()
	c.scanned = false
	c.mu.Unlock()

	token, err := c.qr.Export(ctx)
	if err != nil {
		return sessions.QRToken{}, mapError(err)
	}
	return sessions.QRToken{URL: token.URL(), ExpiresAt: token.Expires()}, nil
}

// AwaitQR ждёт updateLoginToken и импортирует принятый токен. Сигнал о
// сканировании запоминается, поэтому повторный вызов после сетевой ошибки
// сразу повторяет импорт.
func (c *Client) AwaitQR(ctx context.Context) error {
	if err := c.alive(); err != nil {
		return err
	}
	c.mu.Lock()
	scanned := c.scanned
	c.mu.Unlock()

	if !scanned {
		select {
		case <-c.loggedIn:
			c.mu.Lock()
			c.scanned = true
			c.mu.Unlock()
		case <-c.stopped:
			return c.stoppedError(c.lastRunErr())
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, err := c.qr.Import(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// PasswordInfo запрашивает account.getPassword.
func (c *Client) PasswordInfo(ctx context.Context) (sessions.PasswordInfo, error) {
	if err := c.alive(); err != nil {
		return sessions.PasswordInfo{}, err
	}
	p, err := c.api.AccountGetPassword(ctx)
	if err != nil {
		return sessions.PasswordInfo{}, mapError(err)
	}
	return sessions.PasswordInfo{
		HasPassword: p.HasPassword,
		Hint:        p.Hint,
		SRPID:       p.SRPID,
		Opaque:      p,
	}, nil
}

// CheckPassword считает SRP локально и вызывает auth.checkPassword.
func (c *Client) CheckPassword(ctx context.Context, info sessions.PasswordInfo, password string) error {
	if err := c.alive(); err != nil {
		return err
	}
	p, ok := info.Opaque.(*tg.AccountPassword)
	if !ok || p == nil {
		return errors.Wrap(sessions.ErrIncompatible, "password info is missing")
	}
	algo, ok := p.GetCurrentAlgo()
	if !ok {
		return errors.Wrap(sessions.ErrIncompatible, "no current kdf algo")
	}
	hash, err := auth.PasswordHash([]byte(password), p.SRPID, p.SRPB, p.SecureRandom, algo)
	if err != nil {
		return errors.Wrap(sessions.ErrIncompatible, err.Error())
	}
	if _, err := c.api.AuthCheckPassword(ctx, hash); err != nil {
		return mapError(err)
	}
	return nil
}

// CheckPasswordLegacy: вход через auth.Client.Password (getPassword+check одним вызовом).
func (c *Client) CheckPasswordLegacy(ctx context.Context, password string) error {
	if err := c.alive(); err != nil {
		return err
	}
	if _, err := c.tg.Auth().Password(ctx, password); err != nil {
		return mapError(err)
	}
	return nil
}

// Subscribe включает доставку входящих: прогружает кэш пиров, переключает
// обработчик апдейтов на updates.Manager и запускает его цикл.
func (c *Client) Subscribe(ctx context.Context, events sessions.Events) error {
	if err := c.alive(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.subscribed {
		c.events = events
		c.mu.Unlock()
		return nil
	}
	runCtx := c.runCtx
	c.mu.Unlock()
	if runCtx == nil {
		return sessions.NewError(sessions.CodeNetwork, errors.New("client not connected"))
	}

	self, err := c.tg.Self(ctx)
	if err != nil {
		return mapError(err)
	}
	if err := c.peers.load(ctx); err != nil {
		c.log.Warn("load peers from storage failed", zap.Error(err))
	}

	c.mu.Lock()
	if c.subscribed {
		c.events = events
		c.mu.Unlock()
		return nil
	}
	c.subscribed = true
	c.events = events
	c.selfID = self.ID
	c.mu.Unlock()

	c.lazy.set(c.peers.hook(c.updates))
	c.log.Info("subscribed to updates",
		zap.Int64("self_id", self.ID),
		zap.String("username", self.Username),
	)

	go func() {
		err := c.updates.Run(runCtx, c.api, self.ID, tgupdates.AuthOptions{
			OnStart: func(ctx context.Context) {
				c.log.Debug("updates manager started")
			},
		})
		if err == nil || errors.Is(err, context.Canceled) || runCtx.Err() != nil {
			return
		}
		c.log.Warn("updates manager stopped", zap.Error(err))
		if events.OnFailure != nil {
			events.OnFailure(mapError(err))
		}
	}()
	go func() {
		if err := c.peers.warmup(runCtx, c.api); err != nil && runCtx.Err() == nil {
			c.log.Warn("peers warmup failed", zap.Error(err))
		}
	}()
	return nil
}

func (c *Client) onMessage(ctx context.Context, e tg.Entities, m tg.MessageClass) error {
	msg, ok := m.(*tg.Message)
	if !ok {
		return nil
	}
	c.mu.Lock()
	onMessage := c.events.OnMessage
	selfID := c.selfID
	c.mu.Unlock()
	if onMessage == nil {
		return nil
	}
	if logger.IsDebugEnabled() {
		c.log.Debug("raw message", zap.String("dump", pretty.Sprint(msg)))
	}
	in, ok := normalizeMessage(c.tenant, selfID, msg, e)
	if !ok {
		return nil
	}
	if c.dedup.Seen(dedupKey(c.tenant, in.Chat, msg.ID)) {
		c.log.Debug("duplicate inbound message skipped", zap.Int("message_id", msg.ID))
		return nil
	}
	return onMessage(ctx, in)
}

func dedupKey(tenant string, chat sessions.Chat, msgID int) string {
	return tenant + ":" + chat.Type + ":" + strconv.FormatInt(chat.ID, 10) + ":" + strconv.Itoa(msgID)
}

// SendText отправляет текстовое сообщение адресату.
func (c *Client) SendText(ctx context.Context, to sessions.Target, text string) error {
	if err := c.alive(); err != nil {
		return err
	}
	peer, err := c.peers.inputPeer(ctx, to)
	if err != nil {
		return mapError(err)
	}
	if _, err := message.NewSender(c.api).To(peer).Text(ctx, text); err != nil {
		return mapError(err)
	}
	return nil
}

// SendMedia загружает вложение и отправляет его как фото (image/*) или документ.
func (c *Client) SendMedia(ctx context.Context, to sessions.Target, media sessions.Media, caption string) error {
	if err := c.alive(); err != nil {
		return err
	}
	peer, err := c.peers.inputPeer(ctx, to)
	if err != nil {
		return mapError(err)
	}
	file, err := uploader.NewUploader(c.api).FromBytes(ctx, media.Name, media.Data)
	if err != nil {
		return mapError(errors.Wrap(err, "upload"))
	}

	var captions []styling.StyledTextOption
	if caption != "" {
		captions = append(captions, styling.Plain(caption))
	}
	var opt message.MediaOption
	if isPhotoMIME(media.MIME) {
		opt = message.UploadedPhoto(file, captions...)
	} else {
		opt = message.UploadedDocument(file, captions...).Filename(media.Name).MIME(media.MIME)
	}
	if _, err := message.NewSender(c.api).To(peer).Media(ctx, opt); err != nil {
		return mapError(err)
	}
	return nil
}

// isPhotoMIME: форматы, которые Telegram принимает как фото.
func isPhotoMIME(mime string) bool {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg", "image/png", "image/webp":
		return true
	default:
		return false
	}
}

// LogOut вызывает auth.logOut.
func (c *Client) LogOut(ctx context.Context) error {
	if err := c.alive(); err != nil {
		return err
	}
	if _, err := c.api.AuthLogOut(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// Close останавливает цикл клиента и ждёт его завершения.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if !started {
		return nil
	}
	cancel()
	select {
	case <-c.stopped:
		return nil
	case <-time.After(closeTimeout):
		return errors.New("client did not stop in time")
	}
}
