// Package sessionstest содержит управляемые подделки портов пакета sessions
// для тестов домена и HTTP-слоя.
package sessionstest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"tgworker/internal/domain/sessions"
)

// SentMessage: запись об исходящей отправке через Client.
type SentMessage struct {
	To      sessions.Target
	Text    string
	Media   *sessions.Media
	Caption string
}

// Client: подделка протокольного клиента. Поведение задаётся полями до
// использования; результаты ожидания QR подаются через PushQR.
type Client struct {
	mu sync.Mutex

	TenantID   string
	Authorized bool
	Password   string
	QRURL      string
	QRExpires  time.Time

	ConnectErr      error
	AuthCheckErr    error
	ExportErr       error
	SubscribeErr    error
	SendErr         error
	LogOutErr       error
	PasswordInfoErr error
	LegacyErr       error
	// CheckResults выдаются по одному на вызов CheckPassword; когда список
	// исчерпан, пароль сравнивается с Password.
	CheckResults []error

	await  chan error
	events sessions.Events
	calls  map[string]int
	sent   []SentMessage
	closed bool
}

// NewClient создаёт клиента с паролем и буфером для результатов AwaitQR.
func NewClient(tenantID string) *Client {
	return &Client{
		TenantID: tenantID,
		QRURL:    "tg://login?token=" + tenantID,
		await:    make(chan error, 4),
		calls:    map[string]int{},
	}
}

func (c *Client) record(name string) {
	c.mu.Lock()
	c.calls[name]++
	c.mu.Unlock()
}

// Calls возвращает число вызовов метода name.
func (c *Client) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// PushQR подаёт результат очередного AwaitQR; nil означает подтверждённый QR.
func (c *Client) PushQR(err error) { c.await <- err }

// Events возвращает обработчики, зарегистрированные менеджером.
func (c *Client) Events() sessions.Events {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// Sent возвращает копию журнала отправок.
func (c *Client) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

// Closed сообщает, закрыт ли клиент.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Connect(context.Context) error {
	c.record("Connect")
	return c.ConnectErr
}

func (c *Client) IsAuthorized(context.Context) (bool, error) {
	c.record("IsAuthorized")
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Authorized, c.AuthCheckErr
}

func (c *Client) ExportQR(context.Context) (sessions.QRToken, error) {
	c.record("ExportQR")
	if c.ExportErr != nil {
		return sessions.QRToken{}, c.ExportErr
	}
	return sessions.QRToken{URL: c.QRURL, ExpiresAt: c.QRExpires}, nil
}

func (c *Client) AwaitQR(ctx context.Context) error {
	select {
	case err := <-c.await:
		if err == nil {
			c.mu.Lock()
			c.Authorized = true
			c.mu.Unlock()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) PasswordInfo(context.Context) (sessions.PasswordInfo, error) {
	c.record("PasswordInfo")
	if c.PasswordInfoErr != nil {
		return sessions.PasswordInfo{}, c.PasswordInfoErr
	}
	return sessions.PasswordInfo{HasPassword: true, SRPID: 1}, nil
}

func (c *Client) CheckPassword(_ context.Context, _ sessions.PasswordInfo, password string) error {
	c.record("CheckPassword")
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.CheckResults) > 0 {
		err := c.CheckResults[0]
		c.CheckResults = c.CheckResults[1:]
		if err == nil {
			c.Authorized = true
		}
		return err
	}
	return c.checkLocked(password)
}

func (c *Client) CheckPasswordLegacy(_ context.Context, password string) error {
	c.record("CheckPasswordLegacy")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LegacyErr != nil {
		return c.LegacyErr
	}
	return c.checkLocked(password)
}

func (c *Client) checkLocked(password string) error {
	if password != c.Password {
		return sessions.NewError(sessions.CodePasswordInvalid, errors.New("PASSWORD_HASH_INVALID"))
	}
	c.Authorized = true
	return nil
}

func (c *Client) Subscribe(_ context.Context, events sessions.Events) error {
	c.record("Subscribe")
	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	c.mu.Lock()
	c.events = events
	c.mu.Unlock()
	return nil
}

func (c *Client) SendText(_ context.Context, to sessions.Target, text string) error {
	c.record("SendText")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, SentMessage{To: to, Text: text})
	return nil
}

func (c *Client) SendMedia(_ context.Context, to sessions.Target, media sessions.Media, caption string) error {
	c.record("SendMedia")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, SentMessage{To: to, Media: &media, Caption: caption})
	return nil
}

func (c *Client) LogOut(context.Context) error {
	c.record("LogOut")
	return c.LogOutErr
}

func (c *Client) Close() error {
	c.record("Close")
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Factory выдаёт подготовленных клиентов по тенанту или создаёт новых.
type Factory struct {
	mu       sync.Mutex
	prepared map[string][]*Client
	created  []*Client
	// Configure вызывается для каждого нового клиента, созданного по умолчанию.
	Configure func(c *Client)
}

// NewFactory создаёт пустую фабрику.
func NewFactory() *Factory {
	return &Factory{prepared: map[string][]*Client{}}
}

// Prepare ставит клиента в очередь выдачи для тенанта.
func (f *Factory) Prepare(c *Client) {
	f.mu.Lock()
	f.prepared[c.TenantID] = append(f.prepared[c.TenantID], c)
	f.mu.Unlock()
}

func (f *Factory) NewClient(tenantID string) (sessions.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c *Client
	if q := f.prepared[tenantID]; len(q) > 0 {
		c = q[0]
		f.prepared[tenantID] = q[1:]
	} else {
		c = NewClient(tenantID)
		if f.Configure != nil {
			f.Configure(c)
		}
	}
	f.created = append(f.created, c)
	return c, nil
}

// Created возвращает всех выданных клиентов по порядку.
func (f *Factory) Created() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.created)
}

// Last возвращает последнего выданного клиента или nil.
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// Credentials: каталог файлов сессий в памяти.
type Credentials struct {
	mu      sync.Mutex
	ids     map[string]bool
	removed []string
	ListErr error
}

// NewCredentials создаёт каталог с файлами для ids.
func NewCredentials(ids ...string) *Credentials {
	c := &Credentials{ids: map[string]bool{}}
	for _, id := range ids {
		c.ids[id] = true
	}
	return c
}

func (c *Credentials) List() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	out := make([]string, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (c *Credentials) Exists(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids[id]
}

func (c *Credentials) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, id)
	c.removed = append(c.removed, id)
	return nil
}

// Removed возвращает тенантов, чьи файлы удалялись.
func (c *Credentials) Removed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.removed)
}

// Deliverer записывает доставленные сообщения и может возвращать ошибку.
type Deliverer struct {
	mu   sync.Mutex
	msgs []sessions.InboundMessage
	Err  error
}

func (d *Deliverer) Deliver(_ context.Context, msg sessions.InboundMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return d.Err
}

// Messages возвращает копию полученных сообщений.
func (d *Deliverer) Messages() []sessions.InboundMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.msgs)
}

// Fetcher отдаёт вложение с именем из URL.
type Fetcher struct {
	Err error
}

func (f *Fetcher) Fetch(_ context.Context, att sessions.OutboundAttachment) (sessions.Media, error) {
	if f.Err != nil {
		return sessions.Media{}, f.Err
	}
	name := att.Name
	if name == "" {
		name = "file.bin"
	}
	return sessions.Media{Name: name, MIME: att.MIME, Data: []byte(att.URL)}, nil
}
