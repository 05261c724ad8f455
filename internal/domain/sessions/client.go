package sessions

import (
	"context"
	"time"
)

// QRToken: payload QR-логина, выданный протокольным бэкендом.
type QRToken struct {
	URL       string
	ExpiresAt time.Time // нулевое значение: бэкенд не сообщил срок
}

// PasswordInfo: метаданные облачного пароля (account.getPassword).
// Opaque хранит исходный ответ бэкенда для CheckPassword и не трогается менеджером.
type PasswordInfo struct {
	HasPassword bool
	Hint        string
	SRPID       int64
	Opaque      any
}

// Target: адресат исходящего сообщения: числовой peer или username.
type Target struct {
	PeerID   int64
	Username string
}

// Empty сообщает, что не задан ни один способ адресации.
func (t Target) Empty() bool { return t.PeerID == 0 && t.Username == "" }

// Media: скачанное вложение, готовое к загрузке в Telegram.
type Media struct {
	Name string
	MIME string
	Data []byte
}

// Events: колбэки протокольного клиента. Вызываются из горутин клиента,
// поэтому обработчики не должны блокироваться на закрытии этого же клиента.
type Events struct {
	// OnMessage получает нормализованное входящее сообщение (без tenant).
	OnMessage func(ctx context.Context, msg InboundMessage) error
	// OnFailure сообщает о фатальной ошибке цикла апдейтов (например,
	// отозванный ключ авторизации). Ошибка уже приведена к таксономии.
	OnFailure func(err error)
}

// Client: одно MTProto-соединение тенанта. Все блокирующие методы уважают ctx.
// Ошибки возвращаются уже переведёнными в таксономию (*Error) либо сигналами
// ErrPasswordNeeded/ErrIncompatible.
type Client interface {
	// Connect поднимает соединение (без авторизации). Повторный вызов: no-op.
	Connect(ctx context.Context) error
	// IsAuthorized проверяет, авторизован ли ключ сессии.
	IsAuthorized(ctx context.Context) (bool, error)
	// ExportQR выпускает новый QR-токен.
	ExportQR(ctx context.Context) (QRToken, error)
	// AwaitQR ждёт подтверждения QR на другом устройстве. nil значит вход выполнен,
	// ErrPasswordNeeded требует 2FA, ошибка ctx означает истёкший срок ожидания.
	AwaitQR(ctx context.Context) error
	// PasswordInfo запрашивает параметры SRP.
	PasswordInfo(ctx context.Context) (PasswordInfo, error)
	// CheckPassword выполняет вход по паролю с заранее полученными параметрами.
	CheckPassword(ctx context.Context, info PasswordInfo, password string) error
	// CheckPasswordLegacy: вход по паролю одним вызовом библиотеки.
	CheckPasswordLegacy(ctx context.Context, password string) error
	// Subscribe регистрирует обработчики входящих событий и запускает их доставку.
	Subscribe(ctx context.Context, events Events) error
	// SendText отправляет текстовое сообщение.
	SendText(ctx context.Context, to Target, text string) error
	// SendMedia отправляет вложение с необязательной подписью.
	SendMedia(ctx context.Context, to Target, media Media, caption string) error
	// LogOut завершает сессию на стороне бэкенда.
	LogOut(ctx context.Context) error
	// Close рвёт соединение и освобождает ресурсы. Идемпотентен.
	Close() error
}

// ClientFactory создаёт протокольный клиент тенанта поверх его файла сессии.
type ClientFactory interface {
	NewClient(tenantID string) (Client, error)
}

// Credentials: каталог файлов сессий на диске.
type Credentials interface {
	// List возвращает тенантов, у которых есть файл сессии.
	List() ([]string, error)
	// Exists сообщает, есть ли файл сессии тенанта.
	Exists(tenantID string) bool
	// Remove удаляет файл сессии тенанта (только hard reset).
	Remove(tenantID string) error
}

// MediaFetcher скачивает вложения исходящих сообщений.
type MediaFetcher interface {
	Fetch(ctx context.Context, att OutboundAttachment) (Media, error)
}

// Deliverer доставляет нормализованные входящие сообщения во внешний вебхук.
type Deliverer interface {
	Deliver(ctx context.Context, msg InboundMessage) error
}
