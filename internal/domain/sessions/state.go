package sessions

import (
	"context"
	"sync"
	"time"
)

// Status: состояние сессии тенанта. В каждый момент ровно одно значение;
// переходы выполняет только Manager.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusWaitingQR    Status = "waiting_qr"
	StatusNeeds2FA     Status = "needs_2fa"
	StatusAuthorized   Status = "authorized"
)

// allStatuses: для инициализации гейджей.
var allStatuses = []Status{StatusDisconnected, StatusWaitingQR, StatusNeeds2FA, StatusAuthorized}

// Stats: счётчики моста сообщений по тенанту.
type Stats struct {
	Inbound        int64 `json:"inbound"`
	Delivered      int64 `json:"delivered"`
	DeliveryFailed int64 `json:"delivery_failed"`
	Sent           int64 `json:"sent"`
	SendFailed     int64 `json:"send_failed"`
}

// State: снимок состояния сессии тенанта. QR-поля заполнены только в
// waiting_qr, 2FA-поля только в needs_2fa (кроме TwoFABackoffUntil, который
// переживает перевыпуск QR). LastError/LastSeen/CanRestart/RestartPending:
// подсказки для UI, на переходы не влияют.
type State struct {
	TenantID string
	Status   Status

	QRID        string
	QRPNG       []byte
	QRURL       string
	QRExpiresAt time.Time

	Needs2FA          bool
	AwaitingPassword  bool
	Needs2FAExpiresAt time.Time
	TwoFAPending      bool
	TwoFASince        time.Time
	TwoFABackoffUntil time.Time

	LastError      string
	LastSeen       time.Time
	CanRestart     bool
	RestartPending bool

	Stats Stats
}

// CachedQR: короткоживущая запись кэша PNG по qr_id.
type CachedQR struct {
	TenantID  string
	PNG       []byte
	ExpiresAt time.Time
}

// pollTask: фоновое ожидание подтверждения QR. gen совпадает с tenant.gen
// на момент запуска; результаты задачи с устаревшим gen отбрасываются.
type pollTask struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// tenant: запись реестра. flow сериализует «длинные» сценарии (start, 2FA,
// logout, reset, bootstrap) одного тенанта и может удерживаться во время сетевых
// вызовов. mu защищает поля ниже и никогда не удерживается во время сетевого I/O.
type tenant struct {
	id   string
	flow sync.Mutex

	mu         sync.Mutex
	state      State
	client     Client
	subscribed Client
	poll       *pollTask
	gen        uint64
}

func newTenant(id string) *tenant {
	return &tenant{
		id: id,
		state: State{
			TenantID: id,
			Status:   StatusDisconnected,
		},
	}
}

// snapshotLocked возвращает копию состояния. Вызывающий держит mu.
func (t *tenant) snapshotLocked() State {
	return t.state
}

// clearTwoFAFlagsLocked сбрасывает флаги 2FA, оставляя окно backoff.
func (t *tenant) clearTwoFAFlagsLocked() {
	t.state.Needs2FA = false
	t.state.AwaitingPassword = false
	t.state.Needs2FAExpiresAt = time.Time{}
	t.state.TwoFAPending = false
	t.state.TwoFASince = time.Time{}
}

// detachClientLocked отвязывает клиента от тенанта и возвращает его для закрытия.
func (t *tenant) detachClientLocked() Client {
	c := t.client
	t.client = nil
	t.subscribed = nil
	return c
}
