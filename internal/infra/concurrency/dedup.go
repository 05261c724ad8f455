// Package concurrency: вспомогательная инфраструктура конкурентного исполнения.
// Deduplicator: потокобезопасный кэш «недавно видели», который подавляет
// повторную доставку одного и того же входящего сообщения в пределах окна.
// gotd может отдать апдейт повторно после восстановления разрыва (getDifference),
// а вебхук не должен получить его дважды.
package concurrency

import (
	"sync"
	"time"
)

// Deduplicator хранит ключи недавно обработанных событий со сроком годности.
// Просроченные записи вычищаются попутно, не чаще раза в окно.
type Deduplicator struct {
	mu        sync.Mutex
	seen      map[string]time.Time // key -> expireAt
	window    time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// NewDeduplicator создаёт кэш с окном window. now может быть nil (time.Now).
func NewDeduplicator(window time.Duration, now func() time.Time) *Deduplicator {
	if now == nil {
		now = time.Now
	}
	return &Deduplicator{
		seen:   make(map[string]time.Time),
		window: window,
		now:    now,
	}
}

// Seen сообщает, встречался ли key в пределах окна. Новый ключ регистрируется
// и даёт false. Нулевое или отрицательное окно выключает подавление.
func (d *Deduplicator) Seen(key string) bool {
	if d == nil || d.window <= 0 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.Sub(d.lastSweep) >= d.window {
		d.cleanupLocked(now)
		d.lastSweep = now
	}
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true
	}
	d.seen[key] = now.Add(d.window)
	return false
}

// Len возвращает число хранимых ключей.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduplicator) cleanupLocked(now time.Time) {
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
}
