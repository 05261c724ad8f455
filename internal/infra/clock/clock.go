// Package clock: единая точка получения текущего времени.
// Доменный код принимает func() time.Time, чтобы тесты могли подставить Manual.
package clock

import (
	"sync"
	"time"
)

// Now возвращает текущее время в UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// Manual: часы, которые двигаются только вручную.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual создаёт часы, выставленные на start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now возвращает текущее значение часов.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance сдвигает часы вперёд на d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
