package concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tgworker/internal/infra/clock"
)

func TestDeduplicatorWindow(t *testing.T) {
	c := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	d := NewDeduplicator(time.Minute, c.Now)

	assert.False(t, d.Seen("7:user:1:10"))
	assert.True(t, d.Seen("7:user:1:10"))
	assert.False(t, d.Seen("7:user:1:11"))

	c.Advance(61 * time.Second)
	assert.False(t, d.Seen("7:user:1:10"), "expired key is accepted again")
	// Проход уборки оставил только только что записанный ключ.
	assert.Equal(t, 1, d.Len())
}

func TestDeduplicatorDisabled(t *testing.T) {
	d := NewDeduplicator(0, nil)
	assert.False(t, d.Seen("k"))
	assert.False(t, d.Seen("k"))

	var nilDedup *Deduplicator
	assert.False(t, nilDedup.Seen("k"))
}
