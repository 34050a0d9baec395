package hub

import (
	"sync"

	"github.com/temoto/solarvalve/helpers"
	"github.com/temoto/solarvalve/tele"
)

// TelemetryCache is single slot "last known" reading.
// Zero Reading (null temperatures) until first update.
type TelemetryCache struct {
	mu      sync.RWMutex
	current tele.Reading
	ok      bool
	subs    map[chan tele.Reading]struct{}
}

func NewTelemetryCache() *TelemetryCache {
	return &TelemetryCache{subs: make(map[chan tele.Reading]struct{})}
}

// Update overwrites unconditionally, returns previous value.
func (c *TelemetryCache) Update(r tele.Reading) (prev tele.Reading, hadPrev bool) {
	c.mu.Lock()
	prev, hadPrev = c.current, c.ok
	c.current, c.ok = r, true
	for ch := range c.subs {
		select {
		case ch <- r:
		default: // slow subscriber misses update
		}
	}
	c.mu.Unlock()
	return prev, hadPrev
}

func (c *TelemetryCache) Current() tele.Reading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Last is Current plus whether any reading was received.
func (c *TelemetryCache) Last() (tele.Reading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.ok
}

// Subscribe receives every update. Call cancel to release.
func (c *TelemetryCache) Subscribe(buffer int) (<-chan tele.Reading, func()) {
	ch := make(chan tele.Reading, buffer)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			helpers.WithLock(&c.mu, func() { delete(c.subs, ch) })
		})
	}
	return ch, cancel
}
