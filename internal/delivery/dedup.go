package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// sweepEvery bounds how often mark walks the whole map to drop
// expired entries.
const sweepEvery = 512

type dedupKey struct {
	userID    uuid.UUID
	pair      string
	timeframe string
	direction string
}

// dedupWindow suppresses repeat sends for the same (user, pair,
// timeframe, direction) tuple inside a sliding window, regardless of
// confidence movement in between.
type dedupWindow struct {
	mu     sync.Mutex
	window time.Duration
	sent   map[dedupKey]time.Time
	marks  int
}

func newDedupWindow(window time.Duration) *dedupWindow {
	return &dedupWindow{
		window: window,
		sent:   make(map[dedupKey]time.Time),
	}
}

// seen reports whether the tuple fired inside the window. Expired
// entries are dropped on the way through.
func (d *dedupWindow) seen(key dedupKey, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.sent[key]
	if !ok {
		return false
	}
	if now.Sub(at) >= d.window {
		delete(d.sent, key)
		return false
	}
	return true
}

// mark records a send. The map is swept periodically so tuples that
// never fire again do not accumulate.
func (d *dedupWindow) mark(key dedupKey, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sent[key] = now
	d.marks++
	if d.marks%sweepEvery != 0 {
		return
	}
	for k, at := range d.sent {
		if now.Sub(at) >= d.window {
			delete(d.sent, k)
		}
	}
}

func (d *dedupWindow) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}
