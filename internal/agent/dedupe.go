package agent

import (
	"container/list"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
)

// Dedupe remembers recently seen command ids so a redelivered command
// is not executed twice. Entries expire after ttl; the oldest entry is
// evicted once maxSize is reached.
type Dedupe struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

type dedupeEntry struct {
	key  string
	seen time.Time
}

func NewDedupe(ttl time.Duration, maxSize int, clk clock.Clock) *Dedupe {
	if clk == nil {
		clk = clock.Real()
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Dedupe{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
	}
}

// CheckAndMark reports whether key was seen within ttl and marks it
// seen otherwise.
func (d *Dedupe) CheckAndMark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	d.expireLocked(now)

	if _, ok := d.seen[key]; ok {
		return true
	}

	if len(d.seen) >= d.maxSize {
		front := d.order.Front()
		d.order.Remove(front)
		delete(d.seen, front.Value.(*dedupeEntry).key)
	}
	d.seen[key] = d.order.PushBack(&dedupeEntry{key: key, seen: now})
	return false
}

// expireLocked drops entries from the front while they are older than ttl.
func (d *Dedupe) expireLocked(now time.Time) {
	for e := d.order.Front(); e != nil; e = d.order.Front() {
		entry := e.Value.(*dedupeEntry)
		if now.Sub(entry.seen) < d.ttl {
			return
		}
		d.order.Remove(e)
		delete(d.seen, entry.key)
	}
}

func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
