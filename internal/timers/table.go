// Package timers keeps the in-memory one-shot timers that delete messages at
// their expiry. The table is only an accelerator: losing it (for example on
// restart) delays deletions until the next reconciliation sweep but never
// loses them, because the database remains the source of truth.
package timers

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"ephemeral-bot/internal/crash"
)

// FireFunc is invoked once when a message's timer elapses.
type FireFunc func(messageID string)

type entry struct {
	timer *time.Timer
	gen   uint64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// Table is a sharded registry of pending timers keyed by message identity.
// Registration and cancellation only take the lock of one shard and never do I/O.
type Table struct {
	shards []*shard
	fire   FireFunc
	now    func() time.Time

	gen   atomic.Uint64
	count atomic.Int64
}

// Option configures a Table.
type Option func(*Table)

// WithClock overrides the clock used to turn an expiry into a delay.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		t.now = now
	}
}

// New creates a table with the given number of shards.
func New(shards int, fire FireFunc, opts ...Option) *Table {
	if shards <= 0 {
		shards = 32
	}
	t := &Table{
		shards: make([]*shard, shards),
		fire:   fire,
		now:    time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]entry)}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) shardFor(messageID string) *shard {
	return t.shards[xxhash.Sum64String(messageID)%uint64(len(t.shards))]
}

// Schedule arms a one-shot timer for messageID at expiry, replacing any timer
// already registered for it. An expiry that is already due fires immediately
// on a separate goroutine without being registered.
func (t *Table) Schedule(messageID string, expiry time.Time) {
	delay := expiry.Sub(t.now())
	if delay <= 0 {
		t.Cancel(messageID)
		crash.SafeGoroutine("timer-"+messageID, func() {
			t.fire(messageID)
		})
		return
	}

	gen := t.gen.Add(1)
	s := t.shardFor(messageID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[messageID]; ok {
		old.timer.Stop()
	} else {
		t.count.Add(1)
	}
	s.entries[messageID] = entry{
		gen: gen,
		timer: time.AfterFunc(delay, func() {
			t.expire(messageID, gen)
		}),
	}
}

// expire removes the entry and runs the callback, unless the entry was
// cancelled or replaced after this timer was armed.
func (t *Table) expire(messageID string, gen uint64) {
	s := t.shardFor(messageID)

	s.mu.Lock()
	e, ok := s.entries[messageID]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.entries, messageID)
	t.count.Add(-1)
	s.mu.Unlock()

	defer crash.RecoverWithStack("timer-" + messageID)
	t.fire(messageID)
}

// Cancel stops the timer of messageID. It reports false when none was registered.
func (t *Table) Cancel(messageID string) bool {
	s := t.shardFor(messageID)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[messageID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, messageID)
	t.count.Add(-1)
	return true
}

// Has reports whether a timer is registered for messageID.
func (t *Table) Has(messageID string) bool {
	s := t.shardFor(messageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[messageID]
	return ok
}

// Count returns the number of outstanding timers.
func (t *Table) Count() int {
	return int(t.count.Load())
}

// Reset stops and forgets every timer. It returns how many were dropped.
func (t *Table) Reset() int {
	dropped := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			e.timer.Stop()
			delete(s.entries, id)
			dropped++
		}
		s.mu.Unlock()
	}
	t.count.Add(-int64(dropped))
	return dropped
}
