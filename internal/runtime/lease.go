package runtime

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultLeaseTTL is how long a workspace container stays warm after
// its last lease is released.
const DefaultLeaseTTL = 60 * time.Second

// Disposer tears down the resource behind an expired lease key. It
// runs outside any request; implementations own their own deadline.
type Disposer func(key string)

// Leases is a ref-counted keep-alive table. Every operation touching
// a workspace acquires a lease on it; the disposer fires TTL after
// the refcount returns to zero. Re-acquiring within the TTL cancels
// the pending disposal. Disposals are serialized per key.
type Leases struct {
	ttl     time.Duration
	dispose Disposer
	log     *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	entries  map[string]*lease
	inFlight map[string]bool
}

type lease struct {
	refs  int
	timer *time.Timer
}

// LeasesOption configures the table.
type LeasesOption func(*Leases)

// WithLeaseTTL overrides the warm window.
func WithLeaseTTL(ttl time.Duration) LeasesOption {
	return func(l *Leases) { l.ttl = ttl }
}

// WithLeaseLogger overrides the default logger.
func WithLeaseLogger(log *slog.Logger) LeasesOption {
	return func(l *Leases) { l.log = log }
}

// NewLeases builds a lease table over the given disposer.
func NewLeases(dispose Disposer, opts ...LeasesOption) *Leases {
	l := &Leases{
		ttl:      DefaultLeaseTTL,
		dispose:  dispose,
		log:      slog.Default().With("component", "leases"),
		entries:  make(map[string]*lease),
		inFlight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire takes a reference on key and returns its release. Release
// is idempotent; calling it twice does not double-decrement.
func (l *Leases) Acquire(key string) (release func()) {
	l.mu.Lock()
	e := l.entries[key]
	if e == nil {
		e = &lease{}
		l.entries[key] = e
	}
	e.refs++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	l.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { l.release(key, e) }) }
}

func (l *Leases) release(key string, e *lease) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs > 0 || l.entries[key] != e {
		return
	}
	e.timer = time.AfterFunc(l.ttl, func() { l.expire(key, e) })
}

func (l *Leases) expire(key string, e *lease) {
	l.mu.Lock()
	if l.entries[key] != e || e.refs > 0 {
		// Re-acquired while the timer was in flight.
		l.mu.Unlock()
		return
	}
	delete(l.entries, key)
	for l.inFlight[key] {
		l.cond.Wait()
	}
	l.inFlight[key] = true
	l.mu.Unlock()

	l.log.Debug("lease expired", "key", key)
	l.dispose(key)

	l.mu.Lock()
	delete(l.inFlight, key)
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Refs reports the live reference count for key.
func (l *Leases) Refs(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.entries[key]; e != nil {
		return e.refs
	}
	return 0
}

// Len reports how many keys currently hold entries.
func (l *Leases) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
