package infra

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Admission pool errors.
var (
	ErrQueueFull    = errors.New("admission queue is full")
	ErrQueueExpired = errors.New("admission request expired in queue")
	ErrDraining     = errors.New("admission pool is draining")
)

// AdmissionConfig configures the admission pool.
type AdmissionConfig struct {
	// MaxConcurrent caps the number of outstanding permits. Bounds: 1-1000.
	MaxConcurrent int

	// QueueMax caps the number of queued waiters. Bounds: 1-1000.
	QueueMax int

	// QueueTimeout is how long a waiter may sit in the queue before expiring.
	QueueTimeout time.Duration
}

// DefaultAdmissionConfig returns the default admission pool configuration.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		MaxConcurrent: 100,
		QueueMax:      200,
		QueueTimeout:  30 * time.Second,
	}
}

// waiter is a queued acquire. Each waiter is signalled exactly once,
// either with a permit grant or with an expiry/drain error.
type waiter struct {
	grant chan error // buffered, one-shot
	timer *time.Timer
	done  bool
}

// AdmissionPool bounds concurrent upstream calls and queues overflow in
// strict FIFO order. Waiters are released by one-shot notifications; there
// is no periodic wakeup anywhere in the pool.
type AdmissionPool struct {
	config AdmissionConfig

	mu       sync.Mutex
	active   int
	queue    []*waiter
	draining bool
	idle     chan struct{} // closed when draining and active reaches zero
}

// NewAdmissionPool creates a new admission pool. Out-of-range config values
// are clamped to the documented bounds.
func NewAdmissionPool(config AdmissionConfig) *AdmissionPool {
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	if config.MaxConcurrent > 1000 {
		config.MaxConcurrent = 1000
	}
	if config.QueueMax < 1 {
		config.QueueMax = 1
	}
	if config.QueueMax > 1000 {
		config.QueueMax = 1000
	}
	if config.QueueTimeout <= 0 {
		config.QueueTimeout = 30 * time.Second
	}

	return &AdmissionPool{
		config: config,
		idle:   make(chan struct{}),
	}
}

// Acquire obtains a permit, queueing if all slots are taken. It returns a
// release function that must be called exactly once when the work is done.
// Failure modes: ErrDraining if the pool is shutting down, ErrQueueFull if
// the overflow queue is at capacity, ErrQueueExpired if QueueTimeout elapses
// before a slot frees, or the context error if ctx is cancelled first.
func (p *AdmissionPool) Acquire(ctx context.Context) (release func(), err error) {
	p.mu.Lock()

	if p.draining {
		p.mu.Unlock()
		return nil, ErrDraining
	}

	if p.active < p.config.MaxConcurrent {
		p.active++
		p.mu.Unlock()
		return p.releaseFunc(), nil
	}

	if len(p.queue) >= p.config.QueueMax {
		p.mu.Unlock()
		return nil, ErrQueueFull
	}

	w := &waiter{grant: make(chan error, 1)}
	// Expiry timer is paired with waiter removal so an expired entry never
	// lingers in the queue or receives a late grant.
	w.timer = time.AfterFunc(p.config.QueueTimeout, func() {
		p.expire(w)
	})
	p.queue = append(p.queue, w)
	p.mu.Unlock()

	select {
	case err := <-w.grant:
		if err != nil {
			return nil, err
		}
		return p.releaseFunc(), nil
	case <-ctx.Done():
		p.abandon(w)
		return nil, ctx.Err()
	}
}

// releaseFunc returns the one-shot release closure for a granted permit.
func (p *AdmissionPool) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(p.release)
	}
}

// release frees a slot and hands it to the oldest live waiter, if any.
func (p *AdmissionPool) release() {
	p.mu.Lock()

	// FIFO: scan from the front, skipping entries already expired or abandoned.
	for len(p.queue) > 0 {
		w := p.queue[0]
		p.queue = p.queue[1:]
		if w.done {
			continue
		}
		w.done = true
		w.timer.Stop()
		p.mu.Unlock()
		w.grant <- nil
		return
	}

	p.active--
	if p.draining && p.active == 0 {
		close(p.idle)
	}
	p.mu.Unlock()
}

// expire removes a waiter whose queue timeout elapsed.
func (p *AdmissionPool) expire(w *waiter) {
	p.mu.Lock()
	if w.done {
		p.mu.Unlock()
		return
	}
	w.done = true
	p.removeLocked(w)
	p.mu.Unlock()
	w.grant <- ErrQueueExpired
}

// abandon removes a waiter whose context was cancelled. If a grant raced the
// cancellation, the permit is returned to the pool.
func (p *AdmissionPool) abandon(w *waiter) {
	p.mu.Lock()
	if w.done {
		p.mu.Unlock()
		// A grant raced the cancellation; consume it and return the slot.
		if err := <-w.grant; err == nil {
			p.release()
		}
		return
	}
	w.done = true
	w.timer.Stop()
	p.removeLocked(w)
	p.mu.Unlock()
}

// removeLocked removes w from the queue. Must be called with the lock held.
func (p *AdmissionPool) removeLocked(w *waiter) {
	for i, q := range p.queue {
		if q == w {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

// Drain marks the pool as draining, rejects all queued waiters, and waits
// event-driven until every outstanding permit is released or ctx expires.
func (p *AdmissionPool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.draining {
		p.draining = true
		// Waiter state only changes under the lock; expiry timers race this
		// loop and must see done before their own check.
		var rejected []*waiter
		for _, w := range p.queue {
			if w.done {
				continue
			}
			w.done = true
			w.timer.Stop()
			rejected = append(rejected, w)
		}
		p.queue = nil
		if p.active == 0 {
			close(p.idle)
		}
		p.mu.Unlock()
		for _, w := range rejected {
			w.grant <- ErrDraining
		}
	} else {
		p.mu.Unlock()
	}

	select {
	case <-p.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool state.
type AdmissionStats struct {
	Active   int
	Queued   int
	Draining bool
}

// Stats returns current pool statistics.
func (p *AdmissionPool) Stats() AdmissionStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	queued := 0
	for _, w := range p.queue {
		if !w.done {
			queued++
		}
	}
	return AdmissionStats{Active: p.active, Queued: queued, Draining: p.draining}
}
