package egress

import (
	"context"
	"sync"
	"time"

	"github.com/tidewire/bridge/go/deliverylog"
)

// Batching defaults per the hub dialect's coalescing window.
const (
	defaultBatchDelay    = 50 * time.Millisecond
	defaultBatchMessages = 20
)

// BatchConfig parameterizes hub-dialect send coalescing.
type BatchConfig struct {
	// Enabled turns batching on. Off by default.
	Enabled bool
	// MaxDelay bounds how long a payload may wait for its window.
	MaxDelay time.Duration
	// MaxMessages flushes a device's window when it reaches this size.
	MaxMessages int
}

type batchItem struct {
	device string
	body   []byte
	record deliverylog.Record
}

// batcher coalesces per-device payloads into bounded windows. All flushes
// run sequentially on the run goroutine, so per-device order is preserved;
// a payload is flushed when its device's window fills, when MaxDelay
// elapses for the window's oldest payload, or at shutdown.
type batcher struct {
	maxDelay time.Duration
	maxCount int
	flush    func(device string, items []batchItem)

	mu     sync.Mutex
	queues map[string]*batchQueue
	order  []string // devices with pending windows, oldest first
	wake   chan struct{}
}

type batchQueue struct {
	items  []batchItem
	oldest time.Time
}

func newBatcher(cfg BatchConfig, flush func(device string, items []batchItem)) *batcher {
	var maxDelay = cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultBatchDelay
	}
	var maxCount = cfg.MaxMessages
	if maxCount <= 0 {
		maxCount = defaultBatchMessages
	}
	return &batcher{
		maxDelay: maxDelay,
		maxCount: maxCount,
		flush:    flush,
		queues:   make(map[string]*batchQueue),
		wake:     make(chan struct{}, 1),
	}
}

// enqueue appends the item to its device's window, waking the run loop
// when the window opens (to arm its deadline) or fills (to flush it).
func (b *batcher) enqueue(item batchItem) {
	b.mu.Lock()
	var q = b.queues[item.device]
	var opened = q == nil
	if opened {
		q = &batchQueue{oldest: time.Now()}
		b.queues[item.device] = q
		b.order = append(b.order, item.device)
	}
	q.items = append(q.items, item)
	var full = len(q.items) >= b.maxCount
	b.mu.Unlock()

	if opened || full {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

// run flushes windows until ctx is cancelled, then performs a final drain.
func (b *batcher) run(ctx context.Context) {
	for {
		var next, due = b.takeDue(false)
		for _, flush := range due {
			b.flush(flush.device, flush.items)
		}

		var timer *time.Timer
		var timerCh <-chan time.Time
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			timerCh = timer.C
		}

		select {
		case <-timerCh:
		case <-b.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			var _, all = b.takeDue(true)
			for _, flush := range all {
				b.flush(flush.device, flush.items)
			}
			return
		}
	}
}

type dueFlush struct {
	device string
	items  []batchItem
}

// takeDue removes and returns every window which is full or past its
// deadline (or every window, when draining), plus the deadline of the next
// pending window.
func (b *batcher) takeDue(drain bool) (next time.Time, due []dueFlush) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var now = time.Now()
	var remaining []string
	for _, device := range b.order {
		var q = b.queues[device]
		var deadline = q.oldest.Add(b.maxDelay)
		if drain || len(q.items) >= b.maxCount || !deadline.After(now) {
			due = append(due, dueFlush{device: device, items: q.items})
			delete(b.queues, device)
			continue
		}
		remaining = append(remaining, device)
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}
	b.order = remaining
	return next, due
}
