package remotestate

import (
	"sync"
)

// Dispatcher delivers changes to a ChangeFunc on its own goroutine. Pushing
// never blocks: while a path has an undelivered change, a newer change for the
// same path replaces it (last write wins). Paths are delivered in the order
// they first became pending.
type Dispatcher struct {
	fn ChangeFunc

	mu      sync.Mutex
	pending map[string]Change
	order   []string
	closed  bool

	signal chan struct{}
	done   chan struct{}
}

// NewDispatcher starts a delivery goroutine for fn.
func NewDispatcher(fn ChangeFunc) *Dispatcher {
	d := &Dispatcher{
		fn:      fn,
		pending: make(map[string]Change),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Push queues ch for delivery.
func (d *Dispatcher) Push(ch Change) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if prev, ok := d.pending[ch.Path]; ok && prev.Revision > ch.Revision && ch.Revision != 0 {
		// an older change must not overwrite a newer pending one
		d.mu.Unlock()
		return
	}
	if _, ok := d.pending[ch.Path]; !ok {
		d.order = append(d.order, ch.Path)
	}
	d.pending[ch.Path] = ch
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Close stops delivery. Pending changes are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.pending = nil
	d.order = nil
	d.mu.Unlock()
	close(d.done)
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.signal:
		}

		for {
			d.mu.Lock()
			if d.closed || len(d.order) == 0 {
				d.mu.Unlock()
				break
			}
			path := d.order[0]
			d.order = d.order[1:]
			ch := d.pending[path]
			delete(d.pending, path)
			d.mu.Unlock()

			d.fn(ch)
		}
	}
}
