package crawler

import "sync"

// Pool bounds the number of concurrently running listing operations.
// Submissions beyond the limit queue FIFO and start as capacity frees.
// Admitted work is never preempted or cancelled.
type Pool struct {
	mu      sync.Mutex
	pending []func()
	slots   int
}

// NewPool creates a pool admitting up to n concurrent operations.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{slots: n}
}

// Submit schedules fn. It runs immediately when a slot is free, otherwise
// it joins the FIFO backlog. Submit never blocks.
func (p *Pool) Submit(fn func()) {
	p.mu.Lock()
	if p.slots > 0 {
		p.slots--
		p.mu.Unlock()
		go p.run(fn)
		return
	}
	p.pending = append(p.pending, fn)
	p.mu.Unlock()
}

// run executes fn, then drains the backlog before releasing the slot.
func (p *Pool) run(fn func()) {
	for {
		fn()

		p.mu.Lock()
		if len(p.pending) == 0 {
			p.slots++
			p.mu.Unlock()
			return
		}
		fn = p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()
	}
}
