package unicam

import (
	"context"
	"sync"
)

// slotPool hands out at most limit frame slots. Slots are created lazily and
// recycled; acquire blocks while all of them are in flight.
type slotPool struct {
	backend Backend
	limit   int
	free    chan FrameSlot

	mu      sync.Mutex
	created int
	inUse   int
	peak    int
	all     []FrameSlot
}

func newSlotPool(b Backend, limit int) *slotPool {
	return &slotPool{
		backend: b,
		limit:   limit,
		free:    make(chan FrameSlot, limit),
	}
}

// acquire returns a free slot, creating one if the pool is below its limit.
func (p *slotPool) acquire(ctx context.Context) (FrameSlot, error) {
	select {
	case s := <-p.free:
		p.markInUse()
		return s, nil
	default:
	}

	p.mu.Lock()
	if p.created < p.limit {
		p.created++
		p.mu.Unlock()
		s, err := p.backend.NewSlot()
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Lock()
		p.all = append(p.all, s)
		p.mu.Unlock()
		p.markInUse()
		return s, nil
	}
	p.mu.Unlock()

	select {
	case s := <-p.free:
		p.markInUse()
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *slotPool) markInUse() {
	p.mu.Lock()
	p.inUse++
	p.peak = max(p.peak, p.inUse)
	p.mu.Unlock()
}

// release returns a slot to the pool.
func (p *slotPool) release(s FrameSlot) {
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()
	p.free <- s
}

// size returns the number of slots created so far and the peak number of
// slots held at once.
func (p *slotPool) size() (created, peak int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created, p.peak
}

// close releases every slot. All slots must have been returned.
func (p *slotPool) close() {
	p.mu.Lock()
	all := p.all
	p.all = nil
	p.created = 0
	p.mu.Unlock()

	for {
		select {
		case <-p.free:
		default:
			for _, s := range all {
				s.Release()
			}
			return
		}
	}
}
