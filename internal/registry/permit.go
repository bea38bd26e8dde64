package registry

import "context"

// permit is a counting semaphore pre-filled with limit tokens.
type permit struct {
	ch chan struct{}
}

func newPermit(limit int) *permit {
	if limit <= 0 {
		limit = 1
	}
	p := &permit{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		p.ch <- struct{}{}
	}
	return p
}

func (p *permit) acquire(ctx context.Context) error {
	select {
	case <-p.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *permit) release() {
	select {
	case p.ch <- struct{}{}:
	default:
	}
}

// available reports free tokens.
func (p *permit) available() int { return len(p.ch) }
