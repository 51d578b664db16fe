package extractor

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many extraction sessions exist at once, independently
// of how many logical scrape tasks are in flight. Browser sessions in
// particular hold a whole chrome process each.
type Pool struct {
	sem     *semaphore.Weighted
	factory func() (Session, error)

	mu   sync.Mutex
	idle []Session
}

func NewPool(limit int, factory func() (Session, error)) *Pool {
	if limit <= 0 {
		limit = 1
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(limit)),
		factory: factory,
	}
}

// Acquire blocks until a session slot is free, then returns a session and
// the function that returns it to the pool. The release function must be
// called exactly once.
func (p *Pool) Acquire(ctx context.Context) (Session, func(), error) {
	err := p.sem.Acquire(ctx, 1)
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	var session Session
	if n := len(p.idle); n > 0 {
		session = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if session == nil {
		session, err = p.factory()
		if err != nil {
			p.sem.Release(1)
			return nil, nil, err
		}
	}

	release := func() {
		p.mu.Lock()
		p.idle = append(p.idle, session)
		p.mu.Unlock()
		p.sem.Release(1)
	}
	return session, release, nil
}

// Close tears down every idle session. In-flight sessions are closed by
// their release once the pool is drained by the caller.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.idle {
		_ = s.Close(ctx)
	}
	p.idle = nil
	return nil
}
