package lock

import (
	"context"
	"sync"
)

// Locker serializes work on a single key (a store/KPI pair, a snapshot day).
// Unlock must be called exactly once after a successful Lock.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// Local is an in-process keyed mutex. Entries are dropped once no goroutine
// holds or waits on them.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() { l.release(key, e) }, nil
	case <-ctx.Done():
		// The goroutine above still gets the mutex eventually; hand it back.
		go func() {
			<-acquired
			l.release(key, e)
		}()
		return nil, ctx.Err()
	}
}

func (l *Local) release(key string, e *entry) {
	e.mu.Unlock()
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}
