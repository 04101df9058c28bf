package tenantlock

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// Local is an in-process keyed mutex. Entries are reference counted and
// dropped once no caller holds or waits on them.
type Local struct {
	mu      sync.Mutex
	entries map[snowflake.ID]*entry
}

type entry struct {
	// sem has capacity one; holding the token means holding the lock.
	sem  chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{entries: make(map[snowflake.ID]*entry)}
}

func (l *Local) Lock(ctx context.Context, tenantID snowflake.ID) (func(), error) {
	if tenantID == 0 {
		return nil, ErrInvalidTenant
	}

	l.mu.Lock()
	e, ok := l.entries[tenantID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[tenantID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(tenantID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(tenantID, e)
		})
	}, nil
}

func (l *Local) release(tenantID snowflake.ID, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, tenantID)
	}
}

// size reports tracked tenants.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
