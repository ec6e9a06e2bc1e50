package waitlist

import (
	"context"
	"sync"
)

// memLocker serializes writers per group inside the test process, standing
// in for the advisory-lock locker.
type memLocker struct {
	mu    sync.Mutex
	locks map[GroupKey]*groupLock
}

type groupLock struct {
	mu   sync.Mutex
	refs int
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[GroupKey]*groupLock)}
}

func (l *memLocker) WithGroupLock(ctx context.Context, key GroupKey, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	gl, ok := l.locks[key]
	if !ok {
		gl = &groupLock{}
		l.locks[key] = gl
	}
	gl.refs++
	l.mu.Unlock()

	gl.mu.Lock()
	defer func() {
		gl.mu.Unlock()
		l.mu.Lock()
		gl.refs--
		if gl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}()

	return fn(ctx)
}
