package lock

import "context"

// Locker provides mutual exclusion with context support.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	TryLock(ctx context.Context) (bool, error)
}

// WithLock runs fn while holding l. The lock is released even if fn
// returns an error; an unlock failure is reported only when fn succeeded.
func WithLock(ctx context.Context, l Locker, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	fnErr := fn()
	if err := l.Unlock(ctx); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}
