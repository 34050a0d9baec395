package helpers

// Random synchronisation util stash

import (
	"context"
	"sync"

	"github.com/temoto/alive/v2"
)

// AliveContext returns ctx cancelled when a is stopped.
func AliveContext(parent context.Context, a *alive.Alive) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-a.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func WithLock(l sync.Locker, f func()) {
	l.Lock()
	defer l.Unlock()
	f()
}

// Signal sends token to buffered (cap>=1) ch without blocking.
func Signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
