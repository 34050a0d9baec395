package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/alive/v2"
)

func TestAliveContext(t *testing.T) {
	t.Parallel()
	a := alive.NewAlive()
	ctx, cancel := AliveContext(context.Background(), a)
	defer cancel()
	a.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled after alive stop")
	}
}

func TestSignal(t *testing.T) {
	t.Parallel()
	ch := make(chan struct{}, 1)
	Signal(ch)
	Signal(ch) // must not block
	assert.Equal(t, 1, len(ch))
}
