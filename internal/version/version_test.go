package version

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryBumpIsMonotonic(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	v0, err := c.Current(ctx)
	require.NoError(t, err)
	assert.Zero(t, v0)

	v1, _ := c.Bump(ctx)
	v2, _ := c.Bump(ctx)
	assert.Equal(t, int64(1), v1)
	assert.Equal(t, int64(2), v2)

	cur, _ := c.Current(ctx)
	assert.Equal(t, int64(2), cur)
}

func TestMemorySubscribeSeesNewest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewMemory()

	ch, err := c.Subscribe(ctx)
	require.NoError(t, err)

	_, _ = c.Bump(ctx)
	select {
	case v := <-ch:
		assert.Equal(t, int64(1), v)
	case <-time.After(time.Second):
		t.Fatal("no version delivered")
	}

	// several bumps without reading: the subscriber must end up on the latest
	for i := 0; i < 5; i++ {
		_, _ = c.Bump(ctx)
	}
	var last int64
	deadline := time.After(time.Second)
	for last < 6 {
		select {
		case last = <-ch:
		case <-deadline:
			t.Fatalf("stuck at version %d", last)
		}
	}
	assert.Equal(t, int64(6), last)

	cancel()
	for range ch {
	}
}
