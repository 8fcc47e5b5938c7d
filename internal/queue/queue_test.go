package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mealreg/internal/actor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestArchiveMessageRoundTrip(t *testing.T) {
	job := ArchiveJob{Year: 2024, Month: 2, Actor: actor.Actor{ID: "a-1", DisplayName: "Admin", Role: actor.RoleAdmin}}
	msg, err := NewArchiveMessage(job)
	require.NoError(t, err)
	assert.Equal(t, TypeArchive, msg.Type)

	got, err := msg.ArchiveJob()
	require.NoError(t, err)
	assert.Equal(t, job.Actor, got.Actor)
	assert.Equal(t, 2, got.Month)

	_, err = Message{Type: "other"}.ArchiveJob()
	assert.Error(t, err)
}

func TestInMemoryDeliversAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewInMemory(4)

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	msg, err := NewArchiveMessage(ArchiveJob{Year: 2024, Month: 1})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, msg))

	select {
	case got := <-msgs:
		assert.Equal(t, TypeArchive, got.Type)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	// a message nobody reads must not pin the consumer goroutine
	require.NoError(t, q.Publish(ctx, msg))
	time.Sleep(10 * time.Millisecond)
	cancel()
	for range msgs {
	}
}

func TestInMemoryPublishHonoursContext(t *testing.T) {
	q := NewInMemory(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, Message{Type: TypeArchive}), context.DeadlineExceeded)
}
