//go:build integration

package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealreg/internal/actor"
	"mealreg/internal/logger"
	"mealreg/internal/queue"
	"mealreg/internal/registration"
	"mealreg/internal/testutil/containers"
	"mealreg/internal/worker"
)

func TestArchiveJobThroughRedis(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	cfg := memoryConfig()
	cfg.RedisAddr = rc.Client.Options().Addr
	cfg.VersionBackend = "redis"
	cfg.QueueBackend = "redis"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a, err := New(ctx, cfg, logger.Discard(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, map[string]bool{"redis": true}, a.Healthy(ctx))

	admin := actor.Actor{ID: "a-1", DisplayName: "Admin", Role: actor.RoleAdmin}
	actx := actor.With(ctx, admin)
	_, err = a.Registrations.Upsert(actx, []registration.Desired{
		{Key: registration.Key{Date: "2024-02-05", ClassName: "Mầm", MealType: registration.KidsLunch}, Count: 20},
		{Key: registration.Key{Date: "2024-03-05", ClassName: "Mầm", MealType: registration.KidsLunch}, Count: 19},
	})
	require.NoError(t, err)

	versions, err := a.Version.Subscribe(ctx)
	require.NoError(t, err)
	before, err := a.Version.Current(ctx)
	require.NoError(t, err)

	workerCtx, stopWorker := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.New(a.Jobs, a.Registrations, logger.Discard()).Run(workerCtx)
	}()

	msg, err := queue.NewArchiveMessage(queue.ArchiveJob{Year: 2024, Month: 2, Actor: admin, RequestedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, a.Jobs.Publish(ctx, msg))

	select {
	case v := <-versions:
		assert.Greater(t, v, before)
	case <-ctx.Done():
		t.Fatal("no version bump after archive job")
	}

	archived, err := a.Registrations.QueryArchive(actx, registration.QueryOptions{From: "2024-02-01", To: "2024-02-29"})
	require.NoError(t, err)
	assert.Len(t, archived, 1)

	stopWorker()
	<-done
}
