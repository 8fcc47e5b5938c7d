// Package worker runs queued background jobs.
package worker

import (
	"context"
	"errors"
	"log/slog"

	"mealreg/internal/actor"
	"mealreg/internal/queue"
	"mealreg/internal/registration"
	"mealreg/internal/sentinel"
)

// Archiver is the part of the registration service the worker needs.
type Archiver interface {
	Archive(ctx context.Context, year, month int) (registration.ArchiveResult, error)
}

// Worker consumes archive jobs and runs them as the actor who queued them.
type Worker struct {
	jobs     queue.Queue
	archiver Archiver
	log      *slog.Logger
}

// New creates a worker.
func New(jobs queue.Queue, archiver Archiver, log *slog.Logger) *Worker {
	return &Worker{jobs: jobs, archiver: archiver, log: log}
}

// Run processes messages until ctx ends or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.jobs.Consume(ctx)
	if err != nil {
		return err
	}
	w.log.InfoContext(ctx, "worker started, waiting for jobs")
	for msg := range messages {
		w.handle(ctx, msg)
	}
	w.log.InfoContext(ctx, "worker stopped")
	return nil
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	if msg.Type != queue.TypeArchive {
		w.log.WarnContext(ctx, "skipping unknown job", "type", msg.Type)
		return
	}
	job, err := msg.ArchiveJob()
	if err != nil {
		w.log.ErrorContext(ctx, "malformed archive job", "error", err)
		return
	}
	log := w.log.With("year", job.Year, "month", job.Month, "actor_id", job.Actor.ID)
	if !job.Actor.Role.Valid() || job.Actor.ID == "" {
		log.ErrorContext(ctx, "archive job has no usable actor")
		return
	}

	res, err := w.archiver.Archive(actor.With(ctx, job.Actor), job.Year, job.Month)
	switch {
	case errors.Is(err, sentinel.ErrValidation):
		log.ErrorContext(ctx, "archive job rejected", "error", err)
	case err != nil:
		log.ErrorContext(ctx, "archive job failed", "error", err)
	default:
		log.InfoContext(ctx, "archive job done", "count", res.Count)
	}
}
