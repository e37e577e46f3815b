// Package jobs schedules the orphan-blob cleanup that compensates the
// pipeline's non-atomic upload semantics: a failed metadata write can
// leave already-uploaded blobs behind.
package jobs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mida-hub/imgstream-sub001/internal/config"
)

type Scheduler struct {
	cron  *cron.Cron
	queue *redis.Client
	cfg   config.CleanupConfig
	strm  string
	log   zerolog.Logger
}

func NewScheduler(queue *redis.Client, cfg config.CleanupConfig, stream string, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithSeconds())
	return &Scheduler{
		cron:  c,
		queue: queue,
		cfg:   cfg,
		strm:  stream,
		log:   log,
	}
}

func (s *Scheduler) Start() error {
	if s.queue == nil {
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.enqueueCleanup); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts scheduling; running jobs get up to 5s to drain.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("cleanup job drain timed out")
	}
}

func (s *Scheduler) enqueueCleanup() {
	_, err := s.queue.XAdd(context.Background(), &redis.XAddArgs{
		Stream: s.strm,
		Values: map[string]any{"type": "cleanup"},
	}).Result()
	if err != nil {
		s.log.Error().Err(err).Msg("enqueue cleanup failed")
	}
}
