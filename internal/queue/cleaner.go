package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// BlobLister walks every stored blob path.
type BlobLister interface {
	ListPaths(ctx context.Context, fn func(blobPath string) error) error
	Remove(ctx context.Context, blobPath string) error
}

// ReferenceChecker answers whether a blob path is still referenced by
// photo metadata.
type ReferenceChecker interface {
	PathReferenced(ctx context.Context, path string) (bool, error)
}

// Cleaner deletes blobs no metadata row points at. Such orphans appear
// when an upload fails between the blob writes and the metadata upsert;
// the pipeline deliberately does not roll back.
type Cleaner struct {
	blobs  BlobLister
	photos ReferenceChecker
	logger zerolog.Logger
}

func NewCleaner(blobs BlobLister, photos ReferenceChecker, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		blobs:  blobs,
		photos: photos,
		logger: logger,
	}
}

func (c *Cleaner) Handle(ctx context.Context, msg redis.XMessage) error {
	taskType, _ := msg.Values["type"].(string)
	if taskType != "cleanup" {
		c.logger.Warn().Str("type", taskType).Msg("unknown task type")
		return nil
	}
	return c.sweep(ctx)
}

func (c *Cleaner) sweep(ctx context.Context) error {
	var scanned, removed int
	err := c.blobs.ListPaths(ctx, func(blobPath string) error {
		scanned++
		referenced, err := c.photos.PathReferenced(ctx, blobPath)
		if err != nil {
			return fmt.Errorf("check %s: %w", blobPath, err)
		}
		if referenced {
			return nil
		}
		if err := c.blobs.Remove(ctx, blobPath); err != nil {
			c.logger.Error().Err(err).Str("path", blobPath).Msg("remove orphan failed")
			return nil
		}
		removed++
		c.logger.Info().Str("path", blobPath).Msg("orphan blob removed")
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Info().Int("scanned", scanned).Int("removed", removed).Msg("cleanup sweep complete")
	return nil
}
