// Package collision decides which upload filenames already exist for a
// user. Lookups are cached, retried with exponential backoff, and degrade
// to a conservative assume-collision fallback when the metadata store is
// unreachable.
package collision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mida-hub/imgstream-sub001/internal/config"
	"github.com/mida-hub/imgstream-sub001/internal/models"
)

var (
	// ErrLookup marks a single failed metadata lookup attempt.
	ErrLookup = errors.New("collision lookup failed")

	// ErrRecovery means the retry budget is exhausted and fallback is
	// disabled; no attempt succeeded.
	ErrRecovery = errors.New("collision recovery failed")
)

// MetadataStore is the existence-check surface of the photo repository.
type MetadataStore interface {
	CheckExistence(ctx context.Context, userID string, filenames []string) (map[string]models.PhotoMetadata, error)
}

// Cache holds serialized resolution results with a TTL. Failures are
// advisory; the resolver falls through to the store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Resolver struct {
	store MetadataStore
	cache Cache
	cfg   config.CollisionConfig
	log   zerolog.Logger
	sleep func(time.Duration)
}

func NewResolver(store MetadataStore, cache Cache, cfg config.CollisionConfig, log zerolog.Logger) *Resolver {
	return &Resolver{
		store: store,
		cache: cache,
		cfg:   cfg,
		log:   log,
		sleep: time.Sleep,
	}
}

// Resolve returns a record per filename that already exists for userID.
// Absent filenames are implicitly new. The second return value reports
// whether the assume-collision fallback produced the records; fallback
// records cover every requested filename and carry no existing snapshot.
func (r *Resolver) Resolve(ctx context.Context, userID string, filenames []string) (map[string]models.CollisionRecord, bool, error) {
	if len(filenames) == 0 {
		return map[string]models.CollisionRecord{}, false, nil
	}

	key := cacheKey(userID, filenames)
	if records, ok := r.cachedResult(ctx, key); ok {
		return records, false, nil
	}

	var lastErr error
	for attempt := 0; attempt < r.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			r.sleep(r.cfg.RetryBackoff << (attempt - 1))
		}

		existing, err := r.store.CheckExistence(ctx, userID, filenames)
		if err != nil {
			lastErr = fmt.Errorf("%w: attempt %d: %v", ErrLookup, attempt+1, err)
			r.log.Warn().Err(err).Int("attempt", attempt+1).Str("user_id", userID).Msg("collision lookup failed")
			continue
		}

		records := make(map[string]models.CollisionRecord, len(existing))
		for name := range existing {
			meta := existing[name]
			records[name] = models.CollisionRecord{
				Filename:     name,
				ExistingID:   meta.ID,
				Existing:     &meta,
				UserDecision: models.DecisionPending,
			}
		}

		r.storeResult(ctx, key, records)
		return records, false, nil
	}

	if !r.cfg.FallbackEnabled {
		return nil, false, fmt.Errorf("%w: %v", ErrRecovery, lastErr)
	}

	// Assume every filename collides so users must confirm explicitly.
	// Never invert this to assume-new; that risks silent overwrites.
	r.log.Warn().Err(lastErr).Str("user_id", userID).Msg("collision lookup degraded to fallback")
	records := make(map[string]models.CollisionRecord, len(filenames))
	for _, name := range filenames {
		records[name] = models.CollisionRecord{
			Filename:     name,
			FallbackMode: true,
			UserDecision: models.DecisionPending,
		}
	}
	return records, true, nil
}

func (r *Resolver) cachedResult(ctx context.Context, key string) (map[string]models.CollisionRecord, bool) {
	if r.cache == nil {
		return nil, false
	}
	data, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.log.Warn().Err(err).Msg("collision cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var records map[string]models.CollisionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		r.log.Warn().Err(err).Msg("collision cache entry invalid")
		return nil, false
	}
	return records, true
}

func (r *Resolver) storeResult(ctx context.Context, key string, records map[string]models.CollisionRecord) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(records)
	if err != nil {
		r.log.Warn().Err(err).Msg("collision cache marshal failed")
		return
	}
	if err := r.cache.Set(ctx, key, data, r.cfg.CacheTTL); err != nil {
		r.log.Warn().Err(err).Msg("collision cache write failed")
	}
}

// cacheKey hashes the sorted filename set so request order is irrelevant.
func cacheKey(userID string, filenames []string) string {
	sorted := make([]string, len(filenames))
	copy(sorted, filenames)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return fmt.Sprintf("collision:%s:%s", userID, hex.EncodeToString(sum[:]))
}
