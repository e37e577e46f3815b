package collision

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mida-hub/imgstream-sub001/internal/config"
	"github.com/mida-hub/imgstream-sub001/internal/models"
)

type fakeStore struct {
	calls    int
	existing map[string]models.PhotoMetadata
	failures int // fail this many leading calls
}

func (s *fakeStore) CheckExistence(ctx context.Context, userID string, filenames []string) (map[string]models.PhotoMetadata, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("connection refused")
	}
	result := make(map[string]models.PhotoMetadata)
	for _, name := range filenames {
		if meta, ok := s.existing[name]; ok {
			result[name] = meta
		}
	}
	return result, nil
}

type memCache struct {
	entries map[string][]byte
	getErr  error
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]byte{}}
}

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	data, ok := c.entries[key]
	return data, ok, nil
}

func (c *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.entries[key] = value
	return nil
}

func testCollisionConfig() config.CollisionConfig {
	return config.CollisionConfig{
		CacheTTL:        time.Minute,
		RetryMax:        3,
		RetryBackoff:    time.Millisecond,
		FallbackEnabled: true,
	}
}

func newTestResolver(store MetadataStore, cache Cache, cfg config.CollisionConfig) *Resolver {
	r := NewResolver(store, cache, cfg, zerolog.Nop())
	r.sleep = func(time.Duration) {}
	return r
}

func existingPhoto(id, filename string) models.PhotoMetadata {
	return models.PhotoMetadata{
		ID:        id,
		UserID:    "u1",
		Filename:  filename,
		CreatedAt: time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestResolveReturnsOnlyExistingFilenames(t *testing.T) {
	store := &fakeStore{existing: map[string]models.PhotoMetadata{
		"a.jpg": existingPhoto("p1", "a.jpg"),
	}}
	r := newTestResolver(store, newMemCache(), testCollisionConfig())

	records, usedFallback, err := r.Resolve(context.Background(), "u1", []string{"a.jpg", "b.jpg"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if usedFallback {
		t.Error("usedFallback = true on healthy lookup")
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec, ok := records["a.jpg"]
	if !ok {
		t.Fatal("missing record for a.jpg")
	}
	if rec.ExistingID != "p1" || rec.FallbackMode || rec.UserDecision != models.DecisionPending {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Existing == nil || rec.Existing.ID != "p1" {
		t.Error("existing snapshot missing")
	}
}

func TestResolveCacheShortCircuits(t *testing.T) {
	store := &fakeStore{existing: map[string]models.PhotoMetadata{
		"a.jpg": existingPhoto("p1", "a.jpg"),
	}}
	r := newTestResolver(store, newMemCache(), testCollisionConfig())

	first, _, err := r.Resolve(context.Background(), "u1", []string{"a.jpg", "b.jpg"})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, _, err := r.Resolve(context.Background(), "u1", []string{"a.jpg", "b.jpg"})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	if store.calls != 1 {
		t.Errorf("store calls = %d, want 1 (second resolve should hit cache)", store.calls)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("cached result differs: %+v vs %+v", first, second)
	}
}

func TestResolveCacheKeyIgnoresOrder(t *testing.T) {
	store := &fakeStore{}
	r := newTestResolver(store, newMemCache(), testCollisionConfig())

	if _, _, err := r.Resolve(context.Background(), "u1", []string{"a.jpg", "b.jpg"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, _, err := r.Resolve(context.Background(), "u1", []string{"b.jpg", "a.jpg"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if store.calls != 1 {
		t.Errorf("store calls = %d, want 1 for reordered filename set", store.calls)
	}
}

func TestResolveRetriesTransientFailures(t *testing.T) {
	store := &fakeStore{failures: 2}
	r := newTestResolver(store, newMemCache(), testCollisionConfig())

	_, usedFallback, err := r.Resolve(context.Background(), "u1", []string{"a.jpg"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if usedFallback {
		t.Error("usedFallback = true although the final attempt succeeded")
	}
	if store.calls != 3 {
		t.Errorf("store calls = %d, want 3", store.calls)
	}
}

func TestResolveFallbackAssumesCollision(t *testing.T) {
	store := &fakeStore{failures: 100}
	r := newTestResolver(store, newMemCache(), testCollisionConfig())

	filenames := []string{"a.jpg", "b.jpg", "c.jpg"}
	records, usedFallback, err := r.Resolve(context.Background(), "u1", filenames)
	if err != nil {
		t.Fatalf("no error may escape when fallback is enabled, got %v", err)
	}
	if !usedFallback {
		t.Error("usedFallback = false")
	}
	if len(records) != len(filenames) {
		t.Fatalf("records = %d, want one per filename", len(records))
	}
	for _, name := range filenames {
		rec, ok := records[name]
		if !ok {
			t.Fatalf("missing fallback record for %s", name)
		}
		if !rec.FallbackMode {
			t.Errorf("%s: FallbackMode = false", name)
		}
		if rec.ExistingID != "" || rec.Existing != nil {
			t.Errorf("%s: fallback record must not claim a known snapshot", name)
		}
		if rec.UserDecision != models.DecisionPending {
			t.Errorf("%s: decision = %s, want pending", name, rec.UserDecision)
		}
	}
}

func TestResolveRecoveryErrorWhenFallbackDisabled(t *testing.T) {
	store := &fakeStore{failures: 100}
	cfg := testCollisionConfig()
	cfg.FallbackEnabled = false
	r := newTestResolver(store, newMemCache(), cfg)

	_, _, err := r.Resolve(context.Background(), "u1", []string{"a.jpg"})
	if !errors.Is(err, ErrRecovery) {
		t.Fatalf("error = %v, want ErrRecovery", err)
	}
	if store.calls != cfg.RetryMax {
		t.Errorf("store calls = %d, want %d", store.calls, cfg.RetryMax)
	}
}

func TestResolveCacheFailureIsAdvisory(t *testing.T) {
	store := &fakeStore{}
	cache := newMemCache()
	cache.getErr = errors.New("redis down")
	r := newTestResolver(store, cache, testCollisionConfig())

	if _, _, err := r.Resolve(context.Background(), "u1", []string{"a.jpg"}); err != nil {
		t.Fatalf("cache failure must not fail resolution: %v", err)
	}
	if store.calls != 1 {
		t.Errorf("store calls = %d, want 1", store.calls)
	}
}

func TestResolveEmptyFilenames(t *testing.T) {
	store := &fakeStore{}
	r := newTestResolver(store, newMemCache(), testCollisionConfig())

	records, usedFallback, err := r.Resolve(context.Background(), "u1", nil)
	if err != nil || usedFallback || len(records) != 0 {
		t.Errorf("empty input: records=%v fallback=%v err=%v", records, usedFallback, err)
	}
	if store.calls != 0 {
		t.Errorf("store calls = %d, want 0", store.calls)
	}
}
