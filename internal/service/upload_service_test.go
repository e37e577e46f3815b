package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mida-hub/imgstream-sub001/internal/apperr"
	"github.com/mida-hub/imgstream-sub001/internal/config"
	"github.com/mida-hub/imgstream-sub001/internal/models"
)

type fakeAuth struct {
	identity models.UserIdentity
	err      error
}

func (a fakeAuth) EnsureAuthenticated(ctx context.Context) (models.UserIdentity, error) {
	return a.identity, a.err
}

type fakeTransformer struct {
	validateErrs map[string]error
	thumbErrs    map[string]error
	timestamp    time.Time
}

func (t *fakeTransformer) Validate(data []byte, filename string) error {
	return t.validateErrs[filename]
}

func (t *fakeTransformer) ExtractTimestamp(data []byte) time.Time {
	return t.timestamp
}

// thumbErrs keys on the payload since GenerateThumbnail never sees the
// filename; candidates() gives each file a distinct payload.
func (t *fakeTransformer) GenerateThumbnail(data []byte, maxW, maxH, quality int) ([]byte, error) {
	if err := t.thumbErrs[string(data)]; err != nil {
		return nil, err
	}
	return []byte("thumb"), nil
}

type fakeBlobs struct {
	originalErrs  map[string]error
	thumbnailErrs map[string]error
	originals     []string
	thumbnails    []string
}

func (b *fakeBlobs) UploadOriginal(ctx context.Context, userID string, data []byte, filename string) (string, error) {
	if err := b.originalErrs[filename]; err != nil {
		return "", err
	}
	path := fmt.Sprintf("originals/%s/%s", userID, filename)
	b.originals = append(b.originals, path)
	return path, nil
}

func (b *fakeBlobs) UploadThumbnail(ctx context.Context, userID string, data []byte, filename string) (string, error) {
	if err := b.thumbnailErrs[filename]; err != nil {
		return "", err
	}
	path := fmt.Sprintf("thumbnails/%s/%s.jpg", userID, filename)
	b.thumbnails = append(b.thumbnails, path)
	return path, nil
}

type fakeMetadata struct {
	upserts []models.PhotoMetadata
	errs    map[string]error
	// existing simulates the row an overwrite upsert finds, keyed by
	// filename. Fallback-mode overwrites rely on this to recover identity.
	existing map[string]models.PhotoMetadata
}

func (m *fakeMetadata) Upsert(ctx context.Context, meta models.PhotoMetadata, isOverwrite bool) (models.PhotoMetadata, error) {
	if err := m.errs[meta.Filename]; err != nil {
		return models.PhotoMetadata{}, err
	}
	if isOverwrite {
		if prior, ok := m.existing[meta.Filename]; ok {
			meta.ID = prior.ID
			meta.CreatedAt = prior.CreatedAt
		}
	}
	m.upserts = append(m.upserts, meta)
	return meta, nil
}

func testUploadConfig() config.UploadConfig {
	return config.UploadConfig{
		MinFileBytes:     100,
		MaxFileBytes:     50 << 20,
		ThumbnailWidth:   300,
		ThumbnailHeight:  300,
		ThumbnailQuality: 85,
		DisplayQuality:   90,
	}
}

type serviceFakes struct {
	auth        fakeAuth
	transformer *fakeTransformer
	metadata    *fakeMetadata
	blobs       *fakeBlobs
}

func newTestService() (*UploadService, *serviceFakes) {
	fakes := &serviceFakes{
		auth: fakeAuth{identity: models.UserIdentity{UserID: "u1", Email: "u1@example.com"}},
		transformer: &fakeTransformer{
			validateErrs: map[string]error{},
			thumbErrs:    map[string]error{},
			timestamp:    time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC),
		},
		metadata: &fakeMetadata{errs: map[string]error{}, existing: map[string]models.PhotoMetadata{}},
		blobs:    &fakeBlobs{originalErrs: map[string]error{}, thumbnailErrs: map[string]error{}},
	}
	svc := NewUploadService(fakes.auth, fakes.transformer, nil, fakes.metadata, fakes.blobs, testUploadConfig(), zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return svc, fakes
}

func candidates(names ...string) []models.UploadCandidate {
	files := make([]models.UploadCandidate, 0, len(names))
	for _, name := range names {
		files = append(files, models.NewUploadCandidate(name, []byte("image:"+name)))
	}
	return files
}

func checkInvariants(t *testing.T, result models.BatchResult) {
	t.Helper()
	if result.Total != result.Successful+result.Failed+result.Skipped {
		t.Errorf("total %d != successful %d + failed %d + skipped %d",
			result.Total, result.Successful, result.Failed, result.Skipped)
	}
	if result.Overwritten > result.Successful {
		t.Errorf("overwritten %d > successful %d", result.Overwritten, result.Successful)
	}
	if len(result.Outcomes) != result.Total {
		t.Errorf("outcomes %d != total %d", len(result.Outcomes), result.Total)
	}
}

func TestValidateFilesPartitions(t *testing.T) {
	svc, fakes := newTestService()
	fakes.transformer.validateErrs["bad.png"] = errors.New("unsupported format")

	valid, failures := svc.ValidateFiles(candidates("a.jpg", "bad.png", "b.heic"))

	if len(valid) != 2 || valid[0].Filename != "a.jpg" || valid[1].Filename != "b.heic" {
		t.Errorf("valid = %+v", valid)
	}
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(failures))
	}
	if failures[0].Filename != "bad.png" {
		t.Errorf("failure filename = %s", failures[0].Filename)
	}
	if apperr.CategoryOf(failures[0].Err) != apperr.CategoryFormat {
		t.Errorf("failure category = %s, want format", apperr.CategoryOf(failures[0].Err))
	}
}

func TestRunBatchAllNew(t *testing.T) {
	svc, fakes := newTestService()

	result, err := svc.RunBatch(context.Background(), candidates("a.jpg", "b.jpg", "c.jpg"), nil, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	checkInvariants(t, result)

	if result.Successful != 3 || result.Failed != 0 || result.Skipped != 0 || result.Overwritten != 0 {
		t.Errorf("result = %+v", result)
	}
	if len(fakes.metadata.upserts) != 3 {
		t.Fatalf("upserts = %d, want 3", len(fakes.metadata.upserts))
	}
	first := fakes.metadata.upserts[0]
	if first.ID == "" {
		t.Error("persisted photo has no id")
	}
	if !first.CreatedAt.Equal(fakes.transformer.timestamp) {
		t.Errorf("createdAt = %v, want capture timestamp", first.CreatedAt)
	}
	if first.MimeType != "image/jpeg" {
		t.Errorf("mime = %s", first.MimeType)
	}
}

func TestRunBatchPreservesSubmissionOrder(t *testing.T) {
	svc, _ := newTestService()
	names := []string{"z.jpg", "a.jpg", "m.jpg"}

	result, err := svc.RunBatch(context.Background(), candidates(names...), nil, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	for i, outcome := range result.Outcomes {
		if outcome.Filename != names[i] {
			t.Errorf("outcome[%d] = %s, want %s", i, outcome.Filename, names[i])
		}
	}
}

func TestRunBatchSkipDecision(t *testing.T) {
	svc, fakes := newTestService()
	decisions := map[string]models.CollisionRecord{
		"a.jpg": {Filename: "a.jpg", ExistingID: "p1", UserDecision: models.DecisionSkip},
	}

	result, err := svc.RunBatch(context.Background(), candidates("a.jpg", "b.jpg"), decisions, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	checkInvariants(t, result)

	if result.Skipped != 1 || result.Successful != 1 || result.Overwritten != 0 {
		t.Errorf("result = %+v", result)
	}
	skipped := result.Outcomes[0]
	if !skipped.Success || !skipped.Skipped || skipped.Err != nil {
		t.Errorf("skip outcome = %+v", skipped)
	}
	// A skipped file must never reach storage.
	if len(fakes.blobs.originals) != 1 || len(fakes.metadata.upserts) != 1 {
		t.Errorf("skipped file touched storage: originals=%d upserts=%d",
			len(fakes.blobs.originals), len(fakes.metadata.upserts))
	}
}

func TestRunBatchOverwriteKeepsIdentity(t *testing.T) {
	svc, fakes := newTestService()
	priorCreated := time.Date(2020, 5, 1, 8, 0, 0, 0, time.UTC)
	prior := models.PhotoMetadata{ID: "photo-old", Filename: "a.jpg", CreatedAt: priorCreated}
	decisions := map[string]models.CollisionRecord{
		"a.jpg": {Filename: "a.jpg", ExistingID: prior.ID, Existing: &prior, UserDecision: models.DecisionOverwrite},
	}

	result, err := svc.RunBatch(context.Background(), candidates("a.jpg"), decisions, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	checkInvariants(t, result)

	if result.Successful != 1 || result.Overwritten != 1 {
		t.Errorf("result = %+v", result)
	}
	persisted := fakes.metadata.upserts[0]
	if persisted.ID != "photo-old" {
		t.Errorf("id = %s, want the prior photo id", persisted.ID)
	}
	if !persisted.CreatedAt.Equal(priorCreated) {
		t.Errorf("createdAt = %v, want the prior creation time", persisted.CreatedAt)
	}
	if !result.Outcomes[0].IsOverwrite {
		t.Error("outcome not marked as overwrite")
	}
}

func TestRunBatchFallbackOverwriteRecoversIdentity(t *testing.T) {
	svc, fakes := newTestService()
	priorCreated := time.Date(2019, 2, 3, 0, 0, 0, 0, time.UTC)
	fakes.metadata.existing["a.jpg"] = models.PhotoMetadata{ID: "photo-prior", CreatedAt: priorCreated}
	// Fallback records carry no snapshot; the upsert finds the row itself.
	decisions := map[string]models.CollisionRecord{
		"a.jpg": {Filename: "a.jpg", FallbackMode: true, UserDecision: models.DecisionOverwrite},
	}

	result, err := svc.RunBatch(context.Background(), candidates("a.jpg"), decisions, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if result.Overwritten != 1 {
		t.Errorf("result = %+v", result)
	}
	persisted := fakes.metadata.upserts[0]
	if persisted.ID != "photo-prior" || !persisted.CreatedAt.Equal(priorCreated) {
		t.Errorf("persisted identity = (%s, %v), want the prior row's", persisted.ID, persisted.CreatedAt)
	}
}

func TestRunBatchPendingDecisionFails(t *testing.T) {
	svc, _ := newTestService()
	decisions := map[string]models.CollisionRecord{
		"a.jpg": {Filename: "a.jpg", ExistingID: "p1", UserDecision: models.DecisionPending},
	}

	result, err := svc.RunBatch(context.Background(), candidates("a.jpg"), decisions, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	checkInvariants(t, result)

	if result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
	if !errors.Is(result.Outcomes[0].Err, ErrDecisionPending) {
		t.Errorf("err = %v, want ErrDecisionPending", result.Outcomes[0].Err)
	}
}

func TestRunBatchPartialFailure(t *testing.T) {
	svc, fakes := newTestService()
	fakes.blobs.originalErrs["b.jpg"] = errors.New("bucket unavailable")

	result, err := svc.RunBatch(context.Background(), candidates("a.jpg", "b.jpg", "c.jpg"), nil, nil)
	if err != nil {
		t.Fatalf("a single file failure must not abort the batch: %v", err)
	}
	checkInvariants(t, result)

	if result.Successful != 2 || result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
	failed := result.Outcomes[1]
	if failed.Filename != "b.jpg" || failed.Success {
		t.Errorf("failed outcome = %+v", failed)
	}
	if apperr.CategoryOf(failed.Err) != apperr.CategoryStorage {
		t.Errorf("category = %s, want storage", apperr.CategoryOf(failed.Err))
	}
	// The file after the failure is still processed.
	if result.Outcomes[2].Filename != "c.jpg" || !result.Outcomes[2].Success {
		t.Errorf("trailing outcome = %+v", result.Outcomes[2])
	}
}

func TestRunBatchThumbnailFailureMidBatch(t *testing.T) {
	svc, fakes := newTestService()
	fakes.transformer.thumbErrs["image:b.jpg"] = errors.New("truncated jpeg stream")

	result, err := svc.RunBatch(context.Background(), candidates("a.jpg", "b.jpg", "c.jpg"), nil, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	checkInvariants(t, result)

	if result.Successful != 2 || result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
	failed := result.Outcomes[1]
	if failed.Success || failed.Err == nil {
		t.Fatalf("failed outcome = %+v", failed)
	}
	if !strings.Contains(failed.Err.Error(), "truncated jpeg stream") {
		t.Errorf("cause not retained in %q", failed.Err.Error())
	}
	if apperr.CategoryOf(failed.Err) != apperr.CategoryFormat {
		t.Errorf("category = %s, want format", apperr.CategoryOf(failed.Err))
	}
	// The failed file never reached storage; its siblings did.
	if len(fakes.blobs.originals) != 2 || len(fakes.metadata.upserts) != 2 {
		t.Errorf("storage calls: originals=%d upserts=%d", len(fakes.blobs.originals), len(fakes.metadata.upserts))
	}
}

func TestRunBatchSkipAndOverwriteMix(t *testing.T) {
	svc, _ := newTestService()
	prior := models.PhotoMetadata{ID: "p-a", Filename: "a.jpg", CreatedAt: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	decisions := map[string]models.CollisionRecord{
		"a.jpg": {Filename: "a.jpg", ExistingID: prior.ID, Existing: &prior, UserDecision: models.DecisionOverwrite},
		"b.jpg": {Filename: "b.jpg", ExistingID: "p-b", UserDecision: models.DecisionSkip},
	}

	result, err := svc.RunBatch(context.Background(), candidates("a.jpg", "b.jpg"), decisions, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	checkInvariants(t, result)

	if result.Total != 2 || result.Successful != 1 || result.Skipped != 1 || result.Failed != 0 || result.Overwritten != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestRunBatchNoRollbackAfterPersistFailure(t *testing.T) {
	svc, fakes := newTestService()
	fakes.metadata.errs["a.jpg"] = errors.New("unique violation")

	result, err := svc.RunBatch(context.Background(), candidates("a.jpg"), nil, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
	// Blobs uploaded before the failing persist stay where they are.
	if len(fakes.blobs.originals) != 1 || len(fakes.blobs.thumbnails) != 1 {
		t.Errorf("uploaded blobs were touched: originals=%d thumbnails=%d",
			len(fakes.blobs.originals), len(fakes.blobs.thumbnails))
	}
}

func TestRunBatchAuthFailureAborts(t *testing.T) {
	svc, fakes := newTestService()
	fakes.auth.err = ErrNotAuthenticated
	svc.auth = fakes.auth

	result, err := svc.RunBatch(context.Background(), candidates("a.jpg"), nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if apperr.CategoryOf(err) != apperr.CategoryPermission {
		t.Errorf("category = %s, want permission", apperr.CategoryOf(err))
	}
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("err = %v, want ErrNotAuthenticated in chain", err)
	}
	if result.Total != 0 || len(fakes.metadata.upserts) != 0 {
		t.Error("files were processed despite failed authentication")
	}
}

func TestRunBatchProgressEvents(t *testing.T) {
	svc, _ := newTestService()
	var events []ProgressEvent

	_, err := svc.RunBatch(context.Background(), candidates("a.jpg"), nil, func(e ProgressEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	wantStages := []Stage{
		StageAuthenticate, StageAuthenticate,
		StageExtract, StageExtract,
		StageThumbnail, StageThumbnail,
		StageUploadOriginal, StageUploadOriginal,
		StageUploadThumbnail, StageUploadThumbnail,
		StagePersist, StagePersist,
	}
	if len(events) != len(wantStages) {
		t.Fatalf("events = %d, want %d", len(events), len(wantStages))
	}
	for i, e := range events {
		if e.Stage != wantStages[i] {
			t.Errorf("event[%d].Stage = %s, want %s", i, e.Stage, wantStages[i])
		}
		wantPhase := PhaseStart
		if i%2 == 1 {
			wantPhase = PhaseDone
		}
		if e.Phase != wantPhase {
			t.Errorf("event[%d].Phase = %s, want %s", i, e.Phase, wantPhase)
		}
	}
}

func TestRunBatchProgressFailuresAreSwallowed(t *testing.T) {
	svc, _ := newTestService()
	calls := 0

	result, err := svc.RunBatch(context.Background(), candidates("a.jpg"), nil, func(e ProgressEvent) error {
		calls++
		if calls%2 == 0 {
			panic("observer bug")
		}
		return errors.New("observer error")
	})
	if err != nil {
		t.Fatalf("observer misbehavior must not abort the batch: %v", err)
	}
	if result.Successful != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestContextAuthenticator(t *testing.T) {
	auth := ContextAuthenticator{}

	if _, err := auth.EnsureAuthenticated(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("bare context: err = %v, want ErrNotAuthenticated", err)
	}

	want := models.UserIdentity{UserID: "u1", Email: "u1@example.com"}
	ctx := WithIdentity(context.Background(), want)
	got, err := auth.EnsureAuthenticated(ctx)
	if err != nil {
		t.Fatalf("EnsureAuthenticated: %v", err)
	}
	if got != want {
		t.Errorf("identity = %+v, want %+v", got, want)
	}
}
