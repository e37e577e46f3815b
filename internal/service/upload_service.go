package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/mida-hub/imgstream-sub001/internal/apperr"
	"github.com/mida-hub/imgstream-sub001/internal/config"
	"github.com/mida-hub/imgstream-sub001/internal/ids"
	"github.com/mida-hub/imgstream-sub001/internal/models"
)

var (
	// ErrNotAuthenticated aborts a batch before any file is touched.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrDecisionPending fails a file whose collision was never resolved
	// by the user; processing it would be an ambiguous overwrite.
	ErrDecisionPending = errors.New("collision decision pending")
)

// Authenticator resolves the identity a batch runs as.
type Authenticator interface {
	EnsureAuthenticated(ctx context.Context) (models.UserIdentity, error)
}

// MetadataStore persists photo metadata.
type MetadataStore interface {
	Upsert(ctx context.Context, meta models.PhotoMetadata, isOverwrite bool) (models.PhotoMetadata, error)
}

// BlobStore persists image bytes.
type BlobStore interface {
	UploadOriginal(ctx context.Context, userID string, data []byte, filename string) (string, error)
	UploadThumbnail(ctx context.Context, userID string, data []byte, filename string) (string, error)
}

// Transformer validates and derives artifacts from image payloads.
type Transformer interface {
	Validate(data []byte, filename string) error
	ExtractTimestamp(data []byte) time.Time
	GenerateThumbnail(data []byte, maxW, maxH, quality int) ([]byte, error)
}

// CollisionResolver reports which filenames already exist for a user.
type CollisionResolver interface {
	Resolve(ctx context.Context, userID string, filenames []string) (map[string]models.CollisionRecord, bool, error)
}

type Stage string

const (
	StageAuthenticate    Stage = "authenticate"
	StageExtract         Stage = "extract"
	StageThumbnail       Stage = "thumbnail"
	StageUploadOriginal  Stage = "upload_original"
	StageUploadThumbnail Stage = "upload_thumbnail"
	StagePersist         Stage = "persist"
)

type ProgressPhase string

const (
	PhaseStart ProgressPhase = "start"
	PhaseDone  ProgressPhase = "done"
)

type ProgressEvent struct {
	Stage    Stage
	Phase    ProgressPhase
	Filename string
	Index    int
	Total    int
}

// ProgressFunc observes pipeline stages. Errors and panics from the
// callback are swallowed; observation never aborts a batch.
type ProgressFunc func(ProgressEvent) error

// ValidationFailure pairs a rejected filename with its cause.
type ValidationFailure struct {
	Filename string
	Err      error
}

// UploadService drives the per-file decision, transform, and persist
// pipeline across a batch of upload candidates.
type UploadService struct {
	auth        Authenticator
	transformer Transformer
	resolver    CollisionResolver
	metadata    MetadataStore
	blobs       BlobStore
	cfg         config.UploadConfig
	log         zerolog.Logger
	now         func() time.Time
}

func NewUploadService(
	auth Authenticator,
	transformer Transformer,
	resolver CollisionResolver,
	metadata MetadataStore,
	blobs BlobStore,
	cfg config.UploadConfig,
	log zerolog.Logger,
) *UploadService {
	return &UploadService{
		auth:        auth,
		transformer: transformer,
		resolver:    resolver,
		metadata:    metadata,
		blobs:       blobs,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
	}
}

// ValidateFiles partitions candidates into accepted files and per-file
// validation failures.
func (s *UploadService) ValidateFiles(files []models.UploadCandidate) ([]models.UploadCandidate, []ValidationFailure) {
	var valid []models.UploadCandidate
	var failures []ValidationFailure
	for _, f := range files {
		if err := s.transformer.Validate(f.Data, f.Filename); err != nil {
			failures = append(failures, ValidationFailure{
				Filename: f.Filename,
				Err:      apperr.New(apperr.CategoryFormat, "validation failed", err),
			})
			continue
		}
		valid = append(valid, f)
	}
	return valid, failures
}

// ResolveCollisions reports existing filenames for the user and whether
// the resolver degraded to its assume-collision fallback.
func (s *UploadService) ResolveCollisions(ctx context.Context, userID string, filenames []string) (map[string]models.CollisionRecord, bool, error) {
	return s.resolver.Resolve(ctx, userID, filenames)
}

// RunBatch processes files strictly in submission order. One file's
// failure never halts its siblings; only an authentication failure
// aborts the whole call. Already-uploaded blobs are not rolled back when
// a later step fails.
func (s *UploadService) RunBatch(
	ctx context.Context,
	files []models.UploadCandidate,
	decisions map[string]models.CollisionRecord,
	onProgress ProgressFunc,
) (models.BatchResult, error) {
	total := len(files)
	emit := func(stage Stage, phase ProgressPhase, filename string, index int) {
		if onProgress == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				s.log.Warn().Interface("panic", r).Str("stage", string(stage)).Msg("progress callback panicked")
			}
		}()
		if err := onProgress(ProgressEvent{Stage: stage, Phase: phase, Filename: filename, Index: index, Total: total}); err != nil {
			s.log.Warn().Err(err).Str("stage", string(stage)).Msg("progress callback failed")
		}
	}

	emit(StageAuthenticate, PhaseStart, "", 0)
	identity, err := s.auth.EnsureAuthenticated(ctx)
	emit(StageAuthenticate, PhaseDone, "", 0)
	if err != nil {
		return models.BatchResult{}, apperr.New(apperr.CategoryPermission, "authentication failed", err)
	}

	var result models.BatchResult
	for i, f := range files {
		outcome := s.processFile(ctx, identity, f, decisions, emit, i)
		if outcome.Err != nil {
			s.log.Warn().Err(outcome.Err).Str("filename", f.Filename).Str("user_id", identity.UserID).Msg("file failed")
		}
		result.Add(outcome)
	}

	s.log.Info().
		Str("user_id", identity.UserID).
		Int("total", result.Total).
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Int("overwritten", result.Overwritten).
		Msg("batch complete")

	return result, nil
}

type emitFunc func(stage Stage, phase ProgressPhase, filename string, index int)

func (s *UploadService) processFile(
	ctx context.Context,
	identity models.UserIdentity,
	f models.UploadCandidate,
	decisions map[string]models.CollisionRecord,
	emit emitFunc,
	index int,
) models.ProcessingOutcome {
	record, collides := decisions[f.Filename]

	if collides {
		switch record.UserDecision {
		case models.DecisionSkip:
			return models.ProcessingOutcome{
				Filename: f.Filename,
				Success:  true,
				Skipped:  true,
			}
		case models.DecisionOverwrite:
			// fall through to processing
		default:
			return models.ProcessingOutcome{
				Filename: f.Filename,
				Err:      ErrDecisionPending,
			}
		}
	}
	isOverwrite := collides

	fail := func(category apperr.Category, message string, err error) models.ProcessingOutcome {
		return models.ProcessingOutcome{
			Filename:    f.Filename,
			IsOverwrite: isOverwrite,
			Err:         apperr.New(category, message, err),
		}
	}

	emit(StageExtract, PhaseStart, f.Filename, index)
	createdAt := s.transformer.ExtractTimestamp(f.Data)
	emit(StageExtract, PhaseDone, f.Filename, index)

	emit(StageThumbnail, PhaseStart, f.Filename, index)
	thumb, err := s.transformer.GenerateThumbnail(f.Data, s.cfg.ThumbnailWidth, s.cfg.ThumbnailHeight, s.cfg.ThumbnailQuality)
	emit(StageThumbnail, PhaseDone, f.Filename, index)
	if err != nil {
		return fail(apperr.CategoryFormat, "thumbnail generation failed", err)
	}

	emit(StageUploadOriginal, PhaseStart, f.Filename, index)
	originalPath, err := s.blobs.UploadOriginal(ctx, identity.UserID, f.Data, f.Filename)
	emit(StageUploadOriginal, PhaseDone, f.Filename, index)
	if err != nil {
		return fail(apperr.CategoryStorage, "original upload failed", err)
	}

	emit(StageUploadThumbnail, PhaseStart, f.Filename, index)
	thumbnailPath, err := s.blobs.UploadThumbnail(ctx, identity.UserID, thumb, f.Filename)
	emit(StageUploadThumbnail, PhaseDone, f.Filename, index)
	if err != nil {
		return fail(apperr.CategoryStorage, "thumbnail upload failed", err)
	}

	meta := models.PhotoMetadata{
		ID:            ids.New(),
		UserID:        identity.UserID,
		Filename:      f.Filename,
		OriginalPath:  originalPath,
		ThumbnailPath: thumbnailPath,
		CreatedAt:     createdAt,
		UploadedAt:    s.now(),
		FileSize:      f.Size,
		MimeType:      models.MimeTypeFor(f.Filename),
	}
	// Overwrites keep the prior durable identity. With a fallback record
	// the prior id is unknown here; the upsert recovers it from the
	// existing row.
	if isOverwrite && record.Existing != nil {
		meta.ID = record.Existing.ID
		meta.CreatedAt = record.Existing.CreatedAt
	}

	emit(StagePersist, PhaseStart, f.Filename, index)
	persisted, err := s.metadata.Upsert(ctx, meta, isOverwrite)
	emit(StagePersist, PhaseDone, f.Filename, index)
	if err != nil {
		return fail(apperr.CategoryStorage, "metadata persist failed", err)
	}

	return models.ProcessingOutcome{
		Filename:      f.Filename,
		Success:       true,
		IsOverwrite:   isOverwrite,
		OriginalPath:  persisted.OriginalPath,
		ThumbnailPath: persisted.ThumbnailPath,
		CreatedAt:     persisted.CreatedAt,
	}
}

// ContextAuthenticator resolves the identity stashed in the request
// context by the auth middleware.
type ContextAuthenticator struct{}

func (ContextAuthenticator) EnsureAuthenticated(ctx context.Context) (models.UserIdentity, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.UserID == "" {
		return models.UserIdentity{}, ErrNotAuthenticated
	}
	return identity, nil
}

type identityContextKey struct{}

func WithIdentity(ctx context.Context, identity models.UserIdentity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (models.UserIdentity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(models.UserIdentity)
	return identity, ok
}
