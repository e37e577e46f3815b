package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mida-hub/imgstream-sub001/internal/models"
)

var (
	ErrPhotoNotFound = errors.New("photo not found")
	ErrPhotoExists   = errors.New("photo already exists")
)

type PhotoRepository struct {
	pool *pgxpool.Pool
}

func NewPhotoRepository(pool *pgxpool.Pool) *PhotoRepository {
	return &PhotoRepository{pool: pool}
}

// CheckExistence returns metadata for filenames that already exist for
// the user. Filenames without a row are absent from the result.
func (r *PhotoRepository) CheckExistence(ctx context.Context, userID string, filenames []string) (map[string]models.PhotoMetadata, error) {
	const query = `
		SELECT id, user_id, filename, original_path, thumbnail_path,
		       created_at, uploaded_at, file_size, mime_type
		FROM photos
		WHERE user_id = $1 AND filename = ANY($2)
	`

	rows, err := r.pool.Query(ctx, query, userID, filenames)
	if err != nil {
		return nil, fmt.Errorf("check existence: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]models.PhotoMetadata)
	for rows.Next() {
		var meta models.PhotoMetadata
		if err := scanPhoto(rows, &meta); err != nil {
			return nil, err
		}
		existing[meta.Filename] = meta
	}
	return existing, rows.Err()
}

// Upsert persists photo metadata. On overwrite the existing row keeps its
// id and created_at so identity survives the replacement; the returned
// metadata reflects the durable values.
func (r *PhotoRepository) Upsert(ctx context.Context, meta models.PhotoMetadata, isOverwrite bool) (models.PhotoMetadata, error) {
	if isOverwrite {
		const query = `
			INSERT INTO photos (
				id, user_id, filename, original_path, thumbnail_path,
				created_at, uploaded_at, file_size, mime_type
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id, filename) DO UPDATE SET
				original_path  = EXCLUDED.original_path,
				thumbnail_path = EXCLUDED.thumbnail_path,
				uploaded_at    = EXCLUDED.uploaded_at,
				file_size      = EXCLUDED.file_size,
				mime_type      = EXCLUDED.mime_type
			RETURNING id, created_at
		`
		row := r.pool.QueryRow(ctx, query,
			meta.ID,
			meta.UserID,
			meta.Filename,
			meta.OriginalPath,
			meta.ThumbnailPath,
			meta.CreatedAt,
			meta.UploadedAt,
			meta.FileSize,
			meta.MimeType,
		)
		if err := row.Scan(&meta.ID, &meta.CreatedAt); err != nil {
			return models.PhotoMetadata{}, fmt.Errorf("upsert photo: %w", err)
		}
		return meta, nil
	}

	const query = `
		INSERT INTO photos (
			id, user_id, filename, original_path, thumbnail_path,
			created_at, uploaded_at, file_size, mime_type
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.pool.Exec(ctx, query,
		meta.ID,
		meta.UserID,
		meta.Filename,
		meta.OriginalPath,
		meta.ThumbnailPath,
		meta.CreatedAt,
		meta.UploadedAt,
		meta.FileSize,
		meta.MimeType,
	)
	if err != nil {
		return models.PhotoMetadata{}, fmt.Errorf("insert photo: %w", err)
	}
	return meta, nil
}

func (r *PhotoRepository) GetByID(ctx context.Context, userID, id string) (models.PhotoMetadata, error) {
	const query = `
		SELECT id, user_id, filename, original_path, thumbnail_path,
		       created_at, uploaded_at, file_size, mime_type
		FROM photos
		WHERE user_id = $1 AND id = $2
	`

	row := r.pool.QueryRow(ctx, query, userID, id)
	var meta models.PhotoMetadata
	if err := scanPhoto(row, &meta); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PhotoMetadata{}, ErrPhotoNotFound
		}
		return models.PhotoMetadata{}, err
	}
	return meta, nil
}

func (r *PhotoRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.PhotoMetadata, error) {
	const query = `
		SELECT id, user_id, filename, original_path, thumbnail_path,
		       created_at, uploaded_at, file_size, mime_type
		FROM photos
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var photos []models.PhotoMetadata
	for rows.Next() {
		var meta models.PhotoMetadata
		if err := scanPhoto(rows, &meta); err != nil {
			return nil, err
		}
		photos = append(photos, meta)
	}
	return photos, rows.Err()
}

// PathReferenced reports whether any photo row points at the given
// storage path. The cleanup worker uses it to find orphaned blobs.
func (r *PhotoRepository) PathReferenced(ctx context.Context, path string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM photos WHERE original_path = $1 OR thumbnail_path = $1
		)
	`
	var referenced bool
	if err := r.pool.QueryRow(ctx, query, path).Scan(&referenced); err != nil {
		return false, fmt.Errorf("path referenced: %w", err)
	}
	return referenced, nil
}

func scanPhoto(row pgx.Row, meta *models.PhotoMetadata) error {
	return row.Scan(
		&meta.ID,
		&meta.UserID,
		&meta.Filename,
		&meta.OriginalPath,
		&meta.ThumbnailPath,
		&meta.CreatedAt,
		&meta.UploadedAt,
		&meta.FileSize,
		&meta.MimeType,
	)
}
