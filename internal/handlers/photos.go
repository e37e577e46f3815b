package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mida-hub/imgstream-sub001/internal/apperr"
	"github.com/mida-hub/imgstream-sub001/internal/models"
	"github.com/mida-hub/imgstream-sub001/internal/repository"
	"github.com/mida-hub/imgstream-sub001/internal/service"
)

type checkRequest struct {
	Filenames []string `json:"filenames" binding:"required"`
}

type collisionEntry struct {
	Filename     string     `json:"filename"`
	ExistingID   string     `json:"existingId,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	FallbackMode bool       `json:"fallbackMode"`
}

type checkResponse struct {
	Collisions   []collisionEntry `json:"collisions"`
	UsedFallback bool             `json:"usedFallback"`
}

func (h HandlerSet) CheckCollisions(c *gin.Context) {
	identity := currentIdentity(c)
	if identity.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	records, usedFallback, err := h.uploadService.ResolveCollisions(c.Request.Context(), identity.UserID, req.Filenames)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", identity.UserID).Msg("collision check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "collision_check_failed"})
		return
	}

	resp := checkResponse{UsedFallback: usedFallback, Collisions: make([]collisionEntry, 0, len(records))}
	for _, name := range req.Filenames {
		record, ok := records[name]
		if !ok {
			continue
		}
		entry := collisionEntry{
			Filename:     name,
			ExistingID:   record.ExistingID,
			FallbackMode: record.FallbackMode,
		}
		if record.Existing != nil {
			createdAt := record.Existing.CreatedAt
			entry.CreatedAt = &createdAt
		}
		resp.Collisions = append(resp.Collisions, entry)
	}

	c.JSON(http.StatusOK, resp)
}

type outcomeResponse struct {
	Filename      string     `json:"filename"`
	Success       bool       `json:"success"`
	Skipped       bool       `json:"skipped"`
	IsOverwrite   bool       `json:"isOverwrite"`
	OriginalPath  string     `json:"originalPath,omitempty"`
	ThumbnailPath string     `json:"thumbnailPath,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorCategory string     `json:"errorCategory,omitempty"`
}

type batchResponse struct {
	Total            int               `json:"total"`
	Successful       int               `json:"successful"`
	Failed           int               `json:"failed"`
	Skipped          int               `json:"skipped"`
	Overwritten      int               `json:"overwritten"`
	Outcomes         []outcomeResponse `json:"outcomes"`
	ValidationErrors []outcomeResponse `json:"validationErrors,omitempty"`
	UsedFallback     bool              `json:"usedFallback"`
}

// UploadBatch ingests a multipart batch: "files" parts plus an optional
// "decisions" JSON object mapping filename to overwrite|skip.
func (h HandlerSet) UploadBatch(c *gin.Context) {
	identity := currentIdentity(c)
	if identity.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart_required"})
		return
	}

	fileHeaders := form.File["files"]
	if len(fileHeaders) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "files_required"})
		return
	}

	decisions := map[string]models.UserDecision{}
	if raw := c.PostForm("decisions"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &decisions); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_decisions"})
			return
		}
	}

	candidates := make([]models.UploadCandidate, 0, len(fileHeaders))
	for _, header := range fileHeaders {
		f, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file", "filename": header.Filename})
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file", "filename": header.Filename})
			return
		}
		candidates = append(candidates, models.NewUploadCandidate(header.Filename, data))
	}

	valid, failures := h.uploadService.ValidateFiles(candidates)

	filenames := make([]string, 0, len(valid))
	for _, f := range valid {
		filenames = append(filenames, f.Filename)
	}

	records, usedFallback, err := h.uploadService.ResolveCollisions(c.Request.Context(), identity.UserID, filenames)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", identity.UserID).Msg("collision resolution failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "collision_check_failed"})
		return
	}
	for name, record := range records {
		if decision, ok := decisions[name]; ok {
			record.UserDecision = decision
			records[name] = record
		}
	}

	result, err := h.uploadService.RunBatch(c.Request.Context(), valid, records, h.progressLogger(identity.UserID))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed"})
		return
	}

	resp := batchResponse{
		Total:        result.Total,
		Successful:   result.Successful,
		Failed:       result.Failed,
		Skipped:      result.Skipped,
		Overwritten:  result.Overwritten,
		Outcomes:     make([]outcomeResponse, 0, len(result.Outcomes)),
		UsedFallback: usedFallback,
	}
	for _, outcome := range result.Outcomes {
		entry := outcomeResponse{
			Filename:      outcome.Filename,
			Success:       outcome.Success,
			Skipped:       outcome.Skipped,
			IsOverwrite:   outcome.IsOverwrite,
			OriginalPath:  outcome.OriginalPath,
			ThumbnailPath: outcome.ThumbnailPath,
		}
		if !outcome.CreatedAt.IsZero() {
			createdAt := outcome.CreatedAt
			entry.CreatedAt = &createdAt
		}
		if outcome.Err != nil {
			entry.Error = outcome.Err.Error()
			entry.ErrorCategory = string(apperr.CategoryOf(outcome.Err))
		}
		resp.Outcomes = append(resp.Outcomes, entry)
	}
	for _, failure := range failures {
		resp.ValidationErrors = append(resp.ValidationErrors, outcomeResponse{
			Filename:      failure.Filename,
			Error:         failure.Err.Error(),
			ErrorCategory: string(apperr.CategoryOf(failure.Err)),
		})
	}

	c.JSON(http.StatusOK, resp)
}

type photoResponse struct {
	ID            string    `json:"id"`
	Filename      string    `json:"filename"`
	OriginalPath  string    `json:"originalPath"`
	ThumbnailPath string    `json:"thumbnailPath"`
	CreatedAt     time.Time `json:"createdAt"`
	UploadedAt    time.Time `json:"uploadedAt"`
	FileSize      int64     `json:"fileSize"`
	MimeType      string    `json:"mimeType"`
}

func (h HandlerSet) ListPhotos(c *gin.Context) {
	identity := currentIdentity(c)
	if identity.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit := 50
	offset := 0
	if perPage := c.Query("perPage"); perPage != "" {
		if v, err := strconv.Atoi(perPage); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	if page := c.Query("page"); page != "" {
		if v, err := strconv.Atoi(page); err == nil && v > 1 {
			offset = (v - 1) * limit
		}
	}

	photos, err := h.photos.ListByUser(c.Request.Context(), identity.UserID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	items := make([]photoResponse, 0, len(photos))
	for _, meta := range photos {
		items = append(items, photoResponse{
			ID:            meta.ID,
			Filename:      meta.Filename,
			OriginalPath:  meta.OriginalPath,
			ThumbnailPath: meta.ThumbnailPath,
			CreatedAt:     meta.CreatedAt,
			UploadedAt:    meta.UploadedAt,
			FileSize:      meta.FileSize,
			MimeType:      meta.MimeType,
		})
	}

	c.JSON(http.StatusOK, gin.H{"items": items})
}

// PhotoURL returns a presigned URL for the photo's original or, with
// ?variant=thumbnail, its thumbnail.
func (h HandlerSet) PhotoURL(c *gin.Context) {
	identity := currentIdentity(c)
	if identity.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	meta, err := h.photos.GetByID(c.Request.Context(), identity.UserID, c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrPhotoNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	blobPath := meta.OriginalPath
	if c.Query("variant") == "thumbnail" {
		blobPath = meta.ThumbnailPath
	}

	url, err := h.store.SignedURL(c.Request.Context(), blobPath, h.cfg.Storage.SignedURLTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":       url,
		"expiresIn": int(h.cfg.Storage.SignedURLTTL.Seconds()),
	})
}

// DisplayPhoto streams a browser-renderable version of the original.
// HEIC/HEIF sources are transcoded to JPEG; everything else is served
// as stored.
func (h HandlerSet) DisplayPhoto(c *gin.Context) {
	identity := currentIdentity(c)
	if identity.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	meta, err := h.photos.GetByID(c.Request.Context(), identity.UserID, c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrPhotoNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	data, err := h.store.Download(c.Request.Context(), meta.OriginalPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "download_failed"})
		return
	}

	contentType := meta.MimeType
	if contentType == "image/heic" || contentType == "image/heif" {
		converted, err := h.transformer.ConvertForDisplay(data, h.cfg.Upload.DisplayQuality)
		if err != nil {
			h.log.Error().Err(err).Str("photo_id", meta.ID).Msg("display conversion failed")
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "conversion_failed"})
			return
		}
		data = converted
		contentType = "image/jpeg"
	}

	c.Data(http.StatusOK, contentType, data)
}

func (h HandlerSet) progressLogger(userID string) service.ProgressFunc {
	return func(event service.ProgressEvent) error {
		h.log.Debug().
			Str("user_id", userID).
			Str("stage", string(event.Stage)).
			Str("phase", string(event.Phase)).
			Str("filename", event.Filename).
			Int("index", event.Index).
			Int("total", event.Total).
			Msg("upload progress")
		return nil
	}
}

func currentIdentity(c *gin.Context) models.UserIdentity {
	if v, ok := c.Get("current_identity"); ok {
		if identity, ok := v.(models.UserIdentity); ok {
			return identity
		}
	}
	return models.UserIdentity{}
}
