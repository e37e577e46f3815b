package models

import (
	"path"
	"strings"
	"time"
)

// UserDecision is the caller-supplied resolution for a filename collision.
type UserDecision string

const (
	DecisionPending   UserDecision = "pending"
	DecisionOverwrite UserDecision = "overwrite"
	DecisionSkip      UserDecision = "skip"
)

type PhotoMetadata struct {
	ID            string
	UserID        string
	Filename      string
	OriginalPath  string
	ThumbnailPath string
	CreatedAt     time.Time
	UploadedAt    time.Time
	FileSize      int64
	MimeType      string
}

// UploadCandidate is one user-submitted file. It is immutable and only
// lives for the duration of a single batch call.
type UploadCandidate struct {
	Filename string
	Data     []byte
	Size     int64
}

func NewUploadCandidate(filename string, data []byte) UploadCandidate {
	return UploadCandidate{
		Filename: filename,
		Data:     data,
		Size:     int64(len(data)),
	}
}

// CollisionRecord describes an existing photo that shares a filename with
// an upload candidate. FallbackMode marks records synthesized while the
// metadata store was unreachable; those carry no existing snapshot.
type CollisionRecord struct {
	Filename     string
	ExistingID   string
	Existing     *PhotoMetadata
	FallbackMode bool
	UserDecision UserDecision
}

// ProcessingOutcome is the terminal state of one file in a batch.
type ProcessingOutcome struct {
	Filename      string
	Success       bool
	Skipped       bool
	IsOverwrite   bool
	OriginalPath  string
	ThumbnailPath string
	CreatedAt     time.Time
	Err           error
}

type BatchResult struct {
	Total       int
	Successful  int
	Failed      int
	Skipped     int
	Overwritten int
	Outcomes    []ProcessingOutcome
}

// Add appends an outcome and updates the counters. Skipped files count
// toward Skipped only, so Total == Successful + Failed + Skipped holds.
func (r *BatchResult) Add(outcome ProcessingOutcome) {
	r.Outcomes = append(r.Outcomes, outcome)
	r.Total++
	switch {
	case outcome.Skipped:
		r.Skipped++
	case !outcome.Success:
		r.Failed++
	default:
		r.Successful++
		if outcome.IsOverwrite {
			r.Overwritten++
		}
	}
}

// MimeTypeFor maps a filename extension to its MIME type.
func MimeTypeFor(filename string) string {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(filename), ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "heic":
		return "image/heic"
	case "heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}
