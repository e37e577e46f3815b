// Package imaging validates uploaded image payloads and produces the
// derived artifacts the pipeline persists: an EXIF capture timestamp, an
// aspect-ratio-preserving JPEG thumbnail, and a browser-displayable JPEG
// for HEIC sources.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/mida-hub/imgstream-sub001/internal/config"
	"github.com/mida-hub/imgstream-sub001/internal/media/sniffer"
)

var (
	// ErrUnsupportedFormat rejects files whose extension is not an
	// accepted image type, or HEIC files when no HEIC decoder is present.
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrCorrupt rejects files whose bytes do not match a supported
	// format or whose size is outside the configured bounds.
	ErrCorrupt = errors.New("corrupt or invalid image")

	// ErrProcessing marks decode or encode failures during transform.
	ErrProcessing = errors.New("image processing failed")
)

// IsValidationError reports whether err came from Validate rather than a
// transform step. Validation failures are terminal for a file; nothing
// retries them.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrCorrupt)
}

var supportedExtensions = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"heic": {},
	"heif": {},
}

// HEICDecoder turns a HEIC/HEIF payload into a decoded image. Nil means
// HEIC support is unavailable on this host.
type HEICDecoder interface {
	Decode(data []byte) (image.Image, error)
}

type Transformer struct {
	cfg  config.UploadConfig
	heic HEICDecoder
	now  func() time.Time
	log  zerolog.Logger
}

func NewTransformer(cfg config.UploadConfig, heic HEICDecoder, log zerolog.Logger) *Transformer {
	return &Transformer{
		cfg:  cfg,
		heic: heic,
		now:  time.Now,
		log:  log,
	}
}

// Validate checks extension, magic bytes, and size bounds. It does not
// fully decode the payload.
func (t *Transformer) Validate(data []byte, filename string) error {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if _, ok := supportedExtensions[ext]; !ok {
		return fmt.Errorf("%w: extension %q", ErrUnsupportedFormat, ext)
	}
	if (ext == "heic" || ext == "heif") && t.heic == nil {
		return fmt.Errorf("%w: heic support unavailable", ErrUnsupportedFormat)
	}

	result, err := sniffer.DetectHead(head(data))
	if err != nil {
		return fmt.Errorf("%w: unrecognized file contents", ErrCorrupt)
	}
	switch result.Type {
	case sniffer.TypeJPEG, sniffer.TypeHEIC, sniffer.TypeHEIF:
	default:
		return fmt.Errorf("%w: detected %s", ErrCorrupt, result.Type)
	}

	size := int64(len(data))
	if size < t.cfg.MinFileBytes || size > t.cfg.MaxFileBytes {
		return fmt.Errorf("%w: size %d outside [%d, %d]", ErrCorrupt, size, t.cfg.MinFileBytes, t.cfg.MaxFileBytes)
	}

	return nil
}

// ExtractTimestamp returns the EXIF capture time, falling back to the
// current wall clock when no parsable tag exists. Callers can detect the
// fallback by comparing against the upload time; the provenance loss is
// deliberate.
func (t *Transformer) ExtractTimestamp(data []byte) time.Time {
	ts, err := exifTimestamp(data)
	if err != nil {
		t.log.Debug().Err(err).Msg("exif timestamp unavailable, using wall clock")
		return t.now()
	}
	return ts
}

// GenerateThumbnail scales the image so the longer edge fits maxW x maxH,
// preserving aspect ratio, and re-encodes as JPEG. Images smaller than
// the target are upscaled; output dimensions are always
// (round(w*s), round(h*s)) with s = min(maxW/w, maxH/h).
func (t *Transformer) GenerateThumbnail(data []byte, maxW, maxH, quality int) ([]byte, error) {
	img, err := t.decode(data)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	tw, th := thumbnailSize(bounds.Dx(), bounds.Dy(), maxW, maxH)
	thumb := imaging.Resize(img, tw, th, imaging.Lanczos)

	return t.encodeJPEG(thumb, quality)
}

// ConvertForDisplay re-encodes the image as JPEG at its original
// dimensions so clients without native HEIC support can render it.
func (t *Transformer) ConvertForDisplay(data []byte, quality int) ([]byte, error) {
	img, err := t.decode(data)
	if err != nil {
		return nil, err
	}
	return t.encodeJPEG(img, quality)
}

func (t *Transformer) decode(data []byte) (image.Image, error) {
	result, err := sniffer.DetectHead(head(data))
	if err == nil && result.Type != sniffer.TypeJPEG {
		if t.heic == nil {
			return nil, fmt.Errorf("%w: heic support unavailable", ErrUnsupportedFormat)
		}
		img, err := t.heic.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode heic: %v", ErrProcessing, err)
		}
		return img, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrProcessing, err)
	}
	return img, nil
}

func (t *Transformer) encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(clampQuality(quality)))
	if err != nil {
		return nil, fmt.Errorf("%w: encode jpeg: %v", ErrProcessing, err)
	}
	return buf.Bytes(), nil
}

// thumbnailSize applies the min-scale rule with standard rounding. A
// floor of 1 px guards degenerate inputs.
func thumbnailSize(w, h, maxW, maxH int) (int, int) {
	scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	tw := int(math.Round(float64(w) * scale))
	th := int(math.Round(float64(h) * scale))
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	return tw, th
}

// Encoder quality outside [1,100] is clamped rather than rejected.
func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

func head(data []byte) []byte {
	if len(data) > 512 {
		return data[:512]
	}
	return data
}
