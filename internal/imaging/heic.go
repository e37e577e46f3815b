package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
)

// FFmpegDecoder decodes HEIC/HEIF payloads through an ffmpeg subprocess.
// There is no pure-Go HEIC decoder, so availability depends on the host.
type FFmpegDecoder struct {
	path string
}

// NewFFmpegDecoder probes for ffmpeg on PATH. Callers treat a nil
// decoder as "HEIC unsupported" rather than an error.
func NewFFmpegDecoder() (*FFmpegDecoder, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	return &FFmpegDecoder{path: path}, nil
}

func (d *FFmpegDecoder) Decode(data []byte) (image.Image, error) {
	// ffmpeg needs a seekable input for ISO BMFF containers.
	tmp, err := os.CreateTemp("", "imgstream-heic-*.heic")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	cmd := exec.Command(d.path,
		"-i", tmp.Name(),
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-pix_fmt", "rgb24",
		"-",
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg decode: %v, stderr: %s", err, stderr.String())
	}

	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode ffmpeg output: %w", err)
	}
	return img, nil
}
