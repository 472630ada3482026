package images

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	// ProbeMaxSide bounds the longest side of frames sent with a probe
	ProbeMaxSide = 640
	// DefaultMaxPixels bounds the declared dimensions of a decoded image
	DefaultMaxPixels = 40_000_000
)

// ErrTooLarge is returned for images whose header declares more pixels
// than allowed
var ErrTooLarge = errors.New("image dimensions too large")

// Decode decodes JPEG, PNG, GIF or WebP bytes of at most DefaultMaxPixels
func Decode(data []byte) (image.Image, string, error) {
	return DecodeLimited(data, DefaultMaxPixels)
}

// DecodeLimited reads the image header first and refuses to decode images
// declaring more than maxPixels pixels. maxPixels <= 0 means DefaultMaxPixels.
func DecodeLimited(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("failed to decode image: empty data")
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > maxPixels/cfg.Height {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// EncodeJPEG encodes img as JPEG at the given quality
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// ProbeFrame shrinks img so its longest side is at most ProbeMaxSide and
// encodes it for a probe request. Smaller images are encoded as-is.
func ProbeFrame(img image.Image) ([]byte, error) {
	b := img.Bounds()
	if b.Dx() > ProbeMaxSide || b.Dy() > ProbeMaxSide {
		img = imaging.Fit(img, ProbeMaxSide, ProbeMaxSide, imaging.Linear)
	}
	return EncodeJPEG(img, 80)
}

// CalculateDataMD5 returns the hex MD5 of data
func CalculateDataMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// SaveStill writes a committed still under dir using its content hash as
// the file name and returns the file name. Identical bytes map to the same file.
func SaveStill(dir string, data []byte, format string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create images directory: %w", err)
	}

	ext := "." + format
	if format == "jpeg" || format == "" {
		ext = ".jpg"
	}
	name := CalculateDataMD5(data) + ext
	path := filepath.Join(dir, name)

	if _, err := os.Stat(path); err == nil {
		slog.Debug("Still already stored", "filename", name)
		return name, nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save image: %w", err)
	}

	slog.Info("Still saved", "filename", name, "bytes", len(data))
	return name, nil
}
