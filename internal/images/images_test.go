package images

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// withDeclaredSize rewrites the IHDR dimensions of a PNG and fixes the
// chunk CRC so only the header lies about the image
func withDeclaredSize(data []byte, w, h uint32) []byte {
	out := append([]byte(nil), data...)
	// 8 byte signature, 4 byte length, "IHDR", then width and height
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestDecodeRejectsHugeDeclaredDimensions(t *testing.T) {
	data := withDeclaredSize(encodePNG(t, 8, 8), 100_000, 100_000)

	_, _, err := Decode(data)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Expected ErrTooLarge, got %v", err)
	}
}

func TestDecodeLimited(t *testing.T) {
	data := encodePNG(t, 64, 48)

	if _, _, err := DecodeLimited(data, 1000); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Expected ErrTooLarge for 3072 pixels over a 1000 limit, got %v", err)
	}

	img, format, err := DecodeLimited(data, 64*48)
	if err != nil {
		t.Fatalf("Expected image at the limit to decode, got %v", err)
	}
	if format != "png" {
		t.Errorf("Expected png, got %s", format)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Errorf("Expected 64x48, got %v", img.Bounds())
	}
}

func TestDecodeEmpty(t *testing.T) {
	if _, _, err := Decode(nil); err == nil {
		t.Error("Expected error for empty data")
	}
	if _, _, err := Decode([]byte("not an image")); err == nil {
		t.Error("Expected error for garbage")
	}
}

func TestLiveFrameIsDownscaled(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1600, 1200))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(0, 0, color.Black)

	data, err := ProbeFrame(img)
	if err != nil {
		t.Fatalf("ProbeFrame failed: %v", err)
	}
	decoded, format, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("Expected jpeg, got %s", format)
	}
	if decoded.Bounds().Dx() != ProbeMaxSide || decoded.Bounds().Dy() != 480 {
		t.Errorf("Expected 640x480, got %v", decoded.Bounds())
	}
}

func TestSaveStillIsContentAddressed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scans")
	data := encodePNG(t, 4, 4)

	first, err := SaveStill(dir, data, "png")
	if err != nil {
		t.Fatalf("SaveStill failed: %v", err)
	}
	second, err := SaveStill(dir, data, "png")
	if err != nil {
		t.Fatalf("SaveStill failed: %v", err)
	}
	if first != second {
		t.Errorf("Expected identical names, got %s and %s", first, second)
	}
	if first != CalculateDataMD5(data)+".png" {
		t.Errorf("Expected content hash name, got %s", first)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected one stored file, got %d", len(entries))
	}
}
