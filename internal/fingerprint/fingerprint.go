// Package fingerprint computes perceptual hashes of committed card stills
// and finds previously stored scans of the same physical card.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"image"
	"math/bits"
	"strconv"
	"strings"

	"github.com/cardscan/cardscan/internal/images"
	"github.com/disintegration/imaging"
)

const (
	// Bits is the length of one hash
	Bits = 64
	// TileGrid is the number of tiles per side in the tiled variant
	TileGrid = 2
)

// Fingerprint is a 64-bit difference hash of a whole image plus one
// difference hash per tile.
type Fingerprint struct {
	Hash  uint64
	Tiles []uint64
}

// String formats the whole-image hash as 16 hex digits
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", f.Hash)
}

// TileString formats the tile hashes as concatenated hex digits
func (f Fingerprint) TileString() string {
	var b strings.Builder
	for _, t := range f.Tiles {
		fmt.Fprintf(&b, "%016x", t)
	}
	return b.String()
}

// Parse reverses String and TileString
func Parse(hash, tiles string) (Fingerprint, error) {
	h, err := strconv.ParseUint(hash, 16, 64)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("invalid fingerprint %q: %w", hash, err)
	}
	fp := Fingerprint{Hash: h}
	if tiles == "" {
		return fp, nil
	}
	if len(tiles)%16 != 0 {
		return Fingerprint{}, fmt.Errorf("invalid tile fingerprint length %d", len(tiles))
	}
	if _, err := hex.DecodeString(tiles); err != nil {
		return Fingerprint{}, fmt.Errorf("invalid tile fingerprint: %w", err)
	}
	for i := 0; i < len(tiles); i += 16 {
		t, err := strconv.ParseUint(tiles[i:i+16], 16, 64)
		if err != nil {
			return Fingerprint{}, fmt.Errorf("invalid tile fingerprint: %w", err)
		}
		fp.Tiles = append(fp.Tiles, t)
	}
	return fp, nil
}

// Compute decodes data and fingerprints the image. The same bytes always
// produce the same fingerprint.
func Compute(data []byte) (Fingerprint, error) {
	img, _, err := images.Decode(data)
	if err != nil {
		return Fingerprint{}, err
	}
	return FromImage(img), nil
}

// FromImage fingerprints an already decoded image
func FromImage(img image.Image) Fingerprint {
	gray := imaging.Grayscale(img)
	fp := Fingerprint{Hash: dhash(gray)}

	b := gray.Bounds()
	tw, th := b.Dx()/TileGrid, b.Dy()/TileGrid
	if tw < 9 || th < 8 {
		return fp
	}
	fp.Tiles = make([]uint64, 0, TileGrid*TileGrid)
	for ty := 0; ty < TileGrid; ty++ {
		for tx := 0; tx < TileGrid; tx++ {
			r := image.Rect(b.Min.X+tx*tw, b.Min.Y+ty*th, b.Min.X+(tx+1)*tw, b.Min.Y+(ty+1)*th)
			fp.Tiles = append(fp.Tiles, dhash(imaging.Crop(gray, r)))
		}
	}
	return fp
}

// dhash shrinks img to 9x8 and sets one bit per horizontal neighbour pair
// where the left pixel is brighter than the right one.
func dhash(img image.Image) uint64 {
	small := imaging.Resize(img, 9, 8, imaging.Lanczos)
	var h uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			left := small.Pix[small.PixOffset(x, y)]
			right := small.Pix[small.PixOffset(x+1, y)]
			h <<= 1
			if left > right {
				h |= 1
			}
		}
	}
	return h
}

// Distance is the Hamming distance between two whole-image hashes
func Distance(a, b Fingerprint) int {
	return bits.OnesCount64(a.Hash ^ b.Hash)
}

// TileDistance is the largest per-tile Hamming distance, or -1 when the
// fingerprints cannot be compared tile by tile.
func TileDistance(a, b Fingerprint) int {
	if len(a.Tiles) == 0 || len(a.Tiles) != len(b.Tiles) {
		return -1
	}
	worst := 0
	for i := range a.Tiles {
		if d := bits.OnesCount64(a.Tiles[i] ^ b.Tiles[i]); d > worst {
			worst = d
		}
	}
	return worst
}
