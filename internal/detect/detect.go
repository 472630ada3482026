// Package detect finds a card-shaped region in a probe frame.
package detect

import (
	"image"
	"math"

	"github.com/cardscan/cardscan/internal/models"
	"github.com/disintegration/imaging"
)

const (
	workWidth = 96

	// cardAspect is width/height of a portrait trading card (63mm x 88mm)
	cardAspect      = 63.0 / 88.0
	aspectTolerance = 0.22

	minCoverage = 0.08
	maxCoverage = 0.95

	// foregroundDelta is the luma difference from the border estimate
	// that marks a pixel as part of the card
	foregroundDelta = 28
	// minRowFill drops rows/columns with stray foreground pixels
	minRowFill = 0.15
)

// Detection is the outcome of looking for a card in one frame
type Detection struct {
	Card     bool
	Overlay  models.OverlayBox
	Coverage float64
}

// Detect estimates the background from the frame border and returns the
// bounding box of the region that stands out from it.
func Detect(img image.Image) Detection {
	if img == nil || img.Bounds().Empty() {
		return Detection{}
	}

	gray := imaging.Grayscale(imaging.Resize(img, workWidth, 0, imaging.Box))
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 8 || h < 8 {
		return Detection{}
	}

	bg := borderMean(gray)

	rowCounts := make([]int, h)
	colCounts := make([]int, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := float64(gray.Pix[gray.PixOffset(x+b.Min.X, y+b.Min.Y)])
			if math.Abs(v-bg) >= foregroundDelta {
				rowCounts[y]++
				colCounts[x]++
			}
		}
	}

	top, bottom, ok := span(rowCounts, int(minRowFill*float64(w)))
	if !ok {
		return Detection{}
	}
	left, right, ok := span(colCounts, int(minRowFill*float64(h)))
	if !ok {
		return Detection{}
	}

	bw := float64(right - left + 1)
	bh := float64(bottom - top + 1)
	coverage := (bw * bh) / float64(w*h)

	d := Detection{
		Overlay: models.OverlayBox{
			X: float64(left) / float64(w),
			Y: float64(top) / float64(h),
			W: bw / float64(w),
			H: bh / float64(h),
		},
		Coverage: coverage,
	}
	d.Card = coverage >= minCoverage && coverage <= maxCoverage && cardShaped(bw, bh)
	return d
}

func cardShaped(w, h float64) bool {
	if h == 0 {
		return false
	}
	ratio := w / h
	return math.Abs(ratio-cardAspect) <= aspectTolerance ||
		math.Abs(ratio-1/cardAspect) <= aspectTolerance
}

// borderMean averages the outermost ring of pixels
func borderMean(g *image.NRGBA) float64 {
	b := g.Bounds()
	var sum float64
	var n int
	for x := b.Min.X; x < b.Max.X; x++ {
		sum += float64(g.Pix[g.PixOffset(x, b.Min.Y)])
		sum += float64(g.Pix[g.PixOffset(x, b.Max.Y-1)])
		n += 2
	}
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		sum += float64(g.Pix[g.PixOffset(b.Min.X, y)])
		sum += float64(g.Pix[g.PixOffset(b.Max.X-1, y)])
		n += 2
	}
	return sum / float64(n)
}

// span returns the first and last index whose count reaches min
func span(counts []int, min int) (int, int, bool) {
	if min < 1 {
		min = 1
	}
	first, last := -1, -1
	for i, c := range counts {
		if c >= min {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	return first, last, first >= 0
}
