package quality

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func uniform(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		avg   float64
		cause string
		min   float64
		max   float64
	}{
		{name: "black frame", avg: 0, cause: CauseLowLight, min: 0, max: 0},
		{name: "dark", avg: 0.10, cause: CauseLowLight, min: 0, max: 0.30},
		{name: "borderline", avg: 0.20, cause: CauseLowLight, min: 0.30, max: 0.55},
		{name: "at high boundary", avg: LowLightHigh, cause: CauseOK, min: 0.55, max: 0.55},
		{name: "well lit", avg: 0.6, cause: CauseOK, min: 1, max: 1},
		{name: "out of range clamps", avg: 4, cause: CauseOK, min: 1, max: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Classify(tt.avg)
			assert.Equal(t, tt.cause, s.Cause)
			assert.GreaterOrEqual(t, s.Score, tt.min)
			assert.LessOrEqual(t, s.Score, tt.max)
			if tt.min != tt.max {
				assert.Less(t, s.Score, tt.max)
			}
		})
	}
}

func TestAssessUsesLumaWeights(t *testing.T) {
	a := NewAssessor()

	green := a.Assess(uniform(320, 240, color.NRGBA{G: 255, A: 255}))
	assert.InDelta(t, 0.7152, green.Brightness, 1e-9)

	blue := a.Assess(uniform(320, 240, color.NRGBA{B: 255, A: 255}))
	assert.InDelta(t, 0.0722, blue.Brightness, 1e-9)
	assert.Equal(t, CauseLowLight, blue.Cause)

	white := a.Assess(uniform(17, 11, color.NRGBA{R: 255, G: 255, B: 255, A: 255}))
	assert.InDelta(t, 1.0, white.Brightness, 1e-9)
	assert.Equal(t, CauseOK, white.Cause)
	assert.Equal(t, 1.0, white.Score)
}

// opaque hides the concrete image type so Assess takes the At path
type opaque struct {
	image.Image
}

func TestAssessGenericImageMatchesFastPath(t *testing.T) {
	a := NewAssessor()
	c := color.NRGBA{R: 90, G: 120, B: 30, A: 255}

	fast := a.Assess(uniform(128, 96, c))
	slow := a.Assess(opaque{uniform(128, 96, c)})

	assert.InDelta(t, fast.Brightness, slow.Brightness, 1e-3)
}

func TestAssessEmptyFrame(t *testing.T) {
	a := NewAssessor()
	assert.Equal(t, CauseLowLight, a.Assess(nil).Cause)
	assert.Equal(t, 0.0, a.Assess(image.NewRGBA(image.Rectangle{})).Score)
}

// decodedFrames returns one image of every type the standard decoders
// produce, all filled with the same light gray
func decodedFrames() map[string]image.Image {
	r := image.Rect(0, 0, 320, 240)
	c := color.RGBA{R: 200, G: 200, B: 200, A: 255}

	frames := map[string]image.Image{
		"rgba":    image.NewRGBA(r),
		"nrgba":   image.NewNRGBA(r),
		"rgba64":  image.NewRGBA64(r),
		"nrgba64": image.NewNRGBA64(r),
		"gray":    image.NewGray(r),
		"gray16":  image.NewGray16(r),
		"cmyk":    image.NewCMYK(r),
		"paletted": image.NewPaletted(r, color.Palette{
			color.Black, c,
		}),
		"ycbcr":   image.NewYCbCr(r, image.YCbCrSubsampleRatio420),
		"nycbcra": image.NewNYCbCrA(r, image.YCbCrSubsampleRatio420),
	}
	for _, img := range frames {
		switch m := img.(type) {
		case *image.YCbCr:
			fillYCbCr(m, 200)
		case *image.NYCbCrA:
			fillYCbCr(&m.YCbCr, 200)
		case *image.Paletted:
			for i := range m.Pix {
				m.Pix[i] = 1
			}
		case interface{ Set(x, y int, c color.Color) }:
			for y := r.Min.Y; y < r.Max.Y; y++ {
				for x := r.Min.X; x < r.Max.X; x++ {
					m.Set(x, y, c)
				}
			}
		}
	}
	return frames
}

func fillYCbCr(m *image.YCbCr, luma uint8) {
	for i := range m.Y {
		m.Y[i] = luma
	}
	for i := range m.Cb {
		m.Cb[i] = 128
		m.Cr[i] = 128
	}
}

func TestAssessDoesNotAllocate(t *testing.T) {
	a := NewAssessor()
	for name, img := range decodedFrames() {
		t.Run(name, func(t *testing.T) {
			allocs := testing.AllocsPerRun(20, func() {
				_ = a.Assess(img)
			})
			assert.Zero(t, allocs)
			assert.InDelta(t, 200.0/255, a.Assess(img).Brightness, 0.01)
		})
	}
}
