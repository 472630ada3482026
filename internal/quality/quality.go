// Package quality scores camera frames for usability before they are
// worth sending to the identification service.
package quality

import (
	"image"
	"image/color"
)

// Cause tags. Assess only produces low_light and ok; unstable_geometry is
// set by callers that see something in view that is not card shaped.
const (
	CauseLowLight         = "low_light"
	CauseUnstableGeometry = "unstable_geometry"
	CauseOK               = "ok"
)

const (
	// SampleWidth and SampleHeight size the fixed downsample buffer
	SampleWidth  = 64
	SampleHeight = 48

	// LowLightLow is the average luma below which a frame is too dark to use
	LowLightLow = 0.15
	// LowLightHigh is the average luma below which a frame is borderline
	LowLightHigh = 0.30
	// wellLit is the average luma at which the score saturates
	wellLit = 0.50

	lowBand        = 0.30
	borderlineBand = 0.55
)

// Score is the usability of a single frame
type Score struct {
	Score      float64 `json:"score"`
	Cause      string  `json:"cause"`
	Brightness float64 `json:"brightness"`
}

// Assessor computes a Score from a frame. It owns one fixed luma buffer
// and is not safe for concurrent use.
type Assessor struct {
	luma [SampleWidth * SampleHeight]float64
}

// NewAssessor returns an assessor with its downsample buffer allocated
func NewAssessor() *Assessor {
	return &Assessor{}
}

// Assess samples img into the downsample buffer and classifies its brightness
func (a *Assessor) Assess(img image.Image) Score {
	if img == nil {
		return Score{Score: 0, Cause: CauseLowLight}
	}
	b := img.Bounds()
	if b.Empty() {
		return Score{Score: 0, Cause: CauseLowLight}
	}

	a.sample(img, b)

	var sum float64
	for _, v := range a.luma {
		sum += v
	}
	return Classify(sum / float64(len(a.luma)))
}

// Classify maps an average luma in [0,1] to a Score
func Classify(avg float64) Score {
	avg = clamp01(avg)
	switch {
	case avg < LowLightLow:
		return Score{
			Score:      lowBand * avg / LowLightLow,
			Cause:      CauseLowLight,
			Brightness: avg,
		}
	case avg < LowLightHigh:
		return Score{
			Score:      lowBand + (borderlineBand-lowBand)*(avg-LowLightLow)/(LowLightHigh-LowLightLow),
			Cause:      CauseLowLight,
			Brightness: avg,
		}
	default:
		s := borderlineBand + (1-borderlineBand)*(avg-LowLightHigh)/(wellLit-LowLightHigh)
		return Score{
			Score:      clamp01(s),
			Cause:      CauseOK,
			Brightness: avg,
		}
	}
}

// sample fills the luma buffer by nearest-neighbour sampling. Common
// concrete image types read their pixel slices directly.
func (a *Assessor) sample(img image.Image, b image.Rectangle) {
	w, h := b.Dx(), b.Dy()
	for sy := 0; sy < SampleHeight; sy++ {
		y := b.Min.Y + (sy*h+h/2)/SampleHeight
		for sx := 0; sx < SampleWidth; sx++ {
			x := b.Min.X + (sx*w+w/2)/SampleWidth
			a.luma[sy*SampleWidth+sx] = lumaAt(img, x, y)
		}
	}
}

// lumaAt reads one pixel. Every image type the standard decoders produce
// is read from its pixel slice; only other types go through At, which
// allocates per sample.
func lumaAt(img image.Image, x, y int) float64 {
	switch m := img.(type) {
	case *image.RGBA:
		i := m.PixOffset(x, y)
		return luma8(m.Pix[i], m.Pix[i+1], m.Pix[i+2])
	case *image.NRGBA:
		i := m.PixOffset(x, y)
		return luma8(m.Pix[i], m.Pix[i+1], m.Pix[i+2])
	case *image.RGBA64:
		i := m.PixOffset(x, y)
		return luma8(m.Pix[i], m.Pix[i+2], m.Pix[i+4])
	case *image.NRGBA64:
		i := m.PixOffset(x, y)
		return luma8(m.Pix[i], m.Pix[i+2], m.Pix[i+4])
	case *image.Gray:
		return float64(m.Pix[m.PixOffset(x, y)]) / 255
	case *image.Gray16:
		return float64(m.Pix[m.PixOffset(x, y)]) / 255
	case *image.YCbCr:
		// Y is already a luma channel
		return float64(m.Y[m.YOffset(x, y)]) / 255
	case *image.NYCbCrA:
		return float64(m.Y[m.YOffset(x, y)]) / 255
	case *image.CMYK:
		i := m.PixOffset(x, y)
		r, g, b := color.CMYKToRGB(m.Pix[i], m.Pix[i+1], m.Pix[i+2], m.Pix[i+3])
		return luma8(r, g, b)
	case *image.Paletted:
		idx := int(m.Pix[m.PixOffset(x, y)])
		if idx >= len(m.Palette) {
			return 0
		}
		r, g, b, _ := m.Palette[idx].RGBA()
		return luma16(r, g, b)
	default:
		r, g, b, _ := img.At(x, y).RGBA()
		return luma16(r, g, b)
	}
}

func luma16(r, g, b uint32) float64 {
	return (0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)) / 65535
}

func luma8(r, g, b uint8) float64 {
	return (0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)) / 255
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
