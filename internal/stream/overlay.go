package stream

import (
	"fmt"
	"image"
	"image/color"

	"github.com/goki/freetype"
	"github.com/goki/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/classify"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

const defaultFontSize = 20

var (
	labelColor = color.RGBA{R: 0xff, A: 0xff}
	frameColor = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// Overlay draws prediction text onto frames.
type Overlay struct {
	font *truetype.Font
	size float64
}

// NewOverlay parses the embedded Go Regular font. A size <= 0 selects the
// default of 20pt.
func NewOverlay(size float64) (*Overlay, error) {
	f, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("stream: failed to parse font: %w", err)
	}
	if size <= 0 {
		size = defaultFontSize
	}
	return &Overlay{font: f, size: size}, nil
}

// Annotate returns a copy of f with "<label>: <conf>%" in red at (10,30) and
// "Frame: <n>" in white at (10,60).
func (o *Overlay) Annotate(f frame.Frame, p classify.Prediction) (frame.Frame, error) {
	if !f.Valid() {
		return frame.Frame{}, fmt.Errorf("stream: cannot annotate invalid frame %dx%d", f.Width, f.Height)
	}
	img := f.RGBA()

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(o.font)
	c.SetFontSize(o.size)
	c.SetClip(img.Bounds())
	c.SetDst(img)

	lines := []struct {
		text  string
		color color.Color
		x, y  int
	}{
		{fmt.Sprintf("%s: %.2f%%", p.Label, p.Confidence), labelColor, 10, 30},
		{fmt.Sprintf("Frame: %d", p.FrameNumber), frameColor, 10, 60},
	}
	for _, l := range lines {
		c.SetSrc(image.NewUniform(l.color))
		if _, err := c.DrawString(l.text, freetype.Pt(l.x, l.y)); err != nil {
			return frame.Frame{}, fmt.Errorf("stream: failed to draw %q: %w", l.text, err)
		}
	}
	return frame.FromImage(img, f), nil
}
