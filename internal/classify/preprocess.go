package classify

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

// Resize scales f to size x size RGB24 with bilinear filtering. The aspect
// ratio is not preserved, matching the square model input.
func Resize(f frame.Frame, size int) ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("classify: invalid frame %dx%d (%d bytes)", f.Width, f.Height, len(f.Data))
	}
	if size <= 0 {
		return nil, fmt.Errorf("classify: invalid target size %d", size)
	}
	if f.Width == size && f.Height == size {
		return append([]byte(nil), f.Data...), nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), f.RGBA(), image.Rect(0, 0, f.Width, f.Height), draw.Src, nil)

	out := make([]byte, size*size*frame.BytesPerPixel)
	for p, o := 0, 0; p < len(dst.Pix); p, o = p+4, o+3 {
		out[o], out[o+1], out[o+2] = dst.Pix[p], dst.Pix[p+1], dst.Pix[p+2]
	}
	return out, nil
}

// ResizeWindow resizes every frame of a window. Frames sharing a backing
// buffer (padding) are resized once.
func ResizeWindow(window []frame.Frame, size int) ([][]byte, error) {
	out := make([][]byte, len(window))
	for i, f := range window {
		if i > 0 && sameBuffer(window[i-1], f) {
			out[i] = out[i-1]
			continue
		}
		b, err := Resize(f, size)
		if err != nil {
			return nil, fmt.Errorf("frame %d of window: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

func sameBuffer(a, b frame.Frame) bool {
	return len(a.Data) > 0 && len(a.Data) == len(b.Data) && &a.Data[0] == &b.Data[0]
}
