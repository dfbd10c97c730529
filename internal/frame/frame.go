package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"
)

// BytesPerPixel is the size of one RGB24 pixel.
const BytesPerPixel = 3

// Frame represents a single decoded video frame with metadata
type Frame struct {
	// Seq is the monotonic sequence number assigned by the producer
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains packed RGB24 pixels, row-major, Width*Height*3 bytes
	Data []byte
	// TraceID is a unique identifier for log correlation
	TraceID string
}

// Valid reports whether the pixel buffer matches the dimensions.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Data) == f.Width*f.Height*BytesPerPixel
}

// Clone returns a deep copy. Frames crossing a goroutine boundary must be
// cloned so the receiver never shares a buffer with the producer.
func (f Frame) Clone() Frame {
	c := f
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return c
}

// Mirror returns a horizontally flipped copy.
func (f Frame) Mirror() Frame {
	out := f
	out.Data = make([]byte, len(f.Data))
	if !f.Valid() {
		copy(out.Data, f.Data)
		return out
	}

	stride := f.Width * BytesPerPixel
	for y := 0; y < f.Height; y++ {
		row := f.Data[y*stride : (y+1)*stride]
		dst := out.Data[y*stride : (y+1)*stride]
		for x := 0; x < f.Width; x++ {
			src := row[x*BytesPerPixel : x*BytesPerPixel+BytesPerPixel]
			o := (f.Width - 1 - x) * BytesPerPixel
			dst[o], dst[o+1], dst[o+2] = src[0], src[1], src[2]
		}
	}
	return out
}

// RGBA converts the frame into an *image.RGBA suitable for drawing and encoding.
func (f Frame) RGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	if !f.Valid() {
		return img
	}
	for i, j := 0, 0; i < len(f.Data); i, j = i+BytesPerPixel, j+4 {
		img.Pix[j] = f.Data[i]
		img.Pix[j+1] = f.Data[i+1]
		img.Pix[j+2] = f.Data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// FromImage builds an RGB24 frame from any image, keeping the metadata of meta.
func FromImage(img image.Image, meta Frame) Frame {
	b := img.Bounds()
	out := meta
	out.Width = b.Dx()
	out.Height = b.Dy()
	out.Data = make([]byte, out.Width*out.Height*BytesPerPixel)

	if rgba, ok := img.(*image.RGBA); ok {
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, y):]
			for x := 0; x < out.Width; x++ {
				out.Data[i] = row[x*4]
				out.Data[i+1] = row[x*4+1]
				out.Data[i+2] = row[x*4+2]
				i += BytesPerPixel
			}
		}
		return out
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out.Data[i] = uint8(r >> 8)
			out.Data[i+1] = uint8(g >> 8)
			out.Data[i+2] = uint8(bl >> 8)
			i += BytesPerPixel
		}
	}
	return out
}

// FromBGR builds a frame from packed BGR24 pixels (OpenCV order), swapping
// channels into a fresh buffer.
func FromBGR(bgr []byte, width, height int) (Frame, error) {
	if len(bgr) != width*height*BytesPerPixel {
		return Frame{}, fmt.Errorf("frame: BGR buffer is %d bytes, want %d for %dx%d",
			len(bgr), width*height*BytesPerPixel, width, height)
	}
	data := make([]byte, len(bgr))
	for i := 0; i < len(bgr); i += BytesPerPixel {
		data[i], data[i+1], data[i+2] = bgr[i+2], bgr[i+1], bgr[i]
	}
	return Frame{Width: width, Height: height, Data: data}, nil
}

// EncodeJPEG encodes an image at the given quality (1-100, 0 selects the default).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	opts := &jpeg.Options{Quality: jpeg.DefaultQuality}
	if quality > 0 {
		opts.Quality = quality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// JPEG encodes the frame as JPEG.
func (f Frame) JPEG(quality int) ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("frame: invalid buffer (%dx%d, %d bytes)", f.Width, f.Height, len(f.Data))
	}
	return EncodeJPEG(f.RGBA(), quality)
}
