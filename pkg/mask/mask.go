// Package mask turns display-resolution stroke rasters into strictly binary
// masks at the natural resolution of the source image.
package mask

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
)

const (
	// Black marks pixels the model must keep.
	Black uint8 = 0
	// White marks pixels the model may regenerate.
	White uint8 = 255
)

// Mask is a binary single-channel image. Every pixel is Black or White.
type Mask struct {
	img     *image.Gray
	painted int
}

func newMask(img *image.Gray) *Mask {
	m := &Mask{img: img}
	for _, v := range img.Pix {
		if v == White {
			m.painted++
		}
	}
	return m
}

// FromImage binarizes an arbitrary image, typically a decoded mask file.
// Opaque pixels brighter than mid grey become White.
func FromImage(src image.Image) *Mask {
	b := src.Bounds()
	img := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	painted := 0
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := src.At(b.Min.X+x, b.Min.Y+y)
			_, _, _, a := c.RGBA()
			if a == 0 {
				continue
			}
			if color.GrayModel.Convert(c).(color.Gray).Y >= 128 {
				img.Pix[y*img.Stride+x] = White
				painted++
			}
		}
	}
	return &Mask{img: img, painted: painted}
}

// Decode reads an encoded mask image and binarizes it
func Decode(r io.Reader) (*Mask, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask: %w", err)
	}
	return FromImage(img), nil
}

// Image returns the underlying grayscale image. Callers must not modify it.
func (m *Mask) Image() *image.Gray {
	if m == nil {
		return nil
	}
	return m.img
}

// Width of the mask in pixels
func (m *Mask) Width() int {
	if m == nil {
		return 0
	}
	return m.img.Rect.Dx()
}

// Height of the mask in pixels
func (m *Mask) Height() int {
	if m == nil {
		return 0
	}
	return m.img.Rect.Dy()
}

// Painted returns the number of White pixels
func (m *Mask) Painted() int {
	if m == nil {
		return 0
	}
	return m.painted
}

// HasContent reports whether at least minPainted pixels are White.
func (m *Mask) HasContent(minPainted int) bool {
	if minPainted < 1 {
		minPainted = 1
	}
	return m.Painted() >= minPainted
}

// Bounds returns the bounding box of White pixels. ok is false for a mask
// with nothing painted.
func (m *Mask) Bounds() (r image.Rectangle, ok bool) {
	if m.Painted() == 0 {
		return image.Rectangle{}, false
	}
	minX, minY := m.Width(), m.Height()
	maxX, maxY := -1, -1
	for y := 0; y < m.Height(); y++ {
		row := m.img.Pix[y*m.img.Stride : y*m.img.Stride+m.Width()]
		for x, v := range row {
			if v != White {
				continue
			}
			minX = min(minX, x)
			maxX = max(maxX, x)
			minY = min(minY, y)
			maxY = max(maxY, y)
		}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

// Clone returns a deep copy
func (m *Mask) Clone() *Mask {
	if m == nil {
		return nil
	}
	img := image.NewGray(m.img.Rect)
	copy(img.Pix, m.img.Pix)
	return &Mask{img: img, painted: m.painted}
}

// Equal reports whether both masks have the same size and pixels
func (m *Mask) Equal(o *Mask) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.img.Rect != o.img.Rect || m.painted != o.painted {
		return false
	}
	return bytes.Equal(m.img.Pix, o.img.Pix)
}

// EncodePNG writes the mask as a grayscale PNG
func (m *Mask) EncodePNG(w io.Writer) error {
	if m == nil {
		return fmt.Errorf("mask is empty")
	}
	if err := png.Encode(w, m.img); err != nil {
		return fmt.Errorf("failed to encode mask: %w", err)
	}
	return nil
}

// PNG returns the PNG encoding of the mask
func (m *Mask) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
