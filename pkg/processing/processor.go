package processing

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/kontext-inpaint/pkg/client"
	"github.com/menta2k/kontext-inpaint/pkg/mask"
)

// Processor handles image decoding, encoding and preview rendering
type Processor struct {
	fetcher client.Storage
}

// NewProcessor creates a new image processor. fetcher resolves remote
// references and may be nil when only local files are used.
func NewProcessor(fetcher client.Storage) *Processor {
	return &Processor{fetcher: fetcher}
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, _, err := p.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// LoadImageSmart loads an image from either a file path or any reference the
// fetcher understands (http(s), data URL, storage locator).
func (p *Processor) LoadImageSmart(ctx context.Context, source string) (image.Image, []byte, error) {
	if p.fetcher != nil && (strings.Contains(source, "://") || strings.HasPrefix(source, "data:")) {
		data, err := p.fetcher.Get(ctx, source)
		if err != nil {
			return nil, nil, err
		}
		img, _, err := p.Decode(data)
		if err != nil {
			return nil, nil, err
		}
		return img, data, nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, _, err := p.Decode(data)
	if err != nil {
		return nil, nil, err
	}
	return img, data, nil
}

// Decode decodes image bytes and reports the detected format
func (p *Processor) Decode(data []byte) (image.Image, string, error) {
	if img, format, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, format, nil
	}

	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, "webp", nil
	}

	return nil, "", fmt.Errorf("image: unknown or unsupported format")
}

// Encode writes img in the given format. Masks should be written lossless so
// their binary values survive.
func (p *Processor) Encode(w io.Writer, img image.Image, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		return webp.Encode(w, img, &webp.Options{Lossless: lossless, Quality: float32(quality)})
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		return enc.Encode(w, img)
	case "jpg", "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// EncodeBytes is Encode into a fresh buffer
func (p *Processor) EncodeBytes(img image.Image, format string, quality int, lossless bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Encode(&buf, img, format, quality, lossless); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeMask encodes a mask losslessly as png or webp
func (p *Processor) EncodeMask(m *mask.Mask, format string) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("no mask to encode")
	}
	switch strings.ToLower(format) {
	case "", "png":
		return m.PNG()
	case "webp":
		return p.EncodeBytes(m.Image(), "webp", 100, true)
	default:
		return nil, fmt.Errorf("unsupported mask format: %s", format)
	}
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return p.Encode(f, img, "webp", quality, lossless)
	case "png":
		return imaging.Save(img, path)
	default:
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// CreateMaskOverlay tints the masked region of img so a mask can be checked
// against its source. The mask is stretched to the image size if they differ.
func (p *Processor) CreateMaskOverlay(img image.Image, m *mask.Mask, tint color.NRGBA) image.Image {
	base := imaging.Clone(img)
	if m == nil || m.Painted() == 0 {
		return base
	}

	w, h := base.Bounds().Dx(), base.Bounds().Dy()
	var maskImg image.Image = m.Image()
	if m.Width() != w || m.Height() != h {
		maskImg = imaging.Resize(maskImg, w, h, imaging.NearestNeighbor)
	}
	gray := imaging.Clone(maskImg)

	layer := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if gray.Pix[y*gray.Stride+x*4] < 128 {
				continue
			}
			i := y*layer.Stride + x*4
			layer.Pix[i+0] = tint.R
			layer.Pix[i+1] = tint.G
			layer.Pix[i+2] = tint.B
			layer.Pix[i+3] = 255
		}
	}

	opacity := float64(tint.A) / 255
	if opacity == 0 {
		opacity = 0.5
	}
	overlay := imaging.Overlay(base, layer, image.Pt(0, 0), opacity)

	if r, ok := m.Bounds(); ok {
		sx := float64(w) / float64(m.Width())
		sy := float64(h) / float64(m.Height())
		box := image.Rect(
			int(float64(r.Min.X)*sx), int(float64(r.Min.Y)*sy),
			int(float64(r.Max.X)*sx+0.5), int(float64(r.Max.Y)*sy+0.5),
		)
		drawBox(overlay, box, color.NRGBA{255, 204, 0, 255}, 2)
	}
	return overlay
}

func drawBox(img *image.NRGBA, r image.Rectangle, c color.NRGBA, stroke int) {
	if r.Dx() <= 0 || r.Dy() <= 0 {
		return
	}
	for s := 0; s < stroke; s++ {
		drawHLine(img, r.Min.Y+s, r.Min.X, r.Max.X, c)
		drawHLine(img, r.Max.Y-1-s, r.Min.X, r.Max.X, c)
		drawVLine(img, r.Min.X+s, r.Min.Y, r.Max.Y, c)
		drawVLine(img, r.Max.X-1-s, r.Min.Y, r.Max.Y, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	x0, x1 = max(x0, 0), min(x1, img.Bounds().Dx())
	for x := x0; x < x1; x++ {
		img.SetNRGBA(x, y, c)
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	y0, y1 = max(y0, 0), min(y1, img.Bounds().Dy())
	for y := y0; y < y1; y++ {
		img.SetNRGBA(x, y, c)
	}
}
