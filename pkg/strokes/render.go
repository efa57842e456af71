// Package strokes captures brush strokes at display resolution and renders
// them to a translucent raster.
package strokes

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"golang.org/x/image/draw"

	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// Style controls how painted strokes look on the raster
type Style struct {
	Color    color.NRGBA
	Softness float64 // feather sigma as a fraction of brush width, 0 for hard edges
}

// DefaultStyle is a half-transparent green with a light feather
func DefaultStyle() Style {
	return Style{
		Color:    color.NRGBA{R: 34, G: 197, B: 94, A: 128},
		Softness: 0.05,
	}
}

// ParseStyle builds a Style from a #rrggbb color and an opacity in (0, 1].
func ParseStyle(hex string, opacity, softness float64) (Style, error) {
	hex = strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(hex) != 6 {
		return Style{}, fmt.Errorf("invalid brush color %q", hex)
	}
	rgb, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return Style{}, fmt.Errorf("invalid brush color %q: %w", hex, err)
	}
	if opacity <= 0 || opacity > 1 {
		return Style{}, fmt.Errorf("brush opacity %.2f out of range", opacity)
	}
	return Style{
		Color: color.NRGBA{
			R: uint8(rgb >> 16),
			G: uint8(rgb >> 8),
			B: uint8(rgb),
			A: uint8(types.Round(opacity * 255)),
		},
		Softness: softness,
	}, nil
}

// Render draws strokes in order onto a transparent width x height raster.
// Paint strokes are composited over what is already there; erase strokes
// remove coverage. The result depends only on its arguments.
func Render(strokes []types.Stroke, width, height int, style Style) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	for _, s := range strokes {
		Composite(dst, s, style)
	}
	return dst
}

// Composite draws one stroke onto dst. Only the stroke's footprint is
// rasterised and blurred, so the cost does not depend on the canvas size.
func Composite(dst *image.NRGBA, s types.Stroke, style Style) {
	area := footprint(s, style.Softness).Intersect(dst.Bounds())
	if area.Empty() {
		return
	}
	coverage := strokeCoverage(s, area, style.Softness)
	if coverage == nil {
		return
	}
	switch s.Mode {
	case types.ModeErase:
		draw.DrawMask(dst, area, image.Transparent, image.Point{}, coverage, image.Point{}, draw.Src)
	default:
		draw.DrawMask(dst, area, image.NewUniform(style.Color), image.Point{}, coverage, image.Point{}, draw.Over)
	}
}

// footprint bounds every pixel a stroke can touch: the points, half the
// brush, antialiasing and the blur kernel reach.
func footprint(s types.Stroke, softness float64) image.Rectangle {
	if len(s.Points) == 0 || s.Width <= 0 {
		return image.Rectangle{}
	}
	minX, minY := s.Points[0].X, s.Points[0].Y
	maxX, maxY := minX, minY
	for _, p := range s.Points[1:] {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	pad := s.Width/2 + 2
	if sigma := s.Width * softness; sigma > 0 {
		pad += math.Ceil(3*sigma) + 1
	}
	return image.Rect(
		int(math.Floor(minX-pad)), int(math.Floor(minY-pad)),
		int(math.Ceil(maxX+pad)), int(math.Ceil(maxY+pad)),
	)
}

// strokeCoverage rasterises one stroke inside area as an alpha mask with
// round caps and joins, feathered by a gaussian blur. The returned image is
// anchored at the origin and has the size of area.
func strokeCoverage(s types.Stroke, area image.Rectangle, softness float64) image.Image {
	if len(s.Points) == 0 || s.Width <= 0 {
		return nil
	}

	dc := gg.NewContext(area.Dx(), area.Dy())
	dc.Translate(-float64(area.Min.X), -float64(area.Min.Y))
	dc.SetRGBA(1, 1, 1, 1)

	if isDot(s.Points) {
		p := s.Points[0]
		dc.DrawCircle(p.X, p.Y, s.Width/2)
		dc.Fill()
	} else {
		dc.SetLineWidth(s.Width)
		dc.SetLineCapRound()
		dc.SetLineJoinRound()
		dc.MoveTo(s.Points[0].X, s.Points[0].Y)
		for _, p := range s.Points[1:] {
			dc.LineTo(p.X, p.Y)
		}
		dc.Stroke()
	}

	sigma := s.Width * softness
	if sigma <= 0 {
		return dc.Image()
	}
	return imaging.Blur(dc.Image(), sigma)
}

func isDot(points []types.Point) bool {
	first := points[0]
	for _, p := range points[1:] {
		if p != first {
			return false
		}
	}
	return true
}
