package mask

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// rowsPerCheck bounds how much work happens between cancellation checks
const rowsPerCheck = 64

// Resolver converts stroke rasters into binary masks. It keeps no state
// between calls.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a Resolver that logs through slog.Default
func NewResolver() *Resolver {
	return &Resolver{logger: slog.Default()}
}

// NewResolverWithLogger creates a Resolver with a custom logger
func NewResolverWithLogger(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve upscales raster from the display grid of g to its natural grid with
// nearest-neighbour sampling, then marks every pixel with non-zero alpha White
// and every other pixel Black.
//
// The raster must match the display size of g; a mismatch means it was
// captured for an older geometry and a GeometryError is returned.
func (r *Resolver) Resolve(ctx context.Context, raster image.Image, g types.ImageGeometry) (*Mask, error) {
	if g.DisplayWidth <= 0 || g.DisplayHeight <= 0 {
		return nil, &types.GeometryError{Geometry: g, Message: "display size is not known yet"}
	}
	if g.NaturalWidth <= 0 || g.NaturalHeight <= 0 {
		return nil, &types.GeometryError{Geometry: g, Message: "natural size is not known yet"}
	}
	if raster == nil {
		return nil, &types.GeometryError{Geometry: g, Message: "no stroke raster"}
	}
	rb := raster.Bounds()
	if rb.Dx() != g.DisplayWidth || rb.Dy() != g.DisplayHeight {
		return nil, &types.GeometryError{
			Geometry: g,
			Message:  fmt.Sprintf("stroke raster is %dx%d, display is %dx%d", rb.Dx(), rb.Dy(), g.DisplayWidth, g.DisplayHeight),
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scaled := imaging.Resize(raster, g.NaturalWidth, g.NaturalHeight, imaging.NearestNeighbor)

	img, err := binarizeAlpha(ctx, scaled)
	if err != nil {
		return nil, err
	}

	if img.Rect.Dx() != g.NaturalWidth || img.Rect.Dy() != g.NaturalHeight {
		err := &types.ResolutionError{
			WantWidth:  g.NaturalWidth,
			WantHeight: g.NaturalHeight,
			GotWidth:   img.Rect.Dx(),
			GotHeight:  img.Rect.Dy(),
		}
		r.logger.ErrorContext(ctx, "mask resolution mismatch", "error", err)
		return nil, err
	}

	m := newMask(img)
	r.logger.DebugContext(ctx, "mask resolved",
		"display", fmt.Sprintf("%dx%d", g.DisplayWidth, g.DisplayHeight),
		"natural", fmt.Sprintf("%dx%d", g.NaturalWidth, g.NaturalHeight),
		"painted", m.painted)
	return m, nil
}

func binarizeAlpha(ctx context.Context, src *image.NRGBA) (*image.Gray, error) {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		if y%rowsPerCheck == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		in := src.Pix[y*src.Stride : y*src.Stride+w*4]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+w]
		for x := range out {
			if in[x*4+3] > 0 {
				out[x] = White
			} else {
				out[x] = Black
			}
		}
	}
	return dst, nil
}
