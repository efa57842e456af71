package session

import (
	"context"
	"image"
	"sync"

	"github.com/menta2k/kontext-inpaint/pkg/mask"
	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// gatedResolver delegates to a real resolver but lets tests hold individual
// calls until released.
type gatedResolver struct {
	inner *mask.Resolver

	mu     sync.Mutex
	gates  map[image.Image]chan struct{}
	called chan image.Image
}

func newGatedResolver() *gatedResolver {
	return &gatedResolver{
		inner:  mask.NewResolver(),
		gates:  make(map[image.Image]chan struct{}),
		called: make(chan image.Image, 16),
	}
}

func (r *gatedResolver) hold(raster image.Image) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate := make(chan struct{})
	r.gates[raster] = gate
	return gate
}

func (r *gatedResolver) Resolve(ctx context.Context, raster image.Image, g types.ImageGeometry) (*mask.Mask, error) {
	r.called <- raster

	r.mu.Lock()
	gate := r.gates[raster]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.inner.Resolve(context.Background(), raster, g)
}
