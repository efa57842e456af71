// Package client declares the ports the pipeline talks to external services
// through.
package client

import (
	"context"

	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// Storage publishes bytes under a name and returns an external locator.
type Storage interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Generator submits an inpainting request
type Generator interface {
	Submit(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error)
}

// Assistant asks a multimodal model about an image and its saved mask
type Assistant interface {
	Ask(ctx context.Context, req *types.AssistantRequest) (*types.AssistantReply, error)
}
