package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// memoryStorage keeps objects in a map under mem:// refs
type memoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{objects: map[string][]byte{}}
}

func (s *memoryStorage) Put(_ context.Context, name string, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := "mem://" + name
	s.objects[ref] = data
	return ref, nil
}

func (s *memoryStorage) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[ref]
	if !ok {
		return nil, fmt.Errorf("no object %s", ref)
	}
	return data, nil
}

func (s *memoryStorage) has(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[ref]
	return ok
}

// stubGenerator answers every request with a fixed result or error
type stubGenerator struct {
	mu     sync.Mutex
	reqs   []*types.GenerationRequest
	result *types.GenerationResult
	err    error
}

func (g *stubGenerator) Submit(_ context.Context, req *types.GenerationRequest) (*types.GenerationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	res := *g.result
	res.Prompt = req.PromptText
	res.MaskRef = req.MaskRef
	return &res, nil
}

func (g *stubGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reqs)
}

type stubAssistant struct {
	mu   sync.Mutex
	last *types.AssistantRequest
}

func (a *stubAssistant) Ask(_ context.Context, req *types.AssistantRequest) (*types.AssistantReply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = req
	return &types.AssistantReply{
		Text:   "The sky region is masked.",
		Images: []types.ImageRef{{URL: "https://cdn.example.com/preview.png"}},
	}, nil
}
