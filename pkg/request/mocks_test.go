package request

import (
	"context"
	"fmt"
	"sync"
)

type putCall struct {
	name        string
	data        []byte
	contentType string
}

// memoryStorage records uploads, serves seeded objects and optionally fails
// uploads
type memoryStorage struct {
	mu      sync.Mutex
	calls   []putCall
	objects map[string][]byte
	err     error
}

func (s *memoryStorage) Put(_ context.Context, name string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.calls = append(s.calls, putCall{name: name, data: data, contentType: contentType})
	return "https://storage.example.com/" + name, nil
}

func (s *memoryStorage) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.objects[ref]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("no object %s", ref)
}
