package assistant

import (
	"context"
	"errors"
	"sync"

	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// recordingBackend captures requests and replays a canned reply
type recordingBackend struct {
	mu    sync.Mutex
	reqs  []*types.AssistantRequest
	reply *types.AssistantReply
	err   error
}

func (b *recordingBackend) Ask(_ context.Context, req *types.AssistantRequest) (*types.AssistantReply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	if b.err != nil {
		return nil, b.err
	}
	return b.reply, nil
}

func (b *recordingBackend) last() *types.AssistantRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.reqs) == 0 {
		return nil
	}
	return b.reqs[len(b.reqs)-1]
}

type memoryStore struct {
	msg     string
	readErr error
}

func (s *memoryStore) DeveloperMessage() (string, error) {
	if s.readErr != nil {
		return "", s.readErr
	}
	return s.msg, nil
}

func (s *memoryStore) SetDeveloperMessage(msg string) error {
	s.msg = msg
	return nil
}

type nopStorage struct{}

func (nopStorage) Put(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("unused")
}

func (nopStorage) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("unused")
}
