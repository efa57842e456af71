// Package assistant runs the multimodal side channel: a prompt, the source
// image and the saved mask go to a chat model together with a developer
// instruction.
package assistant

import (
	"context"
	"log/slog"
	"strings"

	"github.com/menta2k/kontext-inpaint/pkg/client"
	"github.com/menta2k/kontext-inpaint/pkg/mask"
	"github.com/menta2k/kontext-inpaint/pkg/request"
	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// InstructionStore persists the default developer instruction
type InstructionStore interface {
	DeveloperMessage() (string, error)
	SetDeveloperMessage(msg string) error
}

// Query is one side-channel question. An empty Instruction falls back to the
// saved default.
type Query struct {
	Instruction string
	Prompt      string
	SourceRef   string
	SavedMask   *mask.Mask
}

// Service asks the configured backend
type Service struct {
	backend   client.Assistant
	assembler *request.Assembler
	store     InstructionStore
	logger    *slog.Logger
}

// NewService creates a side-channel service. store may be nil.
func NewService(backend client.Assistant, assembler *request.Assembler, store InstructionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, assembler: assembler, store: store, logger: logger}
}

// Ask validates q, resolves the instruction and calls the backend
func (s *Service) Ask(ctx context.Context, q Query) (*types.AssistantReply, error) {
	instruction := strings.TrimSpace(q.Instruction)
	if instruction == "" && s.store != nil {
		saved, err := s.store.DeveloperMessage()
		if err != nil {
			s.logger.WarnContext(ctx, "failed to read default instruction", "error", err)
		}
		instruction = saved
	}

	req, err := s.assembler.BuildAssistant(ctx, instruction, q.Prompt, q.SourceRef, q.SavedMask)
	if err != nil {
		return nil, err
	}

	reply, err := s.backend.Ask(ctx, req)
	if err != nil {
		s.logger.ErrorContext(ctx, "assistant request failed", "error", err)
		return nil, err
	}

	return normalizeReply(reply), nil
}

// DefaultInstruction returns the saved developer instruction, if any
func (s *Service) DefaultInstruction() (string, error) {
	if s.store == nil {
		return "", nil
	}
	return s.store.DeveloperMessage()
}

// SaveDefaultInstruction replaces the saved developer instruction
func (s *Service) SaveDefaultInstruction(msg string) error {
	if s.store == nil {
		return types.NewValidationError("developerMessage", "preferences are not configured")
	}
	return s.store.SetDeveloperMessage(strings.TrimSpace(msg))
}

// normalizeReply trims text and drops empty or duplicate images
func normalizeReply(reply *types.AssistantReply) *types.AssistantReply {
	if reply == nil {
		return &types.AssistantReply{}
	}
	reply.Text = strings.TrimSpace(reply.Text)

	seen := map[string]struct{}{}
	images := make([]types.ImageRef, 0, len(reply.Images))
	for _, img := range reply.Images {
		key := img.DataURL()
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		images = append(images, img)
	}
	reply.Images = images
	return reply
}
