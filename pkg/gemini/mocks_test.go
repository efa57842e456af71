package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

type mockGenerator struct {
	resp *genai.GenerateContentResponse
	err  error

	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (m *mockGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.model = model
	m.contents = contents
	m.config = config
	return m.resp, m.err
}

type mapSource map[string][]byte

func (s mapSource) Get(_ context.Context, ref string) ([]byte, error) {
	data, ok := s[ref]
	if !ok {
		return nil, fmt.Errorf("not found: %s", ref)
	}
	return data, nil
}
