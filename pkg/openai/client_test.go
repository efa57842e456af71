package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/kontext-inpaint/pkg/types"
)

func TestBuildInput(t *testing.T) {
	input := BuildInput(&types.AssistantRequest{
		DeveloperInstruction: "  answer briefly ",
		PromptText:           "what is masked?",
		SourceImageRef:       "https://cdn.example.com/a.jpg",
		SavedMaskRef:         "data:image/png;base64,AAAA",
	})

	require.Len(t, input, 2)
	assert.Equal(t, "developer", input[0].Role)
	assert.Equal(t, "answer briefly", input[0].Content[0].Text)
	assert.Equal(t, "user", input[1].Role)
	require.Len(t, input[1].Content, 3)
	assert.Equal(t, "input_text", input[1].Content[0].Type)
	assert.Equal(t, "input_image", input[1].Content[1].Type)
	assert.Equal(t, "https://cdn.example.com/a.jpg", input[1].Content[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,AAAA", input[1].Content[2].ImageURL)

	input = BuildInput(&types.AssistantRequest{PromptText: "p", SourceImageRef: "https://cdn.example.com/a.jpg"})
	require.Len(t, input, 1)
	assert.Len(t, input[0].Content, 2)
}

func TestDecodeReplyOutputItems(t *testing.T) {
	body := []byte(`{
		"output": [
			{"type": "reasoning", "id": "rs_1"},
			{"type": "message", "role": "assistant", "content": [
				{"type": "output_text", "text": "Here is"},
				{"type": "text", "text": "the edit."},
				{"type": "output_image", "image_url": "https://img.example.com/1.png"},
				{"type": "image", "image": "aGVsbG8="}
			]},
			{"type": "image_generation_call", "id": "ig_1", "status": "completed", "result": "d29ybGQ="},
			{"type": "image_generation_call", "output": {"image_url": "https://img.example.com/2.png"}},
			{"type": "tool_call_result", "content": {"image": "data:image/jpeg;base64,aGk="}}
		]
	}`)

	reply, err := DecodeReply(body)
	require.NoError(t, err)

	assert.Equal(t, "Here is the edit.", reply.Text)
	require.Len(t, reply.Images, 5)
	assert.Equal(t, "https://img.example.com/1.png", reply.Images[0].URL)
	assert.Equal(t, []byte("hello"), reply.Images[1].Data)
	assert.Equal(t, "image/png", reply.Images[1].MIMEType)
	assert.Equal(t, []byte("world"), reply.Images[2].Data)
	assert.Equal(t, "https://img.example.com/2.png", reply.Images[3].URL)
	assert.Equal(t, "image/jpeg", reply.Images[4].MIMEType)

	require.Len(t, reply.Items, 5)
	assert.IsType(t, UnrecognizedItem{}, reply.Items[0])
	assert.Equal(t, "reasoning", reply.Items[0].ItemType())
	assert.IsType(t, MessageItem{}, reply.Items[1])
	call, ok := reply.Items[2].(ImageGenerationCall)
	require.True(t, ok)
	assert.Equal(t, "completed", call.Status)
	assert.IsType(t, ToolCallResult{}, reply.Items[4])
}

func TestDecodeReplyFallbacks(t *testing.T) {
	tests := []struct {
		name string
		body string
		text string
	}{
		{"choices", `{"choices": [{"message": {"content": "from choices"}}]}`, "from choices"},
		{"message parts", `{"message": {"content": [{"type": "text", "text": "from message"}]}}`, "from message"},
		{"text", `{"text": "plain text"}`, "plain text"},
		{"content", `{"content": [{"type": "output_text", "text": "from content"}]}`, "from content"},
		{"output_text", `{"output": [], "output_text": "convenience"}`, "convenience"},
		{"nothing", `{"id": "resp_1", "text": {"format": {"type": "text"}}}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := DecodeReply([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.text, reply.Text)
			assert.NotNil(t, reply.Images)
		})
	}
}

func TestDecodeReplyInvalid(t *testing.T) {
	_, err := DecodeReply([]byte(`not json`))
	assert.Error(t, err)
}

func TestAsk(t *testing.T) {
	var got ResponsesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"output": [{"type": "message", "content": [{"type": "output_text", "text": "done"}]}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "sk-test", "")
	require.NoError(t, err)

	reply, err := c.Ask(context.Background(), &types.AssistantRequest{PromptText: "hi", SourceImageRef: "https://cdn.example.com/a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "done", reply.Text)
	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, []Tool{{Type: "image_generation"}}, got.Tools)
}

func TestAskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "bad", "")
	require.NoError(t, err)

	_, err = c.Ask(context.Background(), &types.AssistantRequest{PromptText: "hi", SourceImageRef: "x"})
	var se *types.ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Status)
	assert.Equal(t, "Incorrect API key provided", se.Message)
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient("", "", "")
	assert.Error(t, err)
}
