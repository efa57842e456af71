package inpaint

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/kontext-inpaint/internal/config"
	"github.com/menta2k/kontext-inpaint/pkg/assistant"
	"github.com/menta2k/kontext-inpaint/pkg/mask"
	"github.com/menta2k/kontext-inpaint/pkg/types"
)

type stubGenerator struct {
	result *types.GenerationResult
	last   *types.GenerationRequest
}

func (g *stubGenerator) Submit(_ context.Context, req *types.GenerationRequest) (*types.GenerationResult, error) {
	g.last = req
	res := *g.result
	return &res, nil
}

type stubAssistant struct{}

func (stubAssistant) Ask(_ context.Context, req *types.AssistantRequest) (*types.AssistantReply, error) {
	return &types.AssistantReply{Text: "ok: " + req.PromptText}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Dir = filepath.Join(t.TempDir(), "data")
	cfg.Preferences.Path = filepath.Join(t.TempDir(), "preferences.json")
	return cfg
}

func pngDataURL(t *testing.T) string {
	t.Helper()
	return sizedPNGDataURL(t, 4, 4)
}

func sizedPNGDataURL(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return types.ImageRef{Data: buf.Bytes(), MIMEType: "image/png"}.DataURL()
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Brush.MaxWidth = 1

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestMaskFromStrokes(t *testing.T) {
	tool, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer tool.Close()

	log := []types.Stroke{{Points: []types.Point{{X: 200, Y: 150}}, Width: 40, Mode: types.ModePaint}}
	m, g, err := tool.MaskFromStrokes(context.Background(), 800, 600, 432, log)
	require.NoError(t, err)

	assert.Equal(t, 400, g.DisplayWidth)
	assert.Equal(t, 300, g.DisplayHeight)
	assert.Equal(t, 800, m.Width())
	assert.Equal(t, 600, m.Height())
	assert.Equal(t, mask.White, m.Image().GrayAt(400, 300).Y)
	assert.Equal(t, mask.Black, m.Image().GrayAt(0, 0).Y)
}

func TestMaskFromStrokesRejectsBadStroke(t *testing.T) {
	tool, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)

	log := []types.Stroke{{Points: []types.Point{{X: 1, Y: 1}}, Width: 500}}
	_, _, err = tool.MaskFromStrokes(context.Background(), 100, 100, 0, log)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestGenerateRehostsResult(t *testing.T) {
	gen := &stubGenerator{result: &types.GenerationResult{
		ImageURL: pngDataURL(t),
		Details:  types.ProcessingDetails{OutputFormat: "png", Model: "FLUX.1 Kontext LoRA"},
	}}
	cfg := testConfig(t)
	tool, err := New(context.Background(), cfg, WithGenerator(gen))
	require.NoError(t, err)

	log := []types.Stroke{{Points: []types.Point{{X: 20, Y: 20}, {X: 60, Y: 20}}, Width: 20}}
	m, _, err := tool.MaskFromStrokes(context.Background(), 100, 80, 0, log)
	require.NoError(t, err)

	source := sizedPNGDataURL(t, 100, 80)
	result, err := tool.Generate(context.Background(), source, "add a window", m)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.Filename, "kontext-inpaint-result-"))
	assert.True(t, strings.HasSuffix(result.ImageURL, result.Filename))
	_, err = os.Stat(filepath.Join(cfg.Storage.Dir, result.Filename))
	assert.NoError(t, err)

	require.NotNil(t, gen.last)
	assert.True(t, strings.Contains(gen.last.MaskRef, "kontext-mask-"))
	assert.Equal(t, 30, gen.last.Params.InferenceSteps)
	assert.Equal(t, 0.88, gen.last.Params.Strength)
}

func TestGenerateRejectsMaskOfOtherSize(t *testing.T) {
	gen := &stubGenerator{result: &types.GenerationResult{ImageURL: pngDataURL(t)}}
	tool, err := New(context.Background(), testConfig(t), WithGenerator(gen))
	require.NoError(t, err)

	log := []types.Stroke{{Points: []types.Point{{X: 20, Y: 20}, {X: 60, Y: 20}}, Width: 20}}
	m, _, err := tool.MaskFromStrokes(context.Background(), 100, 80, 0, log)
	require.NoError(t, err)

	_, err = tool.Generate(context.Background(), sizedPNGDataURL(t, 200, 160), "add a window", m)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
	assert.Nil(t, gen.last)
}

func TestGenerateWithoutKey(t *testing.T) {
	tool, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)

	_, err = tool.Generate(context.Background(), "https://cdn.example.com/s.png", "p", nil)
	require.Error(t, err)
	assert.Equal(t, "FAL_KEY environment variable not configured", types.UserMessage(err))
}

func TestAsk(t *testing.T) {
	tool, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	assert.Nil(t, tool.Assistant())

	_, err = tool.Ask(context.Background(), assistant.Query{Prompt: "p", SourceRef: "https://cdn.example.com/s.png"})
	assert.Error(t, err)

	tool, err = New(context.Background(), testConfig(t), WithAssistant(stubAssistant{}))
	require.NoError(t, err)
	reply, err := tool.Ask(context.Background(), assistant.Query{Prompt: "p", SourceRef: "https://cdn.example.com/s.png"})
	require.NoError(t, err)
	assert.Equal(t, "ok: p", reply.Text)
}

func TestHandlerServesUploads(t *testing.T) {
	cfg := testConfig(t)
	tool, err := New(context.Background(), cfg, WithAssistant(stubAssistant{}))
	require.NoError(t, err)

	h, err := tool.Handler()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(tool.Storage().Primary().(interface{ Dir() string }).Dir(), "a.txt"), []byte("hi"), 0644))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/a.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hi", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/preferences/developer-message", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEditorConfigParsesBrushColor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Brush.Color = "#ff0000"
	cfg.Brush.Opacity = 1
	tool, err := New(context.Background(), cfg)
	require.NoError(t, err)

	edCfg, err := tool.EditorConfig()
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{255, 0, 0, 255}, edCfg.Brush.Style.Color)

	cfg.Brush.Color = "not a colour"
	_, err = tool.EditorConfig()
	assert.Error(t, err)
}
