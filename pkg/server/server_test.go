package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/kontext-inpaint/pkg/assistant"
	"github.com/menta2k/kontext-inpaint/pkg/mask"
	"github.com/menta2k/kontext-inpaint/pkg/preferences"
	"github.com/menta2k/kontext-inpaint/pkg/request"
	"github.com/menta2k/kontext-inpaint/pkg/types"
)

var fixedNow = time.UnixMilli(1700000000000)

func clock() time.Time { return fixedNow }

type fixture struct {
	server    *Server
	storage   *memoryStorage
	generator *stubGenerator
	assistant *stubAssistant
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	store := newMemoryStorage()
	gen := &stubGenerator{result: &types.GenerationResult{
		ImageURL: "mem://fal-output.png",
		Details: types.ProcessingDetails{
			InferenceSteps: 30,
			GuidanceScale:  2.5,
			Strength:       0.88,
			OutputFormat:   "png",
			Model:          "FLUX.1 Kontext LoRA",
			Acceleration:   "none",
		},
	}}
	store.objects["mem://fal-output.png"] = encodePNG(t, solid(8, 8, color.White))
	store.objects["https://cdn.example.com/source.png"] = encodePNG(t, solid(32, 32, color.Black))
	store.objects["https://cdn.example.com/s.png"] = encodePNG(t, solid(8, 8, color.Black))
	store.objects["https://cdn.example.com/large.png"] = encodePNG(t, solid(1000, 800, color.Black))

	asst := &stubAssistant{}
	assembler := request.NewAssembler(store, request.Config{Clock: clock})
	prefs := preferences.NewStore(filepath.Join(t.TempDir(), "preferences.json"))

	cfg := Config{
		Storage:       store,
		Assembler:     assembler,
		Generator:     gen,
		Assistant:     assistant.NewService(asst, assembler, prefs, nil),
		RehostResults: true,
		Clock:         clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{server: New(cfg), storage: store, generator: gen, assistant: asst}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func solid(w, h int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// maskPNG draws a white square on black
func maskPNG(t *testing.T, w, h int, painted image.Rectangle) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := painted.Min.Y; y < painted.Max.Y; y++ {
		for x := painted.Min.X; x < painted.Max.X; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return encodePNG(t, img)
}

type part struct {
	field, filename, contentType string
	data                         []byte
}

func multipartRequest(t *testing.T, target string, fields map[string]string, parts ...part) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, p := range parts {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.filename+`"`)
		h.Set("Content-Type", p.contentType)
		w, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = w.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestUpload(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(multipartRequest(t, "/api/upload", nil,
		part{"file", "holiday photo.png", "image/png", encodePNG(t, solid(40, 30, color.Black))}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Regexp(t, `^mem://holiday photo-1700000000000-[0-9a-f]{32}\.png$`, resp.URL)
	assert.Equal(t, 40, resp.Width)
	assert.Equal(t, 30, resp.Height)
	assert.Equal(t, "image/png", resp.ContentType)
	assert.True(t, f.storage.has(resp.URL))
}

func TestUploadRejects(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(multipartRequest(t, "/api/upload", nil,
		part{"file", "notes.txt", "text/plain", []byte("hello")}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Only image files are allowed", decodeError(t, rec))

	rec = f.do(multipartRequest(t, "/api/upload", map[string]string{"other": "x"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file uploaded", decodeError(t, rec))
}

func TestMaskEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	body := `{"naturalWidth":800,"naturalHeight":600,"containerWidth":432,
		"strokes":[{"points":[{"x":200,"y":150}],"width":40,"mode":"paint"}]}`
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/mask", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "400", rec.Header().Get("X-Display-Width"))
	assert.Equal(t, "300", rec.Header().Get("X-Display-Height"))
	assert.NotEqual(t, "0", rec.Header().Get("X-Painted-Pixels"))

	m, err := mask.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 800, m.Width())
	assert.Equal(t, 600, m.Height())
	assert.Equal(t, mask.White, m.Image().GrayAt(400, 300).Y)
	assert.Equal(t, mask.Black, m.Image().GrayAt(10, 10).Y)
}

func TestMaskEndpointErrors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", "{"},
		{"no geometry", `{"naturalWidth":0,"naturalHeight":0}`},
		{"bad stroke", `{"naturalWidth":10,"naturalHeight":10,"strokes":[{"points":[],"width":10}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(httptest.NewRequest(http.MethodPost, "/api/mask", strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestKontextImage(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(multipartRequest(t, "/api/kontext-image",
		map[string]string{"image_url": "https://cdn.example.com/source.png", "prompt": "a red door"},
		part{"mask", "mask.png", "image/png", maskPNG(t, 32, 32, image.Rect(8, 8, 24, 24))}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp kontextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Regexp(t, `^kontext-inpaint-result-1700000000000-[0-9a-f]{32}\.png$`, resp.Data.Filename)
	assert.Equal(t, "mem://"+resp.Data.Filename, resp.Data.ImageURL)
	assert.Equal(t, "a red door", resp.Data.OriginalPrompt)
	assert.Regexp(t, `^mem://kontext-mask-1700000000000-[0-9a-f]{32}\.png$`, resp.Data.MaskURL)
	assert.Equal(t, "FLUX.1 Kontext LoRA", resp.Data.ProcessingDetails.Model)
	assert.Equal(t, 30, resp.Data.ProcessingDetails.InferenceSteps)

	assert.True(t, f.storage.has(resp.Data.ImageURL))
	require.Equal(t, 1, f.generator.calls())
	sent := f.generator.reqs[0]
	assert.Equal(t, "https://cdn.example.com/source.png", sent.SourceImageRef)
	assert.Equal(t, "https://cdn.example.com/source.png", sent.Params.ReferenceImageRef)
	assert.Equal(t, 0.88, sent.Params.Strength)
}

func TestKontextImageWithoutRehost(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RehostResults = false })

	rec := f.do(multipartRequest(t, "/api/kontext-image",
		map[string]string{"image_url": "https://cdn.example.com/source.png", "prompt": "a red door"},
		part{"mask", "mask.png", "image/png", maskPNG(t, 32, 32, image.Rect(8, 8, 24, 24))}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp kontextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "mem://fal-output.png", resp.Data.ImageURL)
	assert.Equal(t, "a-red-door-1700000000.png", resp.Data.Filename)
}

func TestKontextImageErrors(t *testing.T) {
	goodMask := part{"mask", "mask.png", "image/png", nil}
	emptyMask := part{"mask", "mask.png", "image/png", nil}

	tests := []struct {
		name    string
		mutate  func(*Config)
		fields  map[string]string
		parts   func(t *testing.T) []part
		status  int
		message string
	}{
		{
			name:    "missing prompt",
			fields:  map[string]string{"image_url": "https://cdn.example.com/s.png"},
			parts:   func(t *testing.T) []part { p := goodMask; p.data = maskPNG(t, 8, 8, image.Rect(0, 0, 8, 8)); return []part{p} },
			status:  http.StatusBadRequest,
			message: "Missing required parameters: image_url, prompt, and mask are required",
		},
		{
			name:    "missing mask",
			fields:  map[string]string{"image_url": "https://cdn.example.com/s.png", "prompt": "p"},
			parts:   func(t *testing.T) []part { return nil },
			status:  http.StatusBadRequest,
			message: "Missing required parameters: image_url, prompt, and mask are required",
		},
		{
			name:    "no generator",
			mutate:  func(c *Config) { c.Generator = nil },
			fields:  map[string]string{"image_url": "https://cdn.example.com/s.png", "prompt": "p"},
			parts:   func(t *testing.T) []part { p := goodMask; p.data = maskPNG(t, 8, 8, image.Rect(0, 0, 8, 8)); return []part{p} },
			status:  http.StatusInternalServerError,
			message: "FAL_KEY environment variable not configured",
		},
		{
			name:    "empty mask",
			fields:  map[string]string{"image_url": "https://cdn.example.com/s.png", "prompt": "p"},
			parts:   func(t *testing.T) []part { p := emptyMask; p.data = maskPNG(t, 8, 8, image.Rectangle{}); return []part{p} },
			status:  http.StatusBadRequest,
			message: "Please upload an image and create a mask first",
		},
		{
			name:    "mask size differs from image",
			fields:  map[string]string{"image_url": "https://cdn.example.com/large.png", "prompt": "p"},
			parts:   func(t *testing.T) []part { p := goodMask; p.data = maskPNG(t, 10, 10, image.Rect(0, 0, 10, 10)); return []part{p} },
			status:  http.StatusBadRequest,
			message: "Mask size 10x10 does not match image size 1000x800",
		},
		{
			name:    "source unreadable",
			fields:  map[string]string{"image_url": "https://cdn.example.com/missing.png", "prompt": "p"},
			parts:   func(t *testing.T) []part { p := goodMask; p.data = maskPNG(t, 8, 8, image.Rect(0, 0, 8, 8)); return []part{p} },
			status:  http.StatusInternalServerError,
			message: "Failed to read source image",
		},
		{
			name:    "unreadable mask",
			fields:  map[string]string{"image_url": "https://cdn.example.com/s.png", "prompt": "p"},
			parts:   func(t *testing.T) []part { p := goodMask; p.data = []byte("nope"); return []part{p} },
			status:  http.StatusBadRequest,
			message: "Mask is not a readable image",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate)
			rec := f.do(multipartRequest(t, "/api/kontext-image", tt.fields, tt.parts(t)...))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, decodeError(t, rec))
			assert.Zero(t, f.generator.calls())
		})
	}
}

func TestKontextImageUpstreamFailures(t *testing.T) {
	fields := map[string]string{"image_url": "https://cdn.example.com/s.png", "prompt": "p"}

	t.Run("service status propagates", func(t *testing.T) {
		f := newFixture(t, nil)
		f.generator.err = &types.ServiceError{Service: "fal", Status: 422, Message: "mask_url is not reachable"}

		rec := f.do(multipartRequest(t, "/api/kontext-image", fields,
			part{"mask", "mask.png", "image/png", maskPNG(t, 8, 8, image.Rect(0, 0, 8, 8))}))
		assert.Equal(t, 422, rec.Code)
		assert.Equal(t, "mask_url is not reachable", decodeError(t, rec))
	})

	t.Run("result download fails", func(t *testing.T) {
		f := newFixture(t, nil)
		f.generator.result.ImageURL = "mem://missing.png"

		rec := f.do(multipartRequest(t, "/api/kontext-image", fields,
			part{"mask", "mask.png", "image/png", maskPNG(t, 8, 8, image.Rect(0, 0, 8, 8))}))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Failed to download processed image from Fal.AI", decodeError(t, rec))
	})
}

func TestAssistantEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.storage.objects["mem://saved-mask.png"] = maskPNG(t, 16, 16, image.Rect(4, 4, 12, 12))

	body := `{"prompt":"make it night","imageUrl":"https://cdn.example.com/s.png","maskUrl":"mem://saved-mask.png","developerMessage":"Be brief."}`
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/assistant", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp assistantResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "The sky region is masked.", resp.Text)
	assert.Equal(t, []string{"https://cdn.example.com/preview.png"}, resp.Images)

	require.NotNil(t, f.assistant.last)
	assert.Equal(t, "Be brief.", f.assistant.last.DeveloperInstruction)
	assert.True(t, strings.HasPrefix(f.assistant.last.SavedMaskRef, "data:image/png;base64,"))
}

func TestAssistantEndpointValidation(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/assistant", strings.NewReader(`{"imageUrl":"https://cdn.example.com/s.png"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Please enter a prompt", decodeError(t, rec))

	f = newFixture(t, func(c *Config) { c.Assistant = nil })
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/assistant", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDeveloperMessagePreference(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/preferences/developer-message", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"developerMessage":""}`, rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodPut, "/api/preferences/developer-message",
		strings.NewReader(`{"developerMessage":"Describe edits in one line."}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/preferences/developer-message", nil))
	assert.JSONEq(t, `{"developerMessage":"Describe edits in one line."}`, rec.Body.String())

	// The saved instruction is used when a request carries none.
	body := `{"prompt":"p","imageUrl":"https://cdn.example.com/s.png"}`
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/assistant", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Describe edits in one line.", f.assistant.last.DeveloperInstruction)
}

func TestFilesRoute(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kontext-mask-1.png"), []byte("png"), 0644))

	f := newFixture(t, func(c *Config) { c.FilesDir = dir })
	rec := f.do(httptest.NewRequest(http.MethodGet, "/files/kontext-mask-1.png", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png", rec.Body.String())

	f = newFixture(t, nil)
	rec = f.do(httptest.NewRequest(http.MethodGet, "/files/kontext-mask-1.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/kontext-image", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
