package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	inpaint "github.com/menta2k/kontext-inpaint"
	"github.com/menta2k/kontext-inpaint/internal/config"
	"github.com/menta2k/kontext-inpaint/internal/utils"
	"github.com/menta2k/kontext-inpaint/pkg/assistant"
	"github.com/menta2k/kontext-inpaint/pkg/strokes"
	"github.com/menta2k/kontext-inpaint/pkg/types"
)

func main() {
	var in, strokesPath, outDir, maskFmt, prompt string
	var instruction, saveInstruction, backend, serve, configPath string
	var container int
	var debug, generate, ask, verbose bool

	flag.StringVar(&in, "in", "", "source image path or URL (jpg/png/gif/webp)")
	flag.StringVar(&strokesPath, "strokes", "", "JSON stroke log recorded on the display canvas")
	flag.IntVar(&container, "container", 0, "container width the strokes were drawn in (0 = default)")
	flag.StringVar(&outDir, "out", "out", "output directory")
	flag.StringVar(&maskFmt, "maskfmt", "", "mask output format: png|webp (default from config)")
	flag.BoolVar(&debug, "debug", false, "write a mask overlay preview")

	flag.StringVar(&prompt, "prompt", "", "edit instruction for the masked region")
	flag.BoolVar(&generate, "generate", false, "submit the mask to the inpainting model (needs FAL_KEY)")
	flag.BoolVar(&ask, "ask", false, "ask the assistant about the image and mask")
	flag.StringVar(&instruction, "instruction", "", "developer instruction for -ask (default: saved preference)")
	flag.StringVar(&saveInstruction, "save-instruction", "", "save the default developer instruction and exit")
	flag.StringVar(&backend, "backend", "", "assistant backend: openai|gemini|ollama")

	flag.StringVar(&serve, "serve", "", "serve the HTTP API on this address (e.g. :8080)")
	flag.StringVar(&configPath, "config", "", "config file (default "+config.GetConfigPath()+" if present)")
	flag.BoolVar(&verbose, "v", false, "debug logging")

	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg.ApplyEnv()
	if backend != "" {
		cfg.Assistant.Backend = backend
		cfg.ApplyEnv()
	}
	if maskFmt != "" {
		cfg.Mask.Format = maskFmt
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tool, err := inpaint.New(ctx, cfg, inpaint.WithLogger(logger))
	if err != nil {
		log.Fatal(err)
	}
	defer tool.Close()

	if saveInstruction != "" {
		if err := tool.Preferences().SetDeveloperMessage(saveInstruction); err != nil {
			log.Fatal(err)
		}
		log.Printf("saved default developer instruction to %s", tool.Preferences().Path())
		return
	}

	if serve != "" {
		if err := runServer(ctx, tool, serve); err != nil {
			log.Fatal(err)
		}
		return
	}

	if in == "" || strokesPath == "" {
		log.Fatalf("usage: %s -in image.jpg|URL -strokes strokes.json [-container 832] [-out outdir] [-maskfmt png|webp] [-debug] [-prompt text -generate|-ask] | -serve :8080 | -save-instruction text", filepath.Base(os.Args[0]))
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.Fatal(err)
	}

	processor := tool.Processor()
	img, data, err := processor.LoadImageSmart(ctx, in)
	if err != nil {
		log.Fatal(err)
	}
	bounds := img.Bounds()

	f, err := os.Open(strokesPath)
	if err != nil {
		log.Fatal(err)
	}
	strokeLog, err := strokes.DecodeLog(f)
	f.Close()
	if err != nil {
		log.Fatal(err)
	}

	m, g, err := tool.MaskFromStrokes(ctx, bounds.Dx(), bounds.Dy(), container, strokeLog)
	if err != nil {
		log.Fatal(types.UserMessage(err))
	}
	log.Printf("canvas %dx%d -> mask %dx%d, %d strokes, %d pixels painted",
		g.DisplayWidth, g.DisplayHeight, m.Width(), m.Height(), len(strokeLog), m.Painted())

	maskBytes, err := processor.EncodeMask(m, cfg.Mask.Format)
	if err != nil {
		log.Fatal(err)
	}
	maskPath := filepath.Join(outDir, "mask."+strings.ToLower(cfg.Mask.Format))
	if err := os.WriteFile(maskPath, maskBytes, 0o644); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %s", maskPath)

	if debug {
		overlay := processor.CreateMaskOverlay(img, m, color.NRGBA{34, 197, 94, 128})
		dbgPath := filepath.Join(outDir, "mask_overlay.png")
		if err := processor.SaveImage(overlay, dbgPath, "png", cfg.Mask.Quality, false); err != nil {
			log.Printf("debug overlay save failed: %v", err)
		} else {
			log.Printf("wrote %s", dbgPath)
		}
	}

	if !generate && !ask {
		return
	}

	sourceRef := in
	if !strings.Contains(in, "://") {
		name := utils.TimestampedName("source", utils.GetFileExtension(in), time.Now())
		sourceRef, err = tool.Storage().Put(ctx, name, data, utils.ContentTypeFor(in))
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("uploaded source to %s", sourceRef)
	}

	if generate {
		result, err := tool.Generate(ctx, sourceRef, prompt, m)
		if err != nil {
			log.Fatalf("generation failed: %s", types.UserMessage(err))
		}
		log.Printf("result: %s (seed %v)", result.ImageURL, seedString(result.Seed))
		writeJSON(filepath.Join(outDir, "result.json"), result)
	}

	if ask {
		reply, err := tool.Ask(ctx, assistant.Query{
			Instruction: instruction,
			Prompt:      prompt,
			SourceRef:   sourceRef,
			SavedMask:   m,
		})
		if err != nil {
			log.Fatalf("assistant failed: %s", types.UserMessage(err))
		}
		fmt.Println(reply.Text)
		for i, ref := range reply.Images {
			if !ref.Inline() {
				log.Printf("assistant image: %s", ref.URL)
				continue
			}
			path := filepath.Join(outDir, fmt.Sprintf("assistant_%02d.%s", i+1, utils.ExtensionFor(ref.MIMEType)))
			if err := os.WriteFile(path, ref.Data, 0o644); err != nil {
				log.Printf("save %s failed: %v", path, err)
			} else {
				log.Printf("wrote %s", path)
			}
		}
		writeJSON(filepath.Join(outDir, "assistant.json"), reply)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	if def := config.GetConfigPath(); utils.FileExists(def) {
		return config.LoadFromFile(def)
	}
	return config.Default(), nil
}

func runServer(ctx context.Context, tool *inpaint.Tool, addr string) error {
	handler, err := tool.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("serving on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func seedString(seed *int64) string {
	if seed == nil {
		return "none"
	}
	return fmt.Sprint(*seed)
}

func writeJSON(path string, v any) {
	js, _ := json.MarshalIndent(v, "", "  ")
	if err := os.WriteFile(path, js, 0o644); err != nil {
		log.Printf("save %s failed: %v", path, err)
		return
	}
	log.Printf("wrote %s", path)
}
