package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config holds the application configuration
type Config struct {
	Canvas      CanvasConfig      `json:"canvas"`
	Brush       BrushConfig       `json:"brush"`
	Mask        MaskConfig        `json:"mask"`
	Generation  GenerationConfig  `json:"generation"`
	Assistant   AssistantConfig   `json:"assistant"`
	Storage     StorageConfig     `json:"storage"`
	Server      ServerConfig      `json:"server"`
	Preferences PreferencesConfig `json:"preferences"`
}

// CanvasConfig bounds the display geometry of the editing surface
type CanvasConfig struct {
	MaxDisplayWidth        int `json:"max_display_width"`
	MaxDisplayHeight       int `json:"max_display_height"`
	Padding                int `json:"padding"`
	FallbackContainerWidth int `json:"fallback_container_width"`
}

// BrushConfig holds stroke rendering parameters
type BrushConfig struct {
	MinWidth     float64 `json:"min_width"`
	MaxWidth     float64 `json:"max_width"`
	DefaultWidth float64 `json:"default_width"`
	Softness     float64 `json:"softness"` // feather sigma as a fraction of brush width
	Color        string  `json:"color"`
	Opacity      float64 `json:"opacity"`
}

// MaskConfig holds mask resolution and export settings
type MaskConfig struct {
	MinPaintedPixels int    `json:"min_painted_pixels"`
	Format           string `json:"format"`
	Quality          int    `json:"quality"`
}

// GenerationConfig holds settings for the inpainting service
type GenerationConfig struct {
	Endpoint            string  `json:"endpoint"`
	APIKey              string  `json:"-"`
	Model               string  `json:"model"`
	InferenceSteps      int     `json:"inference_steps"`
	GuidanceScale       float64 `json:"guidance_scale"`
	Strength            float64 `json:"strength"`
	NumImages           int     `json:"num_images"`
	EnableSafetyChecker bool    `json:"enable_safety_checker"`
	OutputFormat        string  `json:"output_format"`
	Acceleration        string  `json:"acceleration"`
	MaxPromptLength     int     `json:"max_prompt_length"`
	TimeoutSeconds      int     `json:"timeout_seconds"`
	RehostResults       bool    `json:"rehost_results"`
}

// AssistantConfig selects and configures the multimodal side channel
type AssistantConfig struct {
	Backend        string `json:"backend"` // openai, gemini or ollama
	Model          string `json:"model"`
	URL            string `json:"url"`
	APIKey         string `json:"-"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// StorageConfig selects where uploads and masks are kept
type StorageConfig struct {
	Backend              string `json:"backend"` // local or gcs
	Dir                  string `json:"dir"`
	BaseURL              string `json:"base_url"`
	Bucket               string `json:"bucket"`
	Prefix               string `json:"prefix"`
	CredentialsFile      string `json:"credentials_file"`
	MaxUploadBytes       int64  `json:"max_upload_bytes"`
	AllowPrivateNetworks bool   `json:"allow_private_networks"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr string `json:"addr"`
}

// PreferencesConfig locates the persisted user preferences
type PreferencesConfig struct {
	Path string `json:"path"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Canvas: CanvasConfig{
			MaxDisplayWidth:        800,
			MaxDisplayHeight:       550,
			Padding:                32,
			FallbackContainerWidth: 800,
		},
		Brush: BrushConfig{
			MinWidth:     5,
			MaxWidth:     50,
			DefaultWidth: 40,
			Softness:     0.05,
			Color:        "#22c55e",
			Opacity:      0.5,
		},
		Mask: MaskConfig{
			MinPaintedPixels: 16,
			Format:           "png",
			Quality:          92,
		},
		Generation: GenerationConfig{
			Endpoint:            "https://fal.run/fal-ai/flux-kontext-lora/inpaint",
			Model:               "FLUX.1 Kontext LoRA",
			InferenceSteps:      30,
			GuidanceScale:       2.5,
			Strength:            0.88,
			NumImages:           1,
			EnableSafetyChecker: true,
			OutputFormat:        "png",
			Acceleration:        "none",
			MaxPromptLength:     500,
			TimeoutSeconds:      300,
			RehostResults:       true,
		},
		Assistant: AssistantConfig{
			Backend:        "openai",
			Model:          "gpt-4o",
			URL:            "https://api.openai.com",
			TimeoutSeconds: 300,
		},
		Storage: StorageConfig{
			Backend:        "local",
			Dir:            "./data",
			BaseURL:        "",
			MaxUploadBytes: 10 * 1024 * 1024,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Preferences: PreferencesConfig{
			Path: defaultPreferencesPath(),
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Fields missing from the
// file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv fills secrets and host overrides from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("FAL_KEY"); v != "" {
		c.Generation.APIKey = v
	}
	switch c.Assistant.Backend {
	case "openai":
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			c.Assistant.APIKey = v
		}
	case "gemini":
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			c.Assistant.APIKey = v
		}
	case "ollama":
		if v := os.Getenv("OLLAMA_HOST"); v != "" {
			c.Assistant.URL = v
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Canvas.MaxDisplayWidth < 1 || c.Canvas.MaxDisplayHeight < 1 {
		return fmt.Errorf("canvas.max_display_width and canvas.max_display_height must be positive")
	}

	if c.Canvas.Padding < 0 {
		return fmt.Errorf("canvas.padding cannot be negative")
	}

	if c.Brush.MinWidth <= 0 || c.Brush.MaxWidth < c.Brush.MinWidth {
		return fmt.Errorf("brush.min_width must be positive and not exceed brush.max_width")
	}

	if c.Brush.DefaultWidth < c.Brush.MinWidth || c.Brush.DefaultWidth > c.Brush.MaxWidth {
		return fmt.Errorf("brush.default_width must be between %.0f and %.0f", c.Brush.MinWidth, c.Brush.MaxWidth)
	}

	if c.Brush.Softness < 0 || c.Brush.Softness > 0.5 {
		return fmt.Errorf("brush.softness must be between 0 and 0.5")
	}

	if c.Brush.Opacity <= 0 || c.Brush.Opacity > 1 {
		return fmt.Errorf("brush.opacity must be in (0, 1]")
	}

	if c.Mask.MinPaintedPixels < 1 {
		return fmt.Errorf("mask.min_painted_pixels must be positive")
	}

	switch strings.ToLower(c.Mask.Format) {
	case "png", "webp":
	default:
		return fmt.Errorf("mask.format must be png or webp")
	}

	if c.Generation.Strength < 0 || c.Generation.Strength > 1 {
		return fmt.Errorf("generation.strength must be between 0 and 1")
	}

	if c.Generation.InferenceSteps < 1 || c.Generation.NumImages < 1 {
		return fmt.Errorf("generation.inference_steps and generation.num_images must be positive")
	}

	if c.Generation.MaxPromptLength < 1 {
		return fmt.Errorf("generation.max_prompt_length must be positive")
	}

	switch c.Assistant.Backend {
	case "openai", "gemini", "ollama", "":
	default:
		return fmt.Errorf("assistant.backend must be openai, gemini or ollama")
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the local backend")
		}
		// Without a base URL local refs are file:// paths that remote
		// services cannot fetch.
		if c.Storage.BaseURL == "" {
			if c.Generation.APIKey != "" {
				return fmt.Errorf("storage.base_url is required for the local backend when generation is enabled")
			}
			if c.Assistant.APIKey != "" && (c.Assistant.Backend == "openai" || c.Assistant.Backend == "") {
				return fmt.Errorf("storage.base_url is required for the local backend with the openai assistant")
			}
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be local or gcs")
	}

	if c.Storage.MaxUploadBytes < 1 {
		return fmt.Errorf("storage.max_upload_bytes must be positive")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "kontext-inpaint", "config.json")
}

func defaultPreferencesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./preferences.json"
	}
	return filepath.Join(home, ".config", "kontext-inpaint", "preferences.json")
}
