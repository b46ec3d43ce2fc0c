package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RemoteConfig points at the image generation service.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// Size is the fixed generation resolution, "WxH".
	Size string `yaml:"size"`
}

// UpscaleConfig selects the upscaling strategy.
type UpscaleConfig struct {
	// Mode: "auto" probes for the model binary and falls back to the fast
	// kernel; "model" and "fast" force a strategy; "off" disables upscaling.
	Mode string `yaml:"mode"`
	// Scale is the upscale factor. Default: 4.
	Scale int `yaml:"scale"`
	// ModelBinary is the super-resolution CLI probed in auto/model mode.
	ModelBinary string `yaml:"model_binary"`
}

// Config holds the full engine configuration.
type Config struct {
	DataDir            string        `yaml:"data_dir"`
	CacheOnly          bool          `yaml:"cache_only"`
	ImageInterval      time.Duration `yaml:"image_interval"`
	MoodDeltaThreshold float64       `yaml:"mood_delta_threshold"`
	BufferDepth        int           `yaml:"buffer_depth"`
	Theme              string        `yaml:"theme"`
	Listen             string        `yaml:"listen"`
	Remote             RemoteConfig  `yaml:"remote"`
	Upscale            UpscaleConfig `yaml:"upscale"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:            "data",
		ImageInterval:      45 * time.Second,
		MoodDeltaThreshold: 0.35,
		BufferDepth:        3,
		Theme:              "drifting abstract landscapes",
		Listen:             ":8090",
		Remote: RemoteConfig{
			Size: "1024x1024",
		},
		Upscale: UpscaleConfig{
			Mode:        "auto",
			Scale:       4,
			ModelBinary: "realesrgan-ncnn-vulkan",
		},
	}
}

// LoadConfig reads and parses a YAML config file, merged over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.ImageInterval <= 0 {
		return fmt.Errorf("image_interval must be > 0")
	}
	if c.BufferDepth <= 0 {
		return fmt.Errorf("buffer_depth must be > 0")
	}
	if c.MoodDeltaThreshold < 0 {
		return fmt.Errorf("mood_delta_threshold must be >= 0")
	}
	if !c.CacheOnly && c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required unless cache_only is set")
	}
	switch c.Upscale.Mode {
	case "auto", "model", "fast", "off":
	default:
		return fmt.Errorf("unsupported upscale.mode %q (use auto, model, fast or off)", c.Upscale.Mode)
	}
	if c.Upscale.Mode != "off" && c.Upscale.Scale < 1 {
		return fmt.Errorf("upscale.scale must be >= 1")
	}
	return nil
}
