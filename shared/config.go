package shared

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Providers understood by the transport layer.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Environment variable keys
const (
	EnvProvider     = "LIVEVOICE_PROVIDER"
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvBaseURL      = "LIVEVOICE_BASE_URL"
	EnvModel        = "LIVEVOICE_MODEL"
	EnvVoice        = "LIVEVOICE_VOICE"
	EnvCorpus       = "LIVEVOICE_CORPUS"
	EnvLogLevel     = "LOG_LEVEL"
)

const (
	DefaultGeminiModel     = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultGeminiVoice     = "Fenrir"
	DefaultOpenAIModel     = "gpt-realtime"
	DefaultOpenAIVoice     = "ash"
	DefaultCitationKeyword = "Quelle"
)

type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type Config struct {
	Provider          string `yaml:"provider"`
	APIKey            string `yaml:"-"`
	BaseURL           string `yaml:"base_url"`
	Model             string `yaml:"model"`
	Voice             string `yaml:"voice"`
	SystemInstruction string `yaml:"system_instruction"`
	CitationKeyword   string `yaml:"citation_keyword"`

	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`
	CaptureBlockSize int `yaml:"capture_block_size"`
	FrameQueue       int `yaml:"frame_queue"`
	EventQueue       int `yaml:"event_queue"`
	CloseTimeoutMs   int `yaml:"close_timeout_ms"`
	PlaybackBufferMs int `yaml:"playback_buffer_ms"`

	CorpusPath     string    `yaml:"corpus_path"`
	TranscriptPath string    `yaml:"transcript_path"`
	Log            LogConfig `yaml:"log"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider:         ProviderGemini,
		CitationKeyword:  DefaultCitationKeyword,
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		CaptureBlockSize: 4096,
		FrameQueue:       32,
		EventQueue:       256,
		CloseTimeoutMs:   2000,
		PlaybackBufferMs: 100,
		Log: LogConfig{
			File:       "livevoice.log",
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// LoadConfig reads the YAML file at path (optional, may be empty), applies
// environment overrides and fills provider specific defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyProviderDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	overrides := []struct {
		key string
		dst *string
	}{
		{EnvProvider, &c.Provider},
		{EnvBaseURL, &c.BaseURL},
		{EnvModel, &c.Model},
		{EnvVoice, &c.Voice},
		{EnvCorpus, &c.CorpusPath},
		{EnvLogLevel, &c.Log.Level},
	}
	for _, o := range overrides {
		v, err := Getenv(GetenvString, o.key, false, *o.dst)
		if err != nil {
			return err
		}
		*o.dst = v
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	keyVar := EnvGeminiAPIKey
	if c.Provider == ProviderOpenAI {
		keyVar = EnvOpenAIAPIKey
	}
	key, err := Getenv(GetenvString, keyVar, false, c.APIKey)
	if err != nil {
		return err
	}
	c.APIKey = key
	return nil
}

func (c *Config) applyProviderDefaults() {
	switch c.Provider {
	case ProviderOpenAI:
		if c.Model == "" {
			c.Model = DefaultOpenAIModel
		}
		if c.Voice == "" {
			c.Voice = DefaultOpenAIVoice
		}
	default:
		if c.Model == "" {
			c.Model = DefaultGeminiModel
		}
		if c.Voice == "" {
			c.Voice = DefaultGeminiVoice
		}
	}
	if c.CitationKeyword == "" {
		c.CitationKeyword = DefaultCitationKeyword
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return ErrNoConfig
	}
	var errs []error
	switch c.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	positive := []struct {
		name string
		v    int
	}{
		{"input_sample_rate", c.InputSampleRate},
		{"output_sample_rate", c.OutputSampleRate},
		{"capture_block_size", c.CaptureBlockSize},
		{"frame_queue", c.FrameQueue},
		{"event_queue", c.EventQueue},
		{"close_timeout_ms", c.CloseTimeoutMs},
		{"playback_buffer_ms", c.PlaybackBufferMs},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.v))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) CloseTimeout() time.Duration {
	return time.Duration(c.CloseTimeoutMs) * time.Millisecond
}

func (c *Config) PlaybackBuffer() time.Duration {
	return time.Duration(c.PlaybackBufferMs) * time.Millisecond
}

// YAML renders the effective configuration. The API key is never included.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
