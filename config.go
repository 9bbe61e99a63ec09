package docsift

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the docsift engine and server.
type Config struct {
	// Listen is the HTTP listen address used by cmd/server.
	Listen string `json:"listen" yaml:"listen"`

	// Variant selects the mounted endpoint set: "all", "ocr", "contract"
	// or "menu".
	Variant string `json:"variant" yaml:"variant"`

	// TempDir holds uploads for the lifetime of one request.
	// Defaults to <os.TempDir()>/docsift.
	TempDir string `json:"temp_dir" yaml:"temp_dir"`

	MaxUploadMB int `json:"max_upload_mb" yaml:"max_upload_mb"`

	// DefaultLanguage is the Tesseract language code used when a request
	// does not name one.
	DefaultLanguage string `json:"default_language" yaml:"default_language"`

	LogLevel string `json:"log_level" yaml:"log_level"` // debug, info, warn, error

	// APIToken enables bearer authentication on the HTTP API when set.
	APIToken    string `json:"api_token" yaml:"api_token"`
	CORSOrigins string `json:"cors_origins" yaml:"cors_origins"`

	Rasterizer RasterizerConfig `json:"rasterizer" yaml:"rasterizer"`
	OCR        OCRConfig        `json:"ocr" yaml:"ocr"`
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	RunLog     RunLogConfig     `json:"run_log" yaml:"run_log"`
}

// RasterizerConfig configures the pdftoppm binary.
type RasterizerConfig struct {
	PdftoppmPath string `json:"pdftoppm_path" yaml:"pdftoppm_path"`
	DPI          int    `json:"dpi" yaml:"dpi"`
}

// OCRConfig configures Tesseract.
type OCRConfig struct {
	// TessdataPrefix points at the directory holding *.traineddata files.
	// Empty uses the Tesseract default.
	TessdataPrefix string `json:"tessdata_prefix" yaml:"tessdata_prefix"`
}

// LLMConfig configures the language-model provider.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // gemini, openai, ollama, groq, openrouter, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`

	// TitleModel and ExtractModel override Model for title resolution and
	// structured extraction. Empty uses Model.
	TitleModel   string `json:"title_model" yaml:"title_model"`
	ExtractModel string `json:"extract_model" yaml:"extract_model"`

	// Cooldown is the minimum delay between an LLM response and the next
	// request. Zero disables the gate.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// RunLogConfig configures the SQLite run log.
type RunLogConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// DBPath is the SQLite file. Defaults to ~/.docsift/runs.db.
	DBPath string `json:"db_path" yaml:"db_path"`

	// Retention drops runs older than this. Zero keeps everything.
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// DefaultConfig returns a Config with Vietnamese OCR, Gemini 2.0 Flash
// and a 4s post-call cooldown.
func DefaultConfig() Config {
	return Config{
		Listen:          ":8000",
		Variant:         "all",
		MaxUploadMB:     100,
		DefaultLanguage: "vie",
		LogLevel:        "info",
		Rasterizer: RasterizerConfig{
			PdftoppmPath: "pdftoppm",
			DPI:          200,
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Cooldown: 4 * time.Second,
		},
	}
}

// LoadConfig reads a YAML file and merges it over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DOCSIFT_* environment variables, then
// falls back to the provider's well-known key variable when no LLM key is
// configured.
func (c *Config) ApplyEnv() {
	strVars := map[string]*string{
		"DOCSIFT_LISTEN":            &c.Listen,
		"DOCSIFT_VARIANT":           &c.Variant,
		"DOCSIFT_TEMP_DIR":          &c.TempDir,
		"DOCSIFT_DEFAULT_LANGUAGE":  &c.DefaultLanguage,
		"DOCSIFT_LOG_LEVEL":         &c.LogLevel,
		"DOCSIFT_API_TOKEN":         &c.APIToken,
		"DOCSIFT_CORS_ORIGINS":      &c.CORSOrigins,
		"DOCSIFT_PDFTOPPM_PATH":     &c.Rasterizer.PdftoppmPath,
		"DOCSIFT_TESSDATA_PREFIX":   &c.OCR.TessdataPrefix,
		"DOCSIFT_LLM_PROVIDER":      &c.LLM.Provider,
		"DOCSIFT_LLM_MODEL":         &c.LLM.Model,
		"DOCSIFT_LLM_BASE_URL":      &c.LLM.BaseURL,
		"DOCSIFT_LLM_API_KEY":       &c.LLM.APIKey,
		"DOCSIFT_LLM_TITLE_MODEL":   &c.LLM.TitleModel,
		"DOCSIFT_LLM_EXTRACT_MODEL": &c.LLM.ExtractModel,
		"DOCSIFT_RUN_LOG_DB_PATH":   &c.RunLog.DBPath,
	}
	for name, field := range strVars {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}

	if v := os.Getenv("DOCSIFT_LLM_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("ignoring DOCSIFT_LLM_COOLDOWN", "value", v, "error", err)
		} else {
			c.LLM.Cooldown = d
		}
	}
	if v := os.Getenv("DOCSIFT_RUN_LOG_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("ignoring DOCSIFT_RUN_LOG_RETENTION", "value", v, "error", err)
		} else {
			c.RunLog.Retention = d
		}
	}
	if v := os.Getenv("DOCSIFT_RASTER_DPI"); v != "" {
		if dpi, err := strconv.Atoi(v); err == nil {
			c.Rasterizer.DPI = dpi
		}
	}
	if v := os.Getenv("DOCSIFT_RUN_LOG"); v != "" {
		c.RunLog.Enabled, _ = strconv.ParseBool(v)
	}

	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "gemini":
			c.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		case "openai":
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			c.LLM.APIKey = os.Getenv("GROQ_API_KEY")
		}
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	switch c.Variant {
	case "all", "ocr", "contract", "menu":
	default:
		return fmt.Errorf("%w: unsupported variant %q (use all, ocr, contract or menu)", ErrInvalidConfig, c.Variant)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("%w: max_upload_mb must be > 0", ErrInvalidConfig)
	}
	if c.Rasterizer.DPI <= 0 {
		return fmt.Errorf("%w: rasterizer.dpi must be > 0", ErrInvalidConfig)
	}
	if c.LLM.Cooldown < 0 {
		return fmt.Errorf("%w: llm.cooldown must not be negative", ErrInvalidConfig)
	}
	if c.RunLog.Retention < 0 {
		return fmt.Errorf("%w: run_log.retention must not be negative", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.DefaultLanguage) == "" {
		return fmt.Errorf("%w: default_language is required", ErrInvalidConfig)
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) << 20 }

// SlogLevel maps LogLevel onto a slog.Level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// UploadDir returns the directory for request-scoped uploads, creating it
// if needed.
func (c *Config) UploadDir() (string, error) {
	dir := c.TempDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "docsift")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	return dir, nil
}

// resolveRunLogPath computes the run log database path.
func (c *Config) resolveRunLogPath() string {
	if c.RunLog.DBPath != "" {
		return c.RunLog.DBPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "runs.db" // fallback to cwd
	}
	return filepath.Join(home, ".docsift", "runs.db")
}
