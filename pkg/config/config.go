// Package config は imgmatrix の YAML 設定を読み込みます。API キーは環境変数から取得します。
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// プロバイダ種別
const (
	KindBria   = "bria"
	KindGemini = "gemini"
	KindImagen = "imagen"
	KindOpenAI = "openai"
)

// 系譜の保存先
const (
	LineageMemory   = "memory"
	LineageBadger   = "badger"
	LineageSQLite   = "sqlite"
	LineagePostgres = "postgres"
)

// メディアの保存先
const (
	MediaLocal = "local"
	MediaS3    = "s3"
)

// Duration は "30s" のような文字列で書ける time.Duration です。
type Duration time.Duration

// UnmarshalYAML は文字列をパースします。
func (d *Duration) UnmarshalYAML(b []byte) error {
	var s string
	if err := yaml.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML は文字列として書き出します。
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std は time.Duration を返します。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config はアプリケーション全体の設定です。
type Config struct {
	Project   string           `yaml:"project"`
	Workers   int              `yaml:"workers"`
	Router    RouterConfig     `yaml:"router"`
	Providers []ProviderConfig `yaml:"providers"`
	Lineage   LineageConfig    `yaml:"lineage"`
	Media     MediaConfig      `yaml:"media"`
	Reference ReferenceConfig  `yaml:"reference"`
	// Translator は --describe で使う自然文の翻訳器です。
	Translator TranslatorConfig `yaml:"translator"`
}

// RouterConfig はフォールバックと健全性の設定です。
type RouterConfig struct {
	Attempts         int      `yaml:"attempts"`
	RetryDelay       Duration `yaml:"retry_delay"`
	UnavailableAfter int      `yaml:"unavailable_after"`
	BaseBackoff      Duration `yaml:"base_backoff"`
	MaxBackoff       Duration `yaml:"max_backoff"`
}

// ProviderConfig は 1 プロバイダの設定です。
type ProviderConfig struct {
	Name          string   `yaml:"name"`
	Kind          string   `yaml:"kind"`
	Priority      int      `yaml:"priority"`
	Model         string   `yaml:"model,omitempty"`
	BaseURL       string   `yaml:"base_url,omitempty"`
	APIKeyEnv     string   `yaml:"api_key_env"`
	SystemPrompt  string   `yaml:"system_prompt,omitempty"`
	RatePerSecond float64  `yaml:"rate_per_second,omitempty"`
	Burst         int      `yaml:"burst,omitempty"`
	Timeout       Duration `yaml:"timeout,omitempty"`
	Disabled      bool     `yaml:"disabled,omitempty"`
}

// APIKey は APIKeyEnv が指す環境変数の値を返します。
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// LineageConfig は系譜の保存先です。
type LineageConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir,omitempty"`
	DSN     string `yaml:"dsn,omitempty"`
}

// MediaConfig は生成画像の保存先です。
type MediaConfig struct {
	Store    string `yaml:"store"`
	Dir      string `yaml:"dir,omitempty"`
	Bucket   string `yaml:"bucket,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Compress bool   `yaml:"compress"`
	Quality  int    `yaml:"quality"`
	Mirror   bool   `yaml:"mirror"`
}

// ReferenceConfig は参照画像の取得設定です。
type ReferenceConfig struct {
	CacheSize   int      `yaml:"cache_size"`
	CacheTTL    Duration `yaml:"cache_ttl"`
	HTTPTimeout Duration `yaml:"http_timeout"`
}

// TranslatorConfig は自然文をリクエストに翻訳する LLM の設定です。
// API キーが未設定なら --describe は使えません。
type TranslatorConfig struct {
	Model       string   `yaml:"model"`
	BaseURL     string   `yaml:"base_url,omitempty"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	Temperature float64  `yaml:"temperature"`
	Timeout     Duration `yaml:"timeout"`
}

// APIKey は APIKeyEnv が指す環境変数の値を返します。
func (t TranslatorConfig) APIKey() string {
	if t.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(t.APIKeyEnv)
}

// Default は既定の設定を返します。
func Default() *Config {
	return &Config{
		Project: "default",
		Workers: 4,
		Router: RouterConfig{
			Attempts:         2,
			RetryDelay:       Duration(500 * time.Millisecond),
			UnavailableAfter: 3,
			BaseBackoff:      Duration(30 * time.Second),
			MaxBackoff:       Duration(10 * time.Minute),
		},
		Providers: []ProviderConfig{
			{Name: "bria", Kind: KindBria, Priority: 0, APIKeyEnv: "BRIA_API_KEY", Timeout: Duration(90 * time.Second)},
			{Name: "gemini", Kind: KindGemini, Priority: 1, APIKeyEnv: "GEMINI_API_KEY", Timeout: Duration(60 * time.Second)},
			{Name: "imagen", Kind: KindImagen, Priority: 2, APIKeyEnv: "GEMINI_API_KEY", Timeout: Duration(60 * time.Second)},
			{Name: "openai", Kind: KindOpenAI, Priority: 3, APIKeyEnv: "OPENAI_API_KEY", Timeout: Duration(90 * time.Second)},
		},
		Lineage: LineageConfig{Backend: LineageBadger, Dir: ".imgmatrix/lineage"},
		Media:   MediaConfig{Store: MediaLocal, Dir: ".imgmatrix/media", Compress: true, Quality: 75},
		Reference: ReferenceConfig{
			CacheSize:   128,
			CacheTTL:    Duration(time.Hour),
			HTTPTimeout: Duration(30 * time.Second),
		},
		Translator: TranslatorConfig{
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			Temperature: 0.3,
			Timeout:     Duration(30 * time.Second),
		},
	}
}

// Load は path の YAML を既定値の上に読み込み、検証します。path が空なら既定値を返します。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// EnabledProviders は無効化されていないプロバイダを返します。
func (c *Config) EnabledProviders() []ProviderConfig {
	var out []ProviderConfig
	for _, p := range c.Providers {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	return out
}

// Validate は設定の整合性を検査します。
func (c *Config) Validate() error {
	var errs []error
	if c.Project == "" {
		errs = append(errs, errors.New("project is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1 (got %d)", c.Workers))
	}
	if c.Router.Attempts < 1 {
		errs = append(errs, fmt.Errorf("router.attempts must be >= 1 (got %d)", c.Router.Attempts))
	}
	if c.Router.MaxBackoff < c.Router.BaseBackoff {
		errs = append(errs, errors.New("router.max_backoff must be >= router.base_backoff"))
	}

	if len(c.EnabledProviders()) == 0 {
		errs = append(errs, errors.New("at least one enabled provider is required"))
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d].name is required", i))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		switch p.Kind {
		case KindBria, KindGemini, KindImagen, KindOpenAI:
		default:
			errs = append(errs, fmt.Errorf("providers[%d]: unknown kind %q", i, p.Kind))
		}
	}

	switch c.Lineage.Backend {
	case LineageMemory:
	case LineageBadger:
		if c.Lineage.Dir == "" {
			errs = append(errs, errors.New("lineage.dir is required for badger"))
		}
	case LineageSQLite, LineagePostgres:
		if c.Lineage.DSN == "" {
			errs = append(errs, fmt.Errorf("lineage.dsn is required for %s", c.Lineage.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lineage.backend %q", c.Lineage.Backend))
	}

	switch c.Media.Store {
	case MediaLocal:
		if c.Media.Dir == "" {
			errs = append(errs, errors.New("media.dir is required for local store"))
		}
	case MediaS3:
		if c.Media.Bucket == "" {
			errs = append(errs, errors.New("media.bucket is required for s3 store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown media.store %q", c.Media.Store))
	}
	if c.Media.Quality < 1 || c.Media.Quality > 100 {
		errs = append(errs, fmt.Errorf("media.quality must be 1-100 (got %d)", c.Media.Quality))
	}
	if c.Reference.CacheSize < 1 {
		errs = append(errs, fmt.Errorf("reference.cache_size must be >= 1 (got %d)", c.Reference.CacheSize))
	}
	if c.Translator.Temperature < 0 || c.Translator.Temperature > 2 {
		errs = append(errs, fmt.Errorf("translator.temperature must be 0-2 (got %v)", c.Translator.Temperature))
	}
	if c.Translator.Timeout < 0 {
		errs = append(errs, errors.New("translator.timeout must not be negative"))
	}
	return errors.Join(errs...)
}
