package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shouni/go-http-kit/pkg/httpkit"
	"google.golang.org/genai"

	"github.com/shouni/image-matrix-kit/pkg/adapters"
	"github.com/shouni/image-matrix-kit/pkg/config"
	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/generator"
	"github.com/shouni/image-matrix-kit/pkg/lineage"
	"github.com/shouni/image-matrix-kit/pkg/media"
	"github.com/shouni/image-matrix-kit/pkg/provider"
	"github.com/shouni/image-matrix-kit/pkg/schema"
	"github.com/shouni/image-matrix-kit/pkg/translate"
)

// app はコマンド 1 回分の依存関係一式です。
type app struct {
	cfg        *config.Config
	validator  *schema.Validator
	store      *lineage.Store
	router     *provider.Router
	gen        *generator.Generator
	translator *translate.Translator // API キーがなければ nil
	closers    []func() error
}

// describer は --describe 用の翻訳器を返します。
func (a *app) describer() (*translate.Translator, error) {
	if a.translator == nil {
		return nil, fmt.Errorf("--describe requires a translator API key: set %s", a.cfg.Translator.APIKeyEnv)
	}
	return a.translator, nil
}

// Close は開いた資源を逆順に解放します。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// openLineage は系譜ストアだけを開きます。lineage サブコマンドはプロバイダを必要としません。
func openLineage(ctx context.Context, cfg *config.Config, v *schema.Validator) (*lineage.Store, error) {
	var (
		backend lineage.Backend
		err     error
	)
	switch cfg.Lineage.Backend {
	case config.LineageMemory:
		slog.WarnContext(ctx, "メモリ上の系譜ストアを使用します。プロセス終了時に失われます")
		backend = lineage.NewMemoryBackend()
	case config.LineageBadger:
		backend, err = lineage.NewBadgerBackend(lineage.BadgerOptions{Dir: cfg.Lineage.Dir})
	case config.LineageSQLite:
		backend, err = lineage.NewSQLBackend(ctx, lineage.DriverSQLite, cfg.Lineage.DSN)
	case config.LineagePostgres:
		backend, err = lineage.NewSQLBackend(ctx, lineage.DriverPostgres, cfg.Lineage.DSN)
	default:
		return nil, fmt.Errorf("unknown lineage backend %q", cfg.Lineage.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open lineage backend: %w", err)
	}
	store, err := lineage.NewStore(ctx, backend, v)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}

func openBlobStore(ctx context.Context, cfg config.MediaConfig) (media.BlobStore, string, error) {
	switch cfg.Store {
	case config.MediaLocal:
		s, err := media.NewLocalStore(cfg.Dir)
		return s, "file", err
	case config.MediaS3:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, "", fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
		s, err := media.NewS3Store(client, cfg.Bucket, cfg.Prefix)
		return s, "s3", err
	}
	return nil, "", fmt.Errorf("unknown media store %q", cfg.Store)
}

// newApp は設定からルーター・系譜ストア・オーケストレーターを組み立てます。
func newApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, validator: schema.NewValidator()}

	store, err := openLineage(ctx, cfg, a.validator)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	blobs, scheme, err := openBlobStore(ctx, cfg.Media)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	httpClient := httpkit.New(cfg.Reference.HTTPTimeout.Std())
	var persistOpts []media.PersisterOption
	if cfg.Media.Compress {
		persistOpts = append(persistOpts, media.WithCompression(cfg.Media.Quality))
	}
	if cfg.Media.Mirror {
		persistOpts = append(persistOpts, media.WithMirror(httpClient))
	}
	persister, err := media.NewPersister(blobs, persistOpts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	cache := adapters.NewLRUCache(cfg.Reference.CacheSize, cfg.Reference.CacheTTL.Std())
	resolver := media.NewResolver(map[string]media.BlobStore{scheme: blobs})
	refs, err := adapters.NewReferenceImages(httpClient, resolver, cache)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	entries, err := buildProviders(ctx, cfg, refs)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	routerOpts := []provider.Option{
		provider.WithAttempts(cfg.Router.Attempts),
		provider.WithRetryDelay(cfg.Router.RetryDelay.Std()),
		provider.WithPolicy(provider.HealthPolicy{
			UnavailableAfter: cfg.Router.UnavailableAfter,
			BaseBackoff:      cfg.Router.BaseBackoff.Std(),
			MaxBackoff:       cfg.Router.MaxBackoff.Std(),
		}),
	}
	if reg != nil {
		metrics, err := provider.NewMetrics(reg)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		routerOpts = append(routerOpts, provider.WithMetrics(metrics))
	}
	a.router, err = provider.NewRouter(entries, routerOpts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	genOpts := []generator.Option{
		generator.WithWorkers(cfg.Workers),
		generator.WithDefaultProject(cfg.Project),
	}
	if publishFile != "" {
		f, err := os.OpenFile(publishFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("open publish file: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		pub, err := generator.NewJSONLPublisher(f)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		genOpts = append(genOpts, generator.WithPublisher(pub))
	}
	a.gen, err = generator.NewGenerator(a.router, persister, store, a.validator, genOpts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if a.translator, err = newTranslator(cfg.Translator, a.validator); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// newTranslator は API キーがあれば OpenAI の Chat Completions を使う翻訳器を生成します。キーがなければ nil を返します。
func newTranslator(cfg config.TranslatorConfig, v *schema.Validator) (*translate.Translator, error) {
	key := cfg.APIKey()
	if key == "" {
		return nil, nil
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return translate.NewTranslator(&client.Chat.Completions, v, cfg.Model,
		translate.WithTimeout(cfg.Timeout.Std()),
		translate.WithTemperature(cfg.Temperature))
}

// buildProviders は有効なプロバイダごとにアダプタを生成します。API キーのないプロバイダは警告して除外します。
func buildProviders(ctx context.Context, cfg *config.Config, refs *adapters.ReferenceImages) ([]provider.Entry, error) {
	genaiClients := map[string]*genai.Client{}
	genaiFor := func(key string) (*genai.Client, error) {
		if c, ok := genaiClients[key]; ok {
			return c, nil
		}
		c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return nil, fmt.Errorf("create genai client: %w", err)
		}
		genaiClients[key] = c
		return c, nil
	}

	var entries []provider.Entry
	for _, p := range cfg.EnabledProviders() {
		key := p.APIKey()
		if key == "" {
			slog.WarnContext(ctx, "API キーが未設定のためプロバイダを除外します", "provider", p.Name, "env", p.APIKeyEnv)
			continue
		}

		var (
			adapter provider.Adapter
			err     error
		)
		switch p.Kind {
		case config.KindGemini:
			var client *genai.Client
			if client, err = genaiFor(key); err != nil {
				return nil, err
			}
			adapter, err = adapters.NewGeminiAdapter(client.Models, refs, p.Model, p.SystemPrompt)
		case config.KindImagen:
			var client *genai.Client
			if client, err = genaiFor(key); err != nil {
				return nil, err
			}
			adapter, err = adapters.NewImagenAdapter(client.Models, p.Model)
		case config.KindOpenAI:
			opts := []option.RequestOption{option.WithAPIKey(key)}
			if p.BaseURL != "" {
				opts = append(opts, option.WithBaseURL(p.BaseURL))
			}
			client := openai.NewClient(opts...)
			adapter, err = adapters.NewOpenAIAdapter(&client.Images, p.Model)
		case config.KindBria:
			adapter, err = adapters.NewBriaAdapter(key,
				adapters.WithBriaBaseURL(p.BaseURL),
				adapters.WithBriaHTTPClient(&http.Client{}))
		default:
			err = fmt.Errorf("unknown provider kind %q", p.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		if p.Name != adapter.Name() {
			adapter = renamed{Adapter: adapter, name: p.Name}
		}
		entries = append(entries, provider.Entry{
			Adapter:       adapter,
			Priority:      p.Priority,
			RatePerSecond: p.RatePerSecond,
			Burst:         p.Burst,
			Timeout:       p.Timeout.Std(),
		})
	}
	if len(entries) == 0 {
		return nil, errors.New("no provider has an API key configured")
	}
	return entries, nil
}

// renamed は設定上の名前でアダプタを登録するためのラッパーです。
type renamed struct {
	provider.Adapter
	name string
}

func (r renamed) Name() string { return r.name }

// Send は失敗のプロバイダ名を設定上の名前に付け替えます。
func (r renamed) Send(ctx context.Context, req domain.GenerationRequest, timeout time.Duration) (*domain.ProviderResponse, error) {
	resp, err := r.Adapter.Send(ctx, req, timeout)
	if err == nil {
		return resp, nil
	}
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		relabeled := *pe
		relabeled.Provider = r.name
		return nil, &relabeled
	}
	return nil, err
}
