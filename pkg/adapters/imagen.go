package adapters

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

const DefaultImagenModel = "imagen-4.0-generate-001"

// ImageModel は genai の GenerateImages 呼び出しです。*genai.Models が満たします。
type ImageModel interface {
	GenerateImages(ctx context.Context, model string, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error)
}

// ImagenAdapter は Imagen を Adapter として包みます。
type ImagenAdapter struct {
	name   string
	models ImageModel
	model  string
}

// NewImagenAdapter は ImagenAdapter を初期化します。
func NewImagenAdapter(models ImageModel, model string) (*ImagenAdapter, error) {
	if models == nil {
		return nil, fmt.Errorf("models is required")
	}
	if model == "" {
		model = DefaultImagenModel
	}
	return &ImagenAdapter{name: "imagen", models: models, model: model}, nil
}

// Name はプロバイダ名を返します。
func (a *ImagenAdapter) Name() string { return a.name }

// Send は 1 回の GenerateImages 呼び出しで ResultCount 枚を生成します。
func (a *ImagenAdapter) Send(ctx context.Context, req domain.GenerationRequest, timeout time.Duration) (*domain.ProviderResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	cfg := &genai.GenerateImagesConfig{
		NumberOfImages: int32(max(req.ResultCount, 1)),
		AspectRatio:    req.AspectRatio,
		Seed:           seedToPtrInt32(req.Seed),
		NegativePrompt: req.NegativePrompt,
	}
	if g, ok := req.Parameters["guidance_scale"].(float64); ok {
		gs := float32(g)
		cfg.GuidanceScale = &gs
	}

	resp, err := a.models.GenerateImages(ctx, a.model, req.ProviderPrompt(), cfg)
	if err != nil {
		return nil, classifyError(a.name, fmt.Errorf("Imagen画像生成エラー: %w", err))
	}
	if resp == nil || len(resp.GeneratedImages) == 0 {
		return nil, domain.NewProviderError(a.name, domain.FailureUnknown, 0, fmt.Errorf("画像が返されませんでした"))
	}

	out := &domain.ProviderResponse{Seed: req.Seed}
	var filtered string
	for _, gi := range resp.GeneratedImages {
		if gi == nil || gi.Image == nil {
			if gi != nil && gi.RAIFilteredReason != "" {
				filtered = gi.RAIFilteredReason
			}
			continue
		}
		switch {
		case len(gi.Image.ImageBytes) > 0:
			out.Media = append(out.Media, domain.Media{Data: gi.Image.ImageBytes, MimeType: gi.Image.MIMEType})
		case gi.Image.GCSURI != "":
			out.Media = append(out.Media, domain.Media{URL: gi.Image.GCSURI, MimeType: gi.Image.MIMEType})
		}
	}
	if len(out.Media) == 0 {
		if filtered != "" {
			return nil, domain.NewProviderError(a.name, domain.FailureValidation, 0, fmt.Errorf("安全フィルタにより除外されました: %s", filtered))
		}
		return nil, domain.NewProviderError(a.name, domain.FailureUnknown, 0, fmt.Errorf("画像データが見つかりませんでした"))
	}
	out.Latency = time.Since(start)
	return out, nil
}
