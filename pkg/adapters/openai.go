package adapters

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

const DefaultOpenAIModel = openai.ImageModelDallE3

// ImageGenerator は OpenAI の画像生成エンドポイントです。*openai.ImageService が満たします。
type ImageGenerator interface {
	Generate(ctx context.Context, body openai.ImageGenerateParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
}

// OpenAIAdapter は OpenAI Images API を Adapter として包みます。
// API がシードに対応していないため、エコーされるシードは常に nil です。
type OpenAIAdapter struct {
	name   string
	images ImageGenerator
	model  openai.ImageModel
}

// NewOpenAIAdapter は OpenAIAdapter を初期化します。
func NewOpenAIAdapter(images ImageGenerator, model string) (*OpenAIAdapter, error) {
	if images == nil {
		return nil, fmt.Errorf("images is required")
	}
	m := openai.ImageModel(model)
	if model == "" {
		m = DefaultOpenAIModel
	}
	return &OpenAIAdapter{name: "openai", images: images, model: m}, nil
}

// Name はプロバイダ名を返します。
func (a *OpenAIAdapter) Name() string { return a.name }

// Send は ResultCount 回 (dall-e-3 は n=1 のみ対応) 画像生成を呼び出します。
func (a *OpenAIAdapter) Send(ctx context.Context, req domain.GenerationRequest, timeout time.Duration) (*domain.ProviderResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	params := openai.ImageGenerateParams{
		Prompt:         req.ProviderPrompt(),
		Model:          a.model,
		N:              openai.Int(1),
		Size:           openAISize(req.AspectRatio),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	}

	out := &domain.ProviderResponse{}
	for i := 0; i < max(req.ResultCount, 1); i++ {
		resp, err := a.images.Generate(ctx, params)
		if err != nil {
			return nil, a.classify(err)
		}
		if resp == nil || len(resp.Data) == 0 {
			return nil, domain.NewProviderError(a.name, domain.FailureUnknown, 0, fmt.Errorf("画像が返されませんでした"))
		}
		for _, img := range resp.Data {
			switch {
			case img.B64JSON != "":
				data, err := base64.StdEncoding.DecodeString(img.B64JSON)
				if err != nil {
					return nil, domain.NewProviderError(a.name, domain.FailureUnknown, 0, fmt.Errorf("画像データのデコードに失敗しました: %w", err))
				}
				out.Media = append(out.Media, domain.Media{Data: data, MimeType: "image/png"})
			case img.URL != "":
				out.Media = append(out.Media, domain.Media{URL: img.URL, MimeType: "image/png"})
			}
		}
	}
	out.Latency = time.Since(start)
	return out, nil
}

func (a *OpenAIAdapter) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		class := ClassifyStatus(apiErr.StatusCode)
		if apiErr.Code == "content_policy_violation" {
			class = domain.FailureValidation
		}
		return domain.NewProviderError(a.name, class, apiErr.StatusCode, fmt.Errorf("OpenAI画像生成エラー: %w", err))
	}
	return classifyError(a.name, fmt.Errorf("OpenAI画像生成エラー: %w", err))
}

// openAISize はアスペクト比を OpenAI が受け付けるサイズに丸めます。
func openAISize(aspectRatio string) openai.ImageGenerateParamsSize {
	switch aspectRatio {
	case "16:9", "3:2", "4:3", "5:4":
		return openai.ImageGenerateParamsSize1792x1024
	case "9:16", "2:3", "3:4", "4:5":
		return openai.ImageGenerateParamsSize1024x1792
	default:
		return openai.ImageGenerateParamsSize1024x1024
	}
}
