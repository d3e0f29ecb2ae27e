package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

const DefaultGeminiModel = "gemini-2.5-flash-image"

// ContentModel は genai の GenerateContent 呼び出しです。*genai.Models が満たします。
type ContentModel interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// ImageOutput は Gemini レスポンスの解析結果です。
type ImageOutput struct {
	Data     []byte
	MimeType string
	UsedSeed int64
}

// GeminiAdapter は Gemini の画像生成モデルを Adapter として包みます。
type GeminiAdapter struct {
	name         string
	models       ContentModel
	refs         *ReferenceImages
	model        string
	systemPrompt string
}

// NewGeminiAdapter は依存関係を注入して GeminiAdapter を初期化します。refs は nil を許容します (参照画像なし)。
func NewGeminiAdapter(models ContentModel, refs *ReferenceImages, model, systemPrompt string) (*GeminiAdapter, error) {
	if models == nil {
		return nil, fmt.Errorf("models is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiAdapter{
		name:         "gemini",
		models:       models,
		refs:         refs,
		model:        model,
		systemPrompt: systemPrompt,
	}, nil
}

// Name はプロバイダ名を返します。
func (a *GeminiAdapter) Name() string { return a.name }

// Send はドメインのリクエストを Gemini API の形式に変換して実行します。
// Gemini は 1 回の呼び出しで 1 枚を返すため ResultCount 回呼び出します。
func (a *GeminiAdapter) Send(ctx context.Context, req domain.GenerationRequest, timeout time.Duration) (*domain.ProviderResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	parts := []*genai.Part{{Text: req.ProviderPrompt()}}
	if req.NegativePrompt != "" {
		parts = append(parts, &genai.Part{Text: "Avoid: " + req.NegativePrompt})
	}
	if req.ReferenceURL != "" && a.refs != nil {
		if imgPart := a.refs.PrepareImagePart(ctx, req.ReferenceURL); imgPart != nil {
			parts = append(parts, imgPart)
		}
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}
	cfg := a.contentConfig(req)

	count := max(req.ResultCount, 1)
	out := &domain.ProviderResponse{Seed: req.Seed}
	for i := 0; i < count; i++ {
		resp, err := a.models.GenerateContent(ctx, a.model, contents, cfg)
		if err != nil {
			return nil, classifyError(a.name, fmt.Errorf("Gemini画像生成エラー: %w", err))
		}
		img, err := ParseToResponse(resp, domain.DereferenceSeed(req.Seed))
		if err != nil {
			return nil, a.classifyParseError(err)
		}
		out.Media = append(out.Media, domain.Media{Data: img.Data, MimeType: img.MimeType})
	}
	out.Latency = time.Since(start)
	return out, nil
}

// contentConfig は画像出力を要求する GenerateContentConfig を組み立てます。
func (a *GeminiAdapter) contentConfig(req domain.GenerationRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		Seed:               seedToPtrInt32(req.Seed),
	}
	if req.AspectRatio != "" {
		cfg.ImageConfig = &genai.ImageConfig{AspectRatio: req.AspectRatio}
	}
	if a.systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: a.systemPrompt}}}
	}
	return cfg
}

func (a *GeminiAdapter) classifyParseError(err error) error {
	if errors.Is(err, errBlocked) {
		return domain.NewProviderError(a.name, domain.FailureValidation, 0, err)
	}
	return domain.NewProviderError(a.name, domain.FailureUnknown, 0, err)
}

var errBlocked = errors.New("画像生成がブロックされました")

// ParseToResponse は Gemini のレスポンスを解析して ImageOutput に変換します。
func ParseToResponse(resp *genai.GenerateContentResponse, seed int64) (*ImageOutput, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("%w (BlockReason: %s)", errBlocked, resp.PromptFeedback.BlockReason)
		}
		return nil, fmt.Errorf("Geminiからの有効な応答がありませんでした")
	}

	// 最初の候補 (Candidate) のみを利用する
	candidate := resp.Candidates[0]

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &ImageOutput{
					Data:     part.InlineData.Data,
					MimeType: part.InlineData.MIMEType,
					UsedSeed: seed,
				}, nil
			}
		}
	}

	// 安全フィルター等によるブロックの確認
	switch candidate.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist,
		genai.FinishReasonSPII, genai.FinishReasonImageSafety:
		return nil, fmt.Errorf("%w (FinishReason: %s)", errBlocked, candidate.FinishReason)
	case genai.FinishReasonUnspecified, genai.FinishReasonStop:
	default:
		return nil, fmt.Errorf("画像生成が異常終了しました (FinishReason: %s)", candidate.FinishReason)
	}

	return nil, fmt.Errorf("画像データが見つかりませんでした")
}
