package adapters

import (
	"context"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"
)

// PNGの最小構成バイナリ（シグネチャ含む）
var validPng = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00\x90w\x53\xde")

// mockContentModel は ContentModel のテスト用モックなのだ。
type mockContentModel struct {
	mu           sync.Mutex
	calls        int
	generateFunc func(model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

func (m *mockContentModel) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.generateFunc != nil {
		return m.generateFunc(model, contents, config)
	}
	return nil, nil
}

// mockImageModel は ImageModel のテスト用モックなのだ。
type mockImageModel struct {
	generateFunc func(model, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error)
}

func (m *mockImageModel) GenerateImages(ctx context.Context, model string, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error) {
	return m.generateFunc(model, prompt, config)
}

// mockImageGenerator は ImageGenerator のテスト用モックなのだ。
type mockImageGenerator struct {
	calls        int
	generateFunc func(body openai.ImageGenerateParams) (*openai.ImagesResponse, error)
}

func (m *mockImageGenerator) Generate(ctx context.Context, body openai.ImageGenerateParams, opts ...option.RequestOption) (*openai.ImagesResponse, error) {
	m.calls++
	return m.generateFunc(body)
}

// mockHTTPClient は HTTPClient を実装します。
type mockHTTPClient struct {
	calls     int
	fetchFunc func(ctx context.Context, url string) ([]byte, error)
}

func (m *mockHTTPClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	m.calls++
	return m.fetchFunc(ctx, url)
}

// mockReader は LocatorReader を実装します。
type mockReader struct {
	readFunc func(ctx context.Context, locator string) ([]byte, error)
}

func (m *mockReader) Read(ctx context.Context, locator string) ([]byte, error) {
	return m.readFunc(ctx, locator)
}

// mockCache は ImageCacher インターフェースを実装するのだ。
type mockCache struct {
	data map[string][]byte
}

func (m *mockCache) Get(key string) ([]byte, bool) {
	v, ok := m.data[key]
	return v, ok
}

func (m *mockCache) Add(key string, value []byte) bool {
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = value
	return false
}

// imageResponse は 1 枚の画像を含む Gemini レスポンスを作るのだ。
func imageResponse(data []byte) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{
				Content: &genai.Content{
					Parts: []*genai.Part{
						{InlineData: &genai.Blob{MIMEType: "image/png", Data: data}},
					},
				},
			},
		},
	}
}
