package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

const (
	DefaultBriaBaseURL = "https://engine.prod.bria-api.com/v1"
	briaEndpoint       = "/text-to-image/base/2.3"
	maxErrorBody       = 4 << 10
)

// BriaAdapter は Bria の text-to-image API を Adapter として包みます。
type BriaAdapter struct {
	name    string
	client  *http.Client
	baseURL string
	apiKey  string
}

// BriaOption は BriaAdapter の設定を変更します。
type BriaOption func(*BriaAdapter)

// WithBriaBaseURL はベース URL を変更します。
func WithBriaBaseURL(u string) BriaOption {
	return func(a *BriaAdapter) {
		if u != "" {
			a.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithBriaHTTPClient は HTTP クライアントを差し替えます。
func WithBriaHTTPClient(c *http.Client) BriaOption {
	return func(a *BriaAdapter) {
		if c != nil {
			a.client = c
		}
	}
}

// NewBriaAdapter は BriaAdapter を初期化します。
func NewBriaAdapter(apiKey string, opts ...BriaOption) (*BriaAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("bria api key is required")
	}
	a := &BriaAdapter{
		name:    "bria",
		client:  &http.Client{},
		baseURL: DefaultBriaBaseURL,
		apiKey:  apiKey,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Name はプロバイダ名を返します。
func (a *BriaAdapter) Name() string { return a.name }

type briaRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	NumResults     int    `json:"num_results"`
	AspectRatio    string `json:"aspect_ratio"`
	Sync           bool   `json:"sync"`
	Seed           *int64 `json:"seed,omitempty"`
}

type briaResponse struct {
	Result []struct {
		URLs []string `json:"urls"`
		Seed *int64   `json:"seed"`
	} `json:"result"`
}

type briaError struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// Send は同期モードで生成を要求します。
func (a *BriaAdapter) Send(ctx context.Context, req domain.GenerationRequest, timeout time.Duration) (*domain.ProviderResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	body, err := json.Marshal(briaRequest{
		Prompt:         req.ProviderPrompt(),
		NegativePrompt: req.NegativePrompt,
		NumResults:     max(req.ResultCount, 1),
		AspectRatio:    req.AspectRatio,
		Sync:           true,
		Seed:           req.Seed,
	})
	if err != nil {
		return nil, domain.NewProviderError(a.name, domain.FailureValidation, 0, fmt.Errorf("marshal request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+briaEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewProviderError(a.name, domain.FailureUnknown, 0, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api_token", a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(a.name, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.errorFromResponse(resp)
	}

	var decoded briaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.NewProviderError(a.name, domain.FailureTransient, 0, err)
		}
		return nil, domain.NewProviderError(a.name, domain.FailureUnknown, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}

	out := &domain.ProviderResponse{Seed: req.Seed}
	for _, item := range decoded.Result {
		if item.Seed != nil && out.Seed == nil {
			out.Seed = item.Seed
		}
		for _, u := range item.URLs {
			out.Media = append(out.Media, domain.Media{URL: u})
		}
	}
	if len(out.Media) == 0 {
		return nil, domain.NewProviderError(a.name, domain.FailureUnknown, resp.StatusCode, fmt.Errorf("画像URLが含まれていないレスポンスです"))
	}
	out.Latency = time.Since(start)
	return out, nil
}

func (a *BriaAdapter) errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var be briaError
	if json.Unmarshal(raw, &be) == nil && be.Message != "" {
		msg = be.Message
		if be.RequestID != "" {
			msg += " (request_id=" + be.RequestID + ")"
		}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		msg = "Bria API キーが未設定または無効です: " + msg
	}
	return domain.NewProviderError(a.name, ClassifyStatus(resp.StatusCode), resp.StatusCode,
		fmt.Errorf("Bria API error: %s", msg))
}
