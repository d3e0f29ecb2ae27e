package provider

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

// mockAdapter は Adapter のテスト用モックなのだ。
type mockAdapter struct {
	name     string
	sendFunc func(ctx context.Context, req domain.GenerationRequest) (*domain.ProviderResponse, error)
	calls    atomic.Int32
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Send(ctx context.Context, req domain.GenerationRequest, _ time.Duration) (*domain.ProviderResponse, error) {
	m.calls.Add(1)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, req)
	}
	return okResponse(req), nil
}

func okResponse(req domain.GenerationRequest) *domain.ProviderResponse {
	return &domain.ProviderResponse{
		Media:   []domain.Media{{URL: "https://cdn.example.com/img.png", MimeType: "image/png"}},
		Seed:    req.Seed,
		Latency: 10 * time.Millisecond,
	}
}

func failWith(name string, class domain.FailureClass, status int) func(context.Context, domain.GenerationRequest) (*domain.ProviderResponse, error) {
	return func(context.Context, domain.GenerationRequest) (*domain.ProviderResponse, error) {
		return nil, domain.NewProviderError(name, class, status, errTest)
	}
}

// fakeClock は進められる時計なのだ。
type fakeClock struct {
	now atomic.Pointer[time.Time]
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now.Store(&t)
	return c
}

func (c *fakeClock) Now() time.Time { return *c.now.Load() }

func (c *fakeClock) Advance(d time.Duration) {
	t := c.Now().Add(d)
	c.now.Store(&t)
}
