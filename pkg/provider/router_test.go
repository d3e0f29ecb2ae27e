package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/schema"
)

var errTest = errors.New("test failure")

func validated(t *testing.T) schema.Validated {
	t.Helper()
	v, err := schema.NewValidator().Validate(domain.GenerationRequest{
		Prompt: "luxury watch on marble",
		Seed:   domain.SeedPtr(12345),
	})
	require.NoError(t, err)
	return v
}

func newTestRouter(t *testing.T, clock *fakeClock, adapters ...*mockAdapter) *Router {
	t.Helper()
	entries := make([]Entry, len(adapters))
	for i, a := range adapters {
		entries[i] = Entry{Adapter: a, Priority: i}
	}
	r, err := NewRouter(entries, WithRetryDelay(0), WithClock(clock.Now), WithPolicy(HealthPolicy{
		UnavailableAfter: 3,
		BaseBackoff:      time.Minute,
		MaxBackoff:       5 * time.Minute,
	}))
	require.NoError(t, err)
	return r
}

func TestNewRouter(t *testing.T) {
	t.Run("プロバイダなしはエラー", func(t *testing.T) {
		_, err := NewRouter(nil)
		assert.Error(t, err)
	})

	t.Run("名前の重複はエラー", func(t *testing.T) {
		_, err := NewRouter([]Entry{{Adapter: &mockAdapter{name: "a"}}, {Adapter: &mockAdapter{name: "a"}}})
		assert.Error(t, err)
	})

	t.Run("nil アダプタはエラー", func(t *testing.T) {
		_, err := NewRouter([]Entry{{Adapter: nil}})
		assert.Error(t, err)
	})

	t.Run("優先度順、同順位は登録順", func(t *testing.T) {
		r, err := NewRouter([]Entry{
			{Adapter: &mockAdapter{name: "late"}, Priority: 5},
			{Adapter: &mockAdapter{name: "first"}, Priority: 1},
			{Adapter: &mockAdapter{name: "second"}, Priority: 1},
		})
		require.NoError(t, err)
		var names []string
		for _, d := range r.Descriptors() {
			names = append(names, d.Name)
			assert.Equal(t, domain.HealthAvailable, d.State)
		}
		assert.Equal(t, []string{"first", "second", "late"}, names)
	})
}

func TestRouter_Dispatch_FirstSuccessWins(t *testing.T) {
	a := &mockAdapter{name: "a"}
	b := &mockAdapter{name: "b"}
	r := newTestRouter(t, newFakeClock(), a, b)

	res, err := r.Dispatch(context.Background(), validated(t))
	require.NoError(t, err)
	assert.Equal(t, "a", res.Provider)
	assert.Equal(t, int64(12345), *res.Response.Seed)
	assert.EqualValues(t, 0, b.calls.Load(), "成功後は次のプロバイダを呼ばないこと")
}

func TestRouter_Dispatch_SkipsUnavailable(t *testing.T) {
	clock := newFakeClock()
	a := &mockAdapter{name: "A"}
	b := &mockAdapter{name: "B"}
	c := &mockAdapter{name: "C"}
	r := newTestRouter(t, clock, a, b, c)

	// A をバックオフ期間中の unavailable にする
	r.providers[0].health.recordFailure(domain.FailureRateLimited)
	require.Equal(t, domain.HealthUnavailable, r.Descriptors()[0].State)

	res, err := r.Dispatch(context.Background(), validated(t))
	require.NoError(t, err)
	assert.Equal(t, "B", res.Provider)
	assert.EqualValues(t, 0, a.calls.Load())
	assert.EqualValues(t, 1, b.calls.Load())
	assert.EqualValues(t, 0, c.calls.Load())
	require.Len(t, res.Failures, 1)
	assert.True(t, res.Failures[0].Skipped)

	t.Run("期間経過後は再び試行される", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		res, err := r.Dispatch(context.Background(), validated(t))
		require.NoError(t, err)
		assert.Equal(t, "A", res.Provider)
		assert.Equal(t, domain.HealthAvailable, r.Descriptors()[0].State)
		assert.Zero(t, r.Descriptors()[0].ConsecutiveFailures)
	})
}

func TestRouter_Dispatch_AllFail(t *testing.T) {
	adapters := []*mockAdapter{
		{name: "gemini"}, {name: "imagen"}, {name: "openai"}, {name: "bria"},
	}
	classes := []domain.FailureClass{
		domain.FailureTransient, domain.FailureValidation, domain.FailureRateLimited, domain.FailureUnknown,
	}
	for i, a := range adapters {
		a.sendFunc = failWith(a.name, classes[i], 0)
	}
	r := newTestRouter(t, newFakeClock(), adapters...)

	res, err := r.Dispatch(context.Background(), validated(t))
	assert.Nil(t, res)

	var all *domain.AllProvidersFailedError
	require.True(t, errors.As(err, &all))
	require.Len(t, all.Failures, 4)
	for i, f := range all.Failures {
		assert.Equal(t, adapters[i].name, f.Provider, "試行順に並ぶこと")
		assert.Equal(t, classes[i], f.Class)
		assert.ErrorIs(t, f.Err, errTest)
	}
	// transient のみ 2 回試行される
	assert.EqualValues(t, 2, adapters[0].calls.Load())
	assert.EqualValues(t, 1, adapters[1].calls.Load())
	assert.EqualValues(t, 1, adapters[2].calls.Load())
	assert.EqualValues(t, 1, adapters[3].calls.Load())
}

func TestRouter_Dispatch_TransientRetry(t *testing.T) {
	a := &mockAdapter{name: "a"}
	var n int
	a.sendFunc = func(ctx context.Context, req domain.GenerationRequest) (*domain.ProviderResponse, error) {
		n++
		if n == 1 {
			return nil, domain.NewProviderError("a", domain.FailureTransient, 503, errTest)
		}
		return okResponse(req), nil
	}
	b := &mockAdapter{name: "b"}
	r := newTestRouter(t, newFakeClock(), a, b)

	res, err := r.Dispatch(context.Background(), validated(t))
	require.NoError(t, err)
	assert.Equal(t, "a", res.Provider)
	assert.Equal(t, 2, res.Attempts)
	assert.EqualValues(t, 0, b.calls.Load())
}

func TestRouter_Dispatch_ValidationNotRetried(t *testing.T) {
	a := &mockAdapter{name: "a", sendFunc: failWith("a", domain.FailureValidation, 422)}
	b := &mockAdapter{name: "b"}
	r := newTestRouter(t, newFakeClock(), a, b)

	res, err := r.Dispatch(context.Background(), validated(t))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.EqualValues(t, 1, a.calls.Load())

	d := r.Descriptors()[0]
	assert.Equal(t, domain.HealthAvailable, d.State, "validation は健全性を変えないこと")
	assert.Zero(t, d.ConsecutiveFailures)
}

func TestRouter_HealthEscalation(t *testing.T) {
	clock := newFakeClock()
	a := &mockAdapter{name: "a", sendFunc: failWith("a", domain.FailureUnknown, 0)}
	b := &mockAdapter{name: "b"}
	r := newTestRouter(t, clock, a, b)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := r.Dispatch(ctx, validated(t))
		require.NoError(t, err)
		d := r.Descriptors()[0]
		assert.Equal(t, domain.HealthDegraded, d.State)
		assert.Equal(t, i, d.ConsecutiveFailures)
	}

	_, err := r.Dispatch(ctx, validated(t))
	require.NoError(t, err)
	d := r.Descriptors()[0]
	assert.Equal(t, domain.HealthUnavailable, d.State)
	assert.Equal(t, clock.Now().Add(time.Minute), d.DisabledUntil)

	// 期間経過後の再失敗でバックオフが倍になる
	clock.Advance(time.Minute)
	_, err = r.Dispatch(ctx, validated(t))
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(2*time.Minute), r.Descriptors()[0].DisabledUntil)

	assert.EqualValues(t, 4, a.calls.Load())
}

func TestHealthPolicy_BackoffCapped(t *testing.T) {
	p := HealthPolicy{UnavailableAfter: 3, BaseBackoff: time.Minute, MaxBackoff: 5 * time.Minute}
	assert.Equal(t, time.Minute, p.backoffFor(3))
	assert.Equal(t, 2*time.Minute, p.backoffFor(4))
	assert.Equal(t, 4*time.Minute, p.backoffFor(5))
	assert.Equal(t, 5*time.Minute, p.backoffFor(6))
	assert.Equal(t, 5*time.Minute, p.backoffFor(100))
}

func TestRouter_Dispatch_CancelDoesNotPenalize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &mockAdapter{name: "a"}
	a.sendFunc = func(ctx context.Context, req domain.GenerationRequest) (*domain.ProviderResponse, error) {
		cancel()
		return nil, domain.NewProviderError("a", domain.FailureTransient, 0, ctx.Err())
	}
	b := &mockAdapter{name: "b"}
	r := newTestRouter(t, newFakeClock(), a, b)

	_, err := r.Dispatch(ctx, validated(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, a.calls.Load())
	assert.EqualValues(t, 0, b.calls.Load())
	assert.Equal(t, domain.HealthAvailable, r.Descriptors()[0].State)
}

func TestRouter_Dispatch_RateWaitBeyondDeadlineDoesNotPenalize(t *testing.T) {
	a := &mockAdapter{name: "a"}
	b := &mockAdapter{name: "b"}
	r, err := NewRouter([]Entry{
		{Adapter: a, Priority: 0, RatePerSecond: 0.001, Burst: 1},
		{Adapter: b, Priority: 1},
	}, WithRetryDelay(0))
	require.NoError(t, err)

	// 1 回目で枠を使い切る
	_, err = r.Dispatch(context.Background(), validated(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Dispatch(ctx, validated(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, a.calls.Load(), "待機が期限を超えるなら呼び出さないのだ")
	assert.EqualValues(t, 0, b.calls.Load(), "次のプロバイダへフォールバックしないのだ")

	desc := r.Descriptors()[0]
	assert.Equal(t, domain.HealthAvailable, desc.State)
	assert.Zero(t, desc.ConsecutiveFailures)
}

func TestRouter_Dispatch_RejectsUnvalidated(t *testing.T) {
	a := &mockAdapter{name: "a"}
	r := newTestRouter(t, newFakeClock(), a)

	_, err := r.Dispatch(context.Background(), schema.Validated{})
	var se *domain.SchemaError
	assert.True(t, errors.As(err, &se))
	assert.EqualValues(t, 0, a.calls.Load())
}

func TestRouter_Dispatch_EmptyResponseIsFailure(t *testing.T) {
	a := &mockAdapter{name: "a", sendFunc: func(context.Context, domain.GenerationRequest) (*domain.ProviderResponse, error) {
		return &domain.ProviderResponse{}, nil
	}}
	b := &mockAdapter{name: "b"}
	r := newTestRouter(t, newFakeClock(), a, b)

	res, err := r.Dispatch(context.Background(), validated(t))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, domain.FailureUnknown, res.Failures[0].Class)
}

func TestRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	a := &mockAdapter{name: "a", sendFunc: failWith("a", domain.FailureRateLimited, 429)}
	b := &mockAdapter{name: "b"}
	r, err := NewRouter([]Entry{{Adapter: a}, {Adapter: b, Priority: 1}}, WithMetrics(m), WithRetryDelay(0))
	require.NoError(t, err)

	_, err = r.Dispatch(context.Background(), validated(t))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("a", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("b", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.health.WithLabelValues("a")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.health.WithLabelValues("b")))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "二重登録はエラー")
}

func TestRouter_ConcurrentDispatch(t *testing.T) {
	a := &mockAdapter{name: "a"}
	var n int32
	var mu sync.Mutex
	a.sendFunc = func(ctx context.Context, req domain.GenerationRequest) (*domain.ProviderResponse, error) {
		mu.Lock()
		n++
		odd := n%2 == 1
		mu.Unlock()
		if odd {
			return nil, domain.NewProviderError("a", domain.FailureUnknown, 0, errTest)
		}
		return okResponse(req), nil
	}
	b := &mockAdapter{name: "b"}
	r := newTestRouter(t, newFakeClock(), a, b)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Dispatch(context.Background(), validated(t))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.NotEmpty(t, r.Descriptors()[0].State)
}
