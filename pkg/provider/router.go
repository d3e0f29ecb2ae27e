// Package provider は優先度付きのプロバイダ群に対して、フォールバックと局所的な再試行つきで
// 検証済みリクエストを送出するルーターを提供します。
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/schema"
)

const (
	outcomeSuccess = "success"
	outcomeSkipped = "skipped"

	// DefaultAttempts は 1 回のアダプタ呼び出しあたりの最大試行回数です。
	DefaultAttempts   = 2
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultTimeout    = 60 * time.Second
)

// Adapter は 1 つの外部画像生成サービスを包む統一インターフェースです。
// すべての失敗は *domain.ProviderError として分類して返す必要があります。
type Adapter interface {
	Name() string
	Send(ctx context.Context, req domain.GenerationRequest, timeout time.Duration) (*domain.ProviderResponse, error)
}

// Entry はルーターに登録するプロバイダです。
type Entry struct {
	Adapter  Adapter
	Priority int // 小さいほど先に試行される
	// RatePerSecond が 0 以下の場合は無制限です。
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
}

// Result は送出の成功結果です。
type Result struct {
	Provider string
	Response *domain.ProviderResponse
	Attempts int
	// Failures は成功までに失敗・スキップしたプロバイダです。
	Failures []domain.ProviderFailure
}

type registered struct {
	adapter Adapter
	limiter *rate.Limiter
	timeout time.Duration
	health  *health
}

// Router は優先度順にプロバイダを試し、最初の成功を返します。
type Router struct {
	providers  []*registered
	attempts   int
	retryDelay time.Duration
	policy     HealthPolicy
	metrics    *Metrics
	now        func() time.Time
}

// Option は Router の設定を変更します。
type Option func(*Router)

// WithPolicy は健全性ポリシーを設定します。
func WithPolicy(p HealthPolicy) Option {
	return func(r *Router) { r.policy = p }
}

// WithAttempts はアダプタ呼び出しあたりの最大試行回数を設定します。
func WithAttempts(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithRetryDelay は一時的な失敗の再試行間隔を設定します。
func WithRetryDelay(d time.Duration) Option {
	return func(r *Router) { r.retryDelay = d }
}

// WithMetrics は Prometheus メトリクスを設定します。
func WithMetrics(m *Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithClock は健全性判定に使う時計を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter は entries を優先度順 (同順位は登録順) に並べて Router を初期化します。
func NewRouter(entries []Entry, opts ...Option) (*Router, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	r := &Router{
		attempts:   DefaultAttempts,
		retryDelay: DefaultRetryDelay,
		policy:     DefaultHealthPolicy(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	seen := make(map[string]struct{}, len(sorted))
	for i, e := range sorted {
		if e.Adapter == nil {
			return nil, fmt.Errorf("entry %d: adapter is required", i)
		}
		name := e.Adapter.Name()
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("プロバイダ名が重複しています: %s", name)
		}
		seen[name] = struct{}{}

		limit := rate.Inf
		if e.RatePerSecond > 0 {
			limit = rate.Limit(e.RatePerSecond)
		}
		burst := e.Burst
		if burst <= 0 {
			burst = 1
		}
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		reg := &registered{
			adapter: e.Adapter,
			limiter: rate.NewLimiter(limit, burst),
			timeout: timeout,
			health:  newHealth(name, e.Priority, r.policy, r.now),
		}
		r.providers = append(r.providers, reg)
		r.metrics.setHealth(name, domain.HealthAvailable)
	}
	return r, nil
}

// Descriptors は全プロバイダの状態スナップショットを試行順に返します。
func (r *Router) Descriptors() []domain.ProviderDescriptor {
	out := make([]domain.ProviderDescriptor, len(r.providers))
	for i, p := range r.providers {
		out[i] = p.health.snapshot()
	}
	return out
}

// Dispatch は検証済みリクエストを優先度順に送出します。
// プロバイダ間のフォールバックは逐次的で、前のプロバイダの結果が出るまで次は呼び出しません。
// すべて失敗した場合は試行順の理由を持つ *domain.AllProvidersFailedError を返します。
func (r *Router) Dispatch(ctx context.Context, v schema.Validated) (*Result, error) {
	if v.IsZero() {
		return nil, domain.NewSchemaError("request", "検証されていないリクエストは送出できません")
	}
	req := v.Request()

	var failures []domain.ProviderFailure
	for _, p := range r.providers {
		name := p.adapter.Name()
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dispatch aborted: %w", err)
		}

		if ok, until := p.health.allow(); !ok {
			failures = append(failures, domain.ProviderFailure{
				Provider: name,
				Class:    domain.FailureUnknown,
				Skipped:  true,
				Err:      fmt.Errorf("unavailable until %s", until.Format(time.RFC3339)),
			})
			r.metrics.observeCall(name, outcomeSkipped, 0)
			continue
		}

		resp, attempts, err := r.call(ctx, p, req)
		if err == nil {
			state := p.health.recordSuccess(resp.Latency)
			r.metrics.observeCall(name, outcomeSuccess, resp.Latency)
			r.metrics.setHealth(name, state)
			return &Result{Provider: name, Response: resp, Attempts: attempts, Failures: failures}, nil
		}

		// 呼び出し元のキャンセルや期限不足はプロバイダの責任ではない
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("dispatch aborted: %w", ctxErr)
		}
		var we *waitError
		if errors.As(err, &we) {
			slog.WarnContext(ctx, "期限までにレート制限の枠が空かないため送出を中断します", "provider", name, "error", we.err)
			return nil, fmt.Errorf("dispatch aborted: %w: %w", context.DeadlineExceeded, we.err)
		}

		var pe *domain.ProviderError
		if !errors.As(err, &pe) {
			pe = domain.NewProviderError(name, domain.FailureUnknown, 0, err)
		}
		state := p.health.recordFailure(pe.Class)
		r.metrics.observeCall(name, string(pe.Class), 0)
		r.metrics.setHealth(name, state)
		slog.WarnContext(ctx, "プロバイダ呼び出しに失敗しました。次のプロバイダへフォールバックします",
			"provider", name, "class", pe.Class, "attempts", attempts, "state", state, "error", err)

		failures = append(failures, domain.ProviderFailure{Provider: name, Class: pe.Class, Err: err})
	}
	return nil, &domain.AllProvidersFailedError{Failures: failures}
}

// waitError はレート制限の待機が呼び出し元の期限内に終わらないことを表します。
type waitError struct {
	err error
}

func (e *waitError) Error() string { return "rate limiter: " + e.err.Error() }

func (e *waitError) Unwrap() error { return e.err }

// call は 1 プロバイダを呼び出します。transient な失敗のみ attempts 回まで再試行します。
func (r *Router) call(ctx context.Context, p *registered, req domain.GenerationRequest) (*domain.ProviderResponse, int, error) {
	name := p.adapter.Name()
	var (
		resp     *domain.ProviderResponse
		attempts int
	)
	op := func() error {
		attempts++
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(&waitError{err: err})
		}
		start := time.Now()
		out, err := p.adapter.Send(ctx, req, p.timeout)
		if err != nil {
			if domain.IsRetryable(err) && ctx.Err() == nil {
				slog.InfoContext(ctx, "一時的な失敗のため再試行します", "provider", name, "attempt", attempts, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		if out == nil || len(out.Media) == 0 {
			return backoff.Permanent(domain.NewProviderError(name, domain.FailureUnknown, 0, errors.New("画像が含まれていないレスポンスです")))
		}
		if out.Latency <= 0 {
			out.Latency = time.Since(start)
		}
		resp = out
		return nil
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(r.retryDelay)
	b = backoff.WithMaxRetries(b, uint64(r.attempts-1))
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, attempts, err
	}
	return resp, attempts, nil
}
