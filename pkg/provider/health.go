package provider

import (
	"sync"
	"time"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

// HealthPolicy は連続失敗に応じた段階的な切り離しの設定です。
type HealthPolicy struct {
	// UnavailableAfter 回連続で失敗すると unavailable になります。
	UnavailableAfter int
	// BaseBackoff は最初の切り離し期間です。以降の失敗ごとに 2 倍になります。
	BaseBackoff time.Duration
	// MaxBackoff は切り離し期間の上限です。
	MaxBackoff time.Duration
}

// DefaultHealthPolicy は標準のポリシーを返します。
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		UnavailableAfter: 3,
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       10 * time.Minute,
	}
}

// backoffFor は連続失敗回数 n に対する切り離し期間を返します。
func (p HealthPolicy) backoffFor(n int) time.Duration {
	d := p.BaseBackoff
	for i := p.UnavailableAfter; i < n; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// health は 1 プロバイダの健全性です。ディスパッチ間で共有されるため自身のロックで保護します。
type health struct {
	mu            sync.Mutex
	name          string
	priority      int
	state         domain.HealthState
	failures      int
	lastFailure   time.Time
	disabledUntil time.Time
	lastLatency   time.Duration
	policy        HealthPolicy
	now           func() time.Time
}

func newHealth(name string, priority int, policy HealthPolicy, now func() time.Time) *health {
	return &health{
		name:     name,
		priority: priority,
		state:    domain.HealthAvailable,
		policy:   policy,
		now:      now,
	}
}

// allow は切り離し期間外であれば true を返します。期間を過ぎた unavailable は再試行を許可します。
func (h *health) allow() (bool, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != domain.HealthUnavailable {
		return true, time.Time{}
	}
	if h.now().Before(h.disabledUntil) {
		return false, h.disabledUntil
	}
	return true, time.Time{}
}

func (h *health) recordSuccess(latency time.Duration) domain.HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = domain.HealthAvailable
	h.failures = 0
	h.disabledUntil = time.Time{}
	h.lastLatency = latency
	return h.state
}

// recordFailure は失敗分類に応じて状態を遷移させ、遷移後の状態を返します。
// validation はリクエスト側の問題なので状態を変えません。
func (h *health) recordFailure(class domain.FailureClass) domain.HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if class == domain.FailureValidation {
		return h.state
	}

	now := h.now()
	h.failures++
	h.lastFailure = now

	switch {
	case class == domain.FailureRateLimited:
		h.state = domain.HealthUnavailable
		h.disabledUntil = now.Add(h.policy.BaseBackoff)
	case h.policy.UnavailableAfter > 0 && h.failures >= h.policy.UnavailableAfter:
		h.state = domain.HealthUnavailable
		h.disabledUntil = now.Add(h.policy.backoffFor(h.failures))
	default:
		h.state = domain.HealthDegraded
	}
	return h.state
}

func (h *health) snapshot() domain.ProviderDescriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return domain.ProviderDescriptor{
		Name:                h.name,
		Priority:            h.priority,
		State:               h.state,
		ConsecutiveFailures: h.failures,
		LastFailure:         h.lastFailure,
		DisabledUntil:       h.disabledUntil,
		LastLatency:         h.lastLatency,
	}
}
