package domain

import "time"

// HealthState はプロバイダの健全性です。
type HealthState string

const (
	HealthAvailable   HealthState = "available"
	HealthDegraded    HealthState = "degraded"
	HealthUnavailable HealthState = "unavailable"
)

// ProviderDescriptor はルーターが保持するプロバイダ状態のスナップショットです。
// 実体はルーターのみが更新します。
type ProviderDescriptor struct {
	Name                string        `json:"name"`
	Priority            int           `json:"priority"`
	State               HealthState   `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailure         time.Time     `json:"last_failure,omitzero"`
	DisabledUntil       time.Time     `json:"disabled_until,omitzero"`
	LastLatency         time.Duration `json:"last_latency"`
}

// Media はプロバイダが返した 1 枚分の結果です。URL か Data のどちらかが入ります。
type Media struct {
	URL      string
	Data     []byte
	MimeType string
}

// ProviderResponse はアダプタ共通の正規化済みレスポンスです。
type ProviderResponse struct {
	Media   []Media
	Seed    *int64 // プロバイダがエコーしたシード。非対応の場合は nil
	Latency time.Duration
}
