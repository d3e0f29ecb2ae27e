package adapters

import (
	"context"
	"errors"
	"net"
	"net/http"

	"google.golang.org/genai"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

// ClassifyStatus は HTTP ステータスコードを失敗分類に変換します。
func ClassifyStatus(status int) domain.FailureClass {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.FailureRateLimited
	case status == http.StatusRequestTimeout, status >= 500:
		return domain.FailureTransient
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return domain.FailureValidation
	default:
		return domain.FailureUnknown
	}
}

// classifyError はステータスコードを持たないエラー (通信断・タイムアウト等) を分類します。
func classifyError(provider string, err error) *domain.ProviderError {
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if status := genaiStatus(err); status != 0 {
		return domain.NewProviderError(provider, ClassifyStatus(status), status, err)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return domain.NewProviderError(provider, domain.FailureTransient, 0, err)
	case errors.Is(err, context.Canceled):
		return domain.NewProviderError(provider, domain.FailureTransient, 0, err)
	}
	return domain.NewProviderError(provider, domain.FailureUnknown, 0, err)
}

// genaiStatus は genai.APIError からステータスコードを取り出します。
func genaiStatus(err error) int {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch x := any(e).(type) {
		case genai.APIError:
			return x.Code
		case *genai.APIError:
			if x != nil {
				return x.Code
			}
		}
	}
	return 0
}

// seedToPtrInt32 は domain の *int64 を SDK 用の *int32 に変換します。
// 検証済みのシードは int32 の範囲に収まっています。
func seedToPtrInt32(seed *int64) *int32 {
	if seed == nil {
		return nil
	}
	val := int32(*seed)
	return &val
}
