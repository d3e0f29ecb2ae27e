package domain

import (
	"errors"
	"fmt"
	"strings"
)

// SchemaError は許可リスト検証の失敗を表します。Field は最初に問題が見つかったフィールド名です。
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("スキーマ検証エラー (field=%s): %s", e.Field, e.Reason)
}

// NewSchemaError は SchemaError を生成します。
func NewSchemaError(field, format string, args ...any) *SchemaError {
	return &SchemaError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// FailureClass はプロバイダ失敗の分類です。
type FailureClass string

const (
	// FailureTransient はタイムアウト・5xx・ネットワーク断など、再試行で回復しうる失敗です。
	FailureTransient FailureClass = "transient"
	// FailureRateLimited は 429 などのレート制限です。
	FailureRateLimited FailureClass = "rate_limited"
	// FailureValidation はプロバイダがリクエスト自体を拒否した失敗です (400/422、安全フィルタ)。
	FailureValidation FailureClass = "validation"
	// FailureUnknown は分類できない失敗です。
	FailureUnknown FailureClass = "unknown"
)

// ProviderError はアダプタが返す分類済みの失敗です。
type ProviderError struct {
	Provider   string
	Class      FailureClass
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: %s (status=%d): %v", e.Provider, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError は ProviderError を生成します。
func NewProviderError(provider string, class FailureClass, status int, err error) *ProviderError {
	return &ProviderError{Provider: provider, Class: class, StatusCode: status, Err: err}
}

// ClassOf は err に含まれる ProviderError の分類を返します。見つからない場合は FailureUnknown です。
func ClassOf(err error) FailureClass {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return FailureUnknown
}

// IsRetryable はローカル再試行の対象となる失敗かどうかを返します。
func IsRetryable(err error) bool {
	return ClassOf(err) == FailureTransient
}

// ProviderFailure は 1 プロバイダ分の失敗理由です。
type ProviderFailure struct {
	Provider string
	Class    FailureClass
	Skipped  bool
	Err      error
}

func (f ProviderFailure) String() string {
	if f.Skipped {
		return fmt.Sprintf("%s: skipped (%v)", f.Provider, f.Err)
	}
	return fmt.Sprintf("%s: %s: %v", f.Provider, f.Class, f.Err)
}

// AllProvidersFailedError はフォールバック連鎖がすべて失敗したことを表します。
// Failures は試行順に 1 プロバイダ 1 件です。
type AllProvidersFailedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	reasons := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		reasons[i] = f.String()
	}
	return fmt.Sprintf("すべてのプロバイダが失敗しました (%d件): %s", len(e.Failures), strings.Join(reasons, "; "))
}

// NotFoundError は参照先のレコードが存在しないことを表します。
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s が見つかりません: %s", e.Kind, e.ID)
}

// DuplicateIDError は既存の ID で記録しようとしたことを表します。
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("ID が重複しています: %s", e.ID)
}

// LineageError は refine の子が宣言外のフィールドで親と異なることを表します。
type LineageError struct {
	ID     string
	Fields []string
}

func (e *LineageError) Error() string {
	return fmt.Sprintf("系譜の不整合 (id=%s): 宣言されていない変更 %v", e.ID, e.Fields)
}

// IsNotFound は err が NotFoundError を含むかどうかを返します。
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
