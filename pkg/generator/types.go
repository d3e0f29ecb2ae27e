package generator

import (
	"errors"
	"fmt"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

const (
	DefaultWorkers    = 4
	DefaultVariations = 3
	MaxVariations     = 8
)

// GenerateCommand はマトリクス生成の入力です。
// 軸が空の場合は matrix.DefaultRowAxis / DefaultColAxis、Base.Seed が nil の場合は乱数シードを使います。
type GenerateCommand struct {
	ProjectID string
	Base      domain.GenerationRequest
	RowAxis   domain.MatrixAxis
	ColAxis   domain.MatrixAxis
}

// RefineCommand は既存資産の一部フィールドだけを変更して再生成する入力です。
// Reseed を指定するとシードを振り直し、seed を変更フィールドとして宣言します。
type RefineCommand struct {
	ParentID  string
	Mutations map[string]any
	Reseed    bool
}

// InspireCommand は既存資産をスタイル元にしたバリエーション生成の入力です。
// Overrides は雛形に適用するフィールドの変更で、Subject が空でなければ最後にプロンプトを差し替えます。
type InspireCommand struct {
	SourceID   string
	Subject    string
	Overrides  map[string]any
	Variations int
}

// Item はバッチ内の 1 件の結果です。Asset と Err のどちらか一方が入ります。
type Item struct {
	Index    int           `json:"index"`
	Position string        `json:"position,omitempty"`
	Asset    *domain.Asset `json:"asset,omitempty"`
	Err      error         `json:"-"`
}

// BatchResult は Generate / Inspire の結果です。Items は入力順 (マトリクスでは行優先) に並びます。
type BatchResult struct {
	Seed  *int64 `json:"seed,omitempty"`
	Items []Item `json:"items"`
}

// Assets は成功した資産を順に返します。
func (b *BatchResult) Assets() []domain.Asset {
	var out []domain.Asset
	for _, it := range b.Items {
		if it.Asset != nil {
			out = append(out, *it.Asset)
		}
	}
	return out
}

// Failed は失敗した件数を返します。
func (b *BatchResult) Failed() int {
	n := 0
	for _, it := range b.Items {
		if it.Err != nil {
			n++
		}
	}
	return n
}

// err は 1 件以上あって全件が失敗した場合に *BatchFailedError を返します。
func (b *BatchResult) err() error {
	if len(b.Items) == 0 || b.Failed() < len(b.Items) {
		return nil
	}
	return &BatchFailedError{Result: b}
}

// BatchFailedError はバッチの全件が失敗したことを表します。
// Result には各件の失敗理由がそのまま残ります。
type BatchFailedError struct {
	Result *BatchResult
}

func (e *BatchFailedError) Error() string {
	n := len(e.Result.Items)
	return fmt.Sprintf("all %d items failed: %v", n, e.Result.Items[0].Err)
}

// Unwrap は各件のエラーを返します。errors.Is / errors.As は全件を辿ります。
func (e *BatchFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Result.Items))
	for _, it := range e.Result.Items {
		errs = append(errs, it.Err)
	}
	return errs
}

// IsBatchFailed は err が全件失敗のバッチかどうかを返します。
func IsBatchFailed(err error) bool {
	var bf *BatchFailedError
	return errors.As(err, &bf)
}
