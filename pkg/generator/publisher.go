package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

// JSONLPublisher は記録済み資産を 1 行 1 件の JSON として書き出します。
// 後段のブランド処理やエクスポートはこの出力を読み込みます。
type JSONLPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLPublisher は JSONLPublisher を生成します。
func NewJSONLPublisher(w io.Writer) (*JSONLPublisher, error) {
	if w == nil {
		return nil, fmt.Errorf("writer is required")
	}
	return &JSONLPublisher{w: w}, nil
}

// Publish は rec を書き出します。並行に呼び出しても行が混ざることはありません。
func (p *JSONLPublisher) Publish(_ context.Context, rec domain.RecordedAsset) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode recorded asset: %w", err)
	}
	line = append(line, '\n')
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.w.Write(line)
	return err
}

var _ Publisher = (*JSONLPublisher)(nil)
