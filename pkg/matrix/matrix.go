// Package matrix は基本プロンプトと 2 本の軸から、シードを固定した生成リクエストのグリッドを組み立てます。
package matrix

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

// PromptTemplate はセルのプロンプトを描画する公開テンプレートです。
// 基本プロンプト、行 (アングル) 記述、列 (ライティング) 記述、品質サフィックスの順です。
// 再現性はこの文字列に依存するため変更してはいけません。
const PromptTemplate = "%s, %s, %s, professional photography"

const (
	RowAxisName = "angle"
	ColAxisName = "lighting"
)

// DefaultRowAxis / DefaultColAxis は軸が指定されなかった場合の 3x3 グリッドです。
var (
	DefaultRowAxis = domain.MatrixAxis{
		Name:   RowAxisName,
		Values: []string{"front view", "side view", "top-down view"},
	}
	DefaultColAxis = domain.MatrixAxis{
		Name:   ColAxisName,
		Values: []string{"studio lighting", "neon lighting", "natural sunlight"},
	}
)

// RenderPrompt は PromptTemplate でセルのプロンプトを描画します。
func RenderPrompt(base, rowValue, colValue string) string {
	return fmt.Sprintf(PromptTemplate, base, rowValue, colValue)
}

// BuildMatrix は基本プロンプトとシードだけからグリッドを組み立てます。
func BuildMatrix(basePrompt string, seed *int64, row, col domain.MatrixAxis) ([]domain.MatrixCell, error) {
	return Build(domain.GenerationRequest{Prompt: basePrompt, Seed: seed}, row, col)
}

// Build は base をすべてのセルで共有し、行優先・0 始まりでセルを並べます。
// 各セルは base と同一のシードを持ち、軸の 2 値とプロンプトだけが異なります。
// 基本プロンプトは前後の空白を除いて使い、空ならセルを 1 つも作りません。
func Build(base domain.GenerationRequest, row, col domain.MatrixAxis) ([]domain.MatrixCell, error) {
	base.Prompt = strings.TrimSpace(base.Prompt)
	if base.Prompt == "" {
		return nil, domain.NewSchemaError(domain.FieldPrompt, "基本プロンプトが空です")
	}
	if err := checkAxis("row_axis", row); err != nil {
		return nil, err
	}
	if err := checkAxis("col_axis", col); err != nil {
		return nil, err
	}
	if row.Name == col.Name {
		return nil, domain.NewSchemaError("col_axis", "行と列に同じパラメータ %q は指定できません", col.Name)
	}
	if base.Seed == nil {
		return nil, domain.NewSchemaError(domain.FieldSeed, "マトリクスにはシードの固定が必要です")
	}

	cells := make([]domain.MatrixCell, 0, row.Len()*col.Len())
	for r, rv := range row.Values {
		for c, cv := range col.Values {
			req := base.Clone()
			req.Prompt = RenderPrompt(base.Prompt, rv, cv)
			if req.Parameters == nil {
				req.Parameters = domain.Parameters{}
			}
			req.Parameters[row.Name] = rv
			req.Parameters[col.Name] = cv

			cells = append(cells, domain.MatrixCell{
				Row:      r,
				Col:      c,
				RowValue: rv,
				ColValue: cv,
				Request:  req,
			})
		}
	}
	return cells, nil
}

// RandomSeed は [0, domain.MaxSeed] の範囲で乱数シードを生成します。
func RandomSeed() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(domain.MaxSeed+1))
	if err != nil {
		return 0, fmt.Errorf("シードの生成に失敗しました: %w", err)
	}
	return n.Int64(), nil
}

func checkAxis(field string, axis domain.MatrixAxis) error {
	if axis.Name == "" {
		return domain.NewSchemaError(field, "軸の名前が空です")
	}
	if axis.Len() == 0 {
		return domain.NewSchemaError(field, "軸 %q に値がありません", axis.Name)
	}
	return nil
}
