package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// MatrixAxis はマトリクスの 1 軸です。Name は値を注入するパラメータ名です。
type MatrixAxis struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Len は軸の長さを返します。
func (a MatrixAxis) Len() int {
	return len(a.Values)
}

// MatrixCell はグリッド上の 1 セルと、そのセル用に導出されたリクエストです。
type MatrixCell struct {
	Row      int               `json:"row"`
	Col      int               `json:"col"`
	RowValue string            `json:"row_value"`
	ColValue string            `json:"col_value"`
	Request  GenerationRequest `json:"request"`
}

// Position は "row,col" 形式の位置文字列を返します。
func (c MatrixCell) Position() string {
	return FormatPosition(c.Row, c.Col)
}

// FormatPosition は 0 始まりの行・列を "row,col" に変換します。
func FormatPosition(row, col int) string {
	return strconv.Itoa(row) + "," + strconv.Itoa(col)
}

// ParsePosition は "row,col" を行・列に分解します。
func ParsePosition(pos string) (row, col int, err error) {
	r, c, ok := strings.Cut(pos, ",")
	if !ok {
		return 0, 0, fmt.Errorf("不正なマトリクス位置です: %q", pos)
	}
	if row, err = strconv.Atoi(strings.TrimSpace(r)); err != nil || row < 0 {
		return 0, 0, fmt.Errorf("不正な行番号です: %q", pos)
	}
	if col, err = strconv.Atoi(strings.TrimSpace(c)); err != nil || col < 0 {
		return 0, 0, fmt.Errorf("不正な列番号です: %q", pos)
	}
	return row, col, nil
}

// MatrixOrigin はセルのプロンプトを組み立てた基本プロンプトと軸名です。
type MatrixOrigin struct {
	BasePrompt string `json:"base_prompt"`
	RowAxis    string `json:"row_axis"`
	ColAxis    string `json:"col_axis"`
}

// IsAxis は name が行または列の軸名かどうかを返します。
func (o *MatrixOrigin) IsAxis(name string) bool {
	return o != nil && (name == o.RowAxis || name == o.ColAxis)
}
