package commands

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/schema"
)

// parseAssignments は "name=value" の並びを変更内容に変換します。"name=" はパラメータの削除を表します。
func parseAssignments(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q (want name=value)", pair)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("field %q assigned twice", name)
		}
		if value == "" {
			out[name] = nil
			continue
		}
		out[name] = value
	}
	return out, nil
}

// mergeUnder は dst にないフィールドだけを src からコピーします。明示したフラグが翻訳結果より優先されます。
func mergeUnder(dst, src map[string]any) {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}

// parseAxis は "name=v1,v2,v3" を軸に変換します。空文字列は既定の軸を意味します。
func parseAxis(raw string) (domain.MatrixAxis, error) {
	if raw == "" {
		return domain.MatrixAxis{}, nil
	}
	name, list, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return domain.MatrixAxis{}, fmt.Errorf("invalid axis %q (want name=v1,v2,...)", raw)
	}
	var values []string
	for _, v := range strings.Split(list, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return domain.MatrixAxis{Name: name, Values: values}, nil
}

// loadRequestFile は YAML または JSON のリクエストを読み込み、変更内容として返します。
// parameters は展開され、各値は後段の検証に委ねられます。
func loadRequestFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if k != "parameters" {
			out[k] = normalizeNumber(v)
			continue
		}
		params, ok := v.(map[string]any)
		if !ok {
			return nil, domain.NewSchemaError("parameters", "オブジェクトである必要があります (got %T)", v)
		}
		for name, pv := range params {
			if domain.IsTopLevelField(name) {
				return nil, domain.NewSchemaError(name, "パラメータ名に最上位フィールド名は使えません")
			}
			out[name] = normalizeNumber(pv)
		}
	}
	return out, nil
}

// normalizeNumber は YAML デコーダが返す符号なし整数を int64 にそろえます。
func normalizeNumber(v any) any {
	switch x := v.(type) {
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case uint:
		return int64(x)
	}
	return v
}

// buildRequest はファイルとフラグの内容を既定値の上に重ねて GenerationRequest を組み立てます。
// フラグはファイルより優先されます。
func buildRequest(v *schema.Validator, file string, flags map[string]any) (domain.GenerationRequest, error) {
	fields := map[string]any{}
	if file != "" {
		fromFile, err := loadRequestFile(file)
		if err != nil {
			return domain.GenerationRequest{}, err
		}
		for k, val := range fromFile {
			fields[k] = val
		}
	}
	for k, val := range flags {
		fields[k] = val
	}
	base := domain.GenerationRequest{AspectRatio: domain.DefaultAspectRatio, ResultCount: 1}
	req, _, err := v.Apply(base, fields)
	return req, err
}
