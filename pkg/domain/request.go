package domain

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

const (
	// MaxSeed はプロバイダ間で再現性が保証されるシード値の上限です (int32 の最大値)。
	MaxSeed int64 = 2147483647
	// MaxPromptLength はプロンプトの最大文字数です。
	MaxPromptLength = 2000
	// MinResultCount / MaxResultCount は 1 リクエストあたりの生成枚数の範囲です。
	MinResultCount = 1
	MaxResultCount = 4
	// DefaultAspectRatio はアスペクト比が未指定の場合に使われます。
	DefaultAspectRatio = "1:1"
)

// 最上位フィールド名。パラメータ名と衝突してはいけません。
const (
	FieldPrompt         = "prompt"
	FieldNegativePrompt = "negative_prompt"
	FieldSeed           = "seed"
	FieldAspectRatio    = "aspect_ratio"
	FieldResultCount    = "result_count"
	FieldReferenceURL   = "reference_url"
)

// TopLevelFields は GenerationRequest の最上位フィールド名の一覧です。
var TopLevelFields = []string{
	FieldPrompt,
	FieldNegativePrompt,
	FieldSeed,
	FieldAspectRatio,
	FieldResultCount,
	FieldReferenceURL,
}

// SupportedAspectRatios はすべてのプロバイダが受け付けるアスペクト比です。
var SupportedAspectRatios = []string{
	"1:1", "2:3", "3:2", "3:4", "4:3", "4:5", "5:4", "9:16", "16:9",
}

// Parameters は許可されたパラメータ名から型付きの値 (string または float64) への対応です。
type Parameters map[string]any

// Clone は Parameters の複製を返します。
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Names はパラメータ名をソートして返します。
func (p Parameters) Names() []string {
	return slices.Sorted(maps.Keys(p))
}

// GenerationRequest は 1 回の画像生成を決定的に特徴づける値 (JSON DNA) です。
// Seed が nil の場合はプロバイダに選択を任せます。
type GenerationRequest struct {
	Prompt         string     `json:"prompt"`
	NegativePrompt string     `json:"negative_prompt,omitempty"`
	Seed           *int64     `json:"seed,omitempty"`
	AspectRatio    string     `json:"aspect_ratio"`
	ResultCount    int        `json:"result_count"`
	ReferenceURL   string     `json:"reference_url,omitempty"`
	Parameters     Parameters `json:"parameters,omitempty"`
}

// Clone は GenerationRequest の深いコピーを返します。
func (r GenerationRequest) Clone() GenerationRequest {
	out := r
	if r.Seed != nil {
		s := *r.Seed
		out.Seed = &s
	}
	out.Parameters = r.Parameters.Clone()
	return out
}

// SeedValue は Seed を安全にデリファレンスします。nil の場合は 0 を返します。
func (r GenerationRequest) SeedValue() int64 {
	return DereferenceSeed(r.Seed)
}

// ProviderPrompt はテキストのみを受け付けるプロバイダに送る最終的なプロンプトです。
// パラメータは名前順に "name: value" 形式で追記されるため、同じ DNA からは常に同じ文字列になります。
func (r GenerationRequest) ProviderPrompt() string {
	if len(r.Parameters) == 0 {
		return r.Prompt
	}
	var sb strings.Builder
	sb.WriteString(r.Prompt)
	for _, name := range r.Parameters.Names() {
		fmt.Fprintf(&sb, ", %s: %s", name, FormatValue(r.Parameters[name]))
	}
	return sb.String()
}

// Field は最上位フィールドまたはパラメータの値を名前で取り出します。
func (r GenerationRequest) Field(name string) (any, bool) {
	switch name {
	case FieldPrompt:
		return r.Prompt, true
	case FieldNegativePrompt:
		return r.NegativePrompt, true
	case FieldSeed:
		if r.Seed == nil {
			return nil, true
		}
		return *r.Seed, true
	case FieldAspectRatio:
		return r.AspectRatio, true
	case FieldResultCount:
		return r.ResultCount, true
	case FieldReferenceURL:
		return r.ReferenceURL, true
	}
	v, ok := r.Parameters[name]
	return v, ok
}

// DiffFields は a と b で値が異なるフィールド名をソートして返します。
// 片方にしか存在しないパラメータも差分として扱います。
func DiffFields(a, b GenerationRequest) []string {
	var diff []string
	if a.Prompt != b.Prompt {
		diff = append(diff, FieldPrompt)
	}
	if a.NegativePrompt != b.NegativePrompt {
		diff = append(diff, FieldNegativePrompt)
	}
	if !seedEqual(a.Seed, b.Seed) {
		diff = append(diff, FieldSeed)
	}
	if a.AspectRatio != b.AspectRatio {
		diff = append(diff, FieldAspectRatio)
	}
	if a.ResultCount != b.ResultCount {
		diff = append(diff, FieldResultCount)
	}
	if a.ReferenceURL != b.ReferenceURL {
		diff = append(diff, FieldReferenceURL)
	}
	names := make(map[string]struct{}, len(a.Parameters)+len(b.Parameters))
	for k := range a.Parameters {
		names[k] = struct{}{}
	}
	for k := range b.Parameters {
		names[k] = struct{}{}
	}
	for k := range names {
		av, aok := a.Parameters[k]
		bv, bok := b.Parameters[k]
		if aok != bok || FormatValue(av) != FormatValue(bv) {
			diff = append(diff, k)
		}
	}
	slices.Sort(diff)
	return diff
}

// IsTopLevelField は name が最上位フィールド名かどうかを返します。
func IsTopLevelField(name string) bool {
	return slices.Contains(TopLevelFields, name)
}

// FormatValue はパラメータ値を比較・プロンプト描画用の文字列に変換します。
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}

// DereferenceSeed は、int64のポインタを安全にデリファレンスします。
// ポインタがnilの場合は0を返します。
func DereferenceSeed(seed *int64) int64 {
	if seed == nil {
		return 0
	}
	return *seed
}

// SeedPtr はシード値のポインタを返します。
func SeedPtr(seed int64) *int64 {
	return &seed
}

func seedEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
