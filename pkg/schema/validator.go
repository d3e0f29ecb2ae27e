package schema

import (
	"encoding/json"
	"math"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

// Validated は検証を通過したリクエストです。Validator 以外から生成することはできません。
type Validated struct {
	req     domain.GenerationRequest
	version string
}

// Request は検証済みリクエストのコピーを返します。
func (v Validated) Request() domain.GenerationRequest {
	return v.req.Clone()
}

// TableVersion は検証に使われた許可リストのバージョンを返します。
func (v Validated) TableVersion() string {
	return v.version
}

// IsZero は Validator を経由していないゼロ値かどうかを返します。
func (v Validated) IsZero() bool {
	return v.version == ""
}

// Validator は生成リクエストの許可リスト検証を行います。副作用を持たず、並行利用しても安全です。
type Validator struct {
	table Table
}

// NewValidator は標準の許可リストで Validator を生成します。
func NewValidator() *Validator {
	return NewValidatorWithTable(DefaultTable())
}

// NewValidatorWithTable は任意の許可リストで Validator を生成します。
func NewValidatorWithTable(t Table) *Validator {
	if t.Version == "" {
		t.Version = TableVersion
	}
	return &Validator{table: t}
}

// Table は使用中の許可リストを返します。
func (v *Validator) Table() Table {
	return v.table
}

// Validate はリクエスト全体を検証し、正規化した Validated を返します。
// 途中で 1 件でも問題があれば何も受け付けず SchemaError を返します。
func (v *Validator) Validate(req domain.GenerationRequest) (Validated, error) {
	out := req.Clone()

	prompt, err := checkPrompt(domain.FieldPrompt, out.Prompt, true)
	if err != nil {
		return Validated{}, err
	}
	out.Prompt = prompt

	if out.NegativePrompt, err = checkPrompt(domain.FieldNegativePrompt, out.NegativePrompt, false); err != nil {
		return Validated{}, err
	}
	if out.Seed != nil {
		if err := checkSeed(*out.Seed); err != nil {
			return Validated{}, err
		}
	}
	if out.AspectRatio == "" {
		out.AspectRatio = domain.DefaultAspectRatio
	}
	if err := checkAspectRatio(out.AspectRatio); err != nil {
		return Validated{}, err
	}
	if out.ResultCount == 0 {
		out.ResultCount = domain.MinResultCount
	}
	if err := checkResultCount(out.ResultCount); err != nil {
		return Validated{}, err
	}
	if err := checkReferenceURL(out.ReferenceURL); err != nil {
		return Validated{}, err
	}

	// 報告されるフィールドが決定的になるよう名前順に検査する
	if len(out.Parameters) > 0 {
		params := make(domain.Parameters, len(out.Parameters))
		for _, name := range out.Parameters.Names() {
			val, err := v.checkParameter(name, out.Parameters[name])
			if err != nil {
				return Validated{}, err
			}
			params[name] = val
		}
		out.Parameters = params
	}

	return Validated{req: out, version: v.table.Version}, nil
}

// CheckField は最上位フィールドまたはパラメータ 1 件を検証し、正規化した値を返します。
// seed に nil を渡すと「未指定」を意味します。
func (v *Validator) CheckField(name string, value any) (any, error) {
	switch name {
	case domain.FieldPrompt, domain.FieldNegativePrompt:
		s, ok := value.(string)
		if !ok {
			return nil, domain.NewSchemaError(name, "文字列である必要があります (got %T)", value)
		}
		return checkPrompt(name, s, name == domain.FieldPrompt)
	case domain.FieldSeed:
		if value == nil {
			return nil, nil
		}
		seed, ok := toInt64(value)
		if !ok {
			return nil, domain.NewSchemaError(name, "整数である必要があります (got %v)", value)
		}
		if err := checkSeed(seed); err != nil {
			return nil, err
		}
		return seed, nil
	case domain.FieldAspectRatio:
		s, ok := value.(string)
		if !ok {
			return nil, domain.NewSchemaError(name, "文字列である必要があります (got %T)", value)
		}
		if err := checkAspectRatio(s); err != nil {
			return nil, err
		}
		return s, nil
	case domain.FieldResultCount:
		n, ok := toInt64(value)
		if !ok {
			return nil, domain.NewSchemaError(name, "整数である必要があります (got %v)", value)
		}
		if err := checkResultCount(int(n)); err != nil {
			return nil, err
		}
		return int(n), nil
	case domain.FieldReferenceURL:
		s, ok := value.(string)
		if !ok {
			return nil, domain.NewSchemaError(name, "文字列である必要があります (got %T)", value)
		}
		if err := checkReferenceURL(s); err != nil {
			return nil, err
		}
		return s, nil
	}
	if value == nil {
		if _, ok := v.table.Rules[name]; !ok {
			return nil, domain.NewSchemaError(name, "許可されていないパラメータです")
		}
		return nil, nil
	}
	return v.checkParameter(name, value)
}

// Apply は mutations を req に適用した新しいリクエストと、変更したフィールド名 (名前順) を返します。
// 各値は CheckField で検証されます。パラメータに nil を指定すると削除します。
func (v *Validator) Apply(req domain.GenerationRequest, mutations map[string]any) (domain.GenerationRequest, []string, error) {
	out := req.Clone()
	names := make([]string, 0, len(mutations))
	for name := range mutations {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		val, err := v.CheckField(name, mutations[name])
		if err != nil {
			return domain.GenerationRequest{}, nil, err
		}
		switch name {
		case domain.FieldPrompt:
			out.Prompt = val.(string)
		case domain.FieldNegativePrompt:
			out.NegativePrompt = val.(string)
		case domain.FieldSeed:
			if val == nil {
				out.Seed = nil
			} else {
				out.Seed = domain.SeedPtr(val.(int64))
			}
		case domain.FieldAspectRatio:
			out.AspectRatio = val.(string)
		case domain.FieldResultCount:
			out.ResultCount = val.(int)
		case domain.FieldReferenceURL:
			out.ReferenceURL = val.(string)
		default:
			if val == nil {
				delete(out.Parameters, name)
				continue
			}
			if out.Parameters == nil {
				out.Parameters = domain.Parameters{}
			}
			out.Parameters[name] = val
		}
	}
	return out, names, nil
}

func (v *Validator) checkParameter(name string, value any) (any, error) {
	rule, ok := v.table.Rules[name]
	if !ok {
		return nil, domain.NewSchemaError(name, "許可されていないパラメータです")
	}

	switch rule.Kind {
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return nil, domain.NewSchemaError(name, "文字列である必要があります (got %T)", value)
		}
		if !slices.Contains(rule.Values, s) {
			return nil, domain.NewSchemaError(name, "許可されていない値です: %q", s)
		}
		return s, nil
	case KindText:
		s, ok := value.(string)
		if !ok {
			return nil, domain.NewSchemaError(name, "文字列である必要があります (got %T)", value)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, domain.NewSchemaError(name, "空の値は指定できません")
		}
		if utf8.RuneCountInString(s) > rule.MaxLength {
			return nil, domain.NewSchemaError(name, "最大 %d 文字までです", rule.MaxLength)
		}
		return s, nil
	case KindRange:
		f, ok := toFloat64(value)
		if !ok {
			return nil, domain.NewSchemaError(name, "数値である必要があります (got %v)", value)
		}
		if f < rule.Min || f > rule.Max {
			return nil, domain.NewSchemaError(name, "%v から %v の範囲で指定してください (got %v)", rule.Min, rule.Max, f)
		}
		return f, nil
	}
	return nil, domain.NewSchemaError(name, "未対応のルール種別です: %s", rule.Kind)
}

func checkPrompt(field, s string, required bool) (string, error) {
	s = strings.TrimSpace(s)
	if required && s == "" {
		return "", domain.NewSchemaError(field, "空のプロンプトは指定できません")
	}
	if utf8.RuneCountInString(s) > domain.MaxPromptLength {
		return "", domain.NewSchemaError(field, "最大 %d 文字までです", domain.MaxPromptLength)
	}
	return s, nil
}

func checkSeed(seed int64) error {
	if seed < 0 || seed > domain.MaxSeed {
		return domain.NewSchemaError(domain.FieldSeed, "0 から %d の範囲で指定してください (got %d)", domain.MaxSeed, seed)
	}
	return nil
}

func checkAspectRatio(ar string) error {
	if !slices.Contains(domain.SupportedAspectRatios, ar) {
		return domain.NewSchemaError(domain.FieldAspectRatio, "未対応のアスペクト比です: %q", ar)
	}
	return nil
}

func checkResultCount(n int) error {
	if n < domain.MinResultCount || n > domain.MaxResultCount {
		return domain.NewSchemaError(domain.FieldResultCount, "%d から %d の範囲で指定してください (got %d)", domain.MinResultCount, domain.MaxResultCount, n)
	}
	return nil
}

func checkReferenceURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return domain.NewSchemaError(domain.FieldReferenceURL, "URLパース失敗: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "gs", "s3", "file":
	default:
		return domain.NewSchemaError(domain.FieldReferenceURL, "不許可スキーム: %q", u.Scheme)
	}
	if u.Scheme != "file" && u.Host == "" {
		return domain.NewSchemaError(domain.FieldReferenceURL, "ホストがありません")
	}
	return nil
}

func toFloat64(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint32:
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	}
	f, ok := toFloat64(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64/2 {
		return 0, false
	}
	return int64(f), true
}
