// Package translate は自然文の依頼を、許可リストに沿った生成リクエストの変更内容に翻訳します。
// 翻訳結果は必ず schema.Validator を通してから返すため、モデルが許可リスト外の値を返しても送出されることはありません。
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/schema"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.3
	DefaultTimeout     = 30 * time.Second
)

// 決定性は利用者が管理するため、翻訳ではこれらのフィールドを変更しません。
var reservedFields = []string{domain.FieldSeed, domain.FieldResultCount, domain.FieldReferenceURL}

// Completer は Chat Completions のエンドポイントです。*openai.ChatCompletionService が満たします。
type Completer interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Translator は LLM を使って自然文を変更内容に翻訳します。
type Translator struct {
	completer   Completer
	validator   *schema.Validator
	model       string
	temperature float64
	timeout     time.Duration
	system      string
}

// Option は Translator の設定を変更します。
type Option func(*Translator)

// WithTimeout は 1 回の翻訳の期限を設定します。
func WithTimeout(d time.Duration) Option {
	return func(t *Translator) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithTemperature はサンプリング温度を設定します。
func WithTemperature(v float64) Option {
	return func(t *Translator) { t.temperature = v }
}

// NewTranslator は Translator を初期化します。model が空なら DefaultModel を使います。
func NewTranslator(c Completer, v *schema.Validator, model string, opts ...Option) (*Translator, error) {
	if c == nil {
		return nil, errors.New("completer is required")
	}
	if v == nil {
		return nil, errors.New("validator is required")
	}
	if model == "" {
		model = DefaultModel
	}
	system, err := systemPrompt(v)
	if err != nil {
		return nil, err
	}
	t := &Translator{
		completer:   c,
		validator:   v,
		model:       model,
		temperature: DefaultTemperature,
		timeout:     DefaultTimeout,
		system:      system,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func systemPrompt(v *schema.Validator) (string, error) {
	s, err := json.Marshal(v.JSONSchema())
	if err != nil {
		return "", fmt.Errorf("encode request schema: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("You convert natural-language product photography briefs into structured image generation requests.\n")
	sb.WriteString("Reply with a single JSON object that conforms to this JSON Schema:\n")
	sb.Write(s)
	sb.WriteString("\nRules:\n")
	sb.WriteString("- Use only the parameter names and enum values listed in the schema.\n")
	sb.WriteString("- Put the subject and scene description in \"prompt\". Do not repeat parameter values there.\n")
	sb.WriteString("- Never set seed, result_count or reference_url.\n")
	sb.WriteString("- Omit anything the brief does not mention.\n")
	return sb.String(), nil
}

// Describe は新規生成の依頼文を変更内容 (フィールド名 → 正規化済みの値) に翻訳します。
// パラメータは最上位に展開されます。
func (t *Translator) Describe(ctx context.Context, text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.NewSchemaError("describe", "依頼文が空です")
	}
	content, err := t.complete(ctx, text)
	if err != nil {
		return nil, err
	}
	return t.decode(content)
}

// Modify は現在のリクエストに対する修正の依頼文を、変更するフィールドだけの変更内容に翻訳します。
// パラメータに null を返した場合は削除を意味します。
func (t *Translator) Modify(ctx context.Context, current domain.GenerationRequest, instruction string) (map[string]any, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, domain.NewSchemaError("describe", "修正の依頼文が空です")
	}
	cur, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode current request: %w", err)
	}
	user := "Current request:\n" + string(cur) +
		"\n\nModification:\n" + instruction +
		"\n\nReply with only the fields that must change. Use null for a parameter that must be removed."
	content, err := t.complete(ctx, user)
	if err != nil {
		return nil, err
	}
	mutations, err := t.decode(content)
	if err != nil {
		return nil, err
	}
	if len(mutations) == 0 {
		return nil, domain.NewSchemaError("describe", "依頼文から変更内容を読み取れませんでした")
	}
	return mutations, nil
}

func (t *Translator) complete(ctx context.Context, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	resp, err := t.completer.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(t.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(t.system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(t.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("translate: no choices")
	}
	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return "", fmt.Errorf("translate: refused: %s", msg.Refusal)
	}
	slog.DebugContext(ctx, "依頼文を翻訳しました", "model", t.model, "elapsed", time.Since(start))
	return msg.Content, nil
}

// decode はモデルの返答を検証済みの変更内容に変換します。
func (t *Translator) decode(content string) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(stripFence(content)), &raw); err != nil {
		return nil, fmt.Errorf("translate: reply is not a JSON object: %w", err)
	}

	flat := make(map[string]any, len(raw))
	for k, v := range raw {
		if k != "parameters" {
			flat[k] = v
			continue
		}
		if v == nil {
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
			flat[name] = pv
		}
	}

	out := make(map[string]any, len(flat))
	for name, value := range flat {
		if slices.Contains(reservedFields, name) {
			slog.Debug("翻訳結果の予約フィールドを無視します", "field", name)
			continue
		}
		normalized, err := t.validator.CheckField(name, value)
		if err != nil {
			return nil, fmt.Errorf("translate: %w", err)
		}
		out[name] = normalized
	}
	return out, nil
}

// stripFence は ```json ... ``` で囲まれた返答から中身を取り出します。
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
