package schema

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

// JSONSchema は許可リストを JSON Schema として公開します。
// 未知のフィールドを拒否するため、すべてのオブジェクトに additionalProperties: false を設定します。
func (v *Validator) JSONSchema() *jsonschema.Schema {
	falseSchema := &jsonschema.Schema{Not: &jsonschema.Schema{}}

	params := make(map[string]*jsonschema.Schema, len(v.table.Rules))
	for name, rule := range v.table.Rules {
		params[name] = ruleSchema(rule)
	}

	zero := 0.0
	maxSeed := float64(domain.MaxSeed)
	minCount := float64(domain.MinResultCount)
	maxCount := float64(domain.MaxResultCount)
	one := 1
	maxPrompt := domain.MaxPromptLength

	ratios := make([]any, len(domain.SupportedAspectRatios))
	for i, r := range domain.SupportedAspectRatios {
		ratios[i] = r
	}

	return &jsonschema.Schema{
		Title:       "GenerationRequest",
		Description: fmt.Sprintf("parameter table version %s", v.table.Version),
		Type:        "object",
		Properties: map[string]*jsonschema.Schema{
			domain.FieldPrompt:         {Type: "string", MinLength: &one, MaxLength: &maxPrompt},
			domain.FieldNegativePrompt: {Type: "string", MaxLength: &maxPrompt},
			domain.FieldSeed:           {Type: "integer", Minimum: &zero, Maximum: &maxSeed},
			domain.FieldAspectRatio:    {Type: "string", Enum: ratios},
			domain.FieldResultCount:    {Type: "integer", Minimum: &minCount, Maximum: &maxCount},
			domain.FieldReferenceURL:   {Type: "string", Format: "uri"},
			"parameters": {
				Type:                 "object",
				Properties:           params,
				AdditionalProperties: falseSchema,
			},
		},
		Required:             []string{domain.FieldPrompt},
		AdditionalProperties: falseSchema,
	}
}

func ruleSchema(r Rule) *jsonschema.Schema {
	s := &jsonschema.Schema{Description: r.Description}
	switch r.Kind {
	case KindEnum:
		s.Type = "string"
		s.Enum = make([]any, len(r.Values))
		for i, val := range r.Values {
			s.Enum[i] = val
		}
	case KindRange:
		lo, hi := r.Min, r.Max
		s.Type = "number"
		s.Minimum = &lo
		s.Maximum = &hi
	case KindText:
		n := r.MaxLength
		s.Type = "string"
		s.MaxLength = &n
	}
	return s
}
