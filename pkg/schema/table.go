package schema

import (
	"maps"
	"slices"
)

// TableVersion はパラメータ許可リストのバージョンです。表を変更したら必ず上げてください。
const TableVersion = "2024.1"

// MaxTextLength は自由記述パラメータの既定の最大文字数です。
const MaxTextLength = 200

// RuleKind はパラメータ値のドメインの種類です。
type RuleKind string

const (
	KindEnum  RuleKind = "enum"
	KindRange RuleKind = "range"
	KindText  RuleKind = "text"
)

// Rule は 1 パラメータの型とドメインです。
type Rule struct {
	Kind        RuleKind
	Values      []string // KindEnum
	Min, Max    float64  // KindRange
	MaxLength   int      // KindText
	Description string
}

// Table はパラメータ名から Rule への許可リストです。
type Table struct {
	Version string
	Rules   map[string]Rule
}

// Names はパラメータ名をソートして返します。
func (t Table) Names() []string {
	return slices.Sorted(maps.Keys(t.Rules))
}

func enumRule(desc string, values ...string) Rule {
	return Rule{Kind: KindEnum, Values: values, Description: desc}
}

func textRule(desc string) Rule {
	return Rule{Kind: KindText, MaxLength: MaxTextLength, Description: desc}
}

// DefaultTable は標準のパラメータ許可リストを返します。呼び出しごとに新しい値を返します。
func DefaultTable() Table {
	return Table{
		Version: TableVersion,
		Rules: map[string]Rule{
			// マトリクス軸として使われる自由記述パラメータ
			"angle":    textRule("camera angle descriptor"),
			"lighting": textRule("lighting descriptor"),
			"style":    textRule("overall visual style"),
			"palette":  textRule("color palette description"),

			// カメラ
			"camera_angle": enumRule("camera angle",
				"front_view", "three_quarter_view", "side_view", "back_view",
				"top_down", "low_angle", "high_angle", "eye_level"),
			"focal_length": enumRule("lens focal length",
				"14mm", "24mm", "35mm", "50mm", "85mm", "105mm", "135mm", "200mm"),
			"depth_of_field": enumRule("depth of field",
				"shallow", "medium", "deep", "hyperfocal"),

			// ライティング
			"lighting_setup": enumRule("lighting setup",
				"studio_three_point", "rembrandt", "split_lighting", "butterfly",
				"loop_lighting", "rim_lighting", "natural_window", "golden_hour",
				"blue_hour", "dramatic_side", "soft_diffused", "hard_directional"),
			"lighting_temperature": enumRule("lighting color temperature",
				"tungsten_3200k", "daylight_5600k", "cloudy_6500k", "shade_7500k",
				"warm_2700k", "cool_8000k"),

			// 構図
			"composition": enumRule("composition rule",
				"rule_of_thirds", "golden_ratio", "symmetrical", "asymmetrical",
				"leading_lines", "frame_in_frame", "fill_frame", "negative_space"),

			// カラーパレット
			"color_temperature": enumRule("palette temperature",
				"very_warm", "warm", "neutral", "cool", "very_cool"),
			"color_saturation": enumRule("palette saturation",
				"desaturated", "natural", "vibrant", "oversaturated"),

			"mood": enumRule("mood",
				"professional", "dramatic", "elegant", "modern", "vintage",
				"minimalist", "luxury", "industrial", "organic", "futuristic"),
			"background": enumRule("background",
				"white_seamless", "black_seamless", "gradient_neutral", "textured_wall",
				"wooden_surface", "marble_surface", "fabric_backdrop", "outdoor_natural",
				"studio_cyc", "transparent"),

			"guidance_scale": {Kind: KindRange, Min: 1, Max: 20, Description: "prompt adherence strength"},
		},
	}
}
