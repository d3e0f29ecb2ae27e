package domain

import "time"

// GenerationMode は資産がどのコマンドで生成されたかを表します。
type GenerationMode string

const (
	ModeGenerate GenerationMode = "generate"
	ModeRefine   GenerationMode = "refine"
	ModeInspire  GenerationMode = "inspire"
)

// Asset は 1 回の生成成功を表す永続レコードです。
// ParentID は弱い参照 (ID 文字列) であり、親の削除が子に波及することはありません。
type Asset struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Mode      GenerationMode `json:"mode"`

	// Request は生成に使われた検証済みリクエスト (JSON DNA) です。
	Request GenerationRequest `json:"request"`
	// MutatedFields は refine で意図的に変更したフィールド名です。
	MutatedFields []string `json:"mutated_fields,omitempty"`

	MatrixPosition string `json:"matrix_position,omitempty"`
	// Matrix はマトリクス由来のプロンプトを refine で描画し直すための元情報です。
	Matrix   *MatrixOrigin `json:"matrix,omitempty"`
	Provider string        `json:"provider,omitempty"`

	// プロバイダ応答の後に埋められるロケータ類
	Locators []string `json:"locators,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
	UsedSeed *int64   `json:"used_seed,omitempty"` // プロバイダがエコーしたシード

	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// IsRoot は親を持たない資産かどうかを返します。
func (a Asset) IsRoot() bool {
	return a.ParentID == ""
}

// PrimaryLocator は最初のメディアロケータを返します。
func (a Asset) PrimaryLocator() string {
	if len(a.Locators) == 0 {
		return ""
	}
	return a.Locators[0]
}

// RecordedAsset は記録後に後段 (ブランド処理・エクスポート) へ渡される組です。
type RecordedAsset struct {
	AssetID string            `json:"asset_id"`
	Locator string            `json:"locator"`
	Request GenerationRequest `json:"request"`
}
