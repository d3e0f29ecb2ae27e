package generator

import (
	"context"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/provider"
	"github.com/shouni/image-matrix-kit/pkg/schema"
)

// Dispatcher は検証済みリクエストをプロバイダ群に送ります。*provider.Router が満たします。
type Dispatcher interface {
	Dispatch(ctx context.Context, v schema.Validated) (*provider.Result, error)
}

// MediaPersister はプロバイダ応答のメディアを保存し、ロケータを返します。*media.Persister が満たします。
type MediaPersister interface {
	Persist(ctx context.Context, assetID string, items []domain.Media) ([]string, string, error)
}

// Lineage は系譜の記録と refine 候補の導出を担当します。*lineage.Store が満たします。
type Lineage interface {
	Record(ctx context.Context, asset domain.Asset) (string, error)
	Refine(ctx context.Context, parentID string, mutations map[string]any) (domain.GenerationRequest, []string, error)
	Get(ctx context.Context, id string) (domain.Asset, error)
}

// Publisher は記録済みの資産を後段処理 (ブランド処理・エクスポート) に渡します。
type Publisher interface {
	Publish(ctx context.Context, rec domain.RecordedAsset) error
}
