package lineage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/schema"
)

// Store は系譜の記録と参照を行います。記録はプロジェクト単位で直列化されます。
type Store struct {
	backend   Backend
	validator *schema.Validator
	locks     sync.Map // projectID -> *sync.Mutex
	now       func() time.Time
}

// NewStore は backend に接続できることを確かめて Store を初期化します。
func NewStore(ctx context.Context, backend Backend, validator *schema.Validator) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	last, err := backend.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("最終 seq の読み込みに失敗しました: %w", err)
	}
	slog.DebugContext(ctx, "系譜ストアを開きました", "last_seq", last)
	return &Store{backend: backend, validator: validator, now: time.Now}, nil
}

func (s *Store) projectLock(projectID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(projectID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Record は資産を追記し、割り当てた ID を返します。
// ID が空なら UUID を採番し、CreatedAt は Store が、Seq は backend が保存時に設定します。
// 親は記録済みでなければならず、refine の子は MutatedFields 以外で親と異なってはいけません。
func (s *Store) Record(ctx context.Context, asset domain.Asset) (string, error) {
	mu := s.projectLock(asset.ProjectID)
	mu.Lock()
	defer mu.Unlock()

	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	if _, err := s.backend.Get(ctx, asset.ID); err == nil {
		return "", &domain.DuplicateIDError{ID: asset.ID}
	} else if !domain.IsNotFound(err) {
		return "", err
	}

	if asset.ParentID != "" {
		if asset.ParentID == asset.ID {
			return "", &domain.LineageError{ID: asset.ID, Fields: []string{"parent_id"}}
		}
		parent, err := s.backend.Get(ctx, asset.ParentID)
		if err != nil {
			return "", fmt.Errorf("親資産の読み込みに失敗しました: %w", err)
		}
		if asset.Mode == domain.ModeRefine {
			if undeclared := undeclaredChanges(parent.Request, asset.Request, asset.MutatedFields); len(undeclared) > 0 {
				return "", &domain.LineageError{ID: asset.ID, Fields: undeclared}
			}
		}
	}

	asset.MutatedFields = slices.Clone(asset.MutatedFields)
	slices.Sort(asset.MutatedFields)
	asset.CreatedAt = s.now().UTC()

	seq, err := s.backend.Append(ctx, asset)
	if err != nil {
		return "", err
	}
	asset.Seq = seq
	slog.InfoContext(ctx, "資産を記録しました",
		"asset_id", asset.ID,
		"project_id", asset.ProjectID,
		"parent_id", asset.ParentID,
		"mode", asset.Mode,
		"seq", asset.Seq,
	)
	return asset.ID, nil
}

// undeclaredChanges は宣言されていないのに変わったフィールドを返します。
func undeclaredChanges(parent, child domain.GenerationRequest, mutated []string) []string {
	var out []string
	for _, f := range domain.DiffFields(parent, child) {
		if !slices.Contains(mutated, f) {
			out = append(out, f)
		}
	}
	return out
}

// Refine は親のリクエストに mutations だけを適用した候補と、変更したフィールド名を返します。
// 候補は送信前に再度 Validate を通す必要があります。
func (s *Store) Refine(ctx context.Context, parentID string, mutations map[string]any) (domain.GenerationRequest, []string, error) {
	parent, err := s.backend.Get(ctx, parentID)
	if err != nil {
		return domain.GenerationRequest{}, nil, err
	}
	if len(mutations) == 0 {
		return domain.GenerationRequest{}, nil, domain.NewSchemaError("mutations", "変更するフィールドが指定されていません")
	}
	return s.validator.Apply(parent.Request, mutations)
}

// Get は資産を返します。
func (s *Store) Get(ctx context.Context, id string) (domain.Asset, error) {
	return s.backend.Get(ctx, id)
}

// Ancestors は id の資産から根までを順に返します (先頭が id 自身)。
func (s *Store) Ancestors(ctx context.Context, id string) ([]domain.Asset, error) {
	var chain []domain.Asset
	seen := make(map[string]struct{})
	for cur := id; cur != ""; {
		if _, ok := seen[cur]; ok {
			return nil, fmt.Errorf("系譜に循環を検出しました: %s", cur)
		}
		seen[cur] = struct{}{}
		a, err := s.backend.Get(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, a)
		cur = a.ParentID
	}
	return chain, nil
}

// Children は id の直接の子を記録順に返します。
func (s *Store) Children(ctx context.Context, id string) ([]domain.Asset, error) {
	ids, err := s.backend.ListChildren(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Asset, 0, len(ids))
	for _, cid := range ids {
		a, err := s.backend.Get(ctx, cid)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Project はプロジェクトの資産を記録順に返します。
func (s *Store) Project(ctx context.Context, projectID string) ([]domain.Asset, error) {
	return s.backend.ListProject(ctx, projectID)
}

// Close は backend を閉じます。
func (s *Store) Close() error {
	return s.backend.Close()
}
