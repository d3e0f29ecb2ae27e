// Package lineage は生成資産の親子関係 (系譜) を追記専用で記録します。
// 資産は ID で索引された不変レコードとして保存され、子の一覧は別の索引で管理されます。
package lineage

import (
	"context"
	"slices"
	"sync"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

// Backend は系譜の永続化先です。
// Append は asset.Seq を無視し、最後の seq + 1 を保存と同じトランザクション内で割り当てて返します。
// 同じ永続化先を複数のプロセスが共有しても seq は重複しません。
// Append は既存の ID に対して *domain.DuplicateIDError を、Get は未知の ID に対して
// *domain.NotFoundError を返さなければなりません。一覧は Seq の昇順です。
type Backend interface {
	Append(ctx context.Context, asset domain.Asset) (uint64, error)
	Get(ctx context.Context, id string) (domain.Asset, error)
	ListChildren(ctx context.Context, id string) ([]string, error)
	ListProject(ctx context.Context, projectID string) ([]domain.Asset, error)
	LastSeq(ctx context.Context) (uint64, error)
	Close() error
}

// MemoryBackend はプロセス内の Backend です。
type MemoryBackend struct {
	mu       sync.RWMutex
	assets   map[string]domain.Asset
	children map[string][]string
	projects map[string][]string
	lastSeq  uint64
}

// NewMemoryBackend は空の MemoryBackend を生成します。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		assets:   make(map[string]domain.Asset),
		children: make(map[string][]string),
		projects: make(map[string][]string),
	}
}

func (m *MemoryBackend) Append(_ context.Context, asset domain.Asset) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[asset.ID]; ok {
		return 0, &domain.DuplicateIDError{ID: asset.ID}
	}
	m.lastSeq++
	asset.Seq = m.lastSeq
	m.assets[asset.ID] = cloneAsset(asset)
	if asset.ParentID != "" {
		m.children[asset.ParentID] = append(m.children[asset.ParentID], asset.ID)
	}
	m.projects[asset.ProjectID] = append(m.projects[asset.ProjectID], asset.ID)
	return asset.Seq, nil
}

func (m *MemoryBackend) Get(_ context.Context, id string) (domain.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[id]
	if !ok {
		return domain.Asset{}, &domain.NotFoundError{Kind: "asset", ID: id}
	}
	return cloneAsset(a), nil
}

func (m *MemoryBackend) ListChildren(_ context.Context, id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.assets[id]; !ok {
		return nil, &domain.NotFoundError{Kind: "asset", ID: id}
	}
	return slices.Clone(m.children[id]), nil
}

func (m *MemoryBackend) ListProject(_ context.Context, projectID string) ([]domain.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.projects[projectID]
	out := make([]domain.Asset, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneAsset(m.assets[id]))
	}
	return out, nil
}

func (m *MemoryBackend) LastSeq(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeq, nil
}

func (m *MemoryBackend) Close() error { return nil }

func cloneAsset(a domain.Asset) domain.Asset {
	out := a
	out.Request = a.Request.Clone()
	out.MutatedFields = slices.Clone(a.MutatedFields)
	out.Locators = slices.Clone(a.Locators)
	if a.UsedSeed != nil {
		out.UsedSeed = domain.SeedPtr(*a.UsedSeed)
	}
	if a.Matrix != nil {
		m := *a.Matrix
		out.Matrix = &m
	}
	return out
}

func sortBySeq(assets []domain.Asset) {
	slices.SortFunc(assets, func(a, b domain.Asset) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
}

var _ Backend = (*MemoryBackend)(nil)
