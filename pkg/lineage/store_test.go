package lineage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), NewMemoryBackend(), schema.NewValidator())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func rootAsset() domain.Asset {
	return domain.Asset{
		ProjectID: "proj",
		Mode:      domain.ModeGenerate,
		Request: domain.GenerationRequest{
			Prompt:      "red sneaker",
			Seed:        domain.SeedPtr(42),
			AspectRatio: "1:1",
			ResultCount: 1,
			Parameters:  domain.Parameters{"lighting": "studio", "angle": "front view"},
		},
	}
}

func TestStore_Record(t *testing.T) {
	ctx := context.Background()

	t.Run("ID と seq と作成日時が割り当てられる", func(t *testing.T) {
		s := newTestStore(t)
		id, err := s.Record(ctx, rootAsset())
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Seq)
		assert.Equal(t, 2025, got.CreatedAt.Year())
		assert.True(t, got.IsRoot())
	})

	t.Run("同じIDは DuplicateIDError", func(t *testing.T) {
		s := newTestStore(t)
		a := rootAsset()
		a.ID = "fixed"
		_, err := s.Record(ctx, a)
		require.NoError(t, err)
		_, err = s.Record(ctx, a)
		var dup *domain.DuplicateIDError
		assert.ErrorAs(t, err, &dup)
	})

	t.Run("未知の親は NotFoundError", func(t *testing.T) {
		s := newTestStore(t)
		a := rootAsset()
		a.ParentID = "ghost"
		_, err := s.Record(ctx, a)
		assert.True(t, domain.IsNotFound(err))
	})

	t.Run("自分自身を親にはできない", func(t *testing.T) {
		s := newTestStore(t)
		a := rootAsset()
		a.ID, a.ParentID = "self", "self"
		_, err := s.Record(ctx, a)
		var le *domain.LineageError
		assert.ErrorAs(t, err, &le)
	})

	t.Run("宣言外の変更を含む refine の子は拒否される", func(t *testing.T) {
		s := newTestStore(t)
		parentID, err := s.Record(ctx, rootAsset())
		require.NoError(t, err)

		child := rootAsset()
		child.ParentID = parentID
		child.Mode = domain.ModeRefine
		child.Request.Parameters["lighting"] = "dramatic"
		child.Request.Seed = domain.SeedPtr(7)
		child.MutatedFields = []string{"lighting"}

		_, err = s.Record(ctx, child)
		var le *domain.LineageError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, []string{"seed"}, le.Fields)
	})

	t.Run("inspire の子は差分検査の対象外", func(t *testing.T) {
		s := newTestStore(t)
		parentID, _ := s.Record(ctx, rootAsset())
		child := rootAsset()
		child.ParentID = parentID
		child.Mode = domain.ModeInspire
		child.Request.Seed = domain.SeedPtr(99)
		_, err := s.Record(ctx, child)
		assert.NoError(t, err)
	})

	t.Run("seq は既存の最大値から続く", func(t *testing.T) {
		backend := NewMemoryBackend()
		for i := range 41 {
			_, err := backend.Append(ctx, domain.Asset{ID: fmt.Sprintf("old-%d", i), ProjectID: "proj"})
			require.NoError(t, err)
		}
		s, err := NewStore(ctx, backend, schema.NewValidator())
		require.NoError(t, err)
		id, err := s.Record(ctx, rootAsset())
		require.NoError(t, err)
		got, _ := s.Get(ctx, id)
		assert.Equal(t, uint64(42), got.Seq)
	})

	t.Run("同じ保存先を共有する 2 つの Store でも seq は重複しない", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "lineage.db")
		open := func() *Store {
			backend, err := NewSQLBackend(ctx, DriverSQLite, dsn)
			require.NoError(t, err)
			s, err := NewStore(ctx, backend, schema.NewValidator())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
		a, b := open(), open()

		var seqs []uint64
		for _, s := range []*Store{a, b, a, b} {
			id, err := s.Record(ctx, rootAsset())
			require.NoError(t, err)
			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			seqs = append(seqs, got.Seq)
		}
		assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
	})
}

// 親 (lighting=studio) を dramatic に refine すると lighting だけが変わる
func TestStore_RefineScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	parentID, err := s.Record(ctx, rootAsset())
	require.NoError(t, err)

	req, mutated, err := s.Refine(ctx, parentID, map[string]any{"lighting": "dramatic"})
	require.NoError(t, err)
	assert.Equal(t, []string{"lighting"}, mutated)

	parent, _ := s.Get(ctx, parentID)
	assert.Equal(t, []string{"lighting"}, domain.DiffFields(parent.Request, req))
	assert.Equal(t, "dramatic", req.Parameters["lighting"])
	assert.Equal(t, int64(42), req.SeedValue())
	assert.Equal(t, "studio", parent.Request.Parameters["lighting"], "親のリクエストは変更されない")

	childID, err := s.Record(ctx, domain.Asset{
		ProjectID:     "proj",
		ParentID:      parentID,
		Mode:          domain.ModeRefine,
		Request:       req,
		MutatedFields: mutated,
	})
	require.NoError(t, err)

	children, err := s.Children(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, childID, children[0].ID)

	chain, err := s.Ancestors(ctx, childID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, childID, chain[0].ID)
	assert.Equal(t, parentID, chain[1].ID)
}

func TestStore_RefineErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	parentID, _ := s.Record(ctx, rootAsset())

	_, _, err := s.Refine(ctx, "ghost", map[string]any{"lighting": "x"})
	assert.True(t, domain.IsNotFound(err))

	_, _, err = s.Refine(ctx, parentID, map[string]any{"sharpness": 3})
	var se *domain.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "sharpness", se.Field)

	_, _, err = s.Refine(ctx, parentID, nil)
	assert.ErrorAs(t, err, &se)
}

func TestStore_AncestorsAndProject(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Ancestors(ctx, "ghost")
	assert.True(t, domain.IsNotFound(err))
	_, err = s.Children(ctx, "ghost")
	assert.True(t, domain.IsNotFound(err))

	prev, _ := s.Record(ctx, rootAsset())
	for i := range 5 {
		req, mutated, err := s.Refine(ctx, prev, map[string]any{"lighting": fmt.Sprintf("look %d", i)})
		require.NoError(t, err)
		prev, err = s.Record(ctx, domain.Asset{ProjectID: "proj", ParentID: prev, Mode: domain.ModeRefine, Request: req, MutatedFields: mutated})
		require.NoError(t, err)
	}

	chain, err := s.Ancestors(ctx, prev)
	require.NoError(t, err)
	assert.Len(t, chain, 6)
	assert.True(t, chain[len(chain)-1].IsRoot())

	all, err := s.Project(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestStore_ConcurrentRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	parentID, _ := s.Record(ctx, rootAsset())

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			child := rootAsset()
			child.ParentID = parentID
			child.Mode = domain.ModeInspire
			_, err := s.Record(ctx, child)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	children, err := s.Children(ctx, parentID)
	require.NoError(t, err)
	assert.Len(t, children, 20)

	seen := map[uint64]bool{}
	for _, c := range children {
		assert.False(t, seen[c.Seq], "seq が重複しています")
		seen[c.Seq] = true
	}
}

func TestNewStore_Errors(t *testing.T) {
	_, err := NewStore(context.Background(), nil, schema.NewValidator())
	assert.Error(t, err)
	_, err = NewStore(context.Background(), NewMemoryBackend(), nil)
	assert.Error(t, err)
}
