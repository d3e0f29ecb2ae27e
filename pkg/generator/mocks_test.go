package generator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/lineage"
	"github.com/shouni/image-matrix-kit/pkg/provider"
	"github.com/shouni/image-matrix-kit/pkg/schema"
)

// --- Mocks ---

type mockDispatcher struct {
	calls        atomic.Int32
	dispatchFunc func(ctx context.Context, v schema.Validated) (*provider.Result, error)
}

func (m *mockDispatcher) Dispatch(ctx context.Context, v schema.Validated) (*provider.Result, error) {
	m.calls.Add(1)
	if m.dispatchFunc != nil {
		return m.dispatchFunc(ctx, v)
	}
	return success(v), nil
}

// success はリクエストのシードをエコーする成功結果を返すのだ。
func success(v schema.Validated) *provider.Result {
	return &provider.Result{
		Provider: "mock",
		Attempts: 1,
		Response: &domain.ProviderResponse{
			Media: []domain.Media{{Data: []byte("img"), MimeType: "image/png"}},
			Seed:  v.Request().Seed,
		},
	}
}

type mockPersister struct {
	persistFunc func(ctx context.Context, assetID string, items []domain.Media) ([]string, string, error)
}

func (m *mockPersister) Persist(ctx context.Context, assetID string, items []domain.Media) ([]string, string, error) {
	if m.persistFunc != nil {
		return m.persistFunc(ctx, assetID, items)
	}
	locs := make([]string, len(items))
	for i := range items {
		locs[i] = fmt.Sprintf("s3://test/%s/%d.png", assetID, i)
	}
	return locs, "image/png", nil
}

type mockPublisher struct {
	mu   sync.Mutex
	recs []domain.RecordedAsset
	err  error
}

func (m *mockPublisher) Publish(ctx context.Context, rec domain.RecordedAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return m.err
}

// seedSequence は呼ばれるたびに start, start+1, ... を返すのだ。
func seedSequence(start int64) func() (int64, error) {
	var n atomic.Int64
	n.Store(start - 1)
	return func() (int64, error) { return n.Add(1), nil }
}

type fixture struct {
	gen        *Generator
	store      *lineage.Store
	dispatcher *mockDispatcher
	publisher  *mockPublisher
}

func newFixture(t *testing.T, d Dispatcher, opts ...Option) fixture {
	t.Helper()
	v := schema.NewValidator()
	store, err := lineage.NewStore(context.Background(), lineage.NewMemoryBackend(), v)
	require.NoError(t, err)

	md, _ := d.(*mockDispatcher)
	if d == nil {
		md = &mockDispatcher{}
		d = md
	}
	pub := &mockPublisher{}
	opts = append([]Option{WithPublisher(pub), WithDefaultProject("proj")}, opts...)
	gen, err := NewGenerator(d, &mockPersister{}, store, v, opts...)
	require.NoError(t, err)
	gen.seedFn = seedSequence(1000)
	return fixture{gen: gen, store: store, dispatcher: md, publisher: pub}
}
