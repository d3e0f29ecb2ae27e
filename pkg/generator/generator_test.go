package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/provider"
	"github.com/shouni/image-matrix-kit/pkg/schema"
)

var errTest = errors.New("test error")

func watchCommand() GenerateCommand {
	return GenerateCommand{
		Base:    domain.GenerationRequest{Prompt: "luxury watch on marble", Seed: domain.SeedPtr(12345)},
		RowAxis: domain.MatrixAxis{Name: "angle", Values: []string{"front", "side", "top"}},
		ColAxis: domain.MatrixAxis{Name: "lighting", Values: []string{"studio", "neon", "sun"}},
	}
}

func TestGenerator_Generate(t *testing.T) {
	ctx := context.Background()

	t.Run("9セルすべてが同じシードで位置つきで記録されるのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		res, err := f.gen.Generate(ctx, watchCommand())
		require.NoError(t, err)

		require.Len(t, res.Items, 9)
		assert.Zero(t, res.Failed())
		assert.Equal(t, int64(12345), domain.DereferenceSeed(res.Seed))
		assert.EqualValues(t, 9, f.dispatcher.calls.Load())

		positions := map[string]bool{}
		for i, it := range res.Items {
			require.NotNil(t, it.Asset, "item %d", i)
			assert.Equal(t, i, it.Index)
			assert.Equal(t, it.Position, it.Asset.MatrixPosition)
			assert.Equal(t, int64(12345), it.Asset.Request.SeedValue())
			assert.True(t, it.Asset.IsRoot())
			assert.Equal(t, domain.ModeGenerate, it.Asset.Mode)
			assert.Equal(t, "mock", it.Asset.Provider)
			assert.NotZero(t, it.Asset.Seq)
			positions[it.Position] = true
		}
		for r := range 3 {
			for c := range 3 {
				assert.True(t, positions[domain.FormatPosition(r, c)])
			}
		}
		assert.Equal(t, "1,1", res.Items[4].Position, "行優先で並ぶのだ")
		assert.Equal(t, "side", res.Items[4].Asset.Request.Parameters["angle"])
		assert.Equal(t, "neon", res.Items[4].Asset.Request.Parameters["lighting"])

		all, err := f.store.Project(ctx, "proj")
		require.NoError(t, err)
		assert.Len(t, all, 9)
		assert.Len(t, f.publisher.recs, 9)
	})

	t.Run("シード未指定なら乱数シードを1つだけ引いて全セルに固定するのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		cmd := watchCommand()
		cmd.Base.Seed = nil
		res, err := f.gen.Generate(ctx, cmd)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), domain.DereferenceSeed(res.Seed))
		for _, a := range res.Assets() {
			assert.Equal(t, int64(1000), a.Request.SeedValue())
		}
	})

	t.Run("軸が未指定なら既定の3x3なのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		res, err := f.gen.Generate(ctx, GenerateCommand{Base: domain.GenerationRequest{Prompt: "vase", Seed: domain.SeedPtr(1)}})
		require.NoError(t, err)
		assert.Len(t, res.Items, 9)
	})

	t.Run("許可されていないパラメータは一切送出されないのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		cmd := watchCommand()
		cmd.Base.Parameters = domain.Parameters{"unknown_field": "x"}
		_, err := f.gen.Generate(ctx, cmd)

		var se *domain.SchemaError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "unknown_field", se.Field)
		assert.Zero(t, f.dispatcher.calls.Load())
	})

	t.Run("一部のセルが失敗しても残りは返るのだ", func(t *testing.T) {
		d := &mockDispatcher{dispatchFunc: func(ctx context.Context, v schema.Validated) (*provider.Result, error) {
			if v.Request().Parameters["angle"] == "side" {
				return nil, &domain.AllProvidersFailedError{Failures: []domain.ProviderFailure{{Provider: "a", Class: domain.FailureTransient, Err: errTest}}}
			}
			return success(v), nil
		}}
		f := newFixture(t, d)
		res, err := f.gen.Generate(ctx, watchCommand())
		require.NoError(t, err)

		assert.Equal(t, 3, res.Failed())
		assert.Len(t, res.Assets(), 6)
		for _, it := range res.Items {
			if it.Err != nil {
				var apf *domain.AllProvidersFailedError
				assert.ErrorAs(t, it.Err, &apf)
				assert.Nil(t, it.Asset)
				assert.Contains(t, []string{"1,0", "1,1", "1,2"}, it.Position)
			}
		}
		all, _ := f.store.Project(ctx, "proj")
		assert.Len(t, all, 6, "失敗したセルは記録されないのだ")
	})

	t.Run("期限切れでも完了済みのセルは返るのだ", func(t *testing.T) {
		var n atomic.Int32
		d := &mockDispatcher{dispatchFunc: func(ctx context.Context, v schema.Validated) (*provider.Result, error) {
			if n.Add(1) <= 2 {
				return success(v), nil
			}
			<-ctx.Done()
			return nil, fmt.Errorf("dispatch aborted: %w", ctx.Err())
		}}
		f := newFixture(t, d, WithWorkers(1))
		ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		res, err := f.gen.Generate(ctx, watchCommand())
		require.NoError(t, err)
		require.Len(t, res.Items, 9)
		assert.Len(t, res.Assets(), 2)
		assert.Equal(t, 7, res.Failed())
		for _, it := range res.Items[2:] {
			assert.ErrorIs(t, it.Err, context.DeadlineExceeded)
		}
	})

	t.Run("同時実行数は workers で制限されるのだ", func(t *testing.T) {
		var inFlight, peak atomic.Int32
		d := &mockDispatcher{dispatchFunc: func(ctx context.Context, v schema.Validated) (*provider.Result, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return success(v), nil
		}}
		f := newFixture(t, d, WithWorkers(2))
		res, err := f.gen.Generate(ctx, watchCommand())
		require.NoError(t, err)
		assert.Zero(t, res.Failed())
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})

	t.Run("メディア保存の失敗はセルの失敗なのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		f.gen.persister = &mockPersister{persistFunc: func(ctx context.Context, assetID string, items []domain.Media) ([]string, string, error) {
			return nil, "", errTest
		}}
		res, err := f.gen.Generate(ctx, watchCommand())
		var bf *BatchFailedError
		require.ErrorAs(t, err, &bf)
		assert.Same(t, res, bf.Result, "全件失敗でも結果は返るのだ")
		assert.Equal(t, 9, res.Failed())
		assert.ErrorIs(t, res.Items[0].Err, errTest)
		assert.ErrorIs(t, err, errTest)
	})

	t.Run("全セルがプロバイダで失敗したら BatchFailedError なのだ", func(t *testing.T) {
		d := &mockDispatcher{dispatchFunc: func(ctx context.Context, v schema.Validated) (*provider.Result, error) {
			return nil, &domain.AllProvidersFailedError{Failures: []domain.ProviderFailure{{Provider: "a", Class: domain.FailureTransient, Err: errTest}}}
		}}
		f := newFixture(t, d)
		res, err := f.gen.Generate(ctx, watchCommand())
		require.Error(t, err)
		assert.True(t, IsBatchFailed(err))
		var apf *domain.AllProvidersFailedError
		assert.ErrorAs(t, err, &apf)
		require.NotNil(t, res)
		assert.Len(t, res.Items, 9)
		assert.Equal(t, int64(12345), domain.DereferenceSeed(res.Seed))
		assert.Contains(t, err.Error(), "all 9 items failed")
	})

	for _, prompt := range []string{"", "   "} {
		t.Run(fmt.Sprintf("基本プロンプト %q は送出前に拒否されるのだ", prompt), func(t *testing.T) {
			f := newFixture(t, nil)
			cmd := watchCommand()
			cmd.Base.Prompt = prompt
			res, err := f.gen.Generate(ctx, cmd)

			var se *domain.SchemaError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, domain.FieldPrompt, se.Field)
			assert.Nil(t, res)
			assert.Zero(t, f.dispatcher.calls.Load())
		})
	}

	t.Run("セルはマトリクスの元情報を持つのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		cmd := watchCommand()
		cmd.Base.Prompt = "  luxury watch on marble "
		res, err := f.gen.Generate(ctx, cmd)
		require.NoError(t, err)
		for _, a := range res.Assets() {
			require.NotNil(t, a.Matrix)
			assert.Equal(t, domain.MatrixOrigin{BasePrompt: "luxury watch on marble", RowAxis: "angle", ColAxis: "lighting"}, *a.Matrix)
		}
		stored, err := f.store.Get(ctx, res.Items[0].Asset.ID)
		require.NoError(t, err)
		assert.Equal(t, res.Items[0].Asset.Matrix, stored.Matrix)
	})

	t.Run("後段処理の失敗は結果に影響しないのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		f.publisher.err = errTest
		res, err := f.gen.Generate(ctx, watchCommand())
		require.NoError(t, err)
		assert.Zero(t, res.Failed())
	})

	t.Run("プロジェクト未指定はエラーなのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		f.gen.project = ""
		_, err := f.gen.Generate(ctx, watchCommand())
		var se *domain.SchemaError
		assert.ErrorAs(t, err, &se)
	})
}

// recordParent はマトリクスの (0,0) セル (lighting=studio) を親として記録するのだ。
func recordParent(t *testing.T, f fixture) domain.Asset {
	t.Helper()
	res, err := f.gen.Generate(context.Background(), watchCommand())
	require.NoError(t, err)
	parent := res.Items[0].Asset
	require.NotNil(t, parent)
	require.Equal(t, "studio", parent.Request.Parameters["lighting"])
	return *parent
}

func TestGenerator_Refine(t *testing.T) {
	ctx := context.Background()

	t.Run("lighting だけが変わった子が記録されるのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		parent := recordParent(t, f)

		child, err := f.gen.Refine(ctx, RefineCommand{ParentID: parent.ID, Mutations: map[string]any{"lighting": "dramatic"}})
		require.NoError(t, err)

		assert.Equal(t, parent.ID, child.ParentID)
		assert.Equal(t, domain.ModeRefine, child.Mode)
		assert.Equal(t, []string{"lighting", "prompt"}, child.MutatedFields)
		assert.Equal(t, []string{"lighting", "prompt"}, domain.DiffFields(parent.Request, child.Request))
		assert.Equal(t, "dramatic", child.Request.Parameters["lighting"])
		assert.Equal(t, "luxury watch on marble, front, dramatic, professional photography", child.Request.Prompt,
			"プロンプトは新しい軸の値で描画し直されるのだ")
		assert.Equal(t, parent.Matrix, child.Matrix)
		assert.Equal(t, parent.Request.SeedValue(), child.Request.SeedValue())

		children, err := f.store.Children(ctx, parent.ID)
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, child.ID, children[0].ID)
	})

	t.Run("Reseed はシードを振り直して変更として宣言するのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		parent := recordParent(t, f)

		child, err := f.gen.Refine(ctx, RefineCommand{ParentID: parent.ID, Mutations: map[string]any{"lighting": "dramatic"}, Reseed: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"lighting", "prompt", "seed"}, child.MutatedFields)
		assert.Equal(t, int64(1000), child.Request.SeedValue())
	})

	t.Run("軸以外の変更ではプロンプトは変わらないのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		parent := recordParent(t, f)

		child, err := f.gen.Refine(ctx, RefineCommand{ParentID: parent.ID, Mutations: map[string]any{"style": "minimal"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"style"}, child.MutatedFields)
		assert.Equal(t, parent.Request.Prompt, child.Request.Prompt)
		assert.NotNil(t, child.Matrix)
	})

	t.Run("プロンプトを明示した場合はそのまま使いマトリクス由来でなくなるのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		parent := recordParent(t, f)

		child, err := f.gen.Refine(ctx, RefineCommand{ParentID: parent.ID, Mutations: map[string]any{"lighting": "dramatic", "prompt": "a watch"}})
		require.NoError(t, err)
		assert.Equal(t, "a watch", child.Request.Prompt)
		assert.Equal(t, []string{"lighting", "prompt"}, child.MutatedFields)
		assert.Nil(t, child.Matrix)
	})

	t.Run("孫でも元の基本プロンプトから描画されるのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		parent := recordParent(t, f)
		child, err := f.gen.Refine(ctx, RefineCommand{ParentID: parent.ID, Mutations: map[string]any{"lighting": "dramatic"}})
		require.NoError(t, err)

		grandchild, err := f.gen.Refine(ctx, RefineCommand{ParentID: child.ID, Mutations: map[string]any{"angle": "back"}})
		require.NoError(t, err)
		assert.Equal(t, "luxury watch on marble, back, dramatic, professional photography", grandchild.Request.Prompt)
	})

	t.Run("マトリクスの軸は削除できないのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		parent := recordParent(t, f)
		before := f.dispatcher.calls.Load()

		_, err := f.gen.Refine(ctx, RefineCommand{ParentID: parent.ID, Mutations: map[string]any{"lighting": nil}})
		var se *domain.SchemaError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "lighting", se.Field)
		assert.Equal(t, before, f.dispatcher.calls.Load())
	})

	t.Run("Reseed と seed の同時指定はエラーなのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		parent := recordParent(t, f)
		_, err := f.gen.Refine(ctx, RefineCommand{ParentID: parent.ID, Mutations: map[string]any{"seed": 1}, Reseed: true})
		var se *domain.SchemaError
		assert.ErrorAs(t, err, &se)
	})

	t.Run("未知の親は NotFoundError なのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.gen.Refine(ctx, RefineCommand{ParentID: "ghost", Mutations: map[string]any{"lighting": "x"}})
		assert.True(t, domain.IsNotFound(err))
		assert.Zero(t, f.dispatcher.calls.Load())
	})

	t.Run("許可されていないフィールドは送出前に拒否されるのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		parent := recordParent(t, f)
		before := f.dispatcher.calls.Load()
		_, err := f.gen.Refine(ctx, RefineCommand{ParentID: parent.ID, Mutations: map[string]any{"unknown_field": "x"}})
		var se *domain.SchemaError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "unknown_field", se.Field)
		assert.Equal(t, before, f.dispatcher.calls.Load())
	})
}

type failingAdapter struct {
	name  string
	calls atomic.Int32
}

func (a *failingAdapter) Name() string { return a.name }

func (a *failingAdapter) Send(ctx context.Context, req domain.GenerationRequest, timeout time.Duration) (*domain.ProviderResponse, error) {
	a.calls.Add(1)
	return nil, domain.NewProviderError(a.name, domain.FailureValidation, 422, errTest)
}

// 4 つのプロバイダがすべて失敗した場合は AllProvidersFailedError で、資産は記録されない
func TestGenerator_AllProvidersFail(t *testing.T) {
	ctx := context.Background()
	seed := newFixture(t, nil)
	parent := recordParent(t, seed)

	adapters := []*failingAdapter{{name: "bria"}, {name: "gemini"}, {name: "imagen"}, {name: "openai"}}
	entries := make([]provider.Entry, len(adapters))
	for i, a := range adapters {
		entries[i] = provider.Entry{Adapter: a, Priority: i, Timeout: time.Second}
	}
	router, err := provider.NewRouter(entries)
	require.NoError(t, err)

	gen, err := NewGenerator(router, &mockPersister{}, seed.store, schema.NewValidator())
	require.NoError(t, err)

	_, err = gen.Refine(ctx, RefineCommand{ParentID: parent.ID, Mutations: map[string]any{"lighting": "dramatic"}})
	var apf *domain.AllProvidersFailedError
	require.ErrorAs(t, err, &apf)
	require.Len(t, apf.Failures, 4)
	for i, a := range adapters {
		assert.Equal(t, a.name, apf.Failures[i].Provider)
		assert.EqualValues(t, 1, a.calls.Load())
	}

	children, err := seed.store.Children(ctx, parent.ID)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestGenerator_Inspire(t *testing.T) {
	ctx := context.Background()

	t.Run("元資産をスタイル元に既定3件を新しいシードで生成するのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		src := recordParent(t, f)

		res, err := f.gen.Inspire(ctx, InspireCommand{SourceID: src.ID, Subject: "silver ring"})
		require.NoError(t, err)
		require.Len(t, res.Items, DefaultVariations)

		seeds := map[int64]bool{}
		for _, a := range res.Assets() {
			assert.Equal(t, src.ID, a.ParentID)
			assert.Equal(t, domain.ModeInspire, a.Mode)
			assert.Equal(t, "silver ring", a.Request.Prompt)
			assert.Equal(t, src.PrimaryLocator(), a.Request.ReferenceURL)
			assert.Equal(t, src.Request.Parameters, a.Request.Parameters, "スタイルは保持されるのだ")
			assert.NotEqual(t, src.Request.SeedValue(), a.Request.SeedValue())
			assert.Contains(t, a.MutatedFields, "seed")
			seeds[a.Request.SeedValue()] = true
		}
		assert.Len(t, seeds, DefaultVariations, "バリエーションごとにシードが異なるのだ")

		children, _ := f.store.Children(ctx, src.ID)
		assert.Len(t, children, DefaultVariations)
	})

	t.Run("Overrides は雛形に適用され変更として記録されるのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		src := recordParent(t, f)

		res, err := f.gen.Inspire(ctx, InspireCommand{
			SourceID:   src.ID,
			Subject:    "silver ring",
			Overrides:  map[string]any{"mood": "luxury", "prompt": "ignored"},
			Variations: 1,
		})
		require.NoError(t, err)
		a := res.Assets()[0]
		assert.Equal(t, "luxury", a.Request.Parameters["mood"])
		assert.Equal(t, "silver ring", a.Request.Prompt, "Subject が優先されるのだ")
		assert.Contains(t, a.MutatedFields, "mood")
	})

	t.Run("許可されていない Overrides は送出前に拒否されるのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		src := recordParent(t, f)
		before := f.dispatcher.calls.Load()
		_, err := f.gen.Inspire(ctx, InspireCommand{SourceID: src.ID, Overrides: map[string]any{"mood": "sleepy"}})
		var se *domain.SchemaError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "mood", se.Field)
		assert.Equal(t, before, f.dispatcher.calls.Load())
	})

	t.Run("全バリエーションが失敗したら BatchFailedError なのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		src := recordParent(t, f)
		f.dispatcher.dispatchFunc = func(ctx context.Context, v schema.Validated) (*provider.Result, error) {
			return nil, errTest
		}
		res, err := f.gen.Inspire(ctx, InspireCommand{SourceID: src.ID, Variations: 2})
		var bf *BatchFailedError
		require.ErrorAs(t, err, &bf)
		assert.Equal(t, 2, res.Failed())
		assert.ErrorIs(t, err, errTest)
	})

	t.Run("件数が範囲外ならエラーなのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		src := recordParent(t, f)
		_, err := f.gen.Inspire(ctx, InspireCommand{SourceID: src.ID, Variations: MaxVariations + 1})
		var se *domain.SchemaError
		assert.ErrorAs(t, err, &se)
	})

	t.Run("未知の元資産は NotFoundError なのだ", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.gen.Inspire(ctx, InspireCommand{SourceID: "ghost"})
		assert.True(t, domain.IsNotFound(err))
	})
}

func TestNewGenerator_Errors(t *testing.T) {
	v := schema.NewValidator()
	d := &mockDispatcher{}
	p := &mockPersister{}
	_, err := NewGenerator(nil, p, nil, v)
	assert.Error(t, err)
	_, err = NewGenerator(d, nil, nil, v)
	assert.Error(t, err)
	_, err = NewGenerator(d, p, nil, v)
	assert.Error(t, err)
}

func TestJSONLPublisher(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewJSONLPublisher(&buf)
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), domain.RecordedAsset{AssetID: "a1", Locator: "s3://b/a1/0.png"}))
	require.NoError(t, p.Publish(context.Background(), domain.RecordedAsset{AssetID: "a2"}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var got domain.RecordedAsset
	require.NoError(t, json.Unmarshal(lines[0], &got))
	assert.Equal(t, "a1", got.AssetID)

	_, err = NewJSONLPublisher(nil)
	assert.Error(t, err)
}
