// Package generator は検証・マトリクス展開・プロバイダ送出・系譜記録を組み合わせた
// generate / refine / inspire の 3 コマンドを提供します。
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shouni/image-matrix-kit/pkg/domain"
	"github.com/shouni/image-matrix-kit/pkg/matrix"
	"github.com/shouni/image-matrix-kit/pkg/schema"
)

// Generator はオーケストレーターです。
type Generator struct {
	dispatcher Dispatcher
	persister  MediaPersister
	lineage    Lineage
	validator  *schema.Validator
	publisher  Publisher
	workers    int
	project    string
	seedFn     func() (int64, error)
	newID      func() string
}

// Option は Generator の設定を変更します。
type Option func(*Generator)

// WithWorkers は同時に送出するリクエスト数の上限を設定します。
func WithWorkers(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.workers = n
		}
	}
}

// WithPublisher は記録後の後段処理を設定します。
func WithPublisher(p Publisher) Option {
	return func(g *Generator) { g.publisher = p }
}

// WithDefaultProject は GenerateCommand.ProjectID が空の場合に使うプロジェクトを設定します。
func WithDefaultProject(id string) Option {
	return func(g *Generator) { g.project = id }
}

// NewGenerator は依存関係を注入して Generator を初期化します。
func NewGenerator(d Dispatcher, p MediaPersister, l Lineage, v *schema.Validator, opts ...Option) (*Generator, error) {
	if d == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if p == nil {
		return nil, fmt.Errorf("persister is required")
	}
	if l == nil {
		return nil, fmt.Errorf("lineage is required")
	}
	if v == nil {
		return nil, fmt.Errorf("validator is required")
	}
	g := &Generator{
		dispatcher: d,
		persister:  p,
		lineage:    l,
		validator:  v,
		workers:    DefaultWorkers,
		seedFn:     matrix.RandomSeed,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// job は送出 1 件分の入力です。
type job struct {
	position  string
	validated schema.Validated
	projectID string
	parentID  string
	mode      domain.GenerationMode
	mutated   []string
	matrix    *domain.MatrixOrigin
}

// Generate はマトリクスを展開し、全セルを検証してから並行に送出します。
// 1 セルでも検証に失敗した場合は何も送出せずにエラーを返します。
// セル単位の失敗は BatchResult に記録され、全体は中断されません。
// 全セルが失敗した場合は結果とともに *BatchFailedError を返します。
func (g *Generator) Generate(ctx context.Context, cmd GenerateCommand) (*BatchResult, error) {
	projectID := cmd.ProjectID
	if projectID == "" {
		projectID = g.project
	}
	if projectID == "" {
		return nil, domain.NewSchemaError("project_id", "プロジェクトが指定されていません")
	}

	base := cmd.Base.Clone()
	if base.Seed == nil {
		seed, err := g.seedFn()
		if err != nil {
			return nil, err
		}
		base.Seed = &seed
	}
	row, col := cmd.RowAxis, cmd.ColAxis
	if row.Len() == 0 && row.Name == "" {
		row = matrix.DefaultRowAxis
	}
	if col.Len() == 0 && col.Name == "" {
		col = matrix.DefaultColAxis
	}

	cells, err := matrix.Build(base, row, col)
	if err != nil {
		return nil, err
	}
	origin := &domain.MatrixOrigin{BasePrompt: strings.TrimSpace(base.Prompt), RowAxis: row.Name, ColAxis: col.Name}

	jobs := make([]job, len(cells))
	for i, cell := range cells {
		v, err := g.validator.Validate(cell.Request)
		if err != nil {
			return nil, fmt.Errorf("セル %s の検証に失敗しました: %w", cell.Position(), err)
		}
		jobs[i] = job{
			position:  cell.Position(),
			validated: v,
			projectID: projectID,
			mode:      domain.ModeGenerate,
			matrix:    origin,
		}
	}

	slog.InfoContext(ctx, "マトリクス生成を開始します",
		"project_id", projectID,
		"seed", *base.Seed,
		"rows", row.Len(),
		"cols", col.Len(),
	)
	result := g.runBatch(ctx, jobs)
	result.Seed = domain.SeedPtr(*base.Seed)
	return result, result.err()
}

// Refine は親の指定フィールドだけを変更したリクエストを 1 回送出し、子として記録します。
func (g *Generator) Refine(ctx context.Context, cmd RefineCommand) (*domain.Asset, error) {
	parent, err := g.lineage.Get(ctx, cmd.ParentID)
	if err != nil {
		return nil, err
	}
	mutations := cmd.Mutations
	if cmd.Reseed {
		if _, ok := mutations[domain.FieldSeed]; ok {
			return nil, domain.NewSchemaError(domain.FieldSeed, "reseed と seed の同時指定はできません")
		}
		seed, err := g.seedFn()
		if err != nil {
			return nil, err
		}
		mutations = make(map[string]any, len(cmd.Mutations)+1)
		for k, v := range cmd.Mutations {
			mutations[k] = v
		}
		mutations[domain.FieldSeed] = seed
	}

	req, mutated, err := g.lineage.Refine(ctx, cmd.ParentID, mutations)
	if err != nil {
		return nil, err
	}
	origin, err := rerenderPrompt(parent.Matrix, &req, &mutated)
	if err != nil {
		return nil, err
	}
	v, err := g.validator.Validate(req)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "refine を送出します", "parent_id", parent.ID, "mutated", mutated)
	return g.runOne(ctx, job{
		validated: v,
		projectID: parent.ProjectID,
		parentID:  parent.ID,
		mode:      domain.ModeRefine,
		mutated:   mutated,
		matrix:    origin,
	})
}

// rerenderPrompt はマトリクス由来の親で軸パラメータが変わった場合に、プロンプトを新しい軸の値で描画し直します。
// プロンプトを明示的に変更した子はマトリクス由来ではなくなるため nil を返します。
func rerenderPrompt(origin *domain.MatrixOrigin, req *domain.GenerationRequest, mutated *[]string) (*domain.MatrixOrigin, error) {
	if origin == nil {
		return nil, nil
	}
	if slices.Contains(*mutated, domain.FieldPrompt) {
		return nil, nil
	}
	if !slices.ContainsFunc(*mutated, origin.IsAxis) {
		return origin, nil
	}

	rv, rok := req.Parameters[origin.RowAxis]
	cv, cok := req.Parameters[origin.ColAxis]
	if !rok || !cok {
		missing := origin.RowAxis
		if rok {
			missing = origin.ColAxis
		}
		return nil, domain.NewSchemaError(missing, "マトリクスの軸 %q は削除できません。prompt も合わせて指定してください", missing)
	}
	prompt := matrix.RenderPrompt(origin.BasePrompt, domain.FormatValue(rv), domain.FormatValue(cv))
	if prompt != req.Prompt {
		req.Prompt = prompt
		*mutated = append(*mutated, domain.FieldPrompt)
		slices.Sort(*mutated)
	}
	return origin, nil
}

// Inspire は元資産のリクエストをスタイルの雛形として、毎回新しいシードでバリエーションを生成します。
// 元資産の画像は参照画像として渡されます。
func (g *Generator) Inspire(ctx context.Context, cmd InspireCommand) (*BatchResult, error) {
	src, err := g.lineage.Get(ctx, cmd.SourceID)
	if err != nil {
		return nil, err
	}
	n := cmd.Variations
	if n == 0 {
		n = DefaultVariations
	}
	if n < 1 || n > MaxVariations {
		return nil, domain.NewSchemaError("variations", "1 から %d の範囲で指定してください (got %d)", MaxVariations, n)
	}

	template := src.Request.Clone()
	if len(cmd.Overrides) > 0 {
		if template, _, err = g.validator.Apply(template, cmd.Overrides); err != nil {
			return nil, err
		}
	}
	if cmd.Subject != "" {
		template.Prompt = cmd.Subject
	}
	if loc := src.PrimaryLocator(); loc != "" {
		template.ReferenceURL = loc
	}

	jobs := make([]job, n)
	for i := range jobs {
		seed, err := g.seedFn()
		if err != nil {
			return nil, err
		}
		req := template.Clone()
		req.Seed = &seed
		v, err := g.validator.Validate(req)
		if err != nil {
			return nil, err
		}
		jobs[i] = job{
			validated: v,
			projectID: src.ProjectID,
			parentID:  src.ID,
			mode:      domain.ModeInspire,
			mutated:   domain.DiffFields(src.Request, v.Request()),
		}
	}

	slog.InfoContext(ctx, "inspire を開始します", "source_id", src.ID, "variations", n)
	result := g.runBatch(ctx, jobs)
	return result, result.err()
}

// runBatch は jobs を上限つきで並行に実行します。結果は完了順ではなく入力順に格納されます。
// 期限切れの場合も完了済みの結果はそのまま返します。
func (g *Generator) runBatch(ctx context.Context, jobs []job) *BatchResult {
	result := &BatchResult{Items: make([]Item, len(jobs))}
	var eg errgroup.Group
	eg.SetLimit(g.workers)
	for i, j := range jobs {
		result.Items[i] = Item{Index: i, Position: j.position}
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				result.Items[i].Err = err
				return nil
			}
			asset, err := g.runOne(ctx, j)
			if err != nil {
				slog.WarnContext(ctx, "生成に失敗しました", "index", i, "position", j.position, "error", err)
				result.Items[i].Err = err
				return nil
			}
			result.Items[i].Asset = asset
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		slog.WarnContext(ctx, "期限切れのため部分的な結果を返します",
			"completed", len(jobs)-result.Failed(), "total", len(jobs), "error", err)
	}
	return result
}

// runOne は送出・メディア保存・系譜記録・後段通知を順に行います。
// 記録に成功しなかったリクエストは資産として残りません。
func (g *Generator) runOne(ctx context.Context, j job) (*domain.Asset, error) {
	res, err := g.dispatcher.Dispatch(ctx, j.validated)
	if err != nil {
		return nil, err
	}

	id := g.newID()
	locators, mime, err := g.persister.Persist(ctx, id, res.Response.Media)
	if err != nil {
		return nil, fmt.Errorf("メディアの保存に失敗しました: %w", err)
	}

	asset := domain.Asset{
		ID:             id,
		ProjectID:      j.projectID,
		ParentID:       j.parentID,
		Mode:           j.mode,
		Request:        j.validated.Request(),
		MutatedFields:  slices.Clone(j.mutated),
		MatrixPosition: j.position,
		Matrix:         j.matrix,
		Provider:       res.Provider,
		Locators:       locators,
		MimeType:       mime,
		UsedSeed:       res.Response.Seed,
	}
	if _, err := g.lineage.Record(ctx, asset); err != nil {
		return nil, fmt.Errorf("系譜の記録に失敗しました: %w", err)
	}
	recorded, err := g.lineage.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if g.publisher != nil {
		rec := domain.RecordedAsset{AssetID: recorded.ID, Locator: recorded.PrimaryLocator(), Request: recorded.Request}
		if err := g.publisher.Publish(ctx, rec); err != nil {
			slog.WarnContext(ctx, "後段処理への通知に失敗しました", "asset_id", recorded.ID, "error", err)
		}
	}
	return &recorded, nil
}
