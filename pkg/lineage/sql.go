package lineage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		seq BIGINT NOT NULL,
		payload TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS assets_parent_idx ON assets (parent_id, seq)`,
	`CREATE INDEX IF NOT EXISTS assets_project_idx ON assets (project_id, seq)`,
	`CREATE TABLE IF NOT EXISTS lineage_meta (
		name TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
	// 既存の assets から seq カウンタを初期化する。SQLite の upsert は SELECT に WHERE が必要
	`INSERT INTO lineage_meta (name, value)
		SELECT 'seq', COALESCE(MAX(seq), 0) FROM assets WHERE 1 = 1
		ON CONFLICT (name) DO NOTHING`,
}

// SQLBackend は assets テーブル 1 つに資産を保存する Backend です。
// driver には DriverSQLite (modernc.org/sqlite) か DriverPostgres (pgx) を指定します。
type SQLBackend struct {
	db     *sql.DB
	driver string
}

// NewSQLBackend は DB を開いてテーブルを作成します。
func NewSQLBackend(ctx context.Context, driver, dsn string) (*SQLBackend, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("未対応のドライバです: %q", driver)
	}
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// :memory: は接続ごとに別 DB になるため 1 接続に固定する
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create assets table: %w", err)
		}
	}
	return &SQLBackend{db: db, driver: driver}, nil
}

// rebind は ? プレースホルダを postgres の $n 形式に置き換えます。
func (s *SQLBackend) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Append は lineage_meta の seq カウンタを行ロックつきで進め、同じトランザクションで資産を挿入します。
// カウンタの更新を最初に行うため、SQLite でも書き込みロックを先に取得します。
func (s *SQLBackend) Append(ctx context.Context, asset domain.Asset) (_ uint64, retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	if err := tx.QueryRowContext(ctx, `UPDATE lineage_meta SET value = value + 1 WHERE name = 'seq' RETURNING value`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("allocate seq: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM assets WHERE id = ?`), asset.ID).Scan(&exists)
	switch {
	case err == nil:
		return 0, &domain.DuplicateIDError{ID: asset.ID}
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	asset.Seq = uint64(seq)
	payload, err := json.Marshal(asset)
	if err != nil {
		return 0, fmt.Errorf("資産のエンコードに失敗しました: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO assets (id, project_id, parent_id, seq, payload) VALUES (?, ?, ?, ?, ?)`),
		asset.ID, asset.ProjectID, asset.ParentID, seq, string(payload),
	); err != nil {
		return 0, fmt.Errorf("insert asset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return asset.Seq, nil
}

func (s *SQLBackend) Get(ctx context.Context, id string) (domain.Asset, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM assets WHERE id = ?`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Asset{}, &domain.NotFoundError{Kind: "asset", ID: id}
	}
	if err != nil {
		return domain.Asset{}, err
	}
	var asset domain.Asset
	if err := json.Unmarshal([]byte(payload), &asset); err != nil {
		return domain.Asset{}, fmt.Errorf("decode asset %s: %w", id, err)
	}
	return asset, nil
}

func (s *SQLBackend) ListChildren(ctx context.Context, id string) ([]string, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id FROM assets WHERE parent_id = ? ORDER BY seq`), id)
	if err != nil {
		return nil, fmt.Errorf("select children: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ids = append(ids, child)
	}
	return ids, rows.Err()
}

func (s *SQLBackend) ListProject(ctx context.Context, projectID string) ([]domain.Asset, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT payload FROM assets WHERE project_id = ? ORDER BY seq`), projectID)
	if err != nil {
		return nil, fmt.Errorf("select project: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Asset
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var asset domain.Asset
		if err := json.Unmarshal([]byte(payload), &asset); err != nil {
			return nil, fmt.Errorf("decode asset: %w", err)
		}
		out = append(out, asset)
	}
	return out, rows.Err()
}

func (s *SQLBackend) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM lineage_meta WHERE name = 'seq'`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("select seq: %w", err)
	}
	return uint64(seq), nil
}

func (s *SQLBackend) Close() error {
	return s.db.Close()
}

var _ Backend = (*SQLBackend)(nil)
