package lineage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

// キー配置:
//
//	a:<id>                       資産レコード (JSON)
//	c:<len><parent><child>       子の索引
//	p:<len><project><seq>        プロジェクト索引 (seq は 8 バイト big endian)
//	m:seq                        最後に割り当てた seq
//
// <len> は続く ID の長さ (uvarint) で、ID に区切り文字が含まれても他の ID の索引と前方一致しません。
const (
	prefixAsset   = "a:"
	prefixChild   = "c:"
	prefixProject = "p:"
	keyLastSeq    = "m:seq"
)

// BadgerOptions は BadgerBackend の設定です。
type BadgerOptions struct {
	// Dir はデータディレクトリです。InMemory でない場合は必須です。
	Dir string
	// InMemory はディスクに書き込まないモードで起動します。テスト向けです。
	InMemory bool
}

// BadgerBackend は BadgerDB v4 上の Backend です。
// BadgerDB はディレクトリをロックするため、書き込むプロセスは常に 1 つです。
type BadgerBackend struct {
	db *badger.DB
	mu sync.Mutex // Append を直列化する
}

// NewBadgerBackend は BadgerDB を開いて BadgerBackend を生成します。
func NewBadgerBackend(opts BadgerOptions) (*BadgerBackend, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("lineage: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(slogLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("badger のオープンに失敗しました: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func assetKey(id string) []byte { return []byte(prefixAsset + id) }

// segment は prefix の後ろに長さつきで id を連結します。
func segment(prefix, id string) []byte {
	key := binary.AppendUvarint([]byte(prefix), uint64(len(id)))
	return append(key, id...)
}

func childPrefix(parent string) []byte { return segment(prefixChild, parent) }

func projectPrefix(project string) []byte { return segment(prefixProject, project) }

func projectKey(project string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(projectPrefix(project), seq)
}

// Append は m:seq の読み書きと資産の書き込みを 1 トランザクションで行います。
func (b *BadgerBackend) Append(_ context.Context, asset domain.Asset) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.append(asset)
}

func (b *BadgerBackend) append(asset domain.Asset) (uint64, error) {
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(assetKey(asset.ID)); err == nil {
			return &domain.DuplicateIDError{ID: asset.ID}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		last, err := readSeq(txn)
		if err != nil {
			return err
		}
		asset.Seq = last + 1
		payload, err := json.Marshal(asset)
		if err != nil {
			return fmt.Errorf("資産のエンコードに失敗しました: %w", err)
		}
		if err := txn.Set([]byte(keyLastSeq), binary.BigEndian.AppendUint64(nil, asset.Seq)); err != nil {
			return err
		}
		if err := txn.Set(assetKey(asset.ID), payload); err != nil {
			return err
		}
		if asset.ParentID != "" {
			if err := txn.Set(append(childPrefix(asset.ParentID), asset.ID...), []byte{}); err != nil {
				return err
			}
		}
		return txn.Set(projectKey(asset.ProjectID, asset.Seq), []byte(asset.ID))
	})
	if err != nil {
		return 0, err
	}
	return asset.Seq, nil
}

func (b *BadgerBackend) Get(_ context.Context, id string) (domain.Asset, error) {
	var asset domain.Asset
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		asset, err = getAsset(txn, id)
		return err
	})
	return asset, err
}

func getAsset(txn *badger.Txn, id string) (domain.Asset, error) {
	item, err := txn.Get(assetKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Asset{}, &domain.NotFoundError{Kind: "asset", ID: id}
	}
	if err != nil {
		return domain.Asset{}, err
	}
	var asset domain.Asset
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &asset)
	})
	return asset, err
}

// ListChildren は子の ID を Seq の昇順で返します。
func (b *BadgerBackend) ListChildren(_ context.Context, id string) ([]string, error) {
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := getAsset(txn, id); err != nil {
			return err
		}
		prefix := childPrefix(id)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		var children []domain.Asset
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			childID := string(it.Item().Key()[len(prefix):])
			child, err := getAsset(txn, childID)
			if err != nil {
				return err
			}
			children = append(children, child)
		}
		sortBySeq(children)
		for _, c := range children {
			ids = append(ids, c.ID)
		}
		return nil
	})
	return ids, err
}

func (b *BadgerBackend) ListProject(_ context.Context, projectID string) ([]domain.Asset, error) {
	var out []domain.Asset
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := projectPrefix(projectID)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			asset, err := getAsset(txn, string(id))
			if err != nil {
				return err
			}
			out = append(out, asset)
		}
		return nil
	})
	return out, err
}

func (b *BadgerBackend) LastSeq(context.Context) (uint64, error) {
	var seq uint64
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		seq, err = readSeq(txn)
		return err
	})
	return seq, err
}

func readSeq(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(keyLastSeq))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("不正な seq 値です (len=%d)", len(val))
		}
		seq = binary.BigEndian.Uint64(val)
		return nil
	})
	return seq, err
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// slogLogger は badger のログを slog に流します。Info と Debug は捨てます。
type slogLogger struct{}

func (slogLogger) Errorf(f string, v ...any)   { slog.Error(fmt.Sprintf("[badger] "+f, v...)) }
func (slogLogger) Warningf(f string, v ...any) { slog.Warn(fmt.Sprintf("[badger] "+f, v...)) }
func (slogLogger) Infof(string, ...any)        {}
func (slogLogger) Debugf(string, ...any)       {}

var _ Backend = (*BadgerBackend)(nil)
