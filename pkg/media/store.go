// Package media はプロバイダが返した画像を保存し、資産のロケータを発行します。
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound はロケータが指すオブジェクトが存在しないことを表します。
var ErrNotFound = errors.New("media: not found")

// BlobStore は画像バイト列の保存先です。Put はロケータ (s3://... や file://...) を返します。
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Read(ctx context.Context, locator string) ([]byte, error)
}

// LocalStore はローカルディスク上の BlobStore です。
type LocalStore struct {
	root string
}

// NewLocalStore は dir をルートとする LocalStore を生成します。ディレクトリがなければ作成します。
func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("保存先ディレクトリの作成に失敗しました: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

// Put は key にデータを書き込み、file:// ロケータを返します。
func (l *LocalStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	full, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("画像の書き込みに失敗しました: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(full)}).String(), nil
}

// Read は file:// ロケータのデータを読み込みます。ルート外のパスは拒否します。
func (l *LocalStore) Read(_ context.Context, locator string) ([]byte, error) {
	u, err := url.Parse(locator)
	if err != nil || u.Scheme != "file" {
		return nil, fmt.Errorf("file ロケータではありません: %q", locator)
	}
	full := filepath.Clean(filepath.FromSlash(u.Path))
	if !l.within(full) {
		return nil, fmt.Errorf("保存先の外を指すロケータです: %q", locator)
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", locator, ErrNotFound)
	}
	return data, err
}

func (l *LocalStore) resolve(key string) (string, error) {
	full := filepath.Join(l.root, filepath.FromSlash(key))
	if !l.within(full) {
		return "", fmt.Errorf("不正なキーです: %q", key)
	}
	return full, nil
}

func (l *LocalStore) within(path string) bool {
	return path == l.root || strings.HasPrefix(path, l.root+string(filepath.Separator))
}

var _ BlobStore = (*LocalStore)(nil)
