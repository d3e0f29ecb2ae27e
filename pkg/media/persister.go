package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

// Fetcher は URL から画像を取得します。httpkit.ClientInterface が満たします。
type Fetcher interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// Persister はプロバイダ応答のメディアを BlobStore に保存し、ロケータを返します。
type Persister struct {
	store    BlobStore
	fetcher  Fetcher
	compress bool
	quality  int
	mirror   bool
}

// PersisterOption は Persister の設定を変更します。
type PersisterOption func(*Persister)

// WithCompression はインラインデータを JPEG に再圧縮します。
func WithCompression(quality int) PersisterOption {
	return func(p *Persister) {
		p.compress = true
		p.quality = quality
	}
}

// WithMirror は URL で返されたメディアを取得して自前のストアに複製します。
func WithMirror(f Fetcher) PersisterOption {
	return func(p *Persister) {
		p.fetcher = f
		p.mirror = f != nil
	}
}

// NewPersister は Persister を初期化します。
func NewPersister(store BlobStore, opts ...PersisterOption) (*Persister, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	p := &Persister{store: store, quality: DefaultJPEGQuality}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Persist は media を保存し、入力と同じ順序のロケータと先頭メディアの MIME タイプを返します。
func (p *Persister) Persist(ctx context.Context, assetID string, items []domain.Media) ([]string, string, error) {
	if len(items) == 0 {
		return nil, "", fmt.Errorf("保存するメディアがありません")
	}
	locators := make([]string, 0, len(items))
	var mime string
	for i, m := range items {
		data := m.Data
		if len(data) == 0 && m.URL != "" {
			if !p.mirror || !isHTTP(m.URL) {
				locators = append(locators, m.URL)
				if mime == "" {
					mime = m.MimeType
				}
				continue
			}
			fetched, err := p.fetcher.FetchBytes(ctx, m.URL)
			if err != nil {
				return nil, "", fmt.Errorf("メディアの取得に失敗しました (url=%s): %w", m.URL, err)
			}
			data = fetched
		}
		if len(data) == 0 {
			return nil, "", fmt.Errorf("メディア %d にデータも URL もありません", i)
		}

		if p.compress {
			compressed, changed, err := Recompress(data, p.quality)
			switch {
			case err != nil:
				slog.WarnContext(ctx, "生成画像の再圧縮に失敗しました。元データを保存します", "asset_id", assetID, "index", i, "error", err)
			case changed:
				slog.DebugContext(ctx, "生成画像を再圧縮しました", "asset_id", assetID, "index", i, "before", len(data), "after", len(compressed))
				data = compressed
			}
		}
		contentType := http.DetectContentType(data)
		loc, err := p.store.Put(ctx, fmt.Sprintf("%s/%d%s", assetID, i, extension(contentType)), data, contentType)
		if err != nil {
			return nil, "", err
		}
		locators = append(locators, loc)
		if mime == "" {
			mime = contentType
		}
	}
	return locators, mime, nil
}

func isHTTP(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

func extension(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(contentType, "image/gif"):
		return ".gif"
	default:
		return ".bin"
	}
}

// Resolver はロケータのスキームに応じて読み込み先のストアを選びます。
type Resolver struct {
	stores map[string]BlobStore
}

// NewResolver は scheme (例: "s3", "file") からストアへの対応で Resolver を生成します。
func NewResolver(stores map[string]BlobStore) *Resolver {
	return &Resolver{stores: stores}
}

// Read はロケータをスキームに対応するストアから読み込みます。
func (r *Resolver) Read(ctx context.Context, locator string) ([]byte, error) {
	scheme, _, ok := strings.Cut(locator, "://")
	if !ok {
		return nil, fmt.Errorf("スキームのないロケータです: %q", locator)
	}
	store, ok := r.stores[scheme]
	if !ok {
		return nil, fmt.Errorf("スキーム %q のストアが登録されていません", scheme)
	}
	return store.Read(ctx, locator)
}
