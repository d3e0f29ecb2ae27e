package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/shouni/image-matrix-kit/pkg/media"
)

const (
	UseImageCompression     = true
	ImageCompressionQuality = 75
	cacheKeyReference       = "reference:"
)

// ImageCacher は画像データのキャッシュ操作を抽象化するインターフェースです。
// 有効期限はキャッシュ側で管理します。*expirable.LRU[string, []byte] が満たします。
type ImageCacher interface {
	Get(key string) ([]byte, bool)
	Add(key string, value []byte) bool
}

// HTTPClient は URL からデータを取得するためのインターフェースです。httpkit.ClientInterface が満たします。
type HTTPClient interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// LocatorReader は s3:// や file:// など自前ストアのロケータを読み込みます。
type LocatorReader interface {
	Read(ctx context.Context, locator string) ([]byte, error)
}

// ReferenceImages は参照画像 (inspire のスタイル元) を取得して genai.Part に変換するコンポーネントです。
// http(s) は SSRF 検証の上でダウンロードし、それ以外のスキームは LocatorReader に委譲します。
type ReferenceImages struct {
	httpClient HTTPClient
	store      LocatorReader
	cache      ImageCacher
	isSafe     func(rawURL string) (bool, error)
}

// NewReferenceImages は依存関係を注入して ReferenceImages を初期化します。
// store と cache は nil を許容します。
func NewReferenceImages(httpClient HTTPClient, store LocatorReader, cache ImageCacher) (*ReferenceImages, error) {
	if httpClient == nil {
		return nil, fmt.Errorf("httpClient is required")
	}
	return &ReferenceImages{
		httpClient: httpClient,
		store:      store,
		cache:      cache,
		isSafe:     IsSafeURL,
	}, nil
}

// Load は参照画像のバイト列を取得します。圧縮済みのデータがキャッシュされます。
func (r *ReferenceImages) Load(ctx context.Context, rawURL string) ([]byte, error) {
	key := cacheKeyReference + rawURL
	if r.cache != nil {
		if data, found := r.cache.Get(key); found {
			return data, nil
		}
	}

	data, err := r.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	finalData := data
	if UseImageCompression {
		if compressed, _, err := media.Recompress(data, ImageCompressionQuality); err == nil {
			finalData = compressed
		}
	}

	if r.cache != nil {
		r.cache.Add(key, finalData)
	}
	return finalData, nil
}

// PrepareImagePart は参照画像を genai.Part に変換します。取得に失敗した場合は nil を返し、
// 呼び出し側はテキストのみで続行します。
func (r *ReferenceImages) PrepareImagePart(ctx context.Context, rawURL string) *genai.Part {
	data, err := r.Load(ctx, rawURL)
	if err != nil {
		slog.WarnContext(ctx, "参照画像の取得に失敗しました。テキストのみで続行します", "url", rawURL, "error", err)
		return nil
	}
	return ToPart(data)
}

func (r *ReferenceImages) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("URLパース失敗: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		safe, err := r.isSafe(rawURL)
		if err != nil {
			return nil, fmt.Errorf("安全ではないURLが指定されました: %w", err)
		}
		if !safe {
			return nil, fmt.Errorf("安全ではないURLが指定されました: %s", rawURL)
		}
		return r.httpClient.FetchBytes(ctx, rawURL)
	default:
		if r.store == nil {
			return nil, fmt.Errorf("スキーム %q を読み込むストアが設定されていません", u.Scheme)
		}
		return r.store.Read(ctx, rawURL)
	}
}

// ToPart はバイト列を genai.Part (InlineData) に変換します。
func ToPart(data []byte) *genai.Part {
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		slog.Warn("MIMEタイプが画像ではないためPartに変換できませんでした", "detected_mime_type", mimeType)
		return nil
	}
	return &genai.Part{
		InlineData: &genai.Blob{
			MIMEType: mimeType,
			Data:     data,
		},
	}
}

// IsSafeURL は SSRF 対策として URL を検証します。
// 名前解決されたすべての IP アドレスに対してプライベート IP チェックを行います。
func IsSafeURL(rawURL string) (bool, error) {
	parsedURL, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return false, fmt.Errorf("URLパース失敗: %w", err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return false, fmt.Errorf("不許可スキーム: %s", parsedURL.Scheme)
	}

	host := parsedURL.Hostname()
	var ips []net.IP

	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolvedIPs, err := net.LookupIP(host)
		if err != nil {
			return false, fmt.Errorf("名前解決失敗: %w", err)
		}
		ips = resolvedIPs
	}

	if len(ips) == 0 {
		return false, fmt.Errorf("IPが見つかりません")
	}

	for _, ip := range ips {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return false, fmt.Errorf("制限されたネットワークへのアクセスを検知: %s", ip.String())
		}
	}

	return true, nil
}
