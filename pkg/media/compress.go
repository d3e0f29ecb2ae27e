package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
)

// DefaultJPEGQuality は保存時の再圧縮品質です。
const DefaultJPEGQuality = 75

// opaquer は透過の有無を報告できる画像です。image.RGBA や image.NRGBA が満たします。
type opaquer interface {
	Opaque() bool
}

// Recompress は生成画像を保存用の JPEG に再圧縮します。
// 透過を含む画像 (background=transparent など) と、再圧縮しても小さくならない画像は
// 元のバイト列をそのまま返し、changed は false になります。
func Recompress(data []byte, quality int) (out []byte, changed bool, err error) {
	if quality < 1 || quality > 100 {
		return nil, false, fmt.Errorf("不正なJPEG品質です: %d", quality)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("画像のデコードに失敗しました: %w", err)
	}
	if o, ok := img.(opaquer); ok && !o.Opaque() {
		return data, false, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, false, fmt.Errorf("JPEGエンコードに失敗しました: %w", err)
	}
	if buf.Len() >= len(data) {
		return data, false, nil
	}
	return buf.Bytes(), true, nil
}
