package adapters

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// NewLRUCache は最大 size 件を ttl の間だけ保持する ImageCacher を生成します。
// size が 0 以下なら件数無制限、ttl が 0 以下なら期限なしです。
func NewLRUCache(size int, ttl time.Duration) *expirable.LRU[string, []byte] {
	return expirable.NewLRU[string, []byte](size, nil, ttl)
}

var _ ImageCacher = (*expirable.LRU[string, []byte])(nil)
