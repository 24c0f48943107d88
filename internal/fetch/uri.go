package fetch

import (
	"strings"

	"github.com/ChuLiYu/contact-order/pkg/types"
)

// DefaultScheme 預設的遠端 URI scheme
const DefaultScheme = "gs"

// ParseURI 解析 scheme://bucket/key 形式的遠端位置
//
// 只有 scheme 相符、bucket 與 key 皆非空的字串才算遠端參照；
// 其餘一律回傳 ok=false，由呼叫端決定略過或報錯。
func ParseURI(raw, scheme string) (types.RemoteObject, bool) {
	if scheme == "" {
		scheme = DefaultScheme
	}
	raw = strings.TrimSpace(raw)
	prefix := scheme + "://"
	if !strings.HasPrefix(raw, prefix) {
		return types.RemoteObject{}, false
	}

	bucket, key, found := strings.Cut(strings.TrimPrefix(raw, prefix), "/")
	if !found || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return types.RemoteObject{}, false
	}

	return types.RemoteObject{Scheme: scheme, Bucket: bucket, Key: key}, true
}
