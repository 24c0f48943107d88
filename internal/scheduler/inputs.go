package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ChuLiYu/contact-order/pkg/types"
)

// DefaultSuffix 直接模式下辨識結構檔的副檔名
const DefaultSuffix = ".cif"

// ListDirectory 列出 dir 下（不遞迴）檔名以 suffix 結尾的一般檔案，依檔名排序
func ListDirectory(dir, suffix string) ([]types.InputReference, error) {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list input directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() && e.Type()&os.ModeSymlink == 0 {
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	refs := make([]types.InputReference, len(names))
	for i, name := range names {
		refs[i] = types.InputReference{ID: filepath.Join(dir, name)}
	}
	return refs, nil
}

// Digest 輸入清單的指紋，續跑時用來確認清單沒有變動
func Digest(inputs []types.InputReference) string {
	h := sha256.New()
	for _, in := range inputs {
		h.Write([]byte(in.ID))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
