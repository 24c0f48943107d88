package fetch

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ChuLiYu/contact-order/pkg/types"
)

var log = slog.Default()

// ReadManifest 讀取每行一個 URI 的清單檔
//
// 空白行與 # 開頭的註解行不計；無法辨識為遠端參照的行會被略過並記錄警告，
// skipped 回傳略過的行數。清單順序即為處理順序。
func ReadManifest(path, scheme string) (refs []types.InputReference, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		obj, ok := ParseURI(line, scheme)
		if !ok {
			skipped++
			log.Warn("skipping manifest line that is not a remote reference",
				"manifest", path, "line", lineNo, "value", line)
			continue
		}
		refs = append(refs, types.InputReference{ID: line, Remote: &obj})
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("read manifest: %w", err)
	}

	return refs, skipped, nil
}
