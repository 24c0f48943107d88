package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/contact-order/internal/cli"
)

/*
# 直接模式
go run ./cmd/contactorder run --input-dir ./data --workers 16

# 下載模式（讀取 manifest_path 或 $SCRATCH/lsc_data/manifest.txt）
go run ./cmd/contactorder run --manifest

# 中斷後續跑
go run ./cmd/contactorder run --resume
*/

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
