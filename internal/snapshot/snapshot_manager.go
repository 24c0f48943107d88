package snapshot

// ============================================================================
// 職責說明：
// 1. 將批次執行的進度標記序列化為 JSON 檔
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 配合 checkpoint 寫入器的位元組位置實現續跑
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/contact-order/pkg/types"
)

// SchemaVersion 目前的進度標記格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("progress marker is corrupted")
	ErrIncompatibleVersion = errors.New("progress marker schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("progress marker not found")
)

// Manager 進度標記管理器
type Manager struct {
	path string     // 標記檔路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入進度標記
//
// 流程：
// 1. 寫入同目錄下的臨時檔案並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(marker types.ProgressMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	marker.SchemaVer = SchemaVersion
	if marker.UpdatedAt.IsZero() {
		marker.UpdatedAt = time.Now().UTC()
	}

	// 帶縮排，方便人工檢查
	jsonBytes, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal progress marker: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create marker dir: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, jsonBytes); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp progress marker: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename progress marker: %w", err)
	}

	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load 載入進度標記
//
// 檔案不存在時回傳 ErrSnapshotNotFound；內容無法解析回傳 ErrCorruptedSnapshot。
func (m *Manager) Load() (types.ProgressMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var marker types.ProgressMarker

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return marker, ErrSnapshotNotFound
		}
		return marker, fmt.Errorf("failed to read progress marker: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &marker); err != nil {
		return marker, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if marker.SchemaVer != SchemaVersion {
		return marker, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, marker.SchemaVer, SchemaVersion)
	}

	return marker, nil
}

// Remove 刪除標記檔（全新執行開始時呼叫），不存在不算錯誤
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove progress marker: %w", err)
	}
	return nil
}

// Exists 檢查標記檔是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得標記檔路徑
func (m *Manager) GetPath() string {
	return m.path
}
