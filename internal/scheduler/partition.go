package scheduler

import "github.com/ChuLiYu/contact-order/pkg/types"

// DefaultNumCheckpoints 未指定時的 checkpoint 數
const DefaultNumCheckpoints = 100

// Partition 將 [0, total) 切成連續且不重疊的 checkpoint
//
// checkpointSize > 0 時以固定大小切分（最後一段可能較短）；
// 否則以數量切分：n = min(numCheckpoints, total)，每段 floor(total/n)，
// 最後一段吸收餘數。total == 0 時回傳 nil。
func Partition(total, numCheckpoints, checkpointSize int) []types.Checkpoint {
	if total <= 0 {
		return nil
	}

	if checkpointSize > 0 {
		n := (total + checkpointSize - 1) / checkpointSize
		plan := make([]types.Checkpoint, n)
		for i := range plan {
			start := i * checkpointSize
			plan[i] = types.Checkpoint{Index: i, Start: start, End: min(start+checkpointSize, total)}
		}
		return plan
	}

	n := numCheckpoints
	if n <= 0 {
		n = DefaultNumCheckpoints
	}
	// 檔案數少於 checkpoint 數時，避免出現空的 checkpoint
	n = min(n, total)

	size := total / n
	plan := make([]types.Checkpoint, n)
	for i := range plan {
		end := (i + 1) * size
		if i == n-1 {
			end = total
		}
		plan[i] = types.Checkpoint{Index: i, Start: i * size, End: end}
	}
	return plan
}
