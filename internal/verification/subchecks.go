package verification

import (
	"strings"
	"time"

	"github.com/taskmesh/meshcore/pkg/lib/canonical"
	"github.com/taskmesh/meshcore/pkg/types"
)

// MinExecutionTime / MaxExecutionTime §4.5 execution_time_valid："100 ms ≤
// measured ≤ 5 min"。
const (
	MinExecutionTime = 100 * time.Millisecond
	MaxExecutionTime = 5 * time.Minute
)

var forbiddenOutputSubstrings = []string{"error", "failed", "timeout"}

// runSubChecks 实现 §4.5 的四项底线检查，全部作用在已经落地的
// TaskResult 上，不需要重新执行任务。
func runSubChecks(result types.TaskResult) types.SubChecks {
	return types.SubChecks{
		ResultHash:         canonical.ResultHash(result.Result),
		ExecutionTimeValid: result.ExecTime >= MinExecutionTime && result.ExecTime <= MaxExecutionTime,
		ResourceUsageValid: resourceUsageValid(result.ResourceUsage),
		OutputValid:        outputValid(result.Result),
	}
}

func resourceUsageValid(u types.ResourceUsage) bool {
	if u.CPUUsagePct < 0 || u.CPUUsagePct > 100 {
		return false
	}
	if u.MemoryUsagePct < 0 || u.MemoryUsagePct > 100 {
		return false
	}
	return u.NetworkUsageMB >= 0
}

// outputValid §4.5 output_valid："non-null... does not contain error/
// failed/timeout (case-insensitive)"。任务类型特定的校验是扩展点，这里
// 只实现规定的底线。
func outputValid(result []byte) bool {
	if len(result) == 0 {
		return false
	}
	lower := strings.ToLower(string(result))
	for _, bad := range forbiddenOutputSubstrings {
		if strings.Contains(lower, bad) {
			return false
		}
	}
	return true
}

// confidence 实现 §4.5 的置信度公式。
func confidence(sc types.SubChecks) float64 {
	c := 0.0
	if sc.OutputValid {
		c += 0.4
	}
	if sc.ExecutionTimeValid {
		c += 0.2
	}
	if sc.ResourceUsageValid {
		c += 0.2
	}
	if sc.ResultHash != [32]byte{} {
		c += 0.2
	}
	return c
}

// isValid §4.5 "a response is is_valid iff confidence ≥ 0.7 AND
// output_valid"。
func isValid(sc types.SubChecks, conf float64) bool {
	return conf >= ConfidenceThreshold && sc.OutputValid
}
