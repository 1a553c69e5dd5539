package xsysinfo

import (
	"github.com/mudler/memory"
	"github.com/mudler/xlog"
)

// SystemRAMInfo contains system RAM usage information
type SystemRAMInfo struct {
	Total        uint64  `json:"total"`
	Used         uint64  `json:"used"`
	Free         uint64  `json:"free"`
	UsagePercent float64 `json:"usage_percent"`
}

// GetSystemRAMInfo returns real-time system RAM usage
func GetSystemRAMInfo() *SystemRAMInfo {
	total := memory.TotalMemory()
	free := memory.AvailableMemory()

	var used uint64
	if total > free {
		used = total - free
	}

	usagePercent := 0.0
	if total > 0 {
		usagePercent = float64(used) / float64(total) * 100
	}
	return &SystemRAMInfo{
		Total:        total,
		Used:         used,
		Free:         free,
		UsagePercent: usagePercent,
	}
}

// LogRAM writes the current RAM usage at debug level.
func LogRAM(msg string) {
	info := GetSystemRAMInfo()
	xlog.Debug(msg, "total", info.Total, "used", info.Used, "free", info.Free, "usage_percent", info.UsagePercent)
}
