package model

import "time"

// ThreatTier 威胁等级，数值越大越严重，便于取最高级
type ThreatTier int

const (
	TierLow ThreatTier = iota
	TierMedium
	TierHigh
	TierCritical
)

func (t ThreatTier) String() string {
	switch t {
	case TierCritical:
		return "CRITICAL"
	case TierHigh:
		return "HIGH"
	case TierMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// ThreatRecord 单个文件的命中记录。多层命中时保留最高级和最先发现的原因
type ThreatRecord struct {
	Path   string
	Tier   ThreatTier
	Reason string
	Size   int64
}

// ScanResult 一次扫描的聚合结果。返回后不可变，不与历史结果合并
type ScanResult struct {
	ScanID       string
	FilesScanned int
	BytesScanned int64
	Elapsed      time.Duration
	Threats      []ThreatRecord
	Completed    bool // 超时或上限截断时为 false
	Err          string
}

// TierCounts 按等级统计命中数，供阈值判定
func (r *ScanResult) TierCounts() map[ThreatTier]int {
	counts := make(map[ThreatTier]int, 4)
	for _, t := range r.Threats {
		counts[t.Tier]++
	}
	return counts
}
