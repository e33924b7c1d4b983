// Package audit 授权决策和威胁命中的落盘历史，
// 供 UI 回查和操作员事后分析。写失败不影响决策本身
package audit

import (
	"context"
	"time"
)

// DecisionRecord 一条授权决策
type DecisionRecord struct {
	RawID     string
	Identity  string
	Serial    string
	Class     string
	Status    string
	Verdict   string
	Method    string
	Reason    string
	DecidedAt time.Time
}

// ThreatEvent 一条扫描命中
type ThreatEvent struct {
	Identity string
	ScanID   string
	Path     string
	Tier     string
	Reason   string
	Size     int64
	FoundAt  time.Time
}

// Sink 只进不出的写入面；查询在具体实现上
type Sink interface {
	RecordDecision(ctx context.Context, rec DecisionRecord) error
	RecordThreat(ctx context.Context, ev ThreatEvent) error
}
