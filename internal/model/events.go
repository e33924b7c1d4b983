package model

import "time"

// RawDeviceEvent 硬件插拔事件，由事件源 (udev/假实现) 产出
type RawDeviceEvent struct {
	Action    string // "add", "remove"
	RawID     string // 总线实例 id
	Name      string // 展示名
	ClassHint string // 事件源给出的类别线索 (class GUID / 接口类型)
	Serial    string
	DevNode   string // e.g. /dev/sdb1，存储设备挂载定位用

	// 复合设备拓扑，由事件源在枚举时采集
	ParentID string
	Siblings []string

	TimeStamp time.Time
}

// EventKind 引擎对外生命周期事件类型
type EventKind string

const (
	EventDeviceObserved       EventKind = "device_observed"
	EventAuthorizationDecided EventKind = "authorization_decided"
	EventThreatFound          EventKind = "threat_found"
	EventDegradedMode         EventKind = "degraded_mode"
)

// Event 引擎向外部协作方 (日志/UI/规则持久化) 投递的事件。
// 用有界 channel 显式传递，不做多播回调
type Event struct {
	Kind    EventKind
	Time    time.Time
	Device  Device // 事件发生时的设备快照
	Verdict Verdict
	Method  AuthMethod
	Reason  string
	Threat  *ThreatRecord // 仅 EventThreatFound
}
