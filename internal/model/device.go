package model

import (
	"fmt"
	"time"
)

// DeviceClass 设备大类，由事件源的 class GUID / 接口类型映射而来
type DeviceClass string

const (
	ClassKeyboard DeviceClass = "Keyboard"
	ClassMouse    DeviceClass = "Mouse"
	ClassStorage  DeviceClass = "Storage"
	ClassHID      DeviceClass = "HID"
	ClassOther    DeviceClass = "Other"
)

// ParseDeviceClass 宽松解析，未知值归入 Other
func ParseDeviceClass(s string) DeviceClass {
	switch DeviceClass(s) {
	case ClassKeyboard, ClassMouse, ClassStorage, ClassHID:
		return DeviceClass(s)
	default:
		return ClassOther
	}
}

// Status 单个设备的授权生命周期状态
type Status int

const (
	StatusDiscovered Status = iota
	StatusPendingEnforcement
	StatusAuthenticating
	StatusTrusted
	StatusBlocked
	StatusQuarantined
)

func (s Status) String() string {
	switch s {
	case StatusDiscovered:
		return "Discovered"
	case StatusPendingEnforcement:
		return "PendingEnforcement"
	case StatusAuthenticating:
		return "Authenticating"
	case StatusTrusted:
		return "Trusted"
	case StatusBlocked:
		return "Blocked"
	case StatusQuarantined:
		return "Quarantined"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal 终态后本次连接不再迁移
func (s Status) Terminal() bool {
	return s == StatusTrusted || s == StatusBlocked || s == StatusQuarantined
}

// HardwareID 稳定硬件身份 (vendor/product/revision)，同型号设备共享，
// 与一次物理接入唯一的 instance id (RawID) 区分开
type HardwareID struct {
	VendorID  string
	ProductID string
	Revision  string
}

// String 规范串形式，作为缓存和策略列表的键
func (h HardwareID) String() string {
	if h.Revision != "" {
		return fmt.Sprintf(`USB\VID_%s&PID_%s&REV_%s`, h.VendorID, h.ProductID, h.Revision)
	}
	return fmt.Sprintf(`USB\VID_%s&PID_%s`, h.VendorID, h.ProductID)
}

func (h HardwareID) IsZero() bool {
	return h.VendorID == "" && h.ProductID == ""
}

// Device 一个物理接入的设备。只由授权引擎修改，拔出即销毁
type Device struct {
	RawID    string // 总线分配的 PnP 实例 id，全局唯一
	Name     string
	Identity HardwareID
	Serial   string
	Class    DeviceClass

	// 复合设备：一个物理单元暴露多个兄弟接口 (键盘+鼠标)
	Composite bool
	ParentID  string   // 复合设备父节点的 raw id
	Siblings  []string // 兄弟子接口的 raw id

	Status Status

	// 两层阻断互相独立，过渡窗口内可能只有一层生效
	SystemLevelBlocked      bool
	ApplicationLevelBlocked bool

	ConnectedAt     time.Time
	AuthenticatedAt time.Time
	QuarantinedAt   time.Time
}

// Verdict 外部质询服务或扫描步骤给出的结论
type Verdict int

const (
	VerdictDeny Verdict = iota
	VerdictAllow
)

func (v Verdict) String() string {
	if v == VerdictAllow {
		return "Allow"
	}
	return "Deny"
}

// AuthMethod 得出结论的途径，写进每条决策日志
type AuthMethod string

const (
	MethodAllowRule  AuthMethod = "allow_rule"
	MethodDenyRule   AuthMethod = "deny_rule"
	MethodCache      AuthMethod = "auth_cache"
	MethodChallenge  AuthMethod = "challenge"
	MethodScan       AuthMethod = "scan"
	MethodFailClosed AuthMethod = "fail_closed"
)
