// Package hwid 把原始 PnP 设备 id 归一化为稳定硬件身份，
// 并生成策略匹配要尝试的身份变体序列
package hwid

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Hara602/usbWarden/internal/model"
)

var (
	ErrNotRemovableBus = errors.New("hwid: not a removable-bus device id")
	ErrMalformedID     = errors.New("hwid: malformed device id")
)

// 形如 VID_046D / PID_C52B / REV_1203 的字段
var (
	vidRe = regexp.MustCompile(`VID_([0-9A-F]{4})`)
	pidRe = regexp.MustCompile(`PID_([0-9A-F]{4})`)
	revRe = regexp.MustCompile(`REV_([0-9A-F]{2,4})`)
	miRe  = regexp.MustCompile(`MI_([0-9A-F]{2})`)
)

const busPrefix = `USB\`

// IsRemovableBus 事件源给出的 raw id 是否属于可移动硬件总线。
// 不匹配的 id 直接视为 not-applicable，引擎不处理
func IsRemovableBus(rawID string) bool {
	return strings.HasPrefix(strings.ToUpper(rawID), busPrefix)
}

// Parse 从 raw id 提取硬件身份。容忍大小写和字段顺序差异
func Parse(rawID string) (model.HardwareID, error) {
	up := strings.ToUpper(strings.TrimSpace(rawID))
	if !strings.HasPrefix(up, busPrefix) {
		return model.HardwareID{}, ErrNotRemovableBus
	}

	vid := vidRe.FindStringSubmatch(up)
	pid := pidRe.FindStringSubmatch(up)
	if vid == nil || pid == nil {
		return model.HardwareID{}, fmt.Errorf("%w: %q", ErrMalformedID, rawID)
	}

	id := model.HardwareID{VendorID: vid[1], ProductID: pid[1]}
	if rev := revRe.FindStringSubmatch(up); rev != nil {
		id.Revision = rev[1]
	}
	return id, nil
}

// New 由散装字段 (如 sysfs 的 idVendor/idProduct) 构造身份，统一成大写十六进制
func New(vendorID, productID, revision string) model.HardwareID {
	return model.HardwareID{
		VendorID:  strings.ToUpper(strings.TrimSpace(vendorID)),
		ProductID: strings.ToUpper(strings.TrimSpace(productID)),
		Revision:  strings.ToUpper(strings.TrimSpace(revision)),
	}
}

// InterfaceNumber 复合设备子接口号 (MI_xx)，没有则返回空串
func InterfaceNumber(rawID string) string {
	if m := miRe.FindStringSubmatch(strings.ToUpper(rawID)); m != nil {
		return m[1]
	}
	return ""
}

// InstanceSuffix raw id 里最后一段，通常是序列号或总线分配的实例后缀
func InstanceSuffix(rawID string) string {
	parts := strings.Split(rawID, `\`)
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-1]
}

// Variants 策略匹配用的身份变体，从最具体到最宽泛：
// VID+PID+REV → VID+PID → 仅 VID (厂商级规则)
func Variants(id model.HardwareID) []model.HardwareID {
	var out []model.HardwareID
	if id.Revision != "" {
		out = append(out, id)
	}
	out = append(out, model.HardwareID{VendorID: id.VendorID, ProductID: id.ProductID})
	out = append(out, model.HardwareID{VendorID: id.VendorID})
	return out
}

// Matches 身份比较，空字段作通配。策略列表和规则匹配共用这套语义
func Matches(rule, dev model.HardwareID) bool {
	if rule.VendorID != "" && rule.VendorID != dev.VendorID {
		return false
	}
	if rule.ProductID != "" && rule.ProductID != dev.ProductID {
		return false
	}
	if rule.Revision != "" && rule.Revision != dev.Revision {
		return false
	}
	return true
}
