// Package rulestore 持久化的允许/拒绝规则集。
// 规则只追加不原地修改，停用走 enabled 标志
package rulestore

import (
	"fmt"
	"strings"
	"time"

	"github.com/Hara602/usbWarden/internal/model"
)

// Rule 一条放行或阻断记录，按硬件身份匹配，可选用序列号和设备类收窄
type Rule struct {
	ID        string
	Name      string
	Identity  model.HardwareID
	Serial    string            // 空 = 通配
	Class     model.DeviceClass // 空 = 通配
	Reason    string
	Enabled   bool
	CreatedBy string
	CreatedAt time.Time
}

// Matches 空字段作通配，厂商级规则靠这个生效
func (r Rule) Matches(dev model.Device) bool {
	if !r.Enabled {
		return false
	}
	if r.Identity.VendorID != "" && r.Identity.VendorID != dev.Identity.VendorID {
		return false
	}
	if r.Identity.ProductID != "" && r.Identity.ProductID != dev.Identity.ProductID {
		return false
	}
	if r.Serial != "" && r.Serial != dev.Serial {
		return false
	}
	if r.Class != "" && r.Class != dev.Class {
		return false
	}
	return true
}

// 行格式 (兼容既有文件):
//   id|name|vendorId|productId|deviceClass|reason|enabled|createdBy|createdDate[|serial]
// serial 是可选的第 10 字段，旧的 9 字段行照常解析
const (
	minFields = 9
	timeFmt   = time.RFC3339
)

func formatLine(r Rule) string {
	fields := []string{
		r.ID,
		sanitize(r.Name),
		r.Identity.VendorID,
		r.Identity.ProductID,
		string(r.Class),
		sanitize(r.Reason),
		fmt.Sprintf("%t", r.Enabled),
		sanitize(r.CreatedBy),
		r.CreatedAt.UTC().Format(timeFmt),
	}
	if r.Serial != "" {
		fields = append(fields, r.Serial)
	}
	return strings.Join(fields, "|")
}

func parseLine(line string) (Rule, error) {
	fields := strings.Split(line, "|")
	if len(fields) < minFields {
		return Rule{}, fmt.Errorf("rulestore: want >=%d fields, got %d", minFields, len(fields))
	}

	created, err := time.Parse(timeFmt, fields[8])
	if err != nil {
		return Rule{}, fmt.Errorf("rulestore: bad createdDate %q: %w", fields[8], err)
	}

	r := Rule{
		ID:   fields[0],
		Name: fields[1],
		Identity: model.HardwareID{
			VendorID:  strings.ToUpper(fields[2]),
			ProductID: strings.ToUpper(fields[3]),
		},
		Class:     model.DeviceClass(fields[4]),
		Reason:    fields[5],
		Enabled:   fields[6] == "true" || fields[6] == "1",
		CreatedBy: fields[7],
		CreatedAt: created,
	}
	if len(fields) >= 10 {
		r.Serial = fields[9]
	}

	if r.Class != "" && model.ParseDeviceClass(string(r.Class)) != r.Class {
		return Rule{}, fmt.Errorf("rulestore: unknown device class %q", fields[4])
	}
	return r, nil
}

// sanitize 字段内容里不允许出现分隔符
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "|", "/")
	return strings.ReplaceAll(s, "\n", " ")
}
