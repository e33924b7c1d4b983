//go:build linux

package enforce

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/Hara602/usbWarden/internal/hwid"
)

const sysUSBDevices = "/sys/bus/usb/devices"

// SysfsInstanceController 通过 sysfs 的 authorized 开关做实例级启停。
// busID (1-1.2 这种) 和 PnP 风格 raw id 的映射在枚举时建立
type SysfsInstanceController struct {
	root  string     // 默认 /sys/bus/usb/devices，测试时指向临时目录
	mu    sync.Mutex // byRaw 会被并发的 Enumerate 更新
	byRaw map[string]string
}

func NewSysfsInstanceController() *SysfsInstanceController {
	return &SysfsInstanceController{root: sysUSBDevices, byRaw: make(map[string]string)}
}

// Available 写 authorized 需要 root；启动时探测一次
func (c *SysfsInstanceController) Available() bool {
	if os.Geteuid() != 0 {
		return false
	}
	return unix.Access(c.root, unix.W_OK) == nil
}

// Enumerate 遍历 USB 设备树，把带 idVendor 的节点折算成实例
func (c *SysfsInstanceController) Enumerate() ([]Instance, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("enforce: enumerate sysfs: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Instance
	for _, e := range entries {
		busID := e.Name()
		if strings.Contains(busID, ":") { // 接口节点跳过，只看设备节点
			continue
		}
		dir := filepath.Join(c.root, busID)
		vid := readSysAttr(dir, "idVendor")
		pid := readSysAttr(dir, "idProduct")
		if vid == "" || pid == "" {
			continue
		}
		serial := readSysAttr(dir, "serial")
		rev := readSysAttr(dir, "bcdDevice")

		rawID := sysfsRawID(vid, pid, rev, serial, busID)
		c.byRaw[rawID] = busID

		authorized := readSysAttr(dir, "authorized")
		out = append(out, Instance{RawID: rawID, Enabled: authorized != "0"})
	}
	return out, nil
}

func (c *SysfsInstanceController) Enable(rawID string) error {
	return c.writeAuthorized(rawID, "1")
}

func (c *SysfsInstanceController) Disable(rawID string) error {
	return c.writeAuthorized(rawID, "0")
}

// writeAuthorized 写 0 即物理层级禁用 (同 busID 的所有接口一起失效)
func (c *SysfsInstanceController) writeAuthorized(rawID, val string) error {
	c.mu.Lock()
	busID, ok := c.byRaw[rawID]
	c.mu.Unlock()
	if !ok {
		if _, err := c.Enumerate(); err != nil {
			return err
		}
		c.mu.Lock()
		busID, ok = c.byRaw[rawID]
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("enforce: instance %q not present", rawID)
		}
	}
	path := filepath.Join(c.root, busID, "authorized")
	if err := os.WriteFile(path, []byte(val), 0o644); err != nil {
		return fmt.Errorf("enforce: write %s: %w", path, err)
	}
	return nil
}

// sysfsRawID 把 sysfs 属性折算成 PnP 风格 raw id，识别语义全程统一
func sysfsRawID(vid, pid, rev, serial, busID string) string {
	id := hwid.New(vid, pid, rev)
	suffix := serial
	if suffix == "" {
		suffix = busID
	}
	return id.String() + `\` + suffix
}

func readSysAttr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// SysfsPolicyStore 策略表的 Linux 落地：
// 默认拒绝写各 host controller 的 authorized_default，
// 允许/拒绝身份表持久化在本地 JSON，由引擎在事件时生效
type SysfsPolicyStore struct {
	sysRoot  string
	listPath string
}

type policyFile struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

func NewSysfsPolicyStore(listPath string) *SysfsPolicyStore {
	return &SysfsPolicyStore{sysRoot: sysUSBDevices, listPath: listPath}
}

func (s *SysfsPolicyStore) SetDefaultDeny(on bool) error {
	val := "1"
	if on {
		val = "0"
	}
	matches, err := filepath.Glob(filepath.Join(s.sysRoot, "usb*", "authorized_default"))
	if err != nil {
		return err
	}
	var firstErr error
	for _, m := range matches {
		if err := os.WriteFile(m, []byte(val), 0o644); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *SysfsPolicyStore) AllowList() ([]string, error) {
	pf, err := s.load()
	return pf.Allow, err
}

func (s *SysfsPolicyStore) DenyList() ([]string, error) {
	pf, err := s.load()
	return pf.Deny, err
}

func (s *SysfsPolicyStore) SetAllowList(ids []string) error {
	pf, err := s.load()
	if err != nil {
		return err
	}
	pf.Allow = ids
	return s.save(pf)
}

func (s *SysfsPolicyStore) SetDenyList(ids []string) error {
	pf, err := s.load()
	if err != nil {
		return err
	}
	pf.Deny = ids
	return s.save(pf)
}

func (s *SysfsPolicyStore) load() (policyFile, error) {
	var pf policyFile
	b, err := os.ReadFile(s.listPath)
	if os.IsNotExist(err) {
		return pf, nil
	}
	if err != nil {
		return pf, err
	}
	if err := json.Unmarshal(b, &pf); err != nil {
		return policyFile{}, fmt.Errorf("enforce: parse policy lists: %w", err)
	}
	return pf, nil
}

func (s *SysfsPolicyStore) save(pf policyFile) error {
	b, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.listPath), 0o755); err != nil {
		return err
	}
	tmp := s.listPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.listPath)
}

// SysfsRescanner 重枚举触发器：主通路逐设备发 change uevent，
// 备用通路踢一次 drivers_probe
type SysfsRescanner struct {
	sysRoot string
}

func NewSysfsRescanner() *SysfsRescanner {
	return &SysfsRescanner{sysRoot: sysUSBDevices}
}

func (r *SysfsRescanner) Rescan() error {
	matches, err := filepath.Glob(filepath.Join(r.sysRoot, "*", "uevent"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("enforce: no uevent nodes under %s", r.sysRoot)
	}
	var firstErr error
	for _, m := range matches {
		if err := os.WriteFile(m, []byte("change"), 0o200); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *SysfsRescanner) RescanFallback() error {
	return os.WriteFile("/sys/bus/usb/drivers_probe", []byte("usb"), 0o200)
}
