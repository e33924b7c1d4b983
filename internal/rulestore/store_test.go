package rulestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "whitelist.rules"), filepath.Join(dir, "blacklist.rules"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st, dir
}

func testDevice() model.Device {
	return model.Device{
		RawID:    `USB\VID_046D&PID_C52B\SN01`,
		Name:     "Wireless Receiver",
		Identity: model.HardwareID{VendorID: "046D", ProductID: "C52B"},
		Serial:   "SN01",
		Class:    model.ClassMouse,
	}
}

func TestAddAllow_ThenMatch(t *testing.T) {
	st, _ := newTestStore(t)
	dev := testDevice()

	if ok, _ := st.IsAllowed(dev); ok {
		t.Fatal("empty store must not allow")
	}
	if _, err := st.AddAllow(dev, "user approved", "agent"); err != nil {
		t.Fatalf("AddAllow: %v", err)
	}

	ok, r := st.IsAllowed(dev)
	if !ok {
		t.Fatal("expected allow match after AddAllow")
	}
	if r.Reason != "user approved" || !r.Enabled {
		t.Errorf("unexpected rule: %+v", r)
	}
	if ok, _ := st.IsDenied(dev); ok {
		t.Error("deny list must stay independent")
	}
}

func TestMatch_VendorWideWildcard(t *testing.T) {
	dir := t.TempDir()

	// 厂商级规则：product/serial/class 全空 = 通配
	line := "r1|vendor block|046D|||bad vendor|true|admin|2026-01-10T00:00:00Z"
	writeRuleFile(t, filepath.Join(dir, "blacklist.rules"), line)

	st2, err := Open(filepath.Join(dir, "whitelist.rules"), filepath.Join(dir, "blacklist.rules"), zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	dev := testDevice()
	dev.Class = model.ClassKeyboard // 类别无关，照样命中
	ok, r := st2.IsDenied(dev)
	if !ok {
		t.Fatal("vendor-wide deny rule must match")
	}
	if r.ID != "r1" {
		t.Errorf("matched wrong rule: %+v", r)
	}

	other := dev
	other.Identity.VendorID = "1234"
	if ok, _ := st2.IsDenied(other); ok {
		t.Error("different vendor must not match")
	}
}

func TestMatch_DisabledRuleIgnored(t *testing.T) {
	_, dir := newTestStore(t)
	line := "r1|old block|046D|C52B|Mouse|stale|false|admin|2026-01-10T00:00:00Z"
	writeRuleFile(t, filepath.Join(dir, "blacklist.rules"), line)

	st, err := Open(filepath.Join(dir, "whitelist.rules"), filepath.Join(dir, "blacklist.rules"), zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if ok, _ := st.IsDenied(testDevice()); ok {
		t.Error("disabled rule must not match")
	}
}

func TestMatch_SerialNarrowing(t *testing.T) {
	_, dir := newTestStore(t)
	line := "r1|per-unit|046D|C52B|Mouse|this unit only|true|admin|2026-01-10T00:00:00Z|SN01"
	writeRuleFile(t, filepath.Join(dir, "whitelist.rules"), line)

	st, err := Open(filepath.Join(dir, "whitelist.rules"), filepath.Join(dir, "blacklist.rules"), zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	dev := testDevice()
	if ok, _ := st.IsAllowed(dev); !ok {
		t.Error("matching serial must hit")
	}
	dev.Serial = "SN99"
	if ok, _ := st.IsAllowed(dev); ok {
		t.Error("serial-narrowed rule must not match other units")
	}
}

func TestLoad_CorruptLinesSkipped(t *testing.T) {
	_, dir := newTestStore(t)
	content := strings.Join([]string{
		"# comment line",
		"",
		"not|enough|fields",
		"r1|ok|046D|C52B|Mouse|fine|true|admin|2026-01-10T00:00:00Z",
		"r2|bad date|046D|C52B|Mouse|x|true|admin|yesterday",
		"r3|bad class|046D|C52B|Gamepad|x|true|admin|2026-01-10T00:00:00Z",
	}, "\n")
	writeRuleFile(t, filepath.Join(dir, "whitelist.rules"), content)

	st, err := Open(filepath.Join(dir, "whitelist.rules"), filepath.Join(dir, "blacklist.rules"), zap.NewNop())
	if err != nil {
		t.Fatalf("corrupt lines must not be fatal: %v", err)
	}
	rules := st.AllowRules()
	if len(rules) != 1 || rules[0].ID != "r1" {
		t.Errorf("expected only r1 to survive, got %+v", rules)
	}
}

func TestAdd_PersistsAcrossReopen(t *testing.T) {
	st, dir := newTestStore(t)
	dev := testDevice()
	if _, err := st.AddDeny(dev, "failed challenge", "engine"); err != nil {
		t.Fatalf("AddDeny: %v", err)
	}

	st2, err := Open(filepath.Join(dir, "whitelist.rules"), filepath.Join(dir, "blacklist.rules"), zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ok, r := st2.IsDenied(dev)
	if !ok {
		t.Fatal("persisted deny rule must match after reopen")
	}
	if r.Serial != "SN01" {
		t.Errorf("serial not round-tripped: %+v", r)
	}
}

func TestSanitize_DelimiterInReason(t *testing.T) {
	st, dir := newTestStore(t)
	dev := testDevice()
	if _, err := st.AddDeny(dev, "threat: EXE|masquerade", "engine"); err != nil {
		t.Fatalf("AddDeny: %v", err)
	}
	st2, err := Open(filepath.Join(dir, "whitelist.rules"), filepath.Join(dir, "blacklist.rules"), zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rules := st2.DenyRules()
	if len(rules) != 1 {
		t.Fatalf("delimiter in reason corrupted the line: %+v", rules)
	}
}

func writeRuleFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content+"\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
