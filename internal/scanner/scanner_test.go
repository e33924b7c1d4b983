package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

func newTestScanner(cfg Config) *Scanner {
	return New(cfg, zap.NewNop())
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func findThreat(r *model.ScanResult, name string) *model.ThreatRecord {
	for i := range r.Threats {
		if filepath.Base(r.Threats[i].Path) == name {
			return &r.Threats[i]
		}
	}
	return nil
}

func TestScan_CleanVolume(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes.txt", []byte("hello"))
	writeFile(t, dir, "photo.jpg", []byte{0xFF, 0xD8, 0xFF})
	writeFile(t, dir, "sub/report.pdf", []byte("%PDF-1.4"))

	r := newTestScanner(Config{}).Scan(context.Background(), dir)
	if !r.Completed {
		t.Fatalf("expected completed scan: %+v", r)
	}
	if len(r.Threats) != 0 {
		t.Fatalf("clean volume produced threats: %+v", r.Threats)
	}
	if r.FilesScanned != 3 {
		t.Errorf("FilesScanned = %d, want 3", r.FilesScanned)
	}
}

func TestScan_DoubleExtensionIsCritical(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "vacation.jpg.exe", []byte("MZ"))

	r := newTestScanner(Config{}).Scan(context.Background(), dir)
	rec := findThreat(r, "vacation.jpg.exe")
	if rec == nil {
		t.Fatal("double extension file not flagged")
	}
	if rec.Tier != model.TierCritical {
		t.Errorf("tier = %v, want CRITICAL", rec.Tier)
	}
	// 最先命中的层给出原因
	if rec.Reason != "double extension masquerade" {
		t.Errorf("reason = %q", rec.Reason)
	}
}

func TestScan_ExactNameBlocklist(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "autorun.inf", []byte("[autorun]\nopen=evil.exe"))

	r := newTestScanner(Config{}).Scan(context.Background(), dir)
	rec := findThreat(r, "autorun.inf")
	if rec == nil {
		t.Fatal("autorun.inf not flagged")
	}
	// 第一层 HIGH，第三层 shortcut MEDIUM：最高级胜出，原因来自第一层
	if rec.Tier != model.TierHigh {
		t.Errorf("tier = %v, want HIGH", rec.Tier)
	}
	if rec.Reason != `blocklisted filename "autorun.inf"` {
		t.Errorf("reason = %q", rec.Reason)
	}
}

func TestScan_MalwareTerminology(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keylogger_setup.zip", []byte("PK\x03\x04"))

	r := newTestScanner(Config{}).Scan(context.Background(), dir)
	rec := findThreat(r, "keylogger_setup.zip")
	if rec == nil {
		t.Fatal("malware terminology not flagged")
	}
	if rec.Tier != model.TierHigh {
		t.Errorf("tier = %v, want HIGH", rec.Tier)
	}
}

func TestScan_ExtensionBaseline(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "installer.exe", append([]byte("MZ"), make([]byte, 64)...))
	writeFile(t, dir, "backup.zip", []byte("PK\x03\x04"))

	r := newTestScanner(Config{}).Scan(context.Background(), dir)

	exe := findThreat(r, "installer.exe")
	if exe == nil || exe.Tier != model.TierMedium {
		t.Errorf("plain exe should sit at baseline MEDIUM: %+v", exe)
	}
	zip := findThreat(r, "backup.zip")
	if zip == nil || zip.Tier != model.TierLow {
		t.Errorf("archive baseline should be LOW: %+v", zip)
	}
}

func TestScan_ElfBehindScriptExtension(t *testing.T) {
	dir := t.TempDir()
	elf := append([]byte{0x7F, 'E', 'L', 'F', 2, 1, 1, 0}, make([]byte, 64)...)
	writeFile(t, dir, "update.bat", elf)

	r := newTestScanner(Config{}).Scan(context.Background(), dir)
	rec := findThreat(r, "update.bat")
	if rec == nil {
		t.Fatal("ELF behind .bat not flagged")
	}
	if rec.Tier != model.TierCritical {
		t.Errorf("tier = %v, want CRITICAL (header escalation)", rec.Tier)
	}
}

func TestScan_ShebangBehindShortcut(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "readme.lnk", []byte("#!/bin/sh\nrm -rf /\n"))

	r := newTestScanner(Config{}).Scan(context.Background(), dir)
	rec := findThreat(r, "readme.lnk")
	if rec == nil {
		t.Fatal("shebang behind .lnk not flagged")
	}
	if rec.Tier != model.TierHigh {
		t.Errorf("tier = %v, want HIGH", rec.Tier)
	}
}

func TestScan_OversizeFileSkipsContentLayer(t *testing.T) {
	dir := t.TempDir()
	elf := append([]byte{0x7F, 'E', 'L', 'F', 2, 1, 1, 0}, make([]byte, 64)...)
	writeFile(t, dir, "huge.bat", elf)

	cfg := Config{ContentSizeCap: 8} // 文件超限，只剩元数据层
	r := newTestScanner(cfg).Scan(context.Background(), dir)
	rec := findThreat(r, "huge.bat")
	if rec == nil {
		t.Fatal("oversize script file should still carry baseline tier")
	}
	if rec.Tier != model.TierMedium {
		t.Errorf("tier = %v, want baseline MEDIUM (no header escalation)", rec.Tier)
	}
}

func TestScan_SkipsMetadataDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "System Volume Information/evil.jpg.exe", []byte("MZ"))
	writeFile(t, dir, "ok.txt", []byte("fine"))

	r := newTestScanner(Config{}).Scan(context.Background(), dir)
	if len(r.Threats) != 0 {
		t.Errorf("metadata dir should be skipped: %+v", r.Threats)
	}
	if r.FilesScanned != 1 {
		t.Errorf("FilesScanned = %d, want 1", r.FilesScanned)
	}
}

func TestScan_FileCeilingTruncates(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"} {
		writeFile(t, dir, n, []byte("x"))
	}

	r := newTestScanner(Config{MaxFiles: 2}).Scan(context.Background(), dir)
	if r.Completed {
		t.Fatal("truncated scan must not report completed")
	}
	if r.FilesScanned > 2 {
		t.Errorf("scanned %d files past the ceiling", r.FilesScanned)
	}
	if r.Err == "" {
		t.Error("truncated scan should carry an explanation")
	}
}

func TestScan_CancelledContextPartialResult(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestScanner(Config{}).Scan(ctx, dir)
	if r.Completed {
		t.Fatal("cancelled scan must not report completed")
	}
}

func TestScan_UnreadableRootFails(t *testing.T) {
	r := newTestScanner(Config{}).Scan(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if r.Completed {
		t.Fatal("missing root must not report completed")
	}
	if r.Err == "" {
		t.Error("missing root should set error text")
	}
}

func TestThresholds_Detected(t *testing.T) {
	mk := func(tiers ...model.ThreatTier) *model.ScanResult {
		r := &model.ScanResult{Completed: true}
		for _, tier := range tiers {
			r.Threats = append(r.Threats, model.ThreatRecord{Tier: tier})
		}
		return r
	}
	th := DefaultThresholds()

	cases := []struct {
		name string
		r    *model.ScanResult
		want bool
	}{
		{"empty", mk(), false},
		{"one critical", mk(model.TierCritical), true},
		{"two high", mk(model.TierHigh, model.TierHigh), false},
		{"three high", mk(model.TierHigh, model.TierHigh, model.TierHigh), true},
		{"four medium", mk(model.TierMedium, model.TierMedium, model.TierMedium, model.TierMedium), false},
		{"five medium", mk(model.TierMedium, model.TierMedium, model.TierMedium, model.TierMedium, model.TierMedium), true},
		{"lows ignored", mk(model.TierLow, model.TierLow, model.TierLow, model.TierLow, model.TierLow, model.TierLow), false},
	}
	for _, c := range cases {
		if got := th.Detected(c.r); got != c.want {
			t.Errorf("%s: Detected = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestThresholds_Configurable(t *testing.T) {
	th := Thresholds{Critical: 1, High: 1, Medium: 0}
	r := &model.ScanResult{Threats: []model.ThreatRecord{{Tier: model.TierHigh}}}
	if !th.Detected(r) {
		t.Error("tightened high threshold should trigger on one HIGH")
	}
	r2 := &model.ScanResult{Threats: []model.ThreatRecord{{Tier: model.TierMedium}}}
	if th.Detected(r2) {
		t.Error("disabled medium threshold must not trigger")
	}
}

func TestScan_ElapsedAndBytes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", make([]byte, 100))
	writeFile(t, dir, "b.txt", make([]byte, 200))

	r := newTestScanner(Config{}).Scan(context.Background(), dir)
	if r.BytesScanned != 300 {
		t.Errorf("BytesScanned = %d, want 300", r.BytesScanned)
	}
	if r.Elapsed < 0 || r.Elapsed > time.Minute {
		t.Errorf("implausible elapsed %v", r.Elapsed)
	}
}
