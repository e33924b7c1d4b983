package rulestore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

// Store 白名单/黑名单两个独立文件，各自一把写锁。
// 读方拿快照，不被进行中的写阻塞
type Store struct {
	allow *listFile
	deny  *listFile
	log   *zap.Logger
}

func Open(whitelistPath, blacklistPath string, log *zap.Logger) (*Store, error) {
	allow, err := openList(whitelistPath, log)
	if err != nil {
		return nil, fmt.Errorf("rulestore: load whitelist: %w", err)
	}
	deny, err := openList(blacklistPath, log)
	if err != nil {
		return nil, fmt.Errorf("rulestore: load blacklist: %w", err)
	}
	return &Store{allow: allow, deny: deny, log: log}, nil
}

// IsAllowed 命中任一启用的放行规则即为真
func (s *Store) IsAllowed(dev model.Device) (bool, Rule) {
	return s.allow.match(dev)
}

// IsDenied 命中任一启用的阻断规则即为真。
// 先查 deny 后查 allow 的优先级由授权引擎定，这里两个列表互不知晓
func (s *Store) IsDenied(dev model.Device) (bool, Rule) {
	return s.deny.match(dev)
}

func (s *Store) AddAllow(dev model.Device, reason, createdBy string) (Rule, error) {
	return s.allow.add(dev, reason, createdBy)
}

func (s *Store) AddDeny(dev model.Device, reason, createdBy string) (Rule, error) {
	return s.deny.add(dev, reason, createdBy)
}

func (s *Store) AllowRules() []Rule { return s.allow.snapshot() }
func (s *Store) DenyRules() []Rule  { return s.deny.snapshot() }

// listFile 单个规则文件。rules 指针原子替换，追加时整体换新切片
type listFile struct {
	path  string
	mu    sync.Mutex // 串行化写文件
	rules atomic.Pointer[[]Rule]
	log   *zap.Logger
}

func openList(path string, log *zap.Logger) (*listFile, error) {
	lf := &listFile{path: path, log: log}

	rules, err := loadRules(path, log)
	if err != nil {
		return nil, err
	}
	lf.rules.Store(&rules)
	return lf, nil
}

// loadRules 坏行跳过不致命，剩余规则照常加载
func loadRules(path string, log *zap.Logger) ([]Rule, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil // 首次启动，文件还没建
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rules []Rule
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r, err := parseLine(line)
		if err != nil {
			log.Warn("skipping corrupt rule line",
				zap.String("file", filepath.Base(path)),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		rules = append(rules, r)
	}
	return rules, scanner.Err()
}

func (lf *listFile) snapshot() []Rule {
	if p := lf.rules.Load(); p != nil {
		return *p
	}
	return nil
}

func (lf *listFile) match(dev model.Device) (bool, Rule) {
	for _, r := range lf.snapshot() {
		if r.Matches(dev) {
			return true, r
		}
	}
	return false, Rule{}
}

// add 追加规则：先落盘再换内存快照，写失败不污染内存状态
func (lf *listFile) add(dev model.Device, reason, createdBy string) (Rule, error) {
	r := Rule{
		ID:        uuid.NewString(),
		Name:      dev.Name,
		Identity:  model.HardwareID{VendorID: dev.Identity.VendorID, ProductID: dev.Identity.ProductID},
		Serial:    dev.Serial,
		Class:     dev.Class,
		Reason:    reason,
		Enabled:   true,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}

	lf.mu.Lock()
	defer lf.mu.Unlock()

	if err := appendLine(lf.path, formatLine(r)); err != nil {
		return Rule{}, fmt.Errorf("rulestore: persist rule: %w", err)
	}

	old := lf.snapshot()
	next := make([]Rule, len(old)+1)
	copy(next, old)
	next[len(old)] = r
	lf.rules.Store(&next)

	lf.log.Info("rule added",
		zap.String("file", filepath.Base(lf.path)),
		zap.String("id", r.ID),
		zap.String("identity", r.Identity.String()),
		zap.String("reason", reason))
	return r, nil
}

func appendLine(path, line string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}
