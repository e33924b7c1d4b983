package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config agent 运行配置，JSON 文件加载，缺省值兜底。
// 时间类字段统一用秒，避免配置文件里写 duration 字符串
type Config struct {
	Debug   bool   `json:"debug"`
	DataDir string `json:"data_dir"` // 规则、策略、审计库的落盘目录

	AllowRuleFile  string `json:"allow_rule_file"`
	DenyRuleFile   string `json:"deny_rule_file"`
	PolicyListFile string `json:"policy_list_file"`
	AuditDBFile    string `json:"audit_db_file"`

	DefaultDeny        bool `json:"default_deny"`         // 新接口默认不授权
	AutoApproveHID     bool `json:"auto_approve_hid"`     // 质询不可交互时 HID 自动放行
	AuditRetentionDays int  `json:"audit_retention_days"` // 审计记录保留天数
	EventBuffer        int  `json:"event_buffer"`

	Cache     CacheConfig     `json:"cache"`
	Scan      ScanConfig      `json:"scan"`
	Challenge ChallengeConfig `json:"challenge"`
}

type CacheConfig struct {
	KeyboardTTLSec   int `json:"keyboard_ttl_sec"`
	MouseTTLSec      int `json:"mouse_ttl_sec"`
	DefaultTTLSec    int `json:"default_ttl_sec"`
	StorageGraceSec  int `json:"storage_grace_sec"`
	SweepIntervalSec int `json:"sweep_interval_sec"`
}

type ScanConfig struct {
	TimeoutSec        int   `json:"timeout_sec"`
	MaxFiles          int   `json:"max_files"`
	Workers           int   `json:"workers"`
	ContentSizeCapMB  int64 `json:"content_size_cap_mb"`
	MountWaitSec      int   `json:"mount_wait_sec"`
	CriticalThreshold int   `json:"critical_threshold"`
	HighThreshold     int   `json:"high_threshold"`
	MediumThreshold   int   `json:"medium_threshold"`
}

type ChallengeConfig struct {
	Attempts  int `json:"attempts"`
	BackoffMs int `json:"backoff_ms"`
}

func Default() *Config {
	cfg := defaults()
	cfg.applyFilePaths()
	return cfg
}

// defaults 文件路径留空，等 data_dir 定下来再派生
func defaults() *Config {
	return &Config{
		DataDir:            "/var/lib/usbwarden",
		DefaultDeny:        true,
		AuditRetentionDays: 90,
		EventBuffer:        64,
		Cache: CacheConfig{
			KeyboardTTLSec:   300,
			MouseTTLSec:      300,
			DefaultTTLSec:    300,
			StorageGraceSec:  60,
			SweepIntervalSec: 60,
		},
		Scan: ScanConfig{
			TimeoutSec:        180,
			MaxFiles:          20000,
			Workers:           4,
			ContentSizeCapMB:  50,
			MountWaitSec:      10,
			CriticalThreshold: 1,
			HighThreshold:     3,
			MediumThreshold:   5,
		},
		Challenge: ChallengeConfig{
			Attempts:  3,
			BackoffMs: 500,
		},
	}
}

// Load 读 JSON 配置。path 为空直接用缺省配置
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		cfg.applyFilePaths()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyFilePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFilePaths 未显式指定的文件路径都落到 DataDir 下
func (c *Config) applyFilePaths() {
	if c.AllowRuleFile == "" {
		c.AllowRuleFile = filepath.Join(c.DataDir, "whitelist.rules")
	}
	if c.DenyRuleFile == "" {
		c.DenyRuleFile = filepath.Join(c.DataDir, "blacklist.rules")
	}
	if c.PolicyListFile == "" {
		c.PolicyListFile = filepath.Join(c.DataDir, "policy.json")
	}
	if c.AuditDBFile == "" {
		c.AuditDBFile = filepath.Join(c.DataDir, "audit.db")
	}
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.AuditRetentionDays <= 0 {
		return fmt.Errorf("config: audit_retention_days must be > 0")
	}
	if c.Cache.KeyboardTTLSec <= 0 || c.Cache.MouseTTLSec <= 0 || c.Cache.DefaultTTLSec <= 0 {
		return fmt.Errorf("config: cache TTLs must be > 0")
	}
	if c.Cache.StorageGraceSec <= 0 {
		return fmt.Errorf("config: storage_grace_sec must be > 0")
	}
	if c.Scan.TimeoutSec <= 0 || c.Scan.MaxFiles <= 0 || c.Scan.Workers <= 0 {
		return fmt.Errorf("config: scan limits must be > 0")
	}
	if c.Scan.CriticalThreshold <= 0 || c.Scan.HighThreshold <= 0 || c.Scan.MediumThreshold <= 0 {
		return fmt.Errorf("config: scan thresholds must be > 0")
	}
	if c.Challenge.Attempts <= 0 {
		return fmt.Errorf("config: challenge attempts must be > 0")
	}
	return nil
}
