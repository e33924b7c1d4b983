// Package engine 设备授权引擎：每个被观察到的设备走
// Discovered → PendingEnforcement → Authenticating → {Trusted, Blocked, Quarantined}
// 的状态机，策略查询 → (扫描|质询) → 执行动作，全程 fail-closed
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/audit"
	"github.com/Hara602/usbWarden/internal/authcache"
	"github.com/Hara602/usbWarden/internal/hwid"
	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/rulestore"
	"github.com/Hara602/usbWarden/internal/scanner"
)

// ChallengeService 交互质询协作方。超时由实现方保证，
// 引擎只等一个结论或错误
type ChallengeService interface {
	Challenge(ctx context.Context, dev model.Device) (model.Verdict, error)
}

// VolumeResolver 扫描前定位存储设备的挂载点，有界等待由实现方负责
type VolumeResolver interface {
	FindMountedVolume(ctx context.Context, dev model.Device) (string, error)
}

// VolumeScanner 扫描器的引擎侧视图
type VolumeScanner interface {
	Scan(ctx context.Context, volumeRoot string) *model.ScanResult
}

// RuleMatcher 规则库的引擎侧视图
type RuleMatcher interface {
	IsAllowed(dev model.Device) (bool, rulestore.Rule)
	IsDenied(dev model.Device) (bool, rulestore.Rule)
}

// Enforcer 系统级执行面的引擎侧视图
type Enforcer interface {
	Allow(id model.HardwareID) error
	Deny(id model.HardwareID) error
	Degraded() bool
}

// Config 引擎策略旋钮
type Config struct {
	ChallengeAttempts int           // 质询展示重试上限
	ChallengeBackoff  time.Duration // 重试间隔
	EventBuffer       int           // 对外事件 channel 容量
	Thresholds        scanner.Thresholds
}

func DefaultConfig() Config {
	return Config{
		ChallengeAttempts: 3,
		ChallengeBackoff:  500 * time.Millisecond,
		EventBuffer:       64,
		Thresholds:        scanner.DefaultThresholds(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ChallengeAttempts <= 0 {
		c.ChallengeAttempts = def.ChallengeAttempts
	}
	if c.ChallengeBackoff <= 0 {
		c.ChallengeBackoff = def.ChallengeBackoff
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.Thresholds == (scanner.Thresholds{}) {
		c.Thresholds = def.Thresholds
	}
}

// deviceSlot 活动设备表的一个槽位。流水线是唯一写方，
// mu 只挡并发的状态查询
type deviceSlot struct {
	mu  sync.Mutex
	dev model.Device
}

func (s *deviceSlot) load() model.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev
}

func (s *deviceSlot) store(dev model.Device) {
	s.mu.Lock()
	s.dev = dev
	s.mu.Unlock()
}

// Engine 授权引擎本体。所有依赖显式注入，不碰全局状态
type Engine struct {
	cfg       Config
	rules     RuleMatcher
	cache     *authcache.Cache // Keyboard/Mouse 认证结果
	grace     *authcache.Cache // Storage 扫净豁免，只用于压制同一实例的重复插入播报
	scan      VolumeScanner
	volumes   VolumeResolver
	challenge ChallengeService
	enforcer  Enforcer
	sink      audit.Sink

	devices sync.Map // rawID → *deviceSlot
	events  chan model.Event
	dropped int64 // 事件缓冲塞满时丢弃的条数
	dropMu  sync.Mutex

	wg  sync.WaitGroup
	log *zap.Logger
}

func New(
	cfg Config,
	rules RuleMatcher,
	cache, grace *authcache.Cache,
	scan VolumeScanner,
	volumes VolumeResolver,
	challenge ChallengeService,
	enforcer Enforcer,
	sink audit.Sink,
	log *zap.Logger,
) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		rules:     rules,
		cache:     cache,
		grace:     grace,
		scan:      scan,
		volumes:   volumes,
		challenge: challenge,
		enforcer:  enforcer,
		sink:      sink,
		events:    make(chan model.Event, cfg.EventBuffer),
		log:       log,
	}
}

// Events 对外生命周期事件，有界 channel。
// 消费方跟不上时事件被丢弃而不是阻塞流水线
func (e *Engine) Events() <-chan model.Event { return e.events }

// Run 消费事件源直到 ctx 结束。每个插入事件独立协程处理，
// 一个慢扫描不会拖住另一个设备的检测
func (e *Engine) Run(ctx context.Context, source <-chan model.RawDeviceEvent) {
	if e.enforcer.Degraded() {
		e.emit(model.Event{
			Kind:   model.EventDegradedMode,
			Time:   time.Now(),
			Reason: "instance strategy unavailable, policy lists only",
		})
	}

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case ev, ok := <-source:
			if !ok {
				e.wg.Wait()
				return
			}
			switch ev.Action {
			case "add":
				e.wg.Add(1)
				go func(ev model.RawDeviceEvent) {
					defer e.wg.Done()
					e.HandleInsertion(ctx, ev)
				}(ev)
			case "remove":
				e.HandleRemoval(ev.RawID)
			}
		}
	}
}

// HandleRemoval 拔出即弃：丢掉内存记录就够了，
// 已写进 OS 的执行状态独立存续
func (e *Engine) HandleRemoval(rawID string) {
	slot, ok := e.devices.LoadAndDelete(rawID)
	if !ok {
		return
	}
	dev := slot.(*deviceSlot).load()
	// 豁免一并失效，下次插入必然重新走完整流水线
	e.grace.Remove(dev.Identity)
	e.log.Info("device removed",
		zap.String("raw_id", rawID),
		zap.String("status", dev.Status.String()))
}

// Snapshot 活动设备表快照，给托盘/状态查询用
func (e *Engine) Snapshot() []model.Device {
	var out []model.Device
	e.devices.Range(func(_, v any) bool {
		out = append(out, v.(*deviceSlot).load())
		return true
	})
	return out
}

// Get 单设备状态
func (e *Engine) Get(rawID string) (model.Device, bool) {
	v, ok := e.devices.Load(rawID)
	if !ok {
		return model.Device{}, false
	}
	return v.(*deviceSlot).load(), true
}

// Dropped 因缓冲满而丢弃的事件数
func (e *Engine) Dropped() int64 {
	e.dropMu.Lock()
	defer e.dropMu.Unlock()
	return e.dropped
}

func (e *Engine) emit(ev model.Event) {
	select {
	case e.events <- ev:
	default:
		e.dropMu.Lock()
		e.dropped++
		e.dropMu.Unlock()
		e.log.Warn("event buffer full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

// buildDevice 原始事件折算成领域对象
func buildDevice(ev model.RawDeviceEvent, id model.HardwareID) model.Device {
	ts := ev.TimeStamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return model.Device{
		RawID:       ev.RawID,
		Name:        ev.Name,
		Identity:    id,
		Serial:      firstNonEmpty(ev.Serial, hwid.InstanceSuffix(ev.RawID)),
		Class:       model.ParseDeviceClass(ev.ClassHint),
		Composite:   ev.ParentID != "" || len(ev.Siblings) > 0,
		ParentID:    ev.ParentID,
		Siblings:    append([]string(nil), ev.Siblings...),
		Status:      model.StatusDiscovered,
		ConnectedAt: ts,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
