package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/audit"
	"github.com/Hara602/usbWarden/internal/hwid"
	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/sysutil"
)

// HandleInsertion 单个插入事件的完整授权流水线。
// 任何内部故障都收敛到终态，绝不把设备留在 Authenticating
func (e *Engine) HandleInsertion(ctx context.Context, ev model.RawDeviceEvent) {
	if !hwid.IsRemovableBus(ev.RawID) {
		e.log.Debug("ignoring non-removable bus id", zap.String("raw_id", ev.RawID))
		return
	}
	id, err := hwid.Parse(ev.RawID)
	if err != nil {
		e.log.Warn("unparseable device id", zap.String("raw_id", ev.RawID), zap.Error(err))
		return
	}

	// 同一实例的重复播报 (deny 后的重枚举会再发 add)。
	// 只有豁免期已过的 Trusted 存储设备要重跑扫描，其余一律压制
	if v, ok := e.devices.Load(ev.RawID); ok {
		cur := v.(*deviceSlot).load()
		rescanDue := cur.Class == model.ClassStorage &&
			cur.Status == model.StatusTrusted &&
			!e.grace.IsValid(cur.Identity)
		if !rescanDue {
			e.log.Debug("duplicate insertion announcement suppressed",
				zap.String("raw_id", ev.RawID),
				zap.String("status", cur.Status.String()))
			return
		}
	}

	dev := buildDevice(ev, id)
	slot := &deviceSlot{dev: dev}
	e.devices.Store(ev.RawID, slot)

	e.log.Info("✅ USB device observed",
		zap.String("raw_id", dev.RawID),
		zap.String("identity", dev.Identity.String()),
		zap.String("class", string(dev.Class)),
		zap.Bool("composite", dev.Composite))
	e.emit(model.Event{Kind: model.EventDeviceObserved, Time: time.Now(), Device: dev})

	e.runPipeline(ctx, slot)
}

func (e *Engine) runPipeline(ctx context.Context, slot *deviceSlot) {
	defer func() {
		if r := recover(); r != nil {
			// fail-closed：意外故障也要到终态
			e.log.Error("pipeline fault, failing closed", zap.Any("panic", r))
			e.decideBlock(slot, model.MethodFailClosed, fmt.Sprintf("unexpected fault: %v", r))
		}
	}()

	// Discovered → PendingEnforcement
	dev := slot.load()
	dev.Status = model.StatusPendingEnforcement
	switch dev.Class {
	case model.ClassStorage, model.ClassHID, model.ClassOther:
		// Storage 在扫描完成前必须不可达；HID/Other 按默认策略先禁。
		// Keyboard/Mouse 保持可用，用户才能应答交互质询
		e.applyDeny(&dev)
	}
	slot.store(dev)

	// deny 规则永远优先
	if ok, r := e.rules.IsDenied(dev); ok {
		e.decideBlock(slot, model.MethodDenyRule,
			fmt.Sprintf("deny rule %s: %s", r.ID, r.Reason))
		return
	}

	if dev.Class != model.ClassStorage {
		// allow 规则短路认证。存储设备例外：曾经可信也要重扫
		if ok, r := e.rules.IsAllowed(dev); ok {
			e.decideTrust(slot, model.MethodAllowRule,
				fmt.Sprintf("allow rule %s: %s", r.ID, r.Reason))
			return
		}
		// 认证缓存只对 Keyboard/Mouse 生效
		if (dev.Class == model.ClassKeyboard || dev.Class == model.ClassMouse) &&
			e.cache.IsValid(dev.Identity) {
			e.decideTrust(slot, model.MethodCache, "valid cached authentication")
			return
		}
	}

	dev = slot.load()
	dev.Status = model.StatusAuthenticating
	slot.store(dev)

	if dev.Class == model.ClassStorage {
		e.scanAndDecide(ctx, slot)
	} else {
		e.challengeAndDecide(ctx, slot)
	}
}

// challengeAndDecide 质询展示失败有界重试，重试耗尽默认拒绝。
// UI 故障绝不能变相授信
func (e *Engine) challengeAndDecide(ctx context.Context, slot *deviceSlot) {
	dev := slot.load()

	var verdict model.Verdict
	err := sysutil.Retry(ctx, e.cfg.ChallengeAttempts, e.cfg.ChallengeBackoff, func() error {
		v, err := e.challenge.Challenge(ctx, dev)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	if err != nil {
		e.decideBlock(slot, model.MethodChallenge, "challenge unavailable: "+err.Error())
		return
	}

	if verdict != model.VerdictAllow {
		e.decideBlock(slot, model.MethodChallenge, "challenge rejected")
		return
	}

	if e.decideTrust(slot, model.MethodChallenge, "challenge accepted") {
		if dev.Class == model.ClassKeyboard || dev.Class == model.ClassMouse {
			e.cache.Put(dev.Identity, dev.Class)
		}
	}
}

// scanAndDecide 存储设备的扫描裁决。挂载等不到、扫描不完整都按失败扫描
// 处理 (阻断而不是隔离)；完整但未达阈值的高危命中进隔离待复查
func (e *Engine) scanAndDecide(ctx context.Context, slot *deviceSlot) {
	dev := slot.load()

	mount, err := e.volumes.FindMountedVolume(ctx, dev)
	if err != nil || mount == "" {
		reason := "scan incomplete: volume never mounted"
		if err != nil {
			reason = "scan incomplete: " + err.Error()
		}
		e.decideBlock(slot, model.MethodScan, reason)
		return
	}

	result := e.scan.Scan(ctx, mount)

	for i := range result.Threats {
		t := result.Threats[i]
		e.log.Warn("🚨 threat found",
			zap.String("raw_id", dev.RawID),
			zap.String("path", t.Path),
			zap.String("tier", t.Tier.String()),
			zap.String("reason", t.Reason))
		e.emit(model.Event{
			Kind: model.EventThreatFound, Time: time.Now(), Device: dev, Threat: &t,
		})
		e.record(func(ctx context.Context) error {
			return e.sink.RecordThreat(ctx, audit.ThreatEvent{
				Identity: dev.Identity.String(),
				ScanID:   result.ScanID,
				Path:     t.Path,
				Tier:     t.Tier.String(),
				Reason:   t.Reason,
				Size:     t.Size,
				FoundAt:  time.Now(),
			})
		})
	}

	switch {
	case !result.Completed:
		e.decideBlock(slot, model.MethodScan, "scan incomplete: "+result.Err)
	case e.cfg.Thresholds.Detected(result):
		counts := result.TierCounts()
		e.decideBlock(slot, model.MethodScan, fmt.Sprintf(
			"threats detected: %d critical, %d high, %d medium",
			counts[model.TierCritical], counts[model.TierHigh], counts[model.TierMedium]))
	case hasTier(result, model.TierHigh):
		// 扫完了但给不出高置信度结论：隔离，操作员可复查而不用重插
		e.decideQuarantine(slot, fmt.Sprintf(
			"high-tier findings below blocking threshold (%d)", result.TierCounts()[model.TierHigh]))
	default:
		if e.decideTrust(slot, model.MethodScan,
			fmt.Sprintf("scan clean: %d files in %s", result.FilesScanned, result.Elapsed.Round(time.Millisecond))) {
			// 扫净豁免只压制同一实例的重复播报，下次真正插入必然重扫
			e.grace.Put(dev.Identity, model.ClassStorage)
		}
	}
}

func hasTier(r *model.ScanResult, tier model.ThreatTier) bool {
	for _, t := range r.Threats {
		if t.Tier == tier {
			return true
		}
	}
	return false
}

// decideTrust 放行并迁移到 Trusted。执行放行失败则 fail-closed 转阻断。
// 返回是否真的授信了
func (e *Engine) decideTrust(slot *deviceSlot, method model.AuthMethod, reason string) bool {
	dev := slot.load()
	if err := e.applyAllow(&dev); err != nil {
		slot.store(dev)
		e.decideBlock(slot, model.MethodFailClosed, "enforcement allow failed: "+err.Error())
		return false
	}
	dev.Status = model.StatusTrusted
	dev.AuthenticatedAt = time.Now()
	slot.store(dev)
	e.finish(dev, model.VerdictAllow, method, reason)
	return true
}

func (e *Engine) decideBlock(slot *deviceSlot, method model.AuthMethod, reason string) {
	dev := slot.load()
	e.applyDeny(&dev)
	dev.Status = model.StatusBlocked
	slot.store(dev)
	e.finish(dev, model.VerdictDeny, method, reason)
}

func (e *Engine) decideQuarantine(slot *deviceSlot, reason string) {
	dev := slot.load()
	e.applyDeny(&dev)
	dev.Status = model.StatusQuarantined
	dev.QuarantinedAt = time.Now()
	slot.store(dev)
	e.finish(dev, model.VerdictDeny, model.MethodScan, reason)
}

// applyAllow 身份级放行。成功才清系统级阻断标记；
// 应用级标记先清，Trusted 状态落下去之前两层都必须是放行
func (e *Engine) applyAllow(dev *model.Device) error {
	if err := e.enforcer.Allow(dev.Identity); err != nil {
		return err
	}
	dev.SystemLevelBlocked = false
	dev.ApplicationLevelBlocked = false
	return nil
}

// applyDeny 阻断设备本体；复合设备连同父节点和全部兄弟接口一起封，
// 封一个接口留一个兄弟活着等于没封
func (e *Engine) applyDeny(dev *model.Device) {
	var firstErr error
	for _, id := range e.relatedIdentities(dev) {
		if err := e.enforcer.Deny(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	dev.ApplicationLevelBlocked = true
	if firstErr == nil {
		dev.SystemLevelBlocked = true
	} else {
		e.log.Error("system-level deny incomplete",
			zap.String("raw_id", dev.RawID), zap.Error(firstErr))
	}
}

// relatedIdentities 设备本体 + 复合设备的父节点和兄弟接口，去重
func (e *Engine) relatedIdentities(dev *model.Device) []model.HardwareID {
	ids := []model.HardwareID{dev.Identity}
	seen := map[string]bool{dev.Identity.String(): true}

	add := func(rawID string) {
		if rawID == "" {
			return
		}
		id, err := hwid.Parse(rawID)
		if err != nil {
			return
		}
		if !seen[id.String()] {
			seen[id.String()] = true
			ids = append(ids, id)
		}
	}
	if dev.Composite {
		add(dev.ParentID)
		for _, sib := range dev.Siblings {
			add(sib)
		}
	}
	return ids
}

// finish 终态落地：日志带触发证据，事件对外投递，历史落盘
func (e *Engine) finish(dev model.Device, verdict model.Verdict, method model.AuthMethod, reason string) {
	e.log.Info("authorization decided",
		zap.String("raw_id", dev.RawID),
		zap.String("identity", dev.Identity.String()),
		zap.String("class", string(dev.Class)),
		zap.String("status", dev.Status.String()),
		zap.String("verdict", verdict.String()),
		zap.String("method", string(method)),
		zap.String("reason", reason))

	e.emit(model.Event{
		Kind:    model.EventAuthorizationDecided,
		Time:    time.Now(),
		Device:  dev,
		Verdict: verdict,
		Method:  method,
		Reason:  reason,
	})

	e.record(func(ctx context.Context) error {
		return e.sink.RecordDecision(ctx, audit.DecisionRecord{
			RawID:     dev.RawID,
			Identity:  dev.Identity.String(),
			Serial:    dev.Serial,
			Class:     string(dev.Class),
			Status:    dev.Status.String(),
			Verdict:   verdict.String(),
			Method:    string(method),
			Reason:    reason,
			DecidedAt: time.Now(),
		})
	})
}

// record 历史写失败只记日志，不影响决策结果 (决不反向阻塞流水线)
func (e *Engine) record(fn func(ctx context.Context) error) {
	if e.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		e.log.Warn("audit write failed", zap.Error(err))
	}
}
