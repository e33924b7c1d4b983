// Package enforce 系统级阻断的双策略抽象：
// 策略表 (默认拒绝 + 身份允许/拒绝列表) 和实例级启停。
// 两个策略组合使用，任一成功即调用成功
package enforce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/hwid"
	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/sysutil"
)

var (
	ErrAllStrategiesFailed = errors.New("enforce: all strategies failed")

	errWriteFailed = errors.New("enforce: write failed")
	errNotPresent  = errors.New("enforce: instance not present")
)

// PolicyStore 策略表的 OS 存储面，系统执行后端之一
type PolicyStore interface {
	SetDefaultDeny(on bool) error
	AllowList() ([]string, error)
	DenyList() ([]string, error)
	SetAllowList(ids []string) error
	SetDenyList(ids []string) error
}

// Instance 一个当前在位的物理设备实例
type Instance struct {
	RawID   string
	Enabled bool
}

// InstanceController 实例级启停，需要提权能力，启动时探测一次
type InstanceController interface {
	Available() bool
	Enumerate() ([]Instance, error)
	Enable(rawID string) error
	Disable(rawID string) error
}

// Rescanner 重枚举触发器：主通路失败后换备用通路再试一次
type Rescanner interface {
	Rescan() error
	RescanFallback() error
}

// Enforcer 聚合两条执行策略，对外只暴露允许/拒绝/实例开关。
// 内部每个策略的成败单独记录，不会静默吞掉
type Enforcer struct {
	policy      *policyList
	instances   InstanceController
	rescan      Rescanner
	useInstance bool // 启动时探测的结果，之后不再变
	log         *zap.Logger
}

func New(store PolicyStore, ic InstanceController, rs Rescanner, log *zap.Logger) (*Enforcer, error) {
	pl, err := newPolicyList(store)
	if err != nil {
		return nil, fmt.Errorf("enforce: load policy lists: %w", err)
	}

	e := &Enforcer{
		policy:    pl,
		instances: ic,
		rescan:    rs,
		log:       log,
	}
	// 能力探测只做一次，不可用就降级为纯策略表模式
	e.useInstance = ic != nil && ic.Available()
	if !e.useInstance {
		log.Warn("instance strategy unavailable, falling back to policy lists only")
	}
	return e, nil
}

// Degraded 实例策略不可用时为真，调用方据此提示操作员
func (e *Enforcer) Degraded() bool { return !e.useInstance }

// SetDefaultDeny 全局默认拒绝开关
func (e *Enforcer) SetDefaultDeny(on bool) error {
	return e.policy.setDefaultDeny(on)
}

// Allow 身份级放行：策略表移出拒绝、加入允许；实例策略启用所有在位同身份实例
func (e *Enforcer) Allow(id model.HardwareID) error {
	policyErr := e.policy.allow(id)
	if policyErr != nil {
		e.log.Error("policy-list allow failed", zap.String("identity", id.String()), zap.Error(policyErr))
	}

	instErr := e.applyToInstances(id, true)
	if instErr != nil {
		e.log.Error("instance allow failed", zap.String("identity", id.String()), zap.Error(instErr))
	}

	if policyErr != nil && instErr != nil {
		return fmt.Errorf("%w: policy=%v instance=%v", ErrAllStrategiesFailed, policyErr, instErr)
	}
	e.log.Info("enforcement allow applied", zap.String("identity", id.String()))
	return nil
}

// Deny 身份级阻断。顺序约束：先移出允许表再加入拒绝表，
// 避免 add-then-remove 在两表共存窗口里被 OS 求值顺序放行。
// 之后触发重枚举让策略当场生效，不用物理重插
func (e *Enforcer) Deny(id model.HardwareID) error {
	policyErr := e.policy.deny(id)
	if policyErr != nil {
		e.log.Error("policy-list deny failed", zap.String("identity", id.String()), zap.Error(policyErr))
	}

	instErr := e.applyToInstances(id, false)
	if instErr != nil {
		e.log.Error("instance deny failed", zap.String("identity", id.String()), zap.Error(instErr))
	}

	if policyErr != nil && instErr != nil {
		return fmt.Errorf("%w: policy=%v instance=%v", ErrAllStrategiesFailed, policyErr, instErr)
	}

	// 重枚举尽力而为：主通路失败换备用通路，再失败也不回滚已生效的 deny
	e.requestReenumeration()

	e.log.Info("enforcement deny applied", zap.String("identity", id.String()))
	return nil
}

func (e *Enforcer) EnableInstance(rawID string) error {
	if !e.useInstance {
		return fmt.Errorf("enforce: instance strategy unavailable")
	}
	return e.instances.Enable(rawID)
}

func (e *Enforcer) DisableInstance(rawID string) error {
	if !e.useInstance {
		return fmt.Errorf("enforce: instance strategy unavailable")
	}
	return e.instances.Disable(rawID)
}

// IsBlocked 实例在位时看实例状态，否则按策略表语义推断
func (e *Enforcer) IsBlocked(rawID string) (bool, error) {
	if e.useInstance {
		insts, err := e.instances.Enumerate()
		if err == nil {
			for _, inst := range insts {
				if inst.RawID == rawID {
					return !inst.Enabled, nil
				}
			}
		}
	}

	id, err := hwid.Parse(rawID)
	if err != nil {
		return false, err
	}
	return e.policy.isBlocked(id)
}

// applyToInstances 对所有在位的同身份实例执行启停
func (e *Enforcer) applyToInstances(id model.HardwareID, enable bool) error {
	if !e.useInstance {
		return fmt.Errorf("enforce: instance strategy unavailable")
	}
	insts, err := e.instances.Enumerate()
	if err != nil {
		return err
	}

	var firstErr error
	touched := 0
	for _, inst := range insts {
		instID, err := hwid.Parse(inst.RawID)
		if err != nil {
			continue
		}
		if !hwid.Matches(id, instID) {
			continue
		}
		touched++
		if enable {
			err = e.instances.Enable(inst.RawID)
		} else {
			err = e.instances.Disable(inst.RawID)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if touched == 0 {
		return nil // 身份不在位也算成功，策略表已覆盖后续插入
	}
	return firstErr
}

func (e *Enforcer) requestReenumeration() {
	if e.rescan == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sysutil.Retry(ctx, 2, 200*time.Millisecond, e.rescan.Rescan); err != nil {
		e.log.Warn("primary re-enumeration failed, trying fallback", zap.Error(err))
		if err := e.rescan.RescanFallback(); err != nil {
			e.log.Warn("fallback re-enumeration failed", zap.Error(err))
		}
	}
}
