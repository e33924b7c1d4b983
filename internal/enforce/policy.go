package enforce

import (
	"sync"

	"github.com/Hara602/usbWarden/internal/model"
)

// policyList 策略表策略：内存里维护两张身份表，每次变更整体写回存储。
// 表里存身份的规范串形式
type policyList struct {
	mu    sync.Mutex
	store    PolicyStore
	allowIDs []string
	denyIDs  []string
}

func newPolicyList(store PolicyStore) (*policyList, error) {
	allow, err := store.AllowList()
	if err != nil {
		return nil, err
	}
	deny, err := store.DenyList()
	if err != nil {
		return nil, err
	}
	return &policyList{store: store, allowIDs: allow, denyIDs: deny}, nil
}

func (p *policyList) setDefaultDeny(on bool) error {
	return p.store.SetDefaultDeny(on)
}

// allow 移出拒绝表、加入允许表，两步都落盘成功才更新内存
func (p *policyList) allow(id model.HardwareID) error {
	key := id.String()
	p.mu.Lock()
	defer p.mu.Unlock()

	nextDeny := removeAll(p.denyIDs, key)
	if err := p.store.SetDenyList(nextDeny); err != nil {
		return err
	}
	p.denyIDs = nextDeny

	nextAllow := appendUnique(p.allowIDs, key)
	if err := p.store.SetAllowList(nextAllow); err != nil {
		return err
	}
	p.allowIDs = nextAllow
	return nil
}

// deny 顺序不能反：先从允许表移除，再加进拒绝表。
// 先加后删会出现身份同时在两表的窗口，结果取决于 OS 的求值顺序
func (p *policyList) deny(id model.HardwareID) error {
	key := id.String()
	p.mu.Lock()
	defer p.mu.Unlock()

	nextAllow := removeAll(p.allowIDs, key)
	if err := p.store.SetAllowList(nextAllow); err != nil {
		return err
	}
	p.allowIDs = nextAllow

	nextDeny := appendUnique(p.denyIDs, key)
	if err := p.store.SetDenyList(nextDeny); err != nil {
		return err
	}
	p.denyIDs = nextDeny
	return nil
}

// isBlocked 拒绝表命中 → 阻断；允许表命中 → 放行；都没有 → 默认拒绝
func (p *policyList) isBlocked(id model.HardwareID) (bool, error) {
	key := id.String()
	p.mu.Lock()
	defer p.mu.Unlock()

	if contains(p.denyIDs, key) {
		return true, nil
	}
	if contains(p.allowIDs, key) {
		return false, nil
	}
	return true, nil
}

func appendUnique(list []string, key string) []string {
	for _, v := range list {
		if v == key {
			return list
		}
	}
	out := make([]string, len(list)+1)
	copy(out, list)
	out[len(list)] = key
	return out
}

func removeAll(list []string, key string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != key {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, key string) bool {
	for _, v := range list {
		if v == key {
			return true
		}
	}
	return false
}
