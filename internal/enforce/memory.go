package enforce

import (
	"sync"
)

// 内存实现：单测和不落真实 OS 的环境用

type MemoryPolicyStore struct {
	mu          sync.Mutex
	defaultDeny bool
	allow       []string
	deny        []string

	FailWrites bool // 模拟策略写失败
}

func NewMemoryPolicyStore() *MemoryPolicyStore { return &MemoryPolicyStore{} }

func (m *MemoryPolicyStore) SetDefaultDeny(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultDeny = on
	return nil
}

func (m *MemoryPolicyStore) DefaultDeny() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultDeny
}

func (m *MemoryPolicyStore) AllowList() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.allow...), nil
}

func (m *MemoryPolicyStore) DenyList() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deny...), nil
}

func (m *MemoryPolicyStore) SetAllowList(ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return errWriteFailed
	}
	m.allow = append([]string(nil), ids...)
	return nil
}

func (m *MemoryPolicyStore) SetDenyList(ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return errWriteFailed
	}
	m.deny = append([]string(nil), ids...)
	return nil
}

type MemoryInstanceController struct {
	mu        sync.Mutex
	instances map[string]bool // raw id → enabled
	available bool

	FailOps bool // 模拟实例操作失败
}

func NewMemoryInstanceController(available bool) *MemoryInstanceController {
	return &MemoryInstanceController{instances: make(map[string]bool), available: available}
}

// Attach 预置一个在位实例
func (m *MemoryInstanceController) Attach(rawID string) {
	m.mu.Lock()
	m.instances[rawID] = true
	m.mu.Unlock()
}

func (m *MemoryInstanceController) Detach(rawID string) {
	m.mu.Lock()
	delete(m.instances, rawID)
	m.mu.Unlock()
}

func (m *MemoryInstanceController) Enabled(rawID string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	en, ok := m.instances[rawID]
	return en, ok
}

func (m *MemoryInstanceController) Available() bool { return m.available }

func (m *MemoryInstanceController) Enumerate() ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Instance, 0, len(m.instances))
	for raw, en := range m.instances {
		out = append(out, Instance{RawID: raw, Enabled: en})
	}
	return out, nil
}

func (m *MemoryInstanceController) Enable(rawID string) error  { return m.set(rawID, true) }
func (m *MemoryInstanceController) Disable(rawID string) error { return m.set(rawID, false) }

func (m *MemoryInstanceController) set(rawID string, en bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailOps {
		return errWriteFailed
	}
	if _, ok := m.instances[rawID]; !ok {
		return errNotPresent
	}
	m.instances[rawID] = en
	return nil
}

type MemoryRescanner struct {
	mu            sync.Mutex
	rescans       int
	fallbacks     int
	FailPrimary   bool
	FailSecondary bool
}

func NewMemoryRescanner() *MemoryRescanner { return &MemoryRescanner{} }

func (m *MemoryRescanner) Rescan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPrimary {
		return errWriteFailed
	}
	m.rescans++
	return nil
}

func (m *MemoryRescanner) RescanFallback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSecondary {
		return errWriteFailed
	}
	m.fallbacks++
	return nil
}

func (m *MemoryRescanner) Counts() (rescans, fallbacks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rescans, m.fallbacks
}
