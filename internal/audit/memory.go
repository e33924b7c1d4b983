package audit

import (
	"context"
	"sync"
)

// MemorySink 测试用的内存实现
type MemorySink struct {
	mu        sync.Mutex
	decisions []DecisionRecord
	threats   []ThreatEvent
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) RecordDecision(_ context.Context, rec DecisionRecord) error {
	m.mu.Lock()
	m.decisions = append(m.decisions, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) RecordThreat(_ context.Context, ev ThreatEvent) error {
	m.mu.Lock()
	m.threats = append(m.threats, ev)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Decisions() []DecisionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DecisionRecord(nil), m.decisions...)
}

func (m *MemorySink) Threats() []ThreatEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ThreatEvent(nil), m.threats...)
}
