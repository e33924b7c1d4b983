// Package authcache 认证结果的带时限缓存：
// "这个硬件身份通过了交互认证" 在 TTL 内免重复质询。
// Storage 类永远不会写进主缓存，扫描豁免走单独的短时限实例
package authcache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

type entry struct {
	validUntil time.Time
	class      model.DeviceClass
}

// Cache 并发安全。读路径自带惰性淘汰，正确性不依赖后台清扫有没有跑过
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttls    map[model.DeviceClass]time.Duration
	def     time.Duration
	now     func() time.Time // 测试注入假时钟
	log     *zap.Logger
}

// Option 构造期配置
type Option func(*Cache)

// WithClock 注入时钟，TTL 测试用
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New 按类配置 TTL；没配到的类用 defaultTTL
func New(ttls map[model.DeviceClass]time.Duration, defaultTTL time.Duration, log *zap.Logger, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		ttls:    make(map[model.DeviceClass]time.Duration, len(ttls)),
		def:     defaultTTL,
		now:     time.Now,
		log:     log,
	}
	for class, ttl := range ttls {
		c.ttls[class] = ttl
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Put 记录一次通过的认证，按该类的 TTL 计有效期
func (c *Cache) Put(id model.HardwareID, class model.DeviceClass) {
	ttl, ok := c.ttls[class]
	if !ok {
		ttl = c.def
	}
	key := id.String()

	c.mu.Lock()
	c.entries[key] = entry{validUntil: c.now().Add(ttl), class: class}
	c.mu.Unlock()

	c.log.Debug("auth result cached",
		zap.String("identity", key),
		zap.String("class", string(class)),
		zap.Duration("ttl", ttl))
}

// IsValid 过期条目读到即删
func (c *Cache) IsValid(id model.HardwareID) bool {
	key := id.String()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false
	}

	if c.now().After(e.validUntil) {
		c.mu.Lock()
		// 二次检查：RLock 和 Lock 之间可能被 Put 刷新过
		if cur, ok := c.entries[key]; ok && c.now().After(cur.validUntil) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return false
	}
	return true
}

func (c *Cache) Remove(id model.HardwareID) {
	c.mu.Lock()
	delete(c.entries, id.String())
	c.mu.Unlock()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TimeRemaining 剩余有效时长；不存在或已过期返回 (0, false)
func (c *Cache) TimeRemaining(id model.HardwareID) (time.Duration, bool) {
	c.mu.RLock()
	e, ok := c.entries[id.String()]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	rem := e.validUntil.Sub(c.now())
	if rem <= 0 {
		return 0, false
	}
	return rem, true
}

// Sweep 后台周期清扫入口，返回本轮淘汰数
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	evicted := 0
	for key, e := range c.entries {
		if now.After(e.validUntil) {
			delete(c.entries, key)
			evicted++
		}
	}
	c.mu.Unlock()

	if evicted > 0 {
		c.log.Debug("auth cache sweep", zap.Int("evicted", evicted))
	}
	return evicted
}
