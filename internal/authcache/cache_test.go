package authcache

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(clk *fakeClock) *Cache {
	ttls := map[model.DeviceClass]time.Duration{
		model.ClassKeyboard: 5 * time.Minute,
		model.ClassMouse:    5 * time.Minute,
	}
	return New(ttls, time.Minute, zap.NewNop(), WithClock(clk.Now))
}

var mouseID = model.HardwareID{VendorID: "046D", ProductID: "C52B"}

func TestIsValid_WithinTTL(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := newTestCache(clk)

	c.Put(mouseID, model.ClassMouse)

	// T+D-ε 有效
	clk.Advance(5*time.Minute - time.Second)
	if !c.IsValid(mouseID) {
		t.Fatal("entry must be valid just before TTL expiry")
	}

	// T+D+ε 失效
	clk.Advance(2 * time.Second)
	if c.IsValid(mouseID) {
		t.Fatal("entry must be invalid just after TTL expiry")
	}
}

func TestIsValid_LazyEviction(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := newTestCache(clk)

	c.Put(mouseID, model.ClassMouse)
	clk.Advance(6 * time.Minute)

	// 不跑 Sweep，读路径自己要把过期条目清掉
	if c.IsValid(mouseID) {
		t.Fatal("expired entry reported valid")
	}
	if c.Count() != 0 {
		t.Errorf("expired entry not lazily evicted, count=%d", c.Count())
	}
}

func TestPut_RefreshesExpiry(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := newTestCache(clk)

	c.Put(mouseID, model.ClassMouse)
	clk.Advance(4 * time.Minute)
	c.Put(mouseID, model.ClassMouse) // 重新认证，重置 TTL

	clk.Advance(4 * time.Minute)
	if !c.IsValid(mouseID) {
		t.Fatal("refreshed entry must still be valid")
	}
}

func TestTimeRemaining(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := newTestCache(clk)

	if _, ok := c.TimeRemaining(mouseID); ok {
		t.Fatal("missing entry must report no remaining time")
	}

	c.Put(mouseID, model.ClassMouse)
	clk.Advance(2 * time.Minute)

	rem, ok := c.TimeRemaining(mouseID)
	if !ok {
		t.Fatal("expected remaining time")
	}
	if rem != 3*time.Minute {
		t.Errorf("remaining = %v, want 3m", rem)
	}

	clk.Advance(4 * time.Minute)
	if _, ok := c.TimeRemaining(mouseID); ok {
		t.Fatal("expired entry must report no remaining time")
	}
}

func TestSweep_EvictsOnlyExpired(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := newTestCache(clk)

	kb := model.HardwareID{VendorID: "1234", ProductID: "5678"}
	c.Put(mouseID, model.ClassMouse)
	clk.Advance(3 * time.Minute)
	c.Put(kb, model.ClassKeyboard)
	clk.Advance(3 * time.Minute) // mouse 过期，keyboard 还有 2m

	if n := c.Sweep(); n != 1 {
		t.Errorf("Sweep evicted %d, want 1", n)
	}
	if c.IsValid(mouseID) {
		t.Error("mouse entry should be gone")
	}
	if !c.IsValid(kb) {
		t.Error("keyboard entry should survive the sweep")
	}
}

func TestRemoveAndClear(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := newTestCache(clk)

	c.Put(mouseID, model.ClassMouse)
	c.Remove(mouseID)
	if c.IsValid(mouseID) {
		t.Fatal("removed entry reported valid")
	}

	c.Put(mouseID, model.ClassMouse)
	c.Clear()
	if c.Count() != 0 {
		t.Fatal("Clear left entries behind")
	}
}

func TestDefaultTTL_ForUnconfiguredClass(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := newTestCache(clk)

	other := model.HardwareID{VendorID: "AAAA", ProductID: "BBBB"}
	c.Put(other, model.ClassOther) // 没配置 → 默认 1m

	clk.Advance(59 * time.Second)
	if !c.IsValid(other) {
		t.Fatal("entry must be valid within default TTL")
	}
	clk.Advance(2 * time.Second)
	if c.IsValid(other) {
		t.Fatal("entry must expire after default TTL")
	}
}

func TestConcurrentAccess(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := newTestCache(clk)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := model.HardwareID{VendorID: "046D", ProductID: "C52B"}
			for j := 0; j < 100; j++ {
				c.Put(id, model.ClassMouse)
				c.IsValid(id)
				if n%4 == 0 {
					c.Sweep()
				}
			}
		}(i)
	}
	wg.Wait()

	if !c.IsValid(mouseID) {
		t.Fatal("entry must be valid after concurrent churn")
	}
}
