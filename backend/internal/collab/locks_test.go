package collab

import (
	"errors"
	"testing"
	"time"
)

func TestLockTable_MutualExclusion(t *testing.T) {
	lt := NewLockTable()

	res := lt.Acquire("d1", "f1", "sessA", 0)
	if !res.Granted {
		t.Fatalf("first acquire should be granted")
	}

	// B 申请同一字段 → Denied 并带回持有者
	res = lt.Acquire("d1", "f1", "sessB", 0)
	if res.Granted {
		t.Fatalf("second acquire must be denied")
	}
	if res.HolderSessionID != "sessA" {
		t.Fatalf("HolderSessionID = %q, want sessA", res.HolderSessionID)
	}

	// A 释放后 B 再申请 → Granted
	if err := lt.Release("d1", "f1", "sessA"); err != nil {
		t.Fatalf("release error = %v", err)
	}
	res = lt.Acquire("d1", "f1", "sessB", 0)
	if !res.Granted {
		t.Fatalf("acquire after release should be granted")
	}
}

func TestLockTable_ReleaseNotHolder(t *testing.T) {
	lt := NewLockTable()
	lt.Acquire("d1", "f1", "sessA", 0)
	if err := lt.Release("d1", "f1", "sessB"); !errors.Is(err, ErrNotLockHolder) {
		t.Fatalf("err = %v, want ErrNotLockHolder", err)
	}
}

func TestLockTable_ReacquireRenews(t *testing.T) {
	lt := NewLockTable()
	first := lt.Acquire("d1", "f1", "sessA", 10*time.Second)
	second := lt.Acquire("d1", "f1", "sessA", 10*time.Second)
	if !second.Granted {
		t.Fatalf("holder reacquire should renew, got denied")
	}
	if second.Lock.ExpiresAt.Before(first.Lock.ExpiresAt) {
		t.Fatalf("renewed expiry went backwards")
	}
}

func TestLockTable_LazyExpiry(t *testing.T) {
	lt := NewLockTable()
	now := time.Now()
	lt.now = func() time.Time { return now }

	lt.Acquire("d1", "f1", "sessA", 5*time.Second)

	// TTL 过了，后来者直接拿到
	now = now.Add(6 * time.Second)
	res := lt.Acquire("d1", "f1", "sessB", 5*time.Second)
	if !res.Granted {
		t.Fatalf("expired lock should be acquirable, got holder %q", res.HolderSessionID)
	}
}

func TestLockTable_ExpireSweep(t *testing.T) {
	lt := NewLockTable()
	now := time.Now()
	lt.now = func() time.Time { return now }

	lt.Acquire("d1", "f1", "sessA", 5*time.Second)
	lt.Acquire("d1", "f2", "sessA", 30*time.Second)

	expired := lt.ExpireSweep(now.Add(10 * time.Second))
	if len(expired) != 1 || expired[0].FieldID != "f1" {
		t.Fatalf("ExpireSweep = %+v, want only f1", expired)
	}
	if lt.Holder("d1", "f2") == nil {
		t.Fatalf("f2 lock should survive the sweep")
	}
}

func TestLockTable_ReleaseAllForSession(t *testing.T) {
	lt := NewLockTable()
	lt.Acquire("d1", "f1", "sessA", 0)
	lt.Acquire("d1", "f2", "sessA", 0)
	lt.Acquire("d2", "f9", "sessA", 0)
	lt.Acquire("d1", "f3", "sessB", 0)

	released := lt.ReleaseAllForSession("sessA")
	if len(released) != 3 {
		t.Fatalf("released %d locks, want 3", len(released))
	}
	// 离开后别的会话立刻能拿到全部字段
	for _, f := range []struct{ doc, field string }{{"d1", "f1"}, {"d1", "f2"}, {"d2", "f9"}} {
		if res := lt.Acquire(f.doc, f.field, "sessC", 0); !res.Granted {
			t.Fatalf("field %s/%s still locked after ReleaseAllForSession", f.doc, f.field)
		}
	}
	if lt.Holder("d1", "f3") == nil {
		t.Fatalf("sessB lock must not be touched")
	}
}
