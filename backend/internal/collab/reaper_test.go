package collab

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeBroadcaster struct {
	mu    sync.Mutex
	left  []string // sessionID
	locks []string // fieldID
}

func (b *fakeBroadcaster) BroadcastSessionLeft(docID string, sess *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.left = append(b.left, sess.ID)
}

func (b *fakeBroadcaster) BroadcastLockReleased(docID, fieldID, holderSessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locks = append(b.locks, fieldID)
}

func TestReaper_PurgesHardIdleSessions(t *testing.T) {
	svc, _, _ := newTestService(testDoc())
	bcast := &fakeBroadcaster{}
	r := NewReaper(svc, bcast, time.Minute, nil)
	ctx := context.Background()

	now := time.Now()
	svc.presence.now = func() time.Time { return now }

	stale := mustJoin(t, svc, "doc-1", 1)
	if res, err := svc.AcquireLock(ctx, "doc-1", "f1", stale.ID); err != nil || !res.Granted {
		t.Fatalf("acquire: res=%+v err=%v", res, err)
	}

	now = now.Add(time.Hour)
	fresh := mustJoin(t, svc, "doc-1", 2)

	r.RunOnce(now.Add(DefaultHardIdleWindow))

	if _, ok := svc.presence.Get(stale.ID); ok {
		t.Fatalf("hard-idle session must be purged")
	}
	if _, ok := svc.presence.Get(fresh.ID); !ok {
		t.Fatalf("fresh session must survive")
	}
	// 被清会话的锁一并释放，且补发了两类广播
	if res, err := svc.AcquireLock(ctx, "doc-1", "f1", fresh.ID); err != nil || !res.Granted {
		t.Fatalf("lock must be free after purge: res=%+v err=%v", res, err)
	}
	bcast.mu.Lock()
	defer bcast.mu.Unlock()
	if len(bcast.left) != 1 || bcast.left[0] != stale.ID {
		t.Fatalf("left broadcasts = %v", bcast.left)
	}
	if len(bcast.locks) != 1 || bcast.locks[0] != "f1" {
		t.Fatalf("lock broadcasts = %v", bcast.locks)
	}
}

func TestReaper_KeepsRoomForIdleRegisteredSession(t *testing.T) {
	svc, _, _ := newTestService(testDoc())
	r := NewReaper(svc, &fakeBroadcaster{}, time.Minute, nil)
	ctx := context.Background()

	now := time.Now()
	svc.presence.now = func() time.Time { return now }

	stale := mustJoin(t, svc, "doc-1", 1)
	now = now.Add(time.Hour)
	idle := mustJoin(t, svc, "doc-1", 2)
	if out, err := svc.Submit(ctx, addOp("doc-1", idle.ID, 1, "phone")); err != nil || out.Applied == nil {
		t.Fatalf("submit: out=%+v err=%v", out, err)
	}

	// idle 超出活跃窗口但没到硬上限；清掉 stale 时房间必须保留
	now = now.Add(DefaultActiveWindow + time.Minute)
	r.RunOnce(now.Add(DefaultHardIdleWindow - DefaultActiveWindow - 31*time.Minute))

	if _, ok := svc.presence.Get(stale.ID); ok {
		t.Fatalf("stale session must be purged")
	}
	if _, ok := svc.presence.Get(idle.ID); !ok {
		t.Fatalf("idle session must survive")
	}
	if svc.lookupRoom("doc-1") == nil {
		t.Fatalf("room must stay while a session is registered")
	}
	if v, err := svc.CurrentVersion(ctx, "doc-1"); err != nil || v != 2 {
		t.Fatalf("version after sweep = %d (err=%v), want 2", v, err)
	}
	if out, err := svc.Submit(ctx, addOp("doc-1", idle.ID, 2, "city")); err != nil || out.Applied == nil || out.Applied.Version != 3 {
		t.Fatalf("idle session submit: out=%+v err=%v", out, err)
	}
}

func TestReaper_SweepsExpiredLocks(t *testing.T) {
	svc, _, _ := newTestService(testDoc())
	bcast := &fakeBroadcaster{}
	r := NewReaper(svc, bcast, time.Minute, nil)
	ctx := context.Background()

	sess := mustJoin(t, svc, "doc-1", 1)
	if res, err := svc.AcquireLock(ctx, "doc-1", "f1", sess.ID); err != nil || !res.Granted {
		t.Fatalf("acquire: res=%+v err=%v", res, err)
	}

	// 会话还活着，但锁 TTL 早过了
	r.RunOnce(time.Now().Add(DefaultLockTTL + time.Minute))

	if _, ok := svc.presence.Get(sess.ID); !ok {
		t.Fatalf("live session must not be purged by lock sweep")
	}
	if svc.locks.Holder("doc-1", "f1") != nil {
		t.Fatalf("expired lock must be swept")
	}
	bcast.mu.Lock()
	defer bcast.mu.Unlock()
	if len(bcast.locks) != 1 {
		t.Fatalf("lock broadcasts = %v, want one release", bcast.locks)
	}
}

func TestReaper_RunsMirrorSweep(t *testing.T) {
	svc, _, _ := newTestService(testDoc())
	called := false
	r := NewReaper(svc, &fakeBroadcaster{}, time.Minute, func(ctx context.Context) error {
		called = true
		return nil
	})
	r.RunOnce(time.Now())
	if !called {
		t.Fatalf("mirror sweep must run every cycle")
	}
}
