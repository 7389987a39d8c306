package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu    sync.Mutex
	got   []Invalidation
	delay time.Duration
	fail  bool
}

func (f *fakeSink) DeliverInvalidation(ctx context.Context, inv Invalidation) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("sink unavailable")
	}
	f.got = append(f.got, inv)
	return nil
}

func (f *fakeSink) received() []Invalidation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Invalidation, len(f.got))
	copy(out, f.got)
	return out
}

func TestForceSync_DeliversBeforeReturn(t *testing.T) {
	y := NewSynchronizer(time.Second)
	origin := &fakeSink{}
	laptop := &fakeSink{}
	phone := &fakeSink{}
	y.Register(42, "s-origin", origin)
	y.Register(42, "s-laptop", laptop)
	y.Register(42, "s-phone", phone)
	y.Register(99, "s-other", &fakeSink{})

	inv := Invalidation{Kind: "permission", Reason: "role changed"}
	if err := y.ForceSync(context.Background(), 42, "s-origin", inv); err != nil {
		t.Fatalf("ForceSync error = %v", err)
	}

	// 返回时其余会话都已收到
	for name, sink := range map[string]*fakeSink{"laptop": laptop, "phone": phone} {
		got := sink.received()
		if len(got) != 1 || got[0].Kind != "permission" {
			t.Fatalf("%s got %+v, want the invalidation", name, got)
		}
		if got[0].IssuedAt.IsZero() {
			t.Fatalf("%s IssuedAt not stamped", name)
		}
	}
	// 触发方自己跳过
	if len(origin.received()) != 0 {
		t.Fatalf("origin session must be skipped")
	}
}

func TestForceSync_SingleSessionNoop(t *testing.T) {
	y := NewSynchronizer(time.Second)
	only := &fakeSink{delay: time.Hour} // 真要投递就会卡死，证明根本没调
	y.Register(42, "s-only", only)

	done := make(chan error, 1)
	go func() {
		done <- y.ForceSync(context.Background(), 42, "s-only", Invalidation{Kind: "profile"})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ForceSync error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("single-session force sync must return immediately")
	}
}

func TestForceSync_TimeoutFallsBackToPending(t *testing.T) {
	y := NewSynchronizer(50 * time.Millisecond)
	slow := &fakeSink{delay: time.Second}
	y.Register(42, "s-slow", slow)

	start := time.Now()
	if err := y.ForceSync(context.Background(), 42, "s-origin", Invalidation{Kind: "document", DocID: "d1"}); err != nil {
		t.Fatalf("ForceSync error = %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("slow sink must not block past its timeout")
	}
	if len(slow.received()) != 0 {
		t.Fatalf("timed-out delivery should not have landed yet")
	}

	// 慢会话恢复后由补课下发
	slow.delay = 0
	y.FlushPending(context.Background(), 42, "s-slow")
	got := slow.received()
	if len(got) != 1 || got[0].DocID != "d1" {
		t.Fatalf("pending flush got %+v", got)
	}
}

func TestNotify_LazyQueueFlushedOnHeartbeat(t *testing.T) {
	y := NewSynchronizer(time.Second)
	sink := &fakeSink{}
	y.Register(42, "s1", sink)

	y.Notify(42, Invalidation{Kind: "document", DocID: "d1", Version: 5})
	y.Notify(42, Invalidation{Kind: "document", DocID: "d1", Version: 6})
	if len(sink.received()) != 0 {
		t.Fatalf("lazy notify must not deliver inline")
	}

	y.FlushPending(context.Background(), 42, "s1")
	got := sink.received()
	if len(got) != 2 || got[0].Version != 5 || got[1].Version != 6 {
		t.Fatalf("flush got %+v, want queued invalidations in order", got)
	}

	// 队列已清空，再刷不重复下发
	y.FlushPending(context.Background(), 42, "s1")
	if len(sink.received()) != 2 {
		t.Fatalf("second flush must be a no-op")
	}
}

func TestFlushPending_RequeuesOnFailure(t *testing.T) {
	y := NewSynchronizer(time.Second)
	sink := &fakeSink{fail: true}
	y.Register(42, "s1", sink)

	y.Notify(42, Invalidation{Kind: "document", Version: 5})
	y.FlushPending(context.Background(), 42, "s1")
	if len(sink.received()) != 0 {
		t.Fatalf("failed delivery must not count as received")
	}

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	y.FlushPending(context.Background(), 42, "s1")
	if got := sink.received(); len(got) != 1 || got[0].Version != 5 {
		t.Fatalf("requeued invalidation lost: %+v", got)
	}
}

func TestUnregister_StopsDelivery(t *testing.T) {
	y := NewSynchronizer(time.Second)
	sink := &fakeSink{}
	y.Register(42, "s1", sink)
	y.Unregister(42, "s1")

	y.Notify(42, Invalidation{Kind: "document"})
	if err := y.ForceSync(context.Background(), 42, "", Invalidation{Kind: "profile"}); err != nil {
		t.Fatalf("ForceSync error = %v", err)
	}
	y.FlushAll(context.Background())
	if len(sink.received()) != 0 {
		t.Fatalf("unregistered sink must not receive anything")
	}
}
