package collab

import (
	"testing"
	"time"
)

func TestPresenceStore_JoinLeave(t *testing.T) {
	p := NewPresenceStore()

	a := p.Join("d1", 1, "c1")
	b := p.Join("d1", 2, "c2")
	if a.ID == b.ID {
		t.Fatalf("session ids must be unique")
	}
	if got := len(p.ListActive("d1")); got != 2 {
		t.Fatalf("ListActive = %d sessions, want 2", got)
	}

	if left := p.Leave(a.ID); left == nil || left.ID != a.ID {
		t.Fatalf("Leave returned %+v", left)
	}
	if got := len(p.ListActive("d1")); got != 1 {
		t.Fatalf("after leave ListActive = %d, want 1", got)
	}
	if p.Leave(a.ID) != nil {
		t.Fatalf("double leave should return nil")
	}
}

func TestPresenceStore_MultiDeviceIdentity(t *testing.T) {
	p := NewPresenceStore()

	// 同一 identity 开三个会话：两个文档各一个 + 同文档再开一个
	p.Join("d1", 42, "laptop")
	p.Join("d2", 42, "phone")
	s3 := p.Join("d1", 42, "tablet")

	if got := len(p.ListByIdentity(42)); got != 3 {
		t.Fatalf("ListByIdentity = %d, want 3", got)
	}
	if got := len(p.ListActive("d1")); got != 2 {
		t.Fatalf("d1 active = %d, want 2", got)
	}

	p.Leave(s3.ID)
	if got := len(p.ListByIdentity(42)); got != 2 {
		t.Fatalf("after leave ListByIdentity = %d, want 2", got)
	}
}

func TestPresenceStore_ActiveWindow(t *testing.T) {
	p := NewPresenceStore()
	now := time.Now()
	p.now = func() time.Time { return now }

	a := p.Join("d1", 1, "c1")
	p.Join("d1", 2, "c2")

	// a 刚活跃过，另一个超出活跃窗口
	now = now.Add(DefaultActiveWindow + time.Minute)
	p.Touch(a.ID)

	active := p.ListActive("d1")
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("active = %+v, want only the touched session", active)
	}
	// 不活跃 != 被移除
	if got := len(p.ListByIdentity(2)); got != 1 {
		t.Fatalf("idle session must stay registered, got %d", got)
	}
}

func TestPresenceStore_CursorAndSelection(t *testing.T) {
	p := NewPresenceStore()
	s := p.Join("d1", 1, "c1")

	if !p.UpdateCursor(s.ID, &CursorPos{X: 10, Y: 20}) {
		t.Fatalf("UpdateCursor failed for live session")
	}
	if !p.UpdateSelection(s.ID, "f2") {
		t.Fatalf("UpdateSelection failed for live session")
	}
	got, _ := p.Get(s.ID)
	if got.Cursor == nil || got.Cursor.X != 10 || got.SelectedFieldID != "f2" {
		t.Fatalf("session state = %+v", got)
	}

	if p.UpdateCursor("ghost", &CursorPos{}) || p.UpdateSelection("ghost", "f1") {
		t.Fatalf("updates for unknown session must report false")
	}
}

func TestPresenceStore_PurgeStale(t *testing.T) {
	p := NewPresenceStore()
	now := time.Now()
	p.now = func() time.Time { return now }

	stale := p.Join("d1", 1, "c1")
	now = now.Add(time.Hour)
	fresh := p.Join("d1", 2, "c2")

	purged := p.PurgeStale(now.Add(DefaultHardIdleWindow))
	if len(purged) != 1 || purged[0].ID != stale.ID {
		t.Fatalf("purged = %+v, want only the stale session", purged)
	}
	if _, ok := p.Get(fresh.ID); !ok {
		t.Fatalf("fresh session must survive the purge")
	}
	if _, ok := p.Get(stale.ID); ok {
		t.Fatalf("stale session must be gone")
	}
}
