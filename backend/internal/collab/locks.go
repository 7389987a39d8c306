package collab

import (
	"sync"
	"time"
)

// 默认锁 TTL：不续约就在几十秒内自动过期，避免掉线客户端霸占字段
const DefaultLockTTL = 30 * time.Second

type LockResult struct {
	Granted bool
	// Denied 时带回当前持有者，前端显示“xx 正在编辑”
	HolderSessionID string
	Lock            *FieldLock
}

// LockTable：(docID, fieldID) -> 排他锁，纯内存。
// 过期在访问时惰性判断，另有 Reaper 周期性主动清扫。
type LockTable struct {
	mu sync.Mutex
	// docID -> fieldID -> lock
	locks map[string]map[string]*FieldLock

	now func() time.Time
}

func NewLockTable() *LockTable {
	return &LockTable{
		locks: make(map[string]map[string]*FieldLock),
		now:   time.Now,
	}
}

// Acquire：字段无锁或旧锁已过期则授予；当前持有者重复请求视为续约。
func (t *LockTable) Acquire(docID, fieldID, sessionID string, ttl time.Duration) LockResult {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks[docID] == nil {
		t.locks[docID] = make(map[string]*FieldLock)
	}
	if held := t.locks[docID][fieldID]; held != nil && !held.Expired(now) {
		if held.HolderSessionID == sessionID {
			held.ExpiresAt = now.Add(ttl)
			return LockResult{Granted: true, Lock: held}
		}
		return LockResult{Granted: false, HolderSessionID: held.HolderSessionID}
	}
	l := &FieldLock{
		DocID:           docID,
		FieldID:         fieldID,
		HolderSessionID: sessionID,
		AcquiredAt:      now,
		ExpiresAt:       now.Add(ttl),
	}
	t.locks[docID][fieldID] = l
	return LockResult{Granted: true, Lock: l}
}

// Release 只允许当前持有者释放。
func (t *LockTable) Release(docID, fieldID, sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	held := t.locks[docID][fieldID]
	if held == nil || held.HolderSessionID != sessionID {
		return ErrNotLockHolder
	}
	t.deleteLocked(docID, fieldID)
	return nil
}

// Renew 给仍持有的锁延长 TTL；已过期或易主则返回 ErrNotLockHolder。
func (t *LockTable) Renew(docID, fieldID, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	held := t.locks[docID][fieldID]
	if held == nil || held.Expired(now) || held.HolderSessionID != sessionID {
		return ErrNotLockHolder
	}
	held.ExpiresAt = now.Add(ttl)
	return nil
}

// Holder 返回字段上未过期的锁（没有则 nil）。
func (t *LockTable) Holder(docID, fieldID string) *FieldLock {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	held := t.locks[docID][fieldID]
	if held == nil {
		return nil
	}
	if held.Expired(now) {
		t.deleteLocked(docID, fieldID)
		return nil
	}
	cp := *held
	return &cp
}

// ReleaseAllForSession：会话断开/被清除时一次性释放它持有的所有锁。
func (t *LockTable) ReleaseAllForSession(sessionID string) []FieldLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	var released []FieldLock
	for docID, fields := range t.locks {
		for fieldID, l := range fields {
			if l.HolderSessionID == sessionID {
				released = append(released, *l)
				t.deleteLocked(docID, fieldID)
			}
		}
	}
	return released
}

// ExpireSweep：主动清扫过期锁（会话可能一直连着但早就不动了）。
func (t *LockTable) ExpireSweep(now time.Time) []FieldLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []FieldLock
	for docID, fields := range t.locks {
		for fieldID, l := range fields {
			if l.Expired(now) {
				expired = append(expired, *l)
				t.deleteLocked(docID, fieldID)
			}
		}
	}
	return expired
}

func (t *LockTable) deleteLocked(docID, fieldID string) {
	delete(t.locks[docID], fieldID)
	if len(t.locks[docID]) == 0 {
		delete(t.locks, docID)
	}
}
