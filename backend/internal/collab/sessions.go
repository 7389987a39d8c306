package collab

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// lastActivityAt 在窗口内才算“在线”
	DefaultActiveWindow = 5 * time.Minute
	// 超过硬上限的会话无条件清除（连接可能挂着但人早走了）
	DefaultHardIdleWindow = 24 * time.Hour
)

// PresenceStore：每个文档房间的在线会话注册表，纯内存、权威数据。
// 会话同时按 docID 和 identityID 建索引（多端同步依赖后者），
// 两个键从一开始就分开维护，不做事后推导。
type PresenceStore struct {
	mu sync.RWMutex
	// sessionID -> session
	sessions map[string]*Session
	// docID -> set of sessionID
	byDoc map[string]map[string]struct{}
	// identityID -> set of sessionID
	byIdentity map[uint64]map[string]struct{}

	activeWindow   time.Duration
	hardIdleWindow time.Duration

	now func() time.Time
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		sessions:       make(map[string]*Session),
		byDoc:          make(map[string]map[string]struct{}),
		byIdentity:     make(map[uint64]map[string]struct{}),
		activeWindow:   DefaultActiveWindow,
		hardIdleWindow: DefaultHardIdleWindow,
		now:            time.Now,
	}
}

// Join 总是成功并返回新会话；同一 identity 可以在同一文档上持有多个会话。
func (p *PresenceStore) Join(docID string, identityID uint64, connID string) *Session {
	now := p.now()
	s := &Session{
		ID:             uuid.NewString(),
		DocID:          docID,
		IdentityID:     identityID,
		ConnID:         connID,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s.ID] = s
	if p.byDoc[docID] == nil {
		p.byDoc[docID] = make(map[string]struct{})
	}
	p.byDoc[docID][s.ID] = struct{}{}
	if p.byIdentity[identityID] == nil {
		p.byIdentity[identityID] = make(map[string]struct{})
	}
	p.byIdentity[identityID][s.ID] = struct{}{}
	return s
}

// Leave 注销会话并返回被移除的会话（不存在时返回 nil）。
// 持有的字段锁由调用方（协作引擎）负责释放。
func (p *PresenceStore) Leave(sessionID string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(sessionID)
}

func (p *PresenceStore) removeLocked(sessionID string) *Session {
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(p.sessions, sessionID)
	if set := p.byDoc[s.DocID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(p.byDoc, s.DocID)
		}
	}
	if set := p.byIdentity[s.IdentityID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(p.byIdentity, s.IdentityID)
		}
	}
	return s
}

func (p *PresenceStore) Get(sessionID string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[sessionID]
	return s, ok
}

// Touch 刷新活跃时间（心跳/任意客户端消息都会触发）。
func (p *PresenceStore) Touch(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return false
	}
	s.LastActivityAt = p.now()
	return true
}

// 光标/选区更新是 fire-and-forget：不持久化，也永远不排在变更操作后面等锁。
func (p *PresenceStore) UpdateCursor(sessionID string, pos *CursorPos) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return false
	}
	s.Cursor = pos
	s.LastActivityAt = p.now()
	return true
}

func (p *PresenceStore) UpdateSelection(sessionID string, fieldID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return false
	}
	s.SelectedFieldID = fieldID
	s.LastActivityAt = p.now()
	return true
}

// CountRegistered 返回文档内注册会话总数，不看活跃窗口。
// 房间回收只看这个数：闲置但仍连接的会话还指望内存态是权威。
func (p *PresenceStore) CountRegistered(docID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byDoc[docID])
}

// ListActive 返回文档内活跃窗口以内的会话（拷贝，调用方可自由读）。
func (p *PresenceStore) ListActive(docID string) []*Session {
	cutoff := p.now().Add(-p.activeWindow)
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Session, 0, len(p.byDoc[docID]))
	for id := range p.byDoc[docID] {
		s := p.sessions[id]
		if s != nil && s.LastActivityAt.After(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

// ListByIdentity 返回某 identity 在所有文档上的全部会话。
func (p *PresenceStore) ListByIdentity(identityID uint64) []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Session, 0, len(p.byIdentity[identityID]))
	for id := range p.byIdentity[identityID] {
		if s := p.sessions[id]; s != nil {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

// PurgeStale 移除超过硬上限的会话并返回它们，供 Reaper 释放锁、补发离开广播。
func (p *PresenceStore) PurgeStale(now time.Time) []*Session {
	cutoff := now.Add(-p.hardIdleWindow)
	p.mu.Lock()
	defer p.mu.Unlock()
	var purged []*Session
	for id, s := range p.sessions {
		if s.LastActivityAt.Before(cutoff) {
			purged = append(purged, p.removeLocked(id))
		}
	}
	return purged
}
