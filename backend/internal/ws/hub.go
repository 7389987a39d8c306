package ws

import (
	"sync"

	"formCollab/backend/internal/cache"
	"formCollab/backend/internal/collab"
)

type Hub struct {
	// Redis 镜像句柄：在线状态的对外可观测副本，权威数据在 collab.PresenceStore
	mirror cache.PresenceMirror
	// 读写锁保护 rooms 这类 map，加入/离开房间、广播时都会先加锁
	mu sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(mirror cache.PresenceMirror) *Hub {
	return &Hub{mirror: mirror, rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Mirror() cache.PresenceMirror { return h.mirror }

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 房间里存连接而不是 identity：一个用户可开多个标签页/设备，
		// 广播要逐连接发，不能只按 identity 发一次
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// Broadcast：把消息送进房间内每个连接（except 除外）的出站队列。
// 非阻塞入队：慢连接丢消息，不拖慢整个房间。
func (h *Hub) Broadcast(docID string, msg OutboundMessage, except *Conn) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		if c != except {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}

// collab.Broadcaster 实现：Reaper 清会话/锁时经这里补广播

func (h *Hub) BroadcastSessionLeft(docID string, sess *collab.Session) {
	h.Broadcast(docID, PresenceEventMessage{
		Type:       "presence:left",
		DocID:      docID,
		SessionID:  sess.ID,
		IdentityID: sess.IdentityID,
	}, nil)
}

func (h *Hub) BroadcastLockReleased(docID, fieldID, holderSessionID string) {
	h.Broadcast(docID, LockMessage{
		Type:            "lock:released",
		DocID:           docID,
		FieldID:         fieldID,
		HolderSessionID: holderSessionID,
	}, nil)
}

var _ collab.Broadcaster = (*Hub)(nil)
