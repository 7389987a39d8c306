package ws

import (
	"time"

	"formCollab/backend/internal/collab"
)

// 客户端入站消息：一个 type 字段区分，其余按需填
type ClientMessage struct {
	Type        string                  `json:"type"`
	DocID       string                  `json:"docId"`
	OperationID string                  `json:"operationId,omitempty"`
	BaseVersion uint64                  `json:"baseVersion,omitempty"`
	Field       *collab.FieldDefinition `json:"field,omitempty"`
	FieldID     string                  `json:"fieldId,omitempty"`
	Changes     map[string]any          `json:"changes,omitempty"`
	// 指针区分“没传”和“传了 0”：0 是合法的插入位置
	Position    *int                    `json:"position,omitempty"`
	NewPosition int                     `json:"newPosition,omitempty"`
	X           float64                 `json:"x,omitempty"`
	Y           float64                 `json:"y,omitempty"`
	Timestamp   time.Time               `json:"timestamp,omitempty"`
}

type SessionInfo struct {
	SessionID       string            `json:"sessionId"`
	IdentityID      uint64            `json:"identityId"`
	ConnectedAt     time.Time         `json:"connectedAt"`
	Cursor          *collab.CursorPos `json:"cursor,omitempty"`
	SelectedFieldID string            `json:"selectedFieldId,omitempty"`
}

// welcome / feedback / error 这类简单回包
type ServerMessage struct {
	Type      string `json:"type"`
	DocID     string `json:"docId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content,omitempty"`
}

// room:join 的应答：当前房间的活跃会话列表
type PresenceMessage struct {
	Type     string        `json:"type"` // 固定 "room:presence"
	DocID    string        `json:"docId"`
	Sessions []SessionInfo `json:"sessions"`
}

// presence:joined / presence:left
type PresenceEventMessage struct {
	Type       string `json:"type"`
	DocID      string `json:"docId"`
	SessionID  string `json:"sessionId"`
	IdentityID uint64 `json:"identityId,omitempty"`
}

// 已应用变更：对提交方是 ack，对房间其他会话是增量推送
type DeltaMessage struct {
	Type        string                  `json:"type"` // field:added / field:updated / field:deleted / field:reordered
	DocID       string                  `json:"docId"`
	OperationID string                  `json:"operationId,omitempty"`
	Version     uint64                  `json:"version"`
	Field       *collab.FieldDefinition `json:"field,omitempty"`
	FieldID     string                  `json:"fieldId,omitempty"`
	Changes     map[string]any          `json:"changes,omitempty"`
	NewPosition int                     `json:"newPosition,omitempty"`
}

// 版本冲突：只回给提交方，带完整当前状态供客户端对齐后重放
type ConflictMessage struct {
	Type           string                   `json:"type"` // 固定 "operation:conflict"
	DocID          string                   `json:"docId"`
	OperationID    string                   `json:"operationId,omitempty"`
	CurrentVersion uint64                   `json:"currentVersion"`
	Fields         []collab.FieldDefinition `json:"fields"`
	Settings       map[string]any           `json:"settings,omitempty"`
}

// lock:acquired / lock:denied / lock:released
type LockMessage struct {
	Type            string    `json:"type"`
	DocID           string    `json:"docId"`
	FieldID         string    `json:"fieldId"`
	HolderSessionID string    `json:"holderSessionId,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt,omitempty"`
}

// presence:cursor / presence:selection 广播
type CursorMessage struct {
	Type       string  `json:"type"` // 固定 "presence:cursor"
	DocID      string  `json:"docId"`
	SessionID  string  `json:"sessionId"`
	IdentityID uint64  `json:"identityId"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
}

type SelectionMessage struct {
	Type       string `json:"type"` // 固定 "presence:selection"
	DocID      string `json:"docId"`
	SessionID  string `json:"sessionId"`
	IdentityID uint64 `json:"identityId"`
	FieldID    string `json:"fieldId,omitempty"`
}

// 跨端失效推送
type SyncMessage struct {
	Type         string              `json:"type"` // 固定 "sync:invalidate"
	Invalidation collab.Invalidation `json:"invalidation"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string        { return m.Type }
func (m PresenceMessage) MessageType() string      { return m.Type }
func (m PresenceEventMessage) MessageType() string { return m.Type }
func (m DeltaMessage) MessageType() string         { return m.Type }
func (m ConflictMessage) MessageType() string      { return m.Type }
func (m LockMessage) MessageType() string          { return m.Type }
func (m CursorMessage) MessageType() string        { return m.Type }
func (m SelectionMessage) MessageType() string     { return m.Type }
func (m SyncMessage) MessageType() string          { return m.Type }
