package collab

import (
	"time"
)

// 文档：表单定义的内存聚合。字段按 Position 升序排列，
// Version 从 1 开始，每接受一次变更 +1。
type Document struct {
	ID       string            `json:"docId"`
	Fields   []FieldDefinition `json:"fields"`
	Settings map[string]any    `json:"settings,omitempty"`
	Version  uint64            `json:"version"`
}

// 表单字段定义。除了被接受的操作之外不可变。
type FieldDefinition struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	Type     string `json:"type"` // text / number / select / checkbox / date ...
	Label    string `json:"label"`
	Position int    `json:"position"`
	Required bool   `json:"required"`
	// 可选负载：校验规则 / 下拉选项 / 条件显示逻辑
	Validation       map[string]any `json:"validation,omitempty"`
	Options          []any          `json:"options,omitempty"`
	ConditionalLogic map[string]any `json:"conditionalLogic,omitempty"`
}

type CursorPos struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// 协作会话：一条连接在一个文档房间里的成员身份。
// 同一个 IdentityID（登录用户）可以同时持有多个会话（多端/多标签页）。
type Session struct {
	ID              string     `json:"sessionId"`
	DocID           string     `json:"docId"`
	IdentityID      uint64     `json:"identityId"`
	ConnID          string     `json:"connId"`
	ConnectedAt     time.Time  `json:"connectedAt"`
	LastActivityAt  time.Time  `json:"lastActivityAt"`
	Cursor          *CursorPos `json:"cursor,omitempty"`
	SelectedFieldID string     `json:"selectedFieldId,omitempty"`
}

// 字段级排他锁。协作 UX 机制，不是正确性保证：
// 冲突检测仍然以版本校验为准。
type FieldLock struct {
	DocID           string    `json:"docId"`
	FieldID         string    `json:"fieldId"`
	HolderSessionID string    `json:"holderSessionId"`
	AcquiredAt      time.Time `json:"acquiredAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

func (l *FieldLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// 版本快照：version N 的快照是产生 N+1 那次变更 *之前* 的状态。只追加。
type VersionSnapshot struct {
	DocID     string            `json:"docId"`
	Version   uint64            `json:"version"`
	Fields    []FieldDefinition `json:"fields"`
	Settings  map[string]any    `json:"settings,omitempty"`
	ChangedBy uint64            `json:"changedBy"`
	Summary   string            `json:"summary"`
	CreatedAt time.Time         `json:"createdAt"`
}

type OpType string

const (
	OpAddField     OpType = "field:add"
	OpUpdateField  OpType = "field:update"
	OpDeleteField  OpType = "field:delete"
	OpReorderField OpType = "field:reorder"
)

// 客户端提交的变更意图（瞬态，不落库）。
// OperationID 由客户端生成，作为幂等键：网络重发同一个 ID 不会被二次应用。
type Operation struct {
	OperationID     string           `json:"operationId"`
	Type            OpType           `json:"type"`
	DocID           string           `json:"docId"`
	SessionID       string           `json:"sessionId"`
	BaseVersion     uint64           `json:"baseVersion"`
	Field           *FieldDefinition `json:"field,omitempty"`    // field:add
	FieldID         string           `json:"fieldId,omitempty"`  // update/delete/reorder
	Changes         map[string]any   `json:"changes,omitempty"`  // field:update
	NewPosition     int              `json:"newPosition"`        // field:reorder
	ClientTimestamp time.Time        `json:"clientTimestamp,omitempty"`
}

// 广播给房间内其他会话的已应用变更。
type Delta struct {
	Event       string           `json:"event"` // field:added / field:updated / field:deleted / field:reordered
	DocID       string           `json:"docId"`
	Version     uint64           `json:"version"`
	Field       *FieldDefinition `json:"field,omitempty"`
	FieldID     string           `json:"fieldId,omitempty"`
	Changes     map[string]any   `json:"changes,omitempty"`
	NewPosition int              `json:"newPosition,omitempty"`
}

type AppliedOp struct {
	OperationID string
	Version     uint64
	IdentityID  uint64
	Delta       Delta
	AppliedAt   time.Time
}

// 版本冲突结果：带回当前版本和完整当前状态，客户端据此重放。
type VersionConflict struct {
	CurrentVersion uint64            `json:"currentVersion"`
	Fields         []FieldDefinition `json:"fields"`
	Settings       map[string]any    `json:"settings,omitempty"`
}

// Submit 的结果：Applied 与 Conflict 恰好一个非 nil（error 为 nil 时）。
type SubmitOutcome struct {
	Applied  *AppliedOp
	Conflict *VersionConflict
}
