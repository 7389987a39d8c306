package collab

import (
	"time"
)

// 发到 Kafka 的已应用字段操作事件，key 用 docId，保证同文档按分区有序。
// 下游消费方：审计、分析聚合、webhook 投递（都在本服务边界之外）。
type FieldOpEvent struct {
	EventType   string    `json:"eventType"` // 固定 "FIELD_OP_APPLIED"
	DocID       string    `json:"docId"`
	OperationID string    `json:"operationId"`
	Version     uint64    `json:"version"`
	BaseVersion uint64    `json:"baseVersion"`
	IdentityID  uint64    `json:"identityId"`
	SessionID   string    `json:"sessionId"`
	Delta       Delta     `json:"delta"`
	AppliedAt   time.Time `json:"appliedAt"`
}
