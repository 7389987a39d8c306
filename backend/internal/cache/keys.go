package cache

import "fmt"

// 键语义：
// - roomKey(docID):       房间内会话（ZSet<sessionId, expireAtUnix>，score=逻辑过期时间）
// - identityKey(docID):   房间内 sessionId→identityId 映射（Hash）
// - cursorKey(docID,sid): 会话光标（String，带 TTL 的 JSON）
// - docsKey():            有镜像数据的文档索引（Set<docID>）

const (
	keyRoomFmt     = "collab:room:{docID:%s}"          // ZSet<sessionId, expireAtUnix>
	keyIdentityFmt = "collab:room:identity:{docID:%s}" // Hash<sessionId -> identityId>
	keyCursorFmt   = "collab:cursor:{docID:%s}:%s"     // String(JSON)
	keyDocsSet     = "collab:docs"                     // Set<docID>
)

func roomKey(docID string) string             { return fmt.Sprintf(keyRoomFmt, docID) }
func identityKey(docID string) string         { return fmt.Sprintf(keyIdentityFmt, docID) }
func cursorKey(docID, sessionID string) string { return fmt.Sprintf(keyCursorFmt, docID, sessionID) }
func docsKey() string                         { return keyDocsSet }
