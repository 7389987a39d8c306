package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"formCollab/backend/internal/collab"

	"github.com/gorilla/websocket"
)

// 镜像里会话条目的逻辑 TTL，心跳会续
const mirrorTTL = 600 * time.Second

var errConnClosed = errors.New("connection closed")

type Conn struct {
	ws         *websocket.Conn
	hub        *Hub
	connID     string
	identityID uint64
	username   string
	// docID -> 本连接在该房间的会话。一条连接可以同时加入多个文档房间。
	// 只在 readLoop 这一个 goroutine 里读写，不需要锁。
	sessions map[string]*collab.Session
	// 出站队列：writeLoop 消费。连接关闭靠 done，send 永不 close，
	// 否则 hub 广播和强制同步可能往已关通道里写。
	send chan OutboundMessage
	done chan struct{}
	// 协作引擎服务
	svc collab.Service
	// 信号量控制：限制同时在处理中的变更提交
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, connID string, identityID uint64, username string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:         ws,
		hub:        hub,
		connID:     connID,
		identityID: identityID,
		username:   username,
		sessions:   make(map[string]*collab.Session),
		send:       make(chan OutboundMessage, 32),
		done:       make(chan struct{}),
		svc:        svc,
		sem:        sem,
	}
}

// 非阻塞入队：presence/光标这类消息队列满了就丢，绝不反压到发送方
func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	select {
	case c.send <- msg:
	default:
		// 队列满，丢弃
	}
}

// collab.SessionSink 实现：强制同步经这里下发，队列满阻塞到 ctx 超时
func (c *Conn) DeliverInvalidation(ctx context.Context, inv collab.Invalidation) error {
	select {
	case c.send <- SyncMessage{Type: "sync:invalidate", Invalidation: inv}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errConnClosed
	}
}

func (c *Conn) handleJoin(ctx context.Context, docID string) {
	if docID == "" {
		c.send <- ServerMessage{Type: "error", Content: "MISSING_DOC_ID"}
		return
	}
	if _, joined := c.sessions[docID]; joined {
		// 重复 join 幂等：直接重发在场名单
		c.send <- c.presenceMessage(docID)
		return
	}
	sess, err := c.svc.JoinRoom(ctx, docID, c.identityID, c.connID)
	if err != nil {
		log.Printf("join room error (identity=%d, doc=%s): %v", c.identityID, docID, err)
		c.send <- ServerMessage{Type: "error", DocID: docID, Content: "JOIN_FAILED"}
		return
	}
	c.sessions[docID] = sess
	c.hub.Join(docID, c)
	c.svc.Sync().Register(c.identityID, sess.ID, c)
	if err := c.hub.Mirror().AddSession(ctx, docID, sess.ID, c.identityID, mirrorTTL); err != nil {
		log.Printf("presence mirror add error: %v", err)
	}

	c.send <- c.presenceMessage(docID)
	c.hub.Broadcast(docID, PresenceEventMessage{
		Type:       "presence:joined",
		DocID:      docID,
		SessionID:  sess.ID,
		IdentityID: c.identityID,
	}, c)
}

func (c *Conn) presenceMessage(docID string) PresenceMessage {
	active := c.svc.ListActive(docID)
	infos := make([]SessionInfo, 0, len(active))
	for _, s := range active {
		infos = append(infos, SessionInfo{
			SessionID:       s.ID,
			IdentityID:      s.IdentityID,
			ConnectedAt:     s.ConnectedAt,
			Cursor:          s.Cursor,
			SelectedFieldID: s.SelectedFieldID,
		})
	}
	return PresenceMessage{Type: "room:presence", DocID: docID, Sessions: infos}
}

// leaveRoom：显式 room:leave 和断开共用。释放的锁逐个广播。
func (c *Conn) leaveRoom(ctx context.Context, docID string) {
	sess, ok := c.sessions[docID]
	if !ok {
		return
	}
	delete(c.sessions, docID)
	left, released := c.svc.LeaveRoom(ctx, sess.ID)
	c.hub.Leave(docID, c)
	for _, l := range released {
		c.hub.BroadcastLockReleased(l.DocID, l.FieldID, l.HolderSessionID)
	}
	if left != nil {
		c.hub.BroadcastSessionLeft(docID, left)
	}
	if err := c.hub.Mirror().RemoveSession(ctx, docID, sess.ID); err != nil {
		log.Printf("presence mirror remove error: %v", err)
	}
}

// buildOperation：入站消息到引擎操作的映射。
// field:add 的顶层 position 是字段落点，带了就覆盖 field 自带的值。
func buildOperation(msg ClientMessage, opType collab.OpType, sessionID string) collab.Operation {
	if opType == collab.OpAddField && msg.Field != nil && msg.Position != nil {
		msg.Field.Position = *msg.Position
	}
	return collab.Operation{
		OperationID:     msg.OperationID,
		Type:            opType,
		DocID:           msg.DocID,
		SessionID:       sessionID,
		BaseVersion:     msg.BaseVersion,
		Field:           msg.Field,
		FieldID:         msg.FieldID,
		Changes:         msg.Changes,
		NewPosition:     msg.NewPosition,
		ClientTimestamp: msg.Timestamp,
	}
}

func (c *Conn) handleSubmit(ctx context.Context, msg ClientMessage, opType collab.OpType) {
	sess, ok := c.sessions[msg.DocID]
	if !ok {
		c.send <- ServerMessage{Type: "error", DocID: msg.DocID, Content: "NOT_IN_ROOM"}
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := c.sem.Acquire(submitCtx); err != nil {
		c.send <- ServerMessage{Type: "error", DocID: msg.DocID, Content: err.Error()}
		return
	}
	defer c.sem.Release()

	op := buildOperation(msg, opType, sess.ID)

	outcome, err := c.svc.Submit(ctx, op)
	if err != nil {
		// 校验类失败只回给提交方
		c.send <- ServerMessage{Type: "error", DocID: msg.DocID, Content: err.Error()}
		return
	}
	if outcome.Conflict != nil {
		// 冲突不广播：别的会话没受影响
		c.send <- ConflictMessage{
			Type:           "operation:conflict",
			DocID:          msg.DocID,
			OperationID:    msg.OperationID,
			CurrentVersion: outcome.Conflict.CurrentVersion,
			Fields:         outcome.Conflict.Fields,
			Settings:       outcome.Conflict.Settings,
		}
		return
	}

	applied := outcome.Applied
	deltaMsg := DeltaMessage{
		Type:        applied.Delta.Event,
		DocID:       applied.Delta.DocID,
		OperationID: applied.OperationID,
		Version:     applied.Version,
		Field:       applied.Delta.Field,
		FieldID:     applied.Delta.FieldID,
		Changes:     applied.Delta.Changes,
		NewPosition: applied.Delta.NewPosition,
	}
	// ack 给提交方，增量推给房间其余会话
	c.send <- deltaMsg
	c.hub.Broadcast(msg.DocID, deltaMsg, c)

	// 编辑过的字段锁顺延，编辑中不被别人抢走
	if op.FieldID != "" {
		_ = c.svc.Locks().Renew(msg.DocID, op.FieldID, sess.ID, 0)
	}
}

func (c *Conn) handleLockRequest(ctx context.Context, msg ClientMessage) {
	sess, ok := c.sessions[msg.DocID]
	if !ok {
		c.send <- ServerMessage{Type: "error", DocID: msg.DocID, Content: "NOT_IN_ROOM"}
		return
	}
	res, err := c.svc.AcquireLock(ctx, msg.DocID, msg.FieldID, sess.ID)
	if err != nil {
		c.send <- ServerMessage{Type: "error", DocID: msg.DocID, Content: err.Error()}
		return
	}
	if !res.Granted {
		// 锁被占不是错误，带回持有者给前端显示“xx 正在编辑”
		c.send <- LockMessage{
			Type:            "lock:denied",
			DocID:           msg.DocID,
			FieldID:         msg.FieldID,
			HolderSessionID: res.HolderSessionID,
		}
		return
	}
	granted := LockMessage{
		Type:            "lock:acquired",
		DocID:           msg.DocID,
		FieldID:         msg.FieldID,
		HolderSessionID: sess.ID,
		ExpiresAt:       res.Lock.ExpiresAt,
	}
	c.send <- granted
	c.hub.Broadcast(msg.DocID, granted, c)
}

func (c *Conn) handleLockRelease(ctx context.Context, msg ClientMessage) {
	sess, ok := c.sessions[msg.DocID]
	if !ok {
		c.send <- ServerMessage{Type: "error", DocID: msg.DocID, Content: "NOT_IN_ROOM"}
		return
	}
	if err := c.svc.ReleaseLock(ctx, msg.DocID, msg.FieldID, sess.ID); err != nil {
		c.send <- ServerMessage{Type: "error", DocID: msg.DocID, Content: err.Error()}
		return
	}
	released := LockMessage{
		Type:            "lock:released",
		DocID:           msg.DocID,
		FieldID:         msg.FieldID,
		HolderSessionID: sess.ID,
	}
	c.send <- released
	c.hub.Broadcast(msg.DocID, released, c)
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		// 断开 = 隐式 leave：注销会话、释放全部持锁、补发离开广播
		for docID := range c.sessions {
			c.leaveRoom(ctx, docID)
		}
		close(c.done)
	}()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (identity=%d, conn=%s): %v", c.identityID, c.connID, err)
			return
		}
		switch msg.Type {
		case "heartbeat":
			for docID, sess := range c.sessions {
				c.svc.Touch(sess.ID)
				if err := c.hub.Mirror().AddSession(ctx, docID, sess.ID, c.identityID, mirrorTTL); err != nil {
					log.Printf("presence mirror refresh error: %v", err)
				}
				// 心跳顺带把懒同步积压推下去
				c.svc.Sync().FlushPending(ctx, c.identityID, sess.ID)
			}
			c.send <- ServerMessage{Type: "feedback", Content: "Heartbeat received"}

		case "room:join":
			c.handleJoin(ctx, msg.DocID)

		case "room:leave":
			c.leaveRoom(ctx, msg.DocID)
			c.send <- ServerMessage{Type: "room:left", DocID: msg.DocID}

		case "field:add":
			c.handleSubmit(ctx, msg, collab.OpAddField)
		case "field:update":
			c.handleSubmit(ctx, msg, collab.OpUpdateField)
		case "field:delete":
			c.handleSubmit(ctx, msg, collab.OpDeleteField)
		case "field:reorder":
			c.handleSubmit(ctx, msg, collab.OpReorderField)

		case "lock:request":
			c.handleLockRequest(ctx, msg)
		case "lock:release":
			c.handleLockRelease(ctx, msg)

		case "cursor:move":
			sess, ok := c.sessions[msg.DocID]
			if !ok {
				continue
			}
			pos := &collab.CursorPos{X: msg.X, Y: msg.Y}
			// 光标是 fire-and-forget：不排队等任何变更操作
			c.svc.UpdateCursor(sess.ID, pos)
			if b, err := json.Marshal(pos); err == nil {
				if err := c.hub.Mirror().SetCursor(ctx, msg.DocID, sess.ID, b, mirrorTTL); err != nil {
					log.Printf("cursor mirror error: %v", err)
				}
			}
			c.hub.Broadcast(msg.DocID, CursorMessage{
				Type:       "presence:cursor",
				DocID:      msg.DocID,
				SessionID:  sess.ID,
				IdentityID: c.identityID,
				X:          msg.X,
				Y:          msg.Y,
			}, c)

		case "selection:change":
			sess, ok := c.sessions[msg.DocID]
			if !ok {
				continue
			}
			c.svc.UpdateSelection(sess.ID, msg.FieldID)
			c.hub.Broadcast(msg.DocID, SelectionMessage{
				Type:       "presence:selection",
				DocID:      msg.DocID,
				SessionID:  sess.ID,
				IdentityID: c.identityID,
				FieldID:    msg.FieldID,
			}, c)

		default:
			// 忽略未知类型，回一条提示
			c.send <- ServerMessage{Type: "ignored", Content: "Unknown message type"}
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费出站消息，直到连接关闭
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.WriteJSON(msg)
		case <-c.done:
			return
		}
	}
}
