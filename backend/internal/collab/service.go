package collab

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 协作引擎接口
type Service interface {
	// 房间/会话
	JoinRoom(ctx context.Context, docID string, identityID uint64, connID string) (*Session, error)
	LeaveRoom(ctx context.Context, sessionID string) (*Session, []FieldLock)
	Touch(sessionID string)
	UpdateCursor(sessionID string, pos *CursorPos) bool
	UpdateSelection(sessionID string, fieldID string) bool
	ListActive(docID string) []*Session

	// 变更
	Submit(ctx context.Context, op Operation) (SubmitOutcome, error)

	// 字段锁
	AcquireLock(ctx context.Context, docID, fieldID, sessionID string) (LockResult, error)
	ReleaseLock(ctx context.Context, docID, fieldID, sessionID string) error

	// 只读
	CurrentVersion(ctx context.Context, docID string) (uint64, error)
	CurrentState(ctx context.Context, docID string) (*Document, error)
	Snapshots(ctx context.Context, docID string, limit int) ([]VersionSnapshot, error)

	// 跨端同步
	Sync() *Synchronizer
	Presence() *PresenceStore
	Locks() *LockTable
}

// 持久层接口，实现在 store 包
type DocumentStore interface {
	LoadDocument(ctx context.Context, docID string) (*Document, error)
	// SaveDocument 带版本单调保护：只允许把更低的持久版本推高
	SaveDocument(ctx context.Context, doc *Document) error
}

type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap VersionSnapshot) error
	ListSnapshots(ctx context.Context, docID string, limit int) ([]VersionSnapshot, error)
}

// 幂等窗口：同一个 operationId 在窗口内重发，返回首次结果，不二次应用
const recentOpRetention = 2 * time.Minute

type recentResult struct {
	outcome  SubmitOutcome
	storedAt time.Time
}

// 一个文档房间的内存态。room.mu 是该文档所有变更的串行化点：
// 版本计数、快照账本、锁表条目都只在持有它时改，
// 不同文档之间完全并行，没有全局锁。
type room struct {
	mu  sync.Mutex
	doc *Document
	// 内存快照账本（环形，近期窗口），权威历史在 SnapshotStore
	snapshots []VersionSnapshot
	// sessionID -> operationId -> 首次结果
	recent map[string]map[string]recentResult
}

type InMemoryService struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	ringCap int

	presence *PresenceStore
	locks    *LockTable
	syn      *Synchronizer

	docStore  DocumentStore
	snapStore SnapshotStore
	events    *EventDispatcher

	lockTTL time.Duration

	// 存储回刷重试参数（内存态是权威，刷不动就退避重试）
	flushMaxRetry    int
	flushBaseBackoff time.Duration
	flushMaxBackoff  time.Duration
}

func NewInMemoryService(docStore DocumentStore, snapStore SnapshotStore, events *EventDispatcher, syn *Synchronizer) *InMemoryService {
	return &InMemoryService{
		rooms:            make(map[string]*room),
		ringCap:          256,
		presence:         NewPresenceStore(),
		locks:            NewLockTable(),
		syn:              syn,
		docStore:         docStore,
		snapStore:        snapStore,
		events:           events,
		lockTTL:          DefaultLockTTL,
		flushMaxRetry:    5,
		flushBaseBackoff: 100 * time.Millisecond,
		flushMaxBackoff:  3 * time.Second,
	}
}

func (s *InMemoryService) Sync() *Synchronizer     { return s.syn }
func (s *InMemoryService) Presence() *PresenceStore { return s.presence }
func (s *InMemoryService) Locks() *LockTable        { return s.locks }

// getRoom：房间已存在直接返回；否则从存储加载文档一次并建房
// （Empty -> Active）。文档不存在返回 ErrDocumentNotFound。
func (s *InMemoryService) getRoom(ctx context.Context, docID string) (*room, error) {
	s.mu.RLock()
	r := s.rooms[docID]
	s.mu.RUnlock()
	if r != nil {
		return r, nil
	}

	doc, err := s.docStore.LoadDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	sortByPosition(doc.Fields)
	if doc.Version == 0 {
		doc.Version = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// 加载期间别人可能已经建好
	if r = s.rooms[docID]; r == nil {
		r = &room{
			doc:    doc,
			recent: make(map[string]map[string]recentResult),
		}
		s.rooms[docID] = r
	}
	return r, nil
}

func (s *InMemoryService) lookupRoom(docID string) *room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[docID]
}

func (s *InMemoryService) JoinRoom(ctx context.Context, docID string, identityID uint64, connID string) (*Session, error) {
	if _, err := s.getRoom(ctx, docID); err != nil {
		return nil, err
	}
	sess := s.presence.Join(docID, identityID, connID)
	return sess, nil
}

// LeaveRoom：断开 = 隐式 leave + 释放全部持锁。返回释放的锁用于广播。
// 最后一个会话离开后房间可被清出（持久存储仍是权威）。
func (s *InMemoryService) LeaveRoom(ctx context.Context, sessionID string) (*Session, []FieldLock) {
	sess := s.presence.Leave(sessionID)
	released := s.locks.ReleaseAllForSession(sessionID)
	if sess != nil {
		s.syn.Unregister(sess.IdentityID, sess.ID)
		// 只要还有会话注册着（哪怕闲置出了活跃窗口）房间就不能回收，
		// 版本账本和幂等窗口对它们仍是权威
		if s.presence.CountRegistered(sess.DocID) == 0 {
			s.evictRoomIfIdle(sess.DocID)
		}
	}
	return sess, released
}

func (s *InMemoryService) evictRoomIfIdle(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[docID]
	if r == nil {
		return
	}
	// 幂等窗口和快照环随房间一起走；落库的内容早已异步刷出
	delete(s.rooms, docID)
}

func (s *InMemoryService) Touch(sessionID string) { s.presence.Touch(sessionID) }

func (s *InMemoryService) UpdateCursor(sessionID string, pos *CursorPos) bool {
	return s.presence.UpdateCursor(sessionID, pos)
}

func (s *InMemoryService) UpdateSelection(sessionID string, fieldID string) bool {
	return s.presence.UpdateSelection(sessionID, fieldID)
}

func (s *InMemoryService) ListActive(docID string) []*Session {
	return s.presence.ListActive(docID)
}

// Submit：冲突检测 + 应用 + 版本推进，全部在 room.mu 里一次做完。
//   - baseVersion == 当前版本：应用，版本 +1，追加变更前快照，返回待广播 delta
//   - baseVersion <  当前版本：冲突，带回当前版本和完整当前状态
//   - operationId 命中幂等窗口：原样返回首次结果
// 校验失败（未知字段等）作为 error 返回，是客户端错误，不是引擎故障。
func (s *InMemoryService) Submit(ctx context.Context, op Operation) (SubmitOutcome, error) {
	sess, ok := s.presence.Get(op.SessionID)
	if !ok {
		return SubmitOutcome{}, ErrSessionNotFound
	}
	r, err := s.getRoom(ctx, op.DocID)
	if err != nil {
		return SubmitOutcome{}, err
	}
	if op.OperationID == "" {
		op.OperationID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// 幂等：网络重发不二次应用
	if byOp := r.recent[op.SessionID]; byOp != nil {
		if prev, hit := byOp[op.OperationID]; hit {
			return prev.outcome, nil
		}
	}

	if op.BaseVersion != r.doc.Version {
		outcome := SubmitOutcome{Conflict: &VersionConflict{
			CurrentVersion: r.doc.Version,
			Fields:         cloneFields(r.doc.Fields),
			Settings:       cloneMap(r.doc.Settings),
		}}
		s.remember(r, op.SessionID, op.OperationID, outcome)
		return outcome, nil
	}

	// 变更前快照：version N 的快照 = 产生 N+1 的那次变更之前的状态
	snap := VersionSnapshot{
		DocID:     r.doc.ID,
		Version:   r.doc.Version,
		Fields:    cloneFields(r.doc.Fields),
		Settings:  cloneMap(r.doc.Settings),
		ChangedBy: sess.IdentityID,
		CreatedAt: time.Now(),
	}

	delta, summary, err := applyOperation(r.doc, op)
	if err != nil {
		return SubmitOutcome{}, err
	}
	snap.Summary = summary

	r.doc.Version++
	delta.Version = r.doc.Version

	// 快照环：内存里留近期窗口，完整历史靠 SnapshotStore
	if s.ringCap > 0 && len(r.snapshots) >= s.ringCap {
		copy(r.snapshots, r.snapshots[1:])
		r.snapshots = r.snapshots[:len(r.snapshots)-1]
	}
	r.snapshots = append(r.snapshots, snap)

	applied := &AppliedOp{
		OperationID: op.OperationID,
		Version:     r.doc.Version,
		IdentityID:  sess.IdentityID,
		Delta:       delta,
		AppliedAt:   time.Now(),
	}
	outcome := SubmitOutcome{Applied: applied}
	s.remember(r, op.SessionID, op.OperationID, outcome)

	// 持久化和事件流都不挡在串行化点里：拷贝出去异步刷
	docCopy := &Document{
		ID:       r.doc.ID,
		Fields:   cloneFields(r.doc.Fields),
		Settings: cloneMap(r.doc.Settings),
		Version:  r.doc.Version,
	}
	go s.flushWithRetry(docCopy, snap)

	if s.events != nil {
		evt := FieldOpEvent{
			EventType:   "FIELD_OP_APPLIED",
			DocID:       op.DocID,
			OperationID: op.OperationID,
			Version:     applied.Version,
			BaseVersion: op.BaseVersion,
			IdentityID:  sess.IdentityID,
			SessionID:   op.SessionID,
			Delta:       delta,
			AppliedAt:   applied.AppliedAt,
		}
		// 房间锁还持着，入队必须非阻塞：事件流允许丢，提交链路不允许停
		if err := s.events.TryEnqueue(evt); err != nil {
			log.Printf("event enqueue dropped doc=%s op=%s: %v", op.DocID, op.OperationID, err)
		}
	}

	// 同 identity 的其他会话懒模式失效
	s.syn.Notify(sess.IdentityID, Invalidation{
		Kind:    "document",
		DocID:   op.DocID,
		Version: applied.Version,
		Reason:  summary,
	})

	return outcome, nil
}

func (s *InMemoryService) remember(r *room, sessionID, opID string, outcome SubmitOutcome) {
	byOp := r.recent[sessionID]
	if byOp == nil {
		byOp = make(map[string]recentResult)
		r.recent[sessionID] = byOp
	}
	byOp[opID] = recentResult{outcome: outcome, storedAt: time.Now()}
}

// PruneRecent：Reaper 周期调用，清掉幂等窗口外的条目。
func (s *InMemoryService) PruneRecent(now time.Time) {
	s.mu.RLock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	cutoff := now.Add(-recentOpRetention)
	for _, r := range rooms {
		r.mu.Lock()
		for sid, byOp := range r.recent {
			for opID, res := range byOp {
				if res.storedAt.Before(cutoff) {
					delete(byOp, opID)
				}
			}
			if len(byOp) == 0 {
				delete(r.recent, sid)
			}
		}
		r.mu.Unlock()
	}
}

// 回刷退避重试：内存态是权威，失败只影响持久历史的时效性。
// 反复失败打日志留给运维告警链路，不往房间里传播。
func (s *InMemoryService) flushWithRetry(doc *Document, snap VersionSnapshot) {
	backoff := s.flushBaseBackoff
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.snapStore.AppendSnapshot(ctx, snap)
		if err == nil {
			err = s.docStore.SaveDocument(ctx, doc)
		}
		cancel()
		if err == nil {
			return
		}
		if attempt >= s.flushMaxRetry {
			log.Printf("storage flush failed, giving up doc=%s v=%d err=%v", doc.ID, doc.Version, err)
			return
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > s.flushMaxBackoff {
			backoff = s.flushMaxBackoff
		}
	}
}

// AcquireLock：锁是协作提示，真正的裁决在 Submit 的版本校验。
func (s *InMemoryService) AcquireLock(ctx context.Context, docID, fieldID, sessionID string) (LockResult, error) {
	if _, ok := s.presence.Get(sessionID); !ok {
		return LockResult{}, ErrSessionNotFound
	}
	r, err := s.getRoom(ctx, docID)
	if err != nil {
		return LockResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if indexOfField(r.doc.Fields, fieldID) < 0 {
		return LockResult{}, ErrUnknownField
	}
	return s.locks.Acquire(docID, fieldID, sessionID, s.lockTTL), nil
}

func (s *InMemoryService) ReleaseLock(ctx context.Context, docID, fieldID, sessionID string) error {
	return s.locks.Release(docID, fieldID, sessionID)
}

func (s *InMemoryService) CurrentVersion(ctx context.Context, docID string) (uint64, error) {
	r, err := s.getRoom(ctx, docID)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Version, nil
}

// CurrentState 返回文档的深拷贝，调用方随便读。
func (s *InMemoryService) CurrentState(ctx context.Context, docID string) (*Document, error) {
	r, err := s.getRoom(ctx, docID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Document{
		ID:       r.doc.ID,
		Fields:   cloneFields(r.doc.Fields),
		Settings: cloneMap(r.doc.Settings),
		Version:  r.doc.Version,
	}, nil
}

// Snapshots：优先内存环（房间活着时近期窗口都在），不够再查存储。
func (s *InMemoryService) Snapshots(ctx context.Context, docID string, limit int) ([]VersionSnapshot, error) {
	if r := s.lookupRoom(docID); r != nil {
		r.mu.Lock()
		if limit <= 0 || limit > len(r.snapshots) {
			limit = len(r.snapshots)
		}
		out := make([]VersionSnapshot, limit)
		copy(out, r.snapshots[len(r.snapshots)-limit:])
		r.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}
	}
	if s.snapStore == nil {
		return nil, nil
	}
	return s.snapStore.ListSnapshots(ctx, docID, limit)
}

var _ Service = (*InMemoryService)(nil)

// 给测试和调试用：按版本号在内存环里找快照
func (s *InMemoryService) snapshotAt(docID string, version uint64) (VersionSnapshot, bool) {
	r := s.lookupRoom(docID)
	if r == nil {
		return VersionSnapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, snap := range r.snapshots {
		if snap.Version == version {
			return snap, true
		}
	}
	return VersionSnapshot{}, false
}
