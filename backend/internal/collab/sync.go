package collab

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// 失效通知：推给同一 identity 的其他会话，让它们丢掉本地陈旧状态。
type Invalidation struct {
	Kind     string    `json:"kind"` // document / profile / permission
	DocID    string    `json:"docId,omitempty"`
	Version  uint64    `json:"version,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
}

// 会话的下行出口。ws.Conn 实现它：Deliver 把消息送进出站队列，
// 队列满时阻塞到 ctx 超时为止。
type SessionSink interface {
	DeliverInvalidation(ctx context.Context, inv Invalidation) error
}

type syncEntry struct {
	sink SessionSink

	mu      sync.Mutex
	pending []Invalidation // 懒模式队列 + 强制同步超时后的补课清单
}

// Synchronizer：identityID -> 全部文档上的活跃会话，跨房间。
// 懒模式把失效排队、随心跳顺带下发；强制模式在触发请求返回前
// 同步推到该 identity 的每个会话（有超时兜底，不会无限等）。
type Synchronizer struct {
	mu sync.RWMutex
	// identityID -> sessionID -> entry
	byIdentity map[uint64]map[string]*syncEntry

	forceTimeout time.Duration
	maxPending   int
}

func NewSynchronizer(forceTimeout time.Duration) *Synchronizer {
	if forceTimeout <= 0 {
		forceTimeout = 3 * time.Second
	}
	return &Synchronizer{
		byIdentity:   make(map[uint64]map[string]*syncEntry),
		forceTimeout: forceTimeout,
		maxPending:   256,
	}
}

func (y *Synchronizer) Register(identityID uint64, sessionID string, sink SessionSink) {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.byIdentity[identityID] == nil {
		y.byIdentity[identityID] = make(map[string]*syncEntry)
	}
	y.byIdentity[identityID][sessionID] = &syncEntry{sink: sink}
}

func (y *Synchronizer) Unregister(identityID uint64, sessionID string) {
	y.mu.Lock()
	defer y.mu.Unlock()
	if m := y.byIdentity[identityID]; m != nil {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(y.byIdentity, identityID)
		}
	}
}

// Notify：懒模式。只入队，不等任何人。
func (y *Synchronizer) Notify(identityID uint64, inv Invalidation) {
	if inv.IssuedAt.IsZero() {
		inv.IssuedAt = time.Now()
	}
	y.mu.RLock()
	entries := make([]*syncEntry, 0, len(y.byIdentity[identityID]))
	for _, e := range y.byIdentity[identityID] {
		entries = append(entries, e)
	}
	y.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if len(e.pending) < y.maxPending {
			e.pending = append(e.pending, inv)
		}
		// 队列满直接丢：懒模式本来就只保证“最终有机会知道”
		e.mu.Unlock()
	}
}

// ForceSync：关键操作（权限/资料变更）触发。originSessionID 是触发方自己，
// 跳过；只有一个会话的 identity 因此天然是 no-op 快路径。对每个其余会话
// 并发推送，单个会话超时不拖垮整体，超时的转入 pending 等懒模式补课。
func (y *Synchronizer) ForceSync(ctx context.Context, identityID uint64, originSessionID string, inv Invalidation) error {
	if inv.IssuedAt.IsZero() {
		inv.IssuedAt = time.Now()
	}

	y.mu.RLock()
	targets := make(map[string]*syncEntry, len(y.byIdentity[identityID]))
	for sid, e := range y.byIdentity[identityID] {
		if sid != originSessionID {
			targets[sid] = e
		}
	}
	y.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range targets {
		e := e
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, y.forceTimeout)
			defer cancel()
			if err := e.sink.DeliverInvalidation(dctx, inv); err != nil {
				// 推不动的留到补课清单，不算整体失败
				e.mu.Lock()
				if len(e.pending) < y.maxPending {
					e.pending = append(e.pending, inv)
				}
				e.mu.Unlock()
			}
			return nil
		})
	}
	return g.Wait()
}

// FlushPending：把某会话积压的失效全部下发（心跳/Reaper 周期触发）。
func (y *Synchronizer) FlushPending(ctx context.Context, identityID uint64, sessionID string) {
	y.mu.RLock()
	var e *syncEntry
	if m := y.byIdentity[identityID]; m != nil {
		e = m[sessionID]
	}
	y.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()

	for i, inv := range queued {
		if err := e.sink.DeliverInvalidation(ctx, inv); err != nil {
			// 送不出去的塞回去，下个周期再试
			e.mu.Lock()
			e.pending = append(queued[i:], e.pending...)
			e.mu.Unlock()
			return
		}
	}
}

// FlushAll：Reaper 周期兜底，把所有会话的积压都推一轮。
func (y *Synchronizer) FlushAll(ctx context.Context) {
	y.mu.RLock()
	type pair struct {
		identity uint64
		session  string
	}
	var all []pair
	for id, m := range y.byIdentity {
		for sid := range m {
			all = append(all, pair{id, sid})
		}
	}
	y.mu.RUnlock()
	for _, p := range all {
		y.FlushPending(ctx, p.identity, p.session)
	}
}
