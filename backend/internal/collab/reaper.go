package collab

import (
	"context"
	"log"
	"time"
)

// 房间广播出口，ws.Hub 实现。Reaper 清会话时要像客户端
// 正常断开一样补发离开/解锁广播。
type Broadcaster interface {
	BroadcastSessionLeft(docID string, sess *Session)
	BroadcastLockReleased(docID, fieldID, holderSessionID string)
}

// Reaper：固定周期的后台清扫。
// - 硬超时的会话：注销、释放其全部字段锁、补发 presence:left
// - 过期字段锁：独立于会话存活清掉（连接挂着不动也会过锁）
// - 幂等窗口、懒同步积压、Redis 镜像一并清理
type Reaper struct {
	svc      *InMemoryService
	bcast    Broadcaster
	interval time.Duration

	// 可选：Redis 镜像的过期清扫（镜像失败只打日志）
	mirrorSweep func(ctx context.Context) error

	stop chan struct{}
}

func NewReaper(svc *InMemoryService, bcast Broadcaster, interval time.Duration, mirrorSweep func(ctx context.Context) error) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		svc:         svc,
		bcast:       bcast,
		interval:    interval,
		mirrorSweep: mirrorSweep,
		stop:        make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.RunOnce(time.Now())
			case <-r.stop:
				return
			}
		}
	}()
}

func (r *Reaper) Stop() { close(r.stop) }

// RunOnce：一轮清扫。拆出来方便测试直接驱动。
func (r *Reaper) RunOnce(now time.Time) {
	// 会话硬超时：当成优雅断开处理
	for _, sess := range r.svc.presence.PurgeStale(now) {
		released := r.svc.locks.ReleaseAllForSession(sess.ID)
		r.svc.syn.Unregister(sess.IdentityID, sess.ID)
		if r.bcast != nil {
			for _, l := range released {
				r.bcast.BroadcastLockReleased(l.DocID, l.FieldID, l.HolderSessionID)
			}
			r.bcast.BroadcastSessionLeft(sess.DocID, sess)
		}
		// 还有注册会话就保留房间，闲置会话的权威状态在内存里
		if r.svc.presence.CountRegistered(sess.DocID) == 0 {
			r.svc.evictRoomIfIdle(sess.DocID)
		}
	}

	// 锁过期与会话存活无关，单独扫
	for _, l := range r.svc.locks.ExpireSweep(now) {
		if r.bcast != nil {
			r.bcast.BroadcastLockReleased(l.DocID, l.FieldID, l.HolderSessionID)
		}
	}

	r.svc.PruneRecent(now)

	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()
	r.svc.syn.FlushAll(ctx)

	if r.mirrorSweep != nil {
		if err := r.mirrorSweep(ctx); err != nil {
			log.Printf("presence mirror sweep error: %v", err)
		}
	}
}
