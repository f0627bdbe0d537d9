package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ContentStore 外部持久化服务的边界（实现见 store 包）。
// LoadContent 在没有任何已保存内容时返回 ErrNoSavedContent。
type ContentStore interface {
	SaveContent(ctx context.Context, collabID string, content string) error
	LoadContent(ctx context.Context, collabID string) (string, error)
}

var ErrNoSavedContent = errors.New("no saved content")

// Notifier 保存结果回报给会话成员的出口（由 ws.Hub 实现）。
// requesterID 为 0 表示自动保存，失败时通知全员；否则只通知请求者。
type Notifier interface {
	NotifySaved(collabID string, savedAt time.Time)
	NotifySaveError(collabID string, requesterID uint64, message string)
}

var ErrSaveTimeout = errors.New("save timed out")

// Saver 持久化触发器。每个会话同一时刻至多一个在途保存（单飞），
// 在途期间到达的请求合并成一次尾随重跑。保存调用带超时，超时按失败上报。
type Saver struct {
	store    ContentStore
	notifier Notifier
	timeout  time.Duration

	wg sync.WaitGroup
}

func NewSaver(store ContentStore, notifier Notifier, timeout time.Duration) *Saver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Saver{store: store, notifier: notifier, timeout: timeout}
}

// RequestSave 触发一次保存；立即返回，不阻塞编辑链路
func (sv *Saver) RequestSave(sess *Session, requesterID uint64) {
	text, version, run, err := sess.beginSave(requesterID)
	if err != nil {
		log.Printf("materialize text failed collab=%s err=%v", sess.CollabID, err)
		if sv.notifier != nil {
			sv.notifier.NotifySaveError(sess.CollabID, requesterID, "save failed")
		}
		return
	}
	if !run {
		// 已有在途保存，尾随标记已记下
		return
	}
	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		sv.runSave(sess, requesterID, text, version)
	}()
}

func (sv *Saver) runSave(sess *Session, requesterID uint64, text string, version uint64) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), sv.timeout)
		err := sv.store.SaveContent(ctx, sess.CollabID, text)
		cancel()

		savedAt := time.Now()
		rerun, nextRequester := sess.endSave(version, savedAt, err == nil)

		if err != nil {
			log.Printf("save failed collab=%s err=%v", sess.CollabID, err)
			if sv.notifier != nil {
				sv.notifier.NotifySaveError(sess.CollabID, requesterID, "save failed")
			}
		} else {
			if sv.notifier != nil {
				sv.notifier.NotifySaved(sess.CollabID, savedAt)
			}
		}

		if !rerun {
			return
		}
		// 尾随重跑：重新取最新文本
		var run bool
		text, version, run, err = sess.beginSave(nextRequester)
		if err != nil || !run {
			if err != nil {
				log.Printf("materialize text failed collab=%s err=%v", sess.CollabID, err)
			}
			return
		}
		requesterID = nextRequester
	}
}

// FlushSync 同步落盘，最后一个成员离开、文档即将丢弃时调用。
// 与 RequestSave 共用同一个保存状态机：已有在途保存时只标记尾随、
// 等它（连同尾随重跑）收尾后复查，绝不对同一会话并发两个 SaveContent。
func (sv *Saver) FlushSync(sess *Session) error {
	for {
		text, version, run, err := sess.beginSave(0)
		if err != nil {
			log.Printf("materialize text failed collab=%s err=%v", sess.CollabID, err)
			return err
		}
		if !run {
			sess.waitSaveIdle()
			if !sess.Dirty() {
				return nil
			}
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), sv.timeout)
		err = sv.store.SaveContent(ctx, sess.CollabID, text)
		cancel()
		rerun, _ := sess.endSave(version, time.Now(), err == nil)
		if err != nil {
			log.Printf("teardown save failed collab=%s err=%v", sess.CollabID, err)
			return err
		}
		if !rerun {
			return nil
		}
	}
}

// Wait 等待所有在途保存结束（退出前调用）
func (sv *Saver) Wait() { sv.wg.Wait() }

// AutoSaver 周期扫描注册表，为有未保存改动的会话触发保存
type AutoSaver struct {
	registry *Registry
	saver    *Saver
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewAutoSaver(registry *Registry, saver *Saver, interval time.Duration) *AutoSaver {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AutoSaver{registry: registry, saver: saver, interval: interval}
}

func (a *AutoSaver) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		t := time.NewTicker(a.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				// 被销毁的会话不在注册表里，自然脱离扫描，没有定时器泄漏
				for _, sess := range a.registry.Sessions() {
					if sess.Dirty() {
						a.saver.RequestSave(sess, 0)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (a *AutoSaver) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
}
