package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"collabSession/backend/internal/cache"
)

var (
	// 报给客户端的文案固定为 "Collaboration not found"
	ErrCollabNotFound = errors.New("Collaboration not found")
	ErrNotMember      = errors.New("not a member of this collaboration")
)

// 镜像到 Redis 的在线状态逻辑 TTL（心跳刷新）
const presenceTTL = 600 * time.Second

// Service 协作会话的操作面，ws 层的所有入站事件最终落到这里
type Service interface {
	// Join 加入（必要时创建）会话，返回加入瞬间的完整快照与成员表
	Join(ctx context.Context, collabID string, userID uint64, userName string) (JoinResult, error)
	// SubmitUpdate 应用一份客户端增量；调用方负责把增量原样转发给其他成员
	SubmitUpdate(ctx context.Context, collabID string, userID uint64, update []byte) error
	// UpdateCursor 记录光标并镜像到 Redis；不做持久化
	UpdateCursor(ctx context.Context, collabID string, userID uint64, cursor CursorInfo) error
	// RequestSave 触发一次保存；结果经 Notifier 异步回报
	RequestSave(ctx context.Context, collabID string, userID uint64) error
	// Heartbeat 刷新 Redis 在线状态的逻辑 TTL
	Heartbeat(ctx context.Context, collabID string, userID uint64) error
	// Leave 离开会话；最后一个成员离开时落盘并销毁会话
	Leave(ctx context.Context, collabID string, userID uint64) (LeaveResult, error)
}

type JoinResult struct {
	Snapshot  []byte
	Members   []Member
	UserCount int
}

type LeaveResult struct {
	Existed   bool
	Remaining int
	Members   []Member
}

type service struct {
	registry   *Registry
	store      ContentStore
	saver      *Saver
	dispatcher *KafkaDispatcher
	presence   cache.PresenceCache
}

func NewService(registry *Registry, store ContentStore, saver *Saver, dispatcher *KafkaDispatcher, presence cache.PresenceCache) Service {
	return &service{
		registry:   registry,
		store:      store,
		saver:      saver,
		dispatcher: dispatcher,
		presence:   presence,
	}
}

func (s *service) Join(ctx context.Context, collabID string, userID uint64, userName string) (JoinResult, error) {
	if collabID == "" {
		return JoinResult{}, errors.New("collaborationId required")
	}

	for {
		sess := s.registry.Get(collabID)
		if sess == nil {
			// 新会话：先看持久层有没有历史内容可以播种
			initial := ""
			if s.store != nil {
				text, err := s.store.LoadContent(ctx, collabID)
				switch {
				case err == nil:
					initial = text
				case errors.Is(err, ErrNoSavedContent):
					// 全新文档
				default:
					// 持久层不可达不阻塞协作，从空文档开始
					log.Printf("load content failed collab=%s err=%v", collabID, err)
				}
			}
			var err error
			sess, _, err = s.registry.GetOrCreate(collabID, initial)
			if err != nil {
				return JoinResult{}, err
			}
		}

		snapshot, members, ok := sess.AddParticipant(userID, userName)
		if !ok {
			// 会话恰好在销毁中，重试一轮会拿到新会话
			continue
		}

		if s.presence != nil {
			if err := s.presence.AddMember(ctx, collabID, userID, userName, presenceTTL); err != nil {
				log.Printf("presence mirror add failed collab=%s user=%d err=%v", collabID, userID, err)
			}
		}
		return JoinResult{Snapshot: snapshot, Members: members, UserCount: len(members)}, nil
	}
}

func (s *service) SubmitUpdate(ctx context.Context, collabID string, userID uint64, update []byte) error {
	sess := s.registry.Get(collabID)
	if sess == nil {
		return ErrCollabNotFound
	}
	if !sess.IsMember(userID) {
		return ErrNotMember
	}
	if err := sess.ApplyUpdate(update); err != nil {
		return err
	}
	if s.dispatcher != nil {
		s.dispatcher.Enqueue(UpdateEvent{
			EventType:  EventUpdateApplied,
			CollabID:   collabID,
			AuthorID:   userID,
			UpdateSize: len(update),
			AppliedAt:  time.Now(),
		})
	}
	return nil
}

func (s *service) UpdateCursor(ctx context.Context, collabID string, userID uint64, cursor CursorInfo) error {
	sess := s.registry.Get(collabID)
	if sess == nil {
		return ErrCollabNotFound
	}
	if !sess.SetCursor(userID, cursor) {
		return ErrNotMember
	}
	if s.presence != nil {
		if b, err := json.Marshal(cursor); err == nil {
			if err := s.presence.SetCursor(ctx, collabID, userID, b, presenceTTL); err != nil {
				log.Printf("cursor mirror failed collab=%s user=%d err=%v", collabID, userID, err)
			}
		}
	}
	return nil
}

func (s *service) RequestSave(ctx context.Context, collabID string, userID uint64) error {
	sess := s.registry.Get(collabID)
	if sess == nil {
		return ErrCollabNotFound
	}
	if !sess.IsMember(userID) {
		return ErrNotMember
	}
	s.saver.RequestSave(sess, userID)
	return nil
}

func (s *service) Heartbeat(ctx context.Context, collabID string, userID uint64) error {
	sess := s.registry.Get(collabID)
	if sess == nil {
		return ErrCollabNotFound
	}
	p, ok := s.memberPresence(sess, userID)
	if !ok {
		return ErrNotMember
	}
	if s.presence != nil {
		if err := s.presence.AddMember(ctx, collabID, userID, p.UserName, presenceTTL); err != nil {
			log.Printf("presence mirror refresh failed collab=%s user=%d err=%v", collabID, userID, err)
		}
	}
	return nil
}

func (s *service) memberPresence(sess *Session, userID uint64) (Presence, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	p, ok := sess.participants[userID]
	if !ok {
		return Presence{}, false
	}
	return *p, true
}

func (s *service) Leave(ctx context.Context, collabID string, userID uint64) (LeaveResult, error) {
	sess := s.registry.Get(collabID)
	if sess == nil {
		return LeaveResult{}, ErrCollabNotFound
	}
	existed, remaining, members := sess.RemoveParticipant(userID)

	if s.presence != nil && existed {
		if err := s.presence.RemoveMember(ctx, collabID, userID); err != nil {
			log.Printf("presence mirror remove failed collab=%s user=%d err=%v", collabID, userID, err)
		}
	}

	if remaining == 0 {
		// 最后一个成员离开：内存文档即将丢弃，改动必须先落盘。
		// 走保存状态机，不与还在途的请求保存 / 自动保存并发落盘
		if sess.Dirty() {
			if err := s.saver.FlushSync(sess); err == nil {
				s.emitSnapshotSaved(collabID)
			}
		}
		s.registry.RemoveIfEmpty(collabID)
	}
	return LeaveResult{Existed: existed, Remaining: remaining, Members: members}, nil
}

func (s *service) emitSnapshotSaved(collabID string) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Enqueue(UpdateEvent{
		EventType: EventSnapshotSaved,
		CollabID:  collabID,
		AppliedAt: time.Now(),
	})
}
