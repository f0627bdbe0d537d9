package collab

import (
	"sync"
	"time"

	"collabSession/backend/internal/crdt"
)

// Member 对外可见的会话成员（user-joined / collaborators-update 载荷）
type Member struct {
	UserID   uint64 `json:"userId"`
	UserName string `json:"userName"`
}

type SelectionRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type CursorInfo struct {
	Position  int             `json:"position"`
	Selection *SelectionRange `json:"selection,omitempty"`
}

// Presence 单个成员的临场状态，随连接生灭，不落任何持久化
type Presence struct {
	UserID   uint64
	UserName string
	Cursor   CursorInfo
}

// Session 一个协作会话：文档 + 在线成员 + 保存状态。
// 所有字段都只能在持有 mu 的情况下访问 —— 文档引擎假定串行 apply，
// 会话级互斥锁就是这条串行化边界。会话之间完全独立，可并行。
type Session struct {
	CollabID string

	mu           sync.Mutex
	doc          crdt.Document
	participants map[uint64]*Presence

	// 文档版本计数：每次成功 apply 递增。dirty = version > savedVersion
	version      uint64
	savedVersion uint64

	// 保存状态机 Idle -> Saving -> Idle，单飞 + 尾随重跑
	saveInFlight     bool
	savePending      bool
	pendingRequester uint64
	lastSavedAt      time.Time
	// 在途保存收尾时唤醒等待者（teardown flush 同步等待用）
	saveCond *sync.Cond

	// 已从注册表摘除。拿到旧引用的 join 需要重试
	removed bool
}

func newSession(collabID string, doc crdt.Document) *Session {
	s := &Session{
		CollabID:     collabID,
		doc:          doc,
		participants: make(map[uint64]*Presence),
	}
	s.saveCond = sync.NewCond(&s.mu)
	return s
}

// AddParticipant 注册成员并带出加入瞬间的完整快照。
// 快照与成员表在同一临界区内取出，保证 join 一致性。
// 会话已被摘除时返回 ok=false，调用方应重新走 GetOrCreate。
func (s *Session) AddParticipant(userID uint64, userName string) (snapshot []byte, members []Member, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil, nil, false
	}
	s.participants[userID] = &Presence{UserID: userID, UserName: userName}
	return s.doc.EncodeFullState(), s.membersLocked(), true
}

// RemoveParticipant 摘除成员，返回剩余人数与最新成员表
func (s *Session) RemoveParticipant(userID uint64) (existed bool, remaining int, members []Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[userID]; !ok {
		return false, len(s.participants), s.membersLocked()
	}
	delete(s.participants, userID)
	return true, len(s.participants), s.membersLocked()
}

func (s *Session) IsMember(userID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.participants[userID]
	return ok
}

func (s *Session) Members() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membersLocked()
}

func (s *Session) membersLocked() []Member {
	members := make([]Member, 0, len(s.participants))
	for _, p := range s.participants {
		members = append(members, Member{UserID: p.UserID, UserName: p.UserName})
	}
	return members
}

// ApplyUpdate 串行合并一份远端增量并标脏
func (s *Session) ApplyUpdate(update []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.doc.ApplyUpdate(update); err != nil {
		return err
	}
	s.version++
	return nil
}

// SetCursor 更新成员光标，返回该成员是否在会话内
func (s *Session) SetCursor(userID uint64, cursor CursorInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	if !ok {
		return false
	}
	p.Cursor = cursor
	return true
}

// Cursor 查询成员光标；成员不在线时 ok=false
func (s *Session) Cursor(userID uint64) (CursorInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	if !ok {
		return CursorInfo{}, false
	}
	return p.Cursor, true
}

func (s *Session) PlainText() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.PlainText()
}

// Dirty 自上次成功保存以来是否有改动
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version > s.savedVersion
}

func (s *Session) LastSavedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSavedAt
}

// beginSave 保存状态机入口。
// 已有保存在途时只做尾随标记（记住最后一个请求者），返回 run=false。
// 否则取出当前文本与版本号，进入 Saving。
func (s *Session) beginSave(requesterID uint64) (text string, version uint64, run bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveInFlight {
		s.savePending = true
		s.pendingRequester = requesterID
		return "", 0, false, nil
	}
	text, err = s.doc.PlainText()
	if err != nil {
		return "", 0, false, err
	}
	s.saveInFlight = true
	return text, s.version, true, nil
}

// endSave 保存状态机出口；返回是否有尾随请求需要立刻重跑
func (s *Session) endSave(version uint64, savedAt time.Time, success bool) (rerun bool, requesterID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveInFlight = false
	s.saveCond.Broadcast()
	if success {
		s.lastSavedAt = savedAt
		if version > s.savedVersion {
			s.savedVersion = version
		}
	}
	if s.savePending {
		s.savePending = false
		return true, s.pendingRequester
	}
	return false, 0
}

// waitSaveIdle 阻塞到没有在途保存为止
func (s *Session) waitSaveIdle() {
	s.mu.Lock()
	for s.saveInFlight {
		s.saveCond.Wait()
	}
	s.mu.Unlock()
}

// Registry 进程级会话注册表：collabID -> Session。
// 只有"找会话"这一步是多连接共享的，之后的工作都落在会话自己的锁内。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	engine   crdt.Engine
}

func NewRegistry(engine crdt.Engine) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		engine:   engine,
	}
}

func (r *Registry) Get(collabID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[collabID]
}

// GetOrCreate 不存在则新建。initialText 只在真正新建时用来播种文档
// （持久层恢复的内容），返回 created 表明本次调用是否创建了会话。
func (r *Registry) GetOrCreate(collabID string, initialText string) (sess *Session, created bool, err error) {
	r.mu.RLock()
	sess = r.sessions[collabID]
	r.mu.RUnlock()
	if sess != nil {
		return sess, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess = r.sessions[collabID]; sess != nil {
		return sess, false, nil
	}
	doc := r.engine.CreateEmpty()
	if initialText != "" {
		if _, err := doc.Insert(0, initialText); err != nil {
			return nil, false, err
		}
	}
	sess = newSession(collabID, doc)
	r.sessions[collabID] = sess
	return sess, true, nil
}

// RemoveIfEmpty 仅当会话确实没有成员时摘除，防止与并发 join 竞争
func (r *Registry) RemoveIfEmpty(collabID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[collabID]
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	empty := len(sess.participants) == 0
	if empty {
		sess.removed = true
	}
	sess.mu.Unlock()
	if !empty {
		return false
	}
	delete(r.sessions, collabID)
	return true
}

// Sessions 当前所有会话的快照（自动保存扫描用）
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
