package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"collabSession/backend/internal/crdt"
)

func newTestService(t *testing.T, store *fakeStore) (Service, *Registry, *fakeNotifier) {
	t.Helper()
	if store.loadErr == nil && store.loadResult == "" {
		store.loadErr = ErrNoSavedContent
	}
	r := NewRegistry(crdt.NewAutomergeEngine())
	notifier := &fakeNotifier{}
	sv := NewSaver(store, notifier, time.Second)
	svc := NewService(r, store, sv, nil, nil)
	return svc, r, notifier
}

func TestServiceJoinAndUpdateFlow(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &fakeStore{})
	eng := crdt.NewAutomergeEngine()

	// A 加入，拿到空文档快照
	resA, err := svc.Join(ctx, "doc-1", 1, "alice")
	if err != nil {
		t.Fatalf("Join A error: %v", err)
	}
	if resA.UserCount != 1 {
		t.Fatalf("UserCount = %d, want 1", resA.UserCount)
	}
	docA, err := eng.Load(resA.Snapshot)
	if err != nil {
		t.Fatalf("load A snapshot error: %v", err)
	}

	// A 插入 "Hello" 并提交增量
	d1, err := docA.Insert(0, "Hello")
	if err != nil {
		t.Fatalf("A insert error: %v", err)
	}
	if err := svc.SubmitUpdate(ctx, "doc-1", 1, d1); err != nil {
		t.Fatalf("SubmitUpdate error: %v", err)
	}

	// B 加入，快照里必须已有 "Hello"
	resB, err := svc.Join(ctx, "doc-1", 2, "bob")
	if err != nil {
		t.Fatalf("Join B error: %v", err)
	}
	if resB.UserCount != 2 {
		t.Fatalf("UserCount = %d, want 2", resB.UserCount)
	}
	docB, err := eng.Load(resB.Snapshot)
	if err != nil {
		t.Fatalf("load B snapshot error: %v", err)
	}
	if text, _ := docB.PlainText(); text != "Hello" {
		t.Fatalf("B snapshot text = %q, want %q", text, "Hello")
	}

	// B 补 " world"，A 应用后双方一致
	d2, err := docB.Insert(5, " world")
	if err != nil {
		t.Fatalf("B insert error: %v", err)
	}
	if err := svc.SubmitUpdate(ctx, "doc-1", 2, d2); err != nil {
		t.Fatalf("SubmitUpdate error: %v", err)
	}
	if err := docA.ApplyUpdate(d2); err != nil {
		t.Fatalf("A apply error: %v", err)
	}
	if text, _ := docA.PlainText(); text != "Hello world" {
		t.Fatalf("A text = %q, want %q", text, "Hello world")
	}
}

func TestServiceUnknownCollab(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &fakeStore{})

	if err := svc.SubmitUpdate(ctx, "nope", 1, []byte{1}); !errors.Is(err, ErrCollabNotFound) {
		t.Fatalf("SubmitUpdate error = %v, want ErrCollabNotFound", err)
	}
	if err := svc.UpdateCursor(ctx, "nope", 1, CursorInfo{}); !errors.Is(err, ErrCollabNotFound) {
		t.Fatalf("UpdateCursor error = %v, want ErrCollabNotFound", err)
	}
	if err := svc.RequestSave(ctx, "nope", 1); !errors.Is(err, ErrCollabNotFound) {
		t.Fatalf("RequestSave error = %v, want ErrCollabNotFound", err)
	}
}

func TestServiceNonMemberRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &fakeStore{})
	if _, err := svc.Join(ctx, "doc-m", 1, "alice"); err != nil {
		t.Fatalf("Join error: %v", err)
	}
	if err := svc.SubmitUpdate(ctx, "doc-m", 99, []byte{1}); !errors.Is(err, ErrNotMember) {
		t.Fatalf("SubmitUpdate error = %v, want ErrNotMember", err)
	}
}

// 最后一个成员离开：未保存改动落盘、会话销毁、重进拿到全新文档
func TestServiceTeardownAndRejoin(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	svc, registry, _ := newTestService(t, store)
	eng := crdt.NewAutomergeEngine()

	resA, _ := svc.Join(ctx, "doc-td", 1, "alice")
	docA, _ := eng.Load(resA.Snapshot)
	d1, _ := docA.Insert(0, "unsaved edits")
	if err := svc.SubmitUpdate(ctx, "doc-td", 1, d1); err != nil {
		t.Fatalf("SubmitUpdate error: %v", err)
	}

	if _, err := svc.Join(ctx, "doc-td", 2, "bob"); err != nil {
		t.Fatalf("Join B error: %v", err)
	}

	// A 离开：B 还在，会话不销毁
	res, err := svc.Leave(ctx, "doc-td", 1)
	if err != nil {
		t.Fatalf("Leave A error: %v", err)
	}
	if !res.Existed || res.Remaining != 1 {
		t.Fatalf("Leave A: %+v", res)
	}
	if registry.Get("doc-td") == nil {
		t.Fatal("session torn down while a participant remained")
	}

	// B 离开：落盘 + 销毁
	res, err = svc.Leave(ctx, "doc-td", 2)
	if err != nil {
		t.Fatalf("Leave B error: %v", err)
	}
	if res.Remaining != 0 {
		t.Fatalf("Remaining = %d, want 0", res.Remaining)
	}
	if registry.Get("doc-td") != nil {
		t.Fatal("session still in registry after last leave")
	}
	store.mu.Lock()
	flushed := store.lastSaved
	store.mu.Unlock()
	if flushed != "unsaved edits" {
		t.Fatalf("teardown flush persisted %q, want %q", flushed, "unsaved edits")
	}

	// 重新加入：从持久层恢复内容
	store.mu.Lock()
	store.loadResult = flushed
	store.loadErr = nil
	store.mu.Unlock()
	resC, err := svc.Join(ctx, "doc-td", 3, "carol")
	if err != nil {
		t.Fatalf("rejoin error: %v", err)
	}
	docC, _ := eng.Load(resC.Snapshot)
	if text, _ := docC.PlainText(); text != "unsaved edits" {
		t.Fatalf("restored text = %q, want %q", text, "unsaved edits")
	}
}

func TestServiceRejoinFreshWhenNothingSaved(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{loadErr: ErrNoSavedContent}
	svc, registry, _ := newTestService(t, store)
	eng := crdt.NewAutomergeEngine()

	if _, err := svc.Join(ctx, "doc-fresh", 1, "alice"); err != nil {
		t.Fatalf("Join error: %v", err)
	}
	if _, err := svc.Leave(ctx, "doc-fresh", 1); err != nil {
		t.Fatalf("Leave error: %v", err)
	}
	if registry.Get("doc-fresh") != nil {
		t.Fatal("session not removed")
	}

	res, err := svc.Join(ctx, "doc-fresh", 2, "bob")
	if err != nil {
		t.Fatalf("rejoin error: %v", err)
	}
	doc, _ := eng.Load(res.Snapshot)
	if text, _ := doc.PlainText(); text != "" {
		t.Fatalf("rejoined doc text = %q, want empty", text)
	}
}
