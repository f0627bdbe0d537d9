package crdt

import (
	"fmt"
	"math/rand"
	"testing"
)

func mustText(t *testing.T, d Document) string {
	t.Helper()
	s, err := d.PlainText()
	if err != nil {
		t.Fatalf("PlainText error: %v", err)
	}
	return s
}

func TestInsertDelete(t *testing.T) {
	eng := NewAutomergeEngine()
	doc := eng.CreateEmpty()

	if got := mustText(t, doc); got != "" {
		t.Fatalf("empty doc text = %q, want empty", got)
	}

	if _, err := doc.Insert(0, "Hello world"); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if got := mustText(t, doc); got != "Hello world" {
		t.Fatalf("text = %q, want %q", got, "Hello world")
	}
	if doc.Len() != 11 {
		t.Fatalf("Len = %d, want 11", doc.Len())
	}

	if _, err := doc.Delete(5, 6); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if got := mustText(t, doc); got != "Hello" {
		t.Fatalf("text after delete = %q, want %q", got, "Hello")
	}
}

func TestIdempotentApply(t *testing.T) {
	eng := NewAutomergeEngine()
	origin := eng.CreateEmpty()
	base := origin.EncodeFullState()

	replica, err := eng.Load(base)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	d1, err := origin.Insert(0, "Hello")
	if err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	// 同一份增量应用两次，结果必须与应用一次相同
	if err := replica.ApplyUpdate(d1); err != nil {
		t.Fatalf("first apply error: %v", err)
	}
	if err := replica.ApplyUpdate(d1); err != nil {
		t.Fatalf("second apply error: %v", err)
	}
	if got := mustText(t, replica); got != "Hello" {
		t.Fatalf("text = %q, want %q", got, "Hello")
	}
}

func TestJoinConsistency(t *testing.T) {
	eng := NewAutomergeEngine()
	origin := eng.CreateEmpty()
	if _, err := origin.Insert(0, "shared state"); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if _, err := origin.Delete(0, 7); err != nil {
		t.Fatalf("Delete error: %v", err)
	}

	// 加入者从完整快照重建，必须与源文档逐字节一致
	joiner, err := eng.Load(origin.EncodeFullState())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got, want := mustText(t, joiner), mustText(t, origin); got != want {
		t.Fatalf("joiner text = %q, origin = %q", got, want)
	}
}

// 典型场景：A 写 "Hello"，B 带快照加入后在 5 处补 " world"，双方收敛
func TestTwoParticipantScenario(t *testing.T) {
	eng := NewAutomergeEngine()

	a := eng.CreateEmpty()
	if _, err := a.Insert(0, "Hello"); err != nil {
		t.Fatalf("A insert error: %v", err)
	}

	b, err := eng.Load(a.EncodeFullState())
	if err != nil {
		t.Fatalf("B load error: %v", err)
	}
	if got := mustText(t, b); got != "Hello" {
		t.Fatalf("B snapshot text = %q, want %q", got, "Hello")
	}

	d2, err := b.Insert(5, " world")
	if err != nil {
		t.Fatalf("B insert error: %v", err)
	}
	if err := a.ApplyUpdate(d2); err != nil {
		t.Fatalf("A apply error: %v", err)
	}

	if got := mustText(t, a); got != "Hello world" {
		t.Fatalf("A text = %q, want %q", got, "Hello world")
	}
	if got := mustText(t, b); got != "Hello world" {
		t.Fatalf("B text = %q, want %q", got, "Hello world")
	}
}

// 收敛性：N 个副本并发乱序交换增量，只要收到同一集合的增量，
// 文本必须一致（每个发送者自身的增量顺序保持不变）。
func TestConvergenceRandomInterleavings(t *testing.T) {
	const (
		replicaCount = 4
		opsPerSender = 12
	)

	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			eng := NewAutomergeEngine()

			origin := eng.CreateEmpty()
			if _, err := origin.Insert(0, "the quick brown fox"); err != nil {
				t.Fatalf("seed insert error: %v", err)
			}
			snapshot := origin.EncodeFullState()

			replicas := make([]Document, replicaCount)
			for i := range replicas {
				r, err := eng.Load(snapshot)
				if err != nil {
					t.Fatalf("replica %d load error: %v", i, err)
				}
				replicas[i] = r
			}

			// 每个副本先在本地离线产生一串操作
			deltas := make([][][]byte, replicaCount)
			for i, r := range replicas {
				for op := 0; op < opsPerSender; op++ {
					var delta []byte
					var err error
					if r.Len() > 0 && rng.Intn(3) == 0 {
						idx := rng.Intn(r.Len())
						length := 1 + rng.Intn(r.Len()-idx)
						delta, err = r.Delete(idx, length)
					} else {
						idx := rng.Intn(r.Len() + 1)
						delta, err = r.Insert(idx, fmt.Sprintf("[r%d#%d]", i, op))
					}
					if err != nil {
						t.Fatalf("replica %d op %d error: %v", i, op, err)
					}
					deltas[i] = append(deltas[i], delta)
				}
			}

			// 再以随机交错顺序互相投递（保持单个发送者内部的先后次序）
			for i, r := range replicas {
				pending := make([][]int, 0, replicaCount-1)
				for j := range replicas {
					if j != i {
						pending = append(pending, []int{j, 0})
					}
				}
				for len(pending) > 0 {
					k := rng.Intn(len(pending))
					sender, next := pending[k][0], pending[k][1]
					if err := r.ApplyUpdate(deltas[sender][next]); err != nil {
						t.Fatalf("replica %d apply from %d error: %v", i, sender, err)
					}
					pending[k][1]++
					if pending[k][1] == len(deltas[sender]) {
						pending = append(pending[:k], pending[k+1:]...)
					}
				}
			}

			want := mustText(t, replicas[0])
			for i := 1; i < replicaCount; i++ {
				if got := mustText(t, replicas[i]); got != want {
					t.Fatalf("replica %d text = %q, replica 0 = %q", i, got, want)
				}
			}
		})
	}
}
