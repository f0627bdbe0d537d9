package collab

import (
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
)

func testDispatcherOptions() KafkaDispatcherOptions {
	return KafkaDispatcherOptions{
		QueueSize:   16,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestKafkaDispatcherSends(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "collab-events", nil, testDispatcherOptions())
	d.Enqueue(UpdateEvent{
		EventType:  EventUpdateApplied,
		CollabID:   "doc-1",
		AuthorID:   1,
		UpdateSize: 12,
		AppliedAt:  time.Now(),
	})
	d.Close()

	if err := producer.Close(); err != nil {
		t.Fatalf("unmet producer expectations: %v", err)
	}
}

// 首次发送失败后按退避重试
func TestKafkaDispatcherRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "collab-events", nil, testDispatcherOptions())
	d.Enqueue(UpdateEvent{EventType: EventSnapshotSaved, CollabID: "doc-2", AppliedAt: time.Now()})
	d.Close()

	if err := producer.Close(); err != nil {
		t.Fatalf("unmet producer expectations: %v", err)
	}
}

func TestKafkaDispatcherDropsWhenQueueFull(t *testing.T) {
	// 不启动 worker 消费不了队列：Workers=0，队列容量 1
	producer := mocks.NewSyncProducer(t, nil)
	d := NewKafkaDispatcher(producer, "collab-events", nil, KafkaDispatcherOptions{
		QueueSize: 1,
		Workers:   0,
	})
	d.Enqueue(UpdateEvent{CollabID: "a"})
	// 队列已满：丢弃而不是阻塞编辑链路
	done := make(chan struct{})
	go func() {
		d.Enqueue(UpdateEvent{CollabID: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	d.Close()
	_ = producer.Close()
}

// 停机顺序里 readLoop 可能在 Close 之后还投递事件：必须降级丢弃而不是 panic
func TestKafkaDispatcherEnqueueAfterClose(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	d := NewKafkaDispatcher(producer, "collab-events", nil, testDispatcherOptions())
	d.Close()

	d.Enqueue(UpdateEvent{EventType: EventUpdateApplied, CollabID: "doc-late", AppliedAt: time.Now()})
	// 再次 Close 也必须幂等
	d.Close()
	_ = producer.Close()
}
