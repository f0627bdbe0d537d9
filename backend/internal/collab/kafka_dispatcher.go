package collab

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞编辑热路径（调用方只负责入队）
// - Kafka 短暂不可用时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），事件是尽力而为的，不要求送达
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan UpdateEvent

	// sem 限制并发的 SendMessage 数量
	kafkaSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once

	// 关闭后 Enqueue 必须安全降级：停机时 readLoop 可能还在投递
	mu     sync.RWMutex
	closed bool
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan UpdateEvent, opt.QueueSize),
		kafkaSem:    kafkaSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue 把事件放入本地队列。
// 队列满或已关闭时不等待，直接丢弃并返回（事件链路不参与编辑的一致性）。
func (d *KafkaDispatcher) Enqueue(evt UpdateEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		log.Printf("kafka dispatcher closed, drop event collab=%s type=%s", evt.CollabID, evt.EventType)
		return
	}
	select {
	case d.queue <- evt:
	default:
		log.Printf("kafka queue full, drop event collab=%s type=%s", evt.CollabID, evt.EventType)
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收新事件并等待队列清空
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() {
		// 写锁确保没有 Enqueue 还停在队列发送上，之后关 channel 才安全
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.queue)
	})
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt UpdateEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.kafkaSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event collab=%s type=%s worker=%d err=%v",
				evt.CollabID, evt.EventType, workerID, err)
			return
		}

		// 指数退避，封顶
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt UpdateEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.CollabID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
