package collab

import (
	"context"
	"errors"
)

const DefaultMaxSemaphore = 100

// SemaphoreControl 基于带缓冲 channel 的计数信号量
// 用来限制网关级别的并发量（同时应用的编辑数 / 同时发往 Kafka 的消息数）。
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(max int) *SemaphoreControl {
	if max <= 0 {
		max = DefaultMaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, max)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.New("acquire reached time limit")
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("release failed, semaphore is not acquired")
	}
}
