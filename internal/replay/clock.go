package replay

import (
	"context"
	"time"
)

// Clock 可注入时钟：回放节奏不依赖真实时间，测试中可瞬时推进
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// realClock 真实时钟
type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewRealClock 创建真实时钟
func NewRealClock() Clock {
	return realClock{}
}
