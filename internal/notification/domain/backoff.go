package domain

import (
	"math/rand"
	"time"
)

// RetryPolicy 重试与退避策略。
// 延迟按 base * 2^(attempt-1) 指数增长，封顶 max，再叠加 jitter 比例的随机抖动，
// 避免单一渠道故障恢复时的重试风暴。
type RetryPolicy struct {
	// MaxAttempts 单渠道最大尝试次数
	MaxAttempts int
	// Base 退避基数
	Base time.Duration
	// Max 退避上限
	Max time.Duration
	// Jitter 抖动比例，取值 [0, 1]
	Jitter float64

	// rand 可注入的随机源，零值时使用全局源
	rand *rand.Rand
}

// DefaultRetryPolicy 默认策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Base:        2 * time.Second,
		Max:         5 * time.Minute,
		Jitter:      0.2,
	}
}

// WithRand 返回使用指定随机源的策略副本，测试用
func (p RetryPolicy) WithRand(r *rand.Rand) RetryPolicy {
	p.rand = r
	return p
}

// NextDelay 计算第 attempt 次失败后的重试延迟（attempt 从 1 起）
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max {
			delay = p.Max
			break
		}
	}
	if delay > p.Max {
		delay = p.Max
	}

	if p.Jitter > 0 {
		jitterRange := float64(delay) * p.Jitter
		delay += time.Duration(p.randFloat() * jitterRange)
	}
	return delay
}

func (p RetryPolicy) randFloat() float64 {
	if p.rand != nil {
		return p.rand.Float64()
	}
	return rand.Float64()
}
