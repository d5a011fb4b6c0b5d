package domain

import (
	"context"
	"time"
)

// OutcomeStatus 发送结果的分类
type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "success"
	OutcomeRetryable OutcomeStatus = "retryable"
	OutcomeTerminal  OutcomeStatus = "terminal"
)

// Outcome 渠道发送方返回的结果。
// 限流、网络、5xx 类错误归为 retryable；无效接收方、永久拒绝归为 terminal。
type Outcome struct {
	Status OutcomeStatus
	Reason string
	// ProviderCode 渠道方响应码
	ProviderCode string
	// ProviderMessageID 成功时渠道返回的外部消息 ID
	ProviderMessageID string
	// RetryAfter 限流时建议的重试延迟
	RetryAfter time.Duration
}

// Success 成功结果
func Success(providerCode, providerMessageID string) Outcome {
	return Outcome{
		Status:            OutcomeSuccess,
		ProviderCode:      providerCode,
		ProviderMessageID: providerMessageID,
	}
}

// RetryableFailure 可重试的失败
func RetryableFailure(reason, providerCode string) Outcome {
	return Outcome{
		Status:       OutcomeRetryable,
		Reason:       reason,
		ProviderCode: providerCode,
	}
}

// RateLimited 发送方自身限流触发的可重试失败，附带建议延迟
func RateLimited(retryAfter time.Duration) Outcome {
	return Outcome{
		Status:     OutcomeRetryable,
		Reason:     "sender rate limited",
		RetryAfter: retryAfter,
	}
}

// TerminalFailure 不可重试的失败
func TerminalFailure(reason, providerCode string) Outcome {
	return Outcome{
		Status:       OutcomeTerminal,
		Reason:       reason,
		ProviderCode: providerCode,
	}
}

// RenderedMessage 按渠道模板渲染后的消息
type RenderedMessage struct {
	Subject string
	Body    string
}

// Sender 渠道发送方接口。实现必须并发安全；限流由发送方内部负责，
// 配额耗尽时以 RateLimited 结果返回而不是阻塞。
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, recipient Recipient, msg RenderedMessage) Outcome
}
