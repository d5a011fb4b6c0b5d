package domain

import "time"

// AttemptOutcome 尝试结果分类
type AttemptOutcome string

const (
	AttemptSuccess   AttemptOutcome = "success"
	AttemptRetryable AttemptOutcome = "retryable"
	AttemptTerminal  AttemptOutcome = "terminal"
	AttemptTimeout   AttemptOutcome = "timeout"
)

// Attempt 单次投递尝试，只追加不修改。
// FinishedAt 为空表示尝试仍在进行；每个请求同时至多一条打开的尝试。
type Attempt struct {
	ID             uint
	NotificationID string
	Channel        Channel
	StartedAt      time.Time
	FinishedAt     *time.Time
	Outcome        AttemptOutcome
	Reason         string
	// ProviderCode 渠道方返回的响应码（HTTP 状态码或 SMTP 码）
	ProviderCode string
}

// Open 尝试是否仍未关闭
func (a *Attempt) Open() bool {
	return a.FinishedAt == nil
}

// Close 以给定结果关闭尝试
func (a *Attempt) Close(now time.Time, outcome Outcome) {
	finished := now
	if finished.Before(a.StartedAt) {
		finished = a.StartedAt
	}
	a.FinishedAt = &finished
	a.Reason = outcome.Reason
	a.ProviderCode = outcome.ProviderCode

	switch outcome.Status {
	case OutcomeSuccess:
		a.Outcome = AttemptSuccess
	case OutcomeTerminal:
		a.Outcome = AttemptTerminal
	default:
		if outcome.Reason == "lease timeout" {
			a.Outcome = AttemptTimeout
		} else {
			a.Outcome = AttemptRetryable
		}
	}
}
