// Package domain 通知服务的领域模型：通知请求、投递尝试、状态机与重试策略
package domain

import (
	"time"
)

// Channel 投递渠道
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp" // 即时消息
	ChannelEmail    Channel = "email"    // 邮件
	ChannelSMS      Channel = "sms"      // 短信
)

// DefaultChannelPreference 默认渠道优先级
var DefaultChannelPreference = []Channel{ChannelWhatsApp, ChannelEmail, ChannelSMS}

// IsValid 判断渠道是否合法
func (c Channel) IsValid() bool {
	switch c {
	case ChannelWhatsApp, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// State 通知请求状态
type State string

const (
	StatePending         State = "PENDING"
	StateSending         State = "SENDING"
	StateSent            State = "SENT"
	StateFailedRetryable State = "FAILED_RETRYABLE"
	StateFailedTerminal  State = "FAILED_TERMINAL"
	StateCancelled       State = "CANCELLED"
)

// IsTerminal 终态不再参与派发
func (s State) IsTerminal() bool {
	return s == StateSent || s == StateFailedTerminal || s == StateCancelled
}

// Claimable 可被 worker 认领的状态
func (s State) Claimable() bool {
	return s == StatePending || s == StateFailedRetryable
}

// Recipient 接收方的各渠道联系方式
type Recipient struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	WhatsApp string `json:"whatsapp"`
}

// AddressFor 返回指定渠道的投递地址，无地址时返回空串
func (r Recipient) AddressFor(ch Channel) string {
	switch ch {
	case ChannelWhatsApp:
		if r.WhatsApp != "" {
			return r.WhatsApp
		}
		return r.Phone
	case ChannelEmail:
		return r.Email
	case ChannelSMS:
		return r.Phone
	}
	return ""
}

// Resolved 是否已有任一渠道的联系方式
func (r Recipient) Resolved() bool {
	return r.Email != "" || r.Phone != "" || r.WhatsApp != ""
}

// Payload 模板名与渲染字段
type Payload struct {
	Template string         `json:"template"`
	Fields   map[string]any `json:"fields"`
}

// Notification 通知请求实体，是派发子系统的工作单元。
// 渠道级子状态（channel_cursor / exhausted_channels / attempt_count）
// 独立于请求级状态：单渠道耗尽预算只推进游标，不直接进入请求级终态。
type Notification struct {
	ID                string
	SourceEventID     string
	EventType         string
	Recipient         Recipient
	ChannelPreference []Channel
	// ChannelCursor 当前尝试的渠道在偏好列表中的下标
	ChannelCursor int
	// ExhaustedChannels 已耗尽重试预算的渠道
	ExhaustedChannels []Channel
	Payload           Payload
	State             State
	// AttemptCount 当前渠道已完成的尝试次数，渠道回退时清零
	AttemptCount   int
	Attempts       []Attempt
	NextAttemptAt  *time.Time
	LeaseExpiresAt *time.Time
	// ProviderMessageID 成功投递后由渠道返回的外部消息 ID，回执 webhook 按此关联
	ProviderMessageID string
	DeliveredAt       *time.Time
	ReadAt            *time.Time
	CancelledAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewNotification 创建待派发的通知请求。
// sendAt 决定首次可派发时间，立即派发时传 now。
func NewNotification(id, sourceEventID, eventType string, recipient Recipient, channels []Channel, payload Payload, sendAt, now time.Time) *Notification {
	if len(channels) == 0 {
		channels = append([]Channel(nil), DefaultChannelPreference...)
	}
	return &Notification{
		ID:                id,
		SourceEventID:     sourceEventID,
		EventType:         eventType,
		Recipient:         recipient,
		ChannelPreference: channels,
		Payload:           payload,
		State:             StatePending,
		NextAttemptAt:     &sendAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// CurrentChannel 当前应投递的渠道
func (n *Notification) CurrentChannel() Channel {
	if n.ChannelCursor < 0 || n.ChannelCursor >= len(n.ChannelPreference) {
		return ""
	}
	return n.ChannelPreference[n.ChannelCursor]
}

// FirstChannel 偏好列表的首选渠道，作为去重键的一部分
func (n *Notification) FirstChannel() Channel {
	if len(n.ChannelPreference) == 0 {
		return ""
	}
	return n.ChannelPreference[0]
}

// OpenAttempt 返回未关闭的尝试记录，不存在时返回 nil
func (n *Notification) OpenAttempt() *Attempt {
	for i := len(n.Attempts) - 1; i >= 0; i-- {
		if n.Attempts[i].FinishedAt == nil {
			return &n.Attempts[i]
		}
	}
	return nil
}

// Claim 将请求转入 SENDING 并打开一条尝试记录。
// 仅允许从可认领状态进入；同一请求同时至多一条打开的尝试。
func (n *Notification) Claim(now time.Time, lease time.Duration) error {
	if !n.State.Claimable() {
		return ErrNotClaimable
	}
	if n.NextAttemptAt != nil && n.NextAttemptAt.After(now) {
		return ErrNotClaimable
	}
	if n.OpenAttempt() != nil {
		return ErrAttemptStillOpen
	}

	expires := now.Add(lease)
	n.State = StateSending
	n.LeaseExpiresAt = &expires
	n.NextAttemptAt = nil
	n.Attempts = append(n.Attempts, Attempt{
		NotificationID: n.ID,
		Channel:        n.CurrentChannel(),
		StartedAt:      now,
	})
	n.UpdatedAt = now
	return nil
}

// ApplyOutcome 关闭打开的尝试并按状态机推进请求。
// retryable 且预算未尽 → FAILED_RETRYABLE（退避后重试）；
// 当前渠道耗尽（terminal 或预算用完）→ 回退到下一渠道并重置预算；
// 所有渠道耗尽 → FAILED_TERMINAL。
func (n *Notification) ApplyOutcome(outcome Outcome, policy RetryPolicy, now time.Time) error {
	if n.State != StateSending {
		return ErrNotSending
	}

	open := n.OpenAttempt()
	if open == nil {
		return ErrNoOpenAttempt
	}
	open.Close(now, outcome)

	n.AttemptCount++
	n.LeaseExpiresAt = nil
	n.UpdatedAt = now

	switch outcome.Status {
	case OutcomeSuccess:
		n.State = StateSent
		n.NextAttemptAt = nil
		if outcome.ProviderMessageID != "" {
			n.ProviderMessageID = outcome.ProviderMessageID
		}
		return nil

	case OutcomeRetryable:
		if n.AttemptCount < policy.MaxAttempts {
			n.State = StateFailedRetryable
			delay := policy.NextDelay(n.AttemptCount)
			if outcome.RetryAfter > delay {
				delay = outcome.RetryAfter
			}
			next := now.Add(delay)
			n.NextAttemptAt = &next
			return nil
		}
		return n.exhaustChannel(now)

	case OutcomeTerminal:
		return n.exhaustChannel(now)
	}

	return ErrUnknownOutcome
}

// exhaustChannel 标记当前渠道耗尽并回退到下一渠道；没有剩余渠道时进入 FAILED_TERMINAL
func (n *Notification) exhaustChannel(now time.Time) error {
	current := n.CurrentChannel()
	if current != "" {
		n.ExhaustedChannels = append(n.ExhaustedChannels, current)
	}

	if n.ChannelCursor+1 < len(n.ChannelPreference) {
		n.ChannelCursor++
		n.AttemptCount = 0
		n.State = StatePending
		n.NextAttemptAt = &now
		return nil
	}

	n.State = StateFailedTerminal
	n.NextAttemptAt = nil
	return nil
}

// Cancel 操作员取消。仅 PENDING/FAILED_RETRYABLE 可取消；
// 在途的 SENDING 尝试允许完成，其结果照常记录，但不再调度新的尝试。
func (n *Notification) Cancel(now time.Time) error {
	if !n.State.Claimable() {
		return ErrNotCancellable
	}
	n.State = StateCancelled
	n.CancelledAt = &now
	n.NextAttemptAt = nil
	n.UpdatedAt = now
	return nil
}

// ReclaimLease 将租约过期的 SENDING 请求收回：
// 打开的尝试以 timeout 结果关闭（可重试），请求回到可认领状态。
func (n *Notification) ReclaimLease(now time.Time, policy RetryPolicy) error {
	if n.State != StateSending {
		return ErrNotSending
	}
	if n.LeaseExpiresAt == nil || n.LeaseExpiresAt.After(now) {
		return ErrLeaseNotExpired
	}
	return n.ApplyOutcome(Outcome{
		Status: OutcomeRetryable,
		Reason: "lease timeout",
	}, policy, now)
}

// RefreshPayload 重放事件的合并语义：payload 字段 last-write-wins，状态机不受影响
func (n *Notification) RefreshPayload(p Payload, now time.Time) {
	if p.Template != "" {
		n.Payload.Template = p.Template
	}
	if n.Payload.Fields == nil {
		n.Payload.Fields = map[string]any{}
	}
	for k, v := range p.Fields {
		n.Payload.Fields[k] = v
	}
	n.UpdatedAt = now
}
