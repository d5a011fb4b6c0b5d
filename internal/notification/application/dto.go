package application

import (
	"time"

	"github.com/wyfcoding/vetclinic/internal/notification/domain"
)

// NotificationDTO 通知请求的对外表示
type NotificationDTO struct {
	ID                string       `json:"id"`
	SourceEventID     string       `json:"source_event_id"`
	EventType         string       `json:"event_type"`
	State             string       `json:"state"`
	Recipient         RecipientDTO `json:"recipient"`
	ChannelPreference []string     `json:"channel_preference"`
	CurrentChannel    string       `json:"current_channel,omitempty"`
	ExhaustedChannels []string     `json:"exhausted_channels,omitempty"`
	AttemptCount      int          `json:"attempt_count"`
	Attempts          []AttemptDTO `json:"attempts,omitempty"`
	NextAttemptAt     *time.Time   `json:"next_attempt_at,omitempty"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	DeliveredAt       *time.Time   `json:"delivered_at,omitempty"`
	ReadAt            *time.Time   `json:"read_at,omitempty"`
	CancelledAt       *time.Time   `json:"cancelled_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// RecipientDTO 接收方表示，脱敏联系方式
type RecipientDTO struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// AttemptDTO 投递尝试表示
type AttemptDTO struct {
	Channel      string     `json:"channel"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Outcome      string     `json:"outcome,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	ProviderCode string     `json:"provider_code,omitempty"`
}

// NotificationPageDTO 分页结果
type NotificationPageDTO struct {
	Items    []*NotificationDTO `json:"items"`
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

// PendingSummaryDTO 看板摘要
type PendingSummaryDTO struct {
	Claimable int64              `json:"claimable"`
	NextUp    []*NotificationDTO `json:"next_up"`
	ByState   []StateCountDTO    `json:"by_state"`
}

// StateCountDTO 状态计数
type StateCountDTO struct {
	State string `json:"state"`
	Count int64  `json:"count"`
}

// TemplateDTO 模板表示
type TemplateDTO struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	EventType       string    `json:"event_type"`
	Channel         string    `json:"channel"`
	SubjectTemplate string    `json:"subject_template,omitempty"`
	BodyTemplate    string    `json:"body_template"`
	Enabled         bool      `json:"enabled"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toDTO(n *domain.Notification) *NotificationDTO {
	prefs := make([]string, len(n.ChannelPreference))
	for i, c := range n.ChannelPreference {
		prefs[i] = string(c)
	}
	exhausted := make([]string, len(n.ExhaustedChannels))
	for i, c := range n.ExhaustedChannels {
		exhausted[i] = string(c)
	}
	attempts := make([]AttemptDTO, len(n.Attempts))
	for i, a := range n.Attempts {
		attempts[i] = AttemptDTO{
			Channel:      string(a.Channel),
			StartedAt:    a.StartedAt,
			FinishedAt:   a.FinishedAt,
			Outcome:      string(a.Outcome),
			Reason:       a.Reason,
			ProviderCode: a.ProviderCode,
		}
	}

	return &NotificationDTO{
		ID:            n.ID,
		SourceEventID: n.SourceEventID,
		EventType:     n.EventType,
		State:         string(n.State),
		Recipient: RecipientDTO{
			ClientID: n.Recipient.ClientID,
			Name:     n.Recipient.Name,
			Email:    maskEmail(n.Recipient.Email),
			Phone:    maskPhone(n.Recipient.Phone),
		},
		ChannelPreference: prefs,
		CurrentChannel:    string(n.CurrentChannel()),
		ExhaustedChannels: exhausted,
		AttemptCount:      n.AttemptCount,
		Attempts:          attempts,
		NextAttemptAt:     n.NextAttemptAt,
		ProviderMessageID: n.ProviderMessageID,
		DeliveredAt:       n.DeliveredAt,
		ReadAt:            n.ReadAt,
		CancelledAt:       n.CancelledAt,
		CreatedAt:         n.CreatedAt,
		UpdatedAt:         n.UpdatedAt,
	}
}

func toDTOs(ns []*domain.Notification) []*NotificationDTO {
	dtos := make([]*NotificationDTO, len(ns))
	for i, n := range ns {
		dtos[i] = toDTO(n)
	}
	return dtos
}

func templateToDTO(t *domain.Template) *TemplateDTO {
	return &TemplateDTO{
		ID:              t.ID,
		Name:            t.Name,
		EventType:       t.EventType,
		Channel:         string(t.Channel),
		SubjectTemplate: t.SubjectTemplate,
		BodyTemplate:    t.BodyTemplate,
		Enabled:         t.Enabled,
		UpdatedAt:       t.UpdatedAt,
	}
}

// maskEmail 脱敏邮箱：保留首字符和域名
func maskEmail(email string) string {
	at := -1
	for i, r := range email {
		if r == '@' {
			at = i
			break
		}
	}
	if at <= 1 {
		return email
	}
	return email[:1] + "***" + email[at:]
}

// maskPhone 脱敏手机号：保留末四位
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return "***" + phone[len(phone)-4:]
}
