// Package application 编排通知子系统的用例：事件接入、派发循环、
// 取消与查询。领域规则在 domain 包，这里只做协调与落库。
package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/logger"
	"github.com/wyfcoding/vetclinic/pkg/metrics"
)

// IngressService 事件接入服务：把上游领域事件转成待派发的通知请求
type IngressService struct {
	repo      domain.NotificationRepository
	templates domain.TemplateRepository
	directory domain.RecipientDirectory
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewIngressService 创建接入服务
func NewIngressService(
	repo domain.NotificationRepository,
	templates domain.TemplateRepository,
	directory domain.RecipientDirectory,
	m *metrics.Metrics,
) *IngressService {
	return &IngressService{
		repo:      repo,
		templates: templates,
		directory: directory,
		metrics:   m,
		now:       time.Now,
	}
}

// Ingest 处理一条上游事件。幂等：同一 source_event_id 的重复投递
// 只会刷新活跃请求的 payload，不会产生第二条请求。
// 返回 ValidationError 时事件应进死信而不是重试。
func (s *IngressService) Ingest(ctx context.Context, event domain.DomainEvent) error {
	if err := validateEvent(event); err != nil {
		s.countIngest(event.EventType, "invalid")
		return err
	}

	if event.EventType == domain.EventAppointmentCancelled {
		return s.handleAppointmentCancelled(ctx, event)
	}

	now := s.now()

	existing, err := s.repo.FindActiveBySourceEvent(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		s.absorbDuplicate(ctx, existing, event, now)
		return nil
	}

	channels := channelsFromEvent(event)
	if len(channels) == 0 {
		channels = append([]domain.Channel(nil), domain.DefaultChannelPreference...)
	}
	if err := s.ensureTemplates(ctx, event.EventType, channels); err != nil {
		s.countIngest(event.EventType, "invalid")
		return err
	}

	recipient, err := s.resolveRecipient(ctx, event)
	if err != nil {
		if !domain.IsRecipientResolution(err) {
			s.countIngest(event.EventType, "invalid")
			return err
		}
		// 下游暂不可见：先落库占住去重键，派发时再解析
		logger.Warn(ctx, "recipient unresolved at ingress, deferring to dispatch",
			"source_event_id", event.EventID, "error", err)
		recipient = domain.Recipient{ClientID: event.PayloadString("client_id")}
	}

	n := domain.NewNotification(
		uuid.New().String(),
		event.EventID,
		event.EventType,
		recipient,
		channels,
		domain.Payload{Template: event.EventType, Fields: event.Payload},
		sendAtFromEvent(event, now),
		now,
	)

	if err := s.repo.Create(ctx, n); err != nil {
		// 并发重复投递会撞上去重唯一索引，按重复吸收
		if isDuplicateKey(err) {
			s.metrics.DedupHitsTotal.Inc()
			s.countIngest(event.EventType, "duplicate")
			return nil
		}
		return fmt.Errorf("persist notification: %w", err)
	}

	s.countIngest(event.EventType, "accepted")
	logger.Info(ctx, "notification request created",
		"notification_id", n.ID,
		"source_event_id", n.SourceEventID,
		"event_type", n.EventType,
		"first_channel", string(n.FirstChannel()))
	return nil
}

// absorbDuplicate 去重命中：仍未进入发送则按后写者胜刷新 payload
func (s *IngressService) absorbDuplicate(ctx context.Context, existing *domain.Notification, event domain.DomainEvent, now time.Time) {
	s.metrics.DedupHitsTotal.Inc()
	s.countIngest(event.EventType, "duplicate")

	if existing.State != domain.StatePending && existing.State != domain.StateFailedRetryable {
		return
	}
	prev := existing.State
	existing.RefreshPayload(domain.Payload{Template: event.EventType, Fields: event.Payload}, now)
	if err := s.repo.Update(ctx, existing, prev); err != nil {
		// 竞争丢失说明请求已被认领，旧 payload 正在路上，放弃刷新
		logger.Warn(ctx, "duplicate payload refresh lost race",
			"notification_id", existing.ID, "error", err)
		return
	}
	logger.Info(ctx, "duplicate event absorbed",
		"notification_id", existing.ID, "source_event_id", event.EventID)
}

// handleAppointmentCancelled 预约取消：撤回同一预约尚未发出的提醒
func (s *IngressService) handleAppointmentCancelled(ctx context.Context, event domain.DomainEvent) error {
	appointmentID := event.PayloadString("appointment_id")
	if appointmentID == "" {
		s.countIngest(event.EventType, "invalid")
		return domain.NewValidationError(event.EventType, "missing appointment_id")
	}

	reminderEventID := domain.ReminderSourceEventID(appointmentID)
	existing, err := s.repo.FindActiveBySourceEvent(ctx, reminderEventID)
	if err != nil {
		return fmt.Errorf("lookup reminder for cancelled appointment: %w", err)
	}
	if existing == nil {
		s.countIngest(event.EventType, "accepted")
		return nil
	}

	if _, err := s.repo.Cancel(ctx, existing.ID, s.now()); err != nil {
		// 已发出或正在发送的提醒不再可取消
		if err == domain.ErrNotCancellable || err == domain.ErrNotFound {
			s.countIngest(event.EventType, "accepted")
			return nil
		}
		return fmt.Errorf("cancel reminder: %w", err)
	}

	s.countIngest(event.EventType, "accepted")
	logger.Info(ctx, "reminder cancelled for cancelled appointment",
		"notification_id", existing.ID, "appointment_id", appointmentID)
	return nil
}

// ensureTemplates 首选渠道必须有启用的模板，否则事件不可派发
func (s *IngressService) ensureTemplates(ctx context.Context, eventType string, channels []domain.Channel) error {
	if len(channels) == 0 {
		return domain.NewValidationError(eventType, "empty channel preference")
	}
	t, err := s.templates.FindByEventAndChannel(ctx, eventType, channels[0])
	if err != nil {
		return fmt.Errorf("template lookup: %w", err)
	}
	if t == nil {
		return domain.NewValidationError(eventType,
			fmt.Sprintf("no enabled template for channel %q", channels[0]))
	}
	return nil
}

func (s *IngressService) resolveRecipient(ctx context.Context, event domain.DomainEvent) (domain.Recipient, error) {
	clientID := event.PayloadString("client_id")
	if clientID == "" {
		return domain.Recipient{}, domain.NewValidationError(event.EventType, "missing client_id")
	}
	return s.directory.Resolve(ctx, clientID)
}

func (s *IngressService) countIngest(eventType, result string) {
	s.metrics.EventsIngestedTotal.WithLabelValues(eventType, result).Inc()
}

func validateEvent(event domain.DomainEvent) error {
	if event.EventID == "" {
		return domain.NewValidationError(event.EventType, "missing event id")
	}
	if !domain.KnownEventType(event.EventType) {
		return domain.NewValidationError(event.EventType, "unknown event type")
	}
	return nil
}

// channelsFromEvent 事件可通过 payload.channels 覆盖默认渠道优先级
func channelsFromEvent(event domain.DomainEvent) []domain.Channel {
	raw, ok := event.Payload["channels"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	channels := make([]domain.Channel, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			continue
		}
		c := domain.Channel(strings.ToLower(strings.TrimSpace(str)))
		if c.IsValid() {
			channels = append(channels, c)
		}
	}
	return channels
}

// sendAtFromEvent 事件可通过 payload.send_at 指定延迟派发时间
func sendAtFromEvent(event domain.DomainEvent, now time.Time) time.Time {
	raw := event.PayloadString("send_at")
	if raw == "" {
		return now
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil || t.Before(now) {
		return now
	}
	return t
}

func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Duplicate entry")
}
