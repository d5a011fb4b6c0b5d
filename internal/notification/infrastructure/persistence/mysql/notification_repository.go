// Package mysql 提供了通知仓储接口的 MySQL GORM 实现。
// 认领独占、去重与租约回收全部表达为数据库内的原子条件更新。
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/logger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NotificationModel 通知数据库模型。
// dedup_key 仅在非 CANCELLED 时有值，唯一索引由此实现
// "同一事件+首选渠道至多一条活跃请求" 的去重约束（MySQL 对 NULL 不计唯一性）。
type NotificationModel struct {
	gorm.Model
	NotificationID    string                               `gorm:"column:notification_id;type:varchar(36);uniqueIndex;not null"`
	SourceEventID     string                               `gorm:"column:source_event_id;type:varchar(128);index;not null"`
	DedupKey          *string                              `gorm:"column:dedup_key;type:varchar(160);uniqueIndex"`
	EventType         string                               `gorm:"column:event_type;type:varchar(50);not null"`
	Recipient         datatypes.JSONType[domain.Recipient] `gorm:"column:recipient"`
	ChannelPreference datatypes.JSONSlice[string]          `gorm:"column:channel_preference"`
	ChannelCursor     int                                  `gorm:"column:channel_cursor;not null;default:0"`
	ExhaustedChannels datatypes.JSONSlice[string]          `gorm:"column:exhausted_channels"`
	Payload           datatypes.JSONType[domain.Payload]   `gorm:"column:payload"`
	State             string                               `gorm:"column:state;type:varchar(20);index;not null"`
	AttemptCount      int                                  `gorm:"column:attempt_count;not null;default:0"`
	NextAttemptAt     *time.Time                           `gorm:"column:next_attempt_at;type:datetime(3);index"`
	LeaseExpiresAt    *time.Time                           `gorm:"column:lease_expires_at;type:datetime(3);index"`
	ProviderMessageID string                               `gorm:"column:provider_message_id;type:varchar(100);index"`
	DeliveredAt       *time.Time                           `gorm:"column:delivered_at;type:datetime(3)"`
	ReadAt            *time.Time                           `gorm:"column:read_at;type:datetime(3)"`
	CancelledAt       *time.Time                           `gorm:"column:cancelled_at;type:datetime(3)"`
}

// TableName 指定表名
func (NotificationModel) TableName() string {
	return "notifications"
}

// AttemptModel 投递尝试数据库模型，只追加
type AttemptModel struct {
	ID             uint       `gorm:"primaryKey;autoIncrement"`
	NotificationID string     `gorm:"column:notification_id;type:varchar(36);index;not null"`
	Channel        string     `gorm:"column:channel;type:varchar(20);not null"`
	StartedAt      time.Time  `gorm:"column:started_at;type:datetime(3);not null"`
	FinishedAt     *time.Time `gorm:"column:finished_at;type:datetime(3)"`
	Outcome        string     `gorm:"column:outcome;type:varchar(20)"`
	Reason         string     `gorm:"column:reason;type:text"`
	ProviderCode   string     `gorm:"column:provider_code;type:varchar(20)"`
}

// TableName 指定表名
func (AttemptModel) TableName() string {
	return "notification_attempts"
}

type notificationRepositoryImpl struct {
	db *gorm.DB
}

// NewNotificationRepository 创建通知仓储实例
func NewNotificationRepository(db *gorm.DB) domain.NotificationRepository {
	return &notificationRepositoryImpl{db: db}
}

// Migrate 建表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&NotificationModel{}, &AttemptModel{}, &TemplateModel{})
}

// Create 实现 domain.NotificationRepository.Create
func (r *notificationRepositoryImpl) Create(ctx context.Context, n *domain.Notification) error {
	m := toModel(n)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		logging := logger.WithContext(ctx)
		logging.Error("notification_repository.Create failed", "notification_id", n.ID, "error", err)
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// Update 实现 domain.NotificationRepository.Update。
// 以 (notification_id, expectedState) 条件更新，竞争丢失时不落库。
func (r *notificationRepositoryImpl) Update(ctx context.Context, n *domain.Notification, expectedState domain.State) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateInTx(tx, n, expectedState)
	})
}

func updateInTx(tx *gorm.DB, n *domain.Notification, expectedState domain.State) error {
	m := toModel(n)
	res := tx.Model(&NotificationModel{}).
		Where("notification_id = ? AND state = ?", n.ID, string(expectedState)).
		Updates(map[string]interface{}{
			"dedup_key":           m.DedupKey,
			"recipient":           m.Recipient,
			"channel_cursor":      m.ChannelCursor,
			"exhausted_channels":  m.ExhaustedChannels,
			"payload":             m.Payload,
			"state":               m.State,
			"attempt_count":       m.AttemptCount,
			"next_attempt_at":     m.NextAttemptAt,
			"lease_expires_at":    m.LeaseExpiresAt,
			"provider_message_id": m.ProviderMessageID,
			"delivered_at":        m.DeliveredAt,
			"read_at":             m.ReadAt,
			"cancelled_at":        m.CancelledAt,
			"updated_at":          n.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update notification: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}

	return saveAttempts(tx, n)
}

// saveAttempts 落库尝试记录：新记录插入，已有记录仅补写关闭字段
func saveAttempts(tx *gorm.DB, n *domain.Notification) error {
	for i := range n.Attempts {
		a := &n.Attempts[i]
		if a.ID == 0 {
			am := &AttemptModel{
				NotificationID: n.ID,
				Channel:        string(a.Channel),
				StartedAt:      a.StartedAt,
				FinishedAt:     a.FinishedAt,
				Outcome:        string(a.Outcome),
				Reason:         a.Reason,
				ProviderCode:   a.ProviderCode,
			}
			if err := tx.Create(am).Error; err != nil {
				return fmt.Errorf("failed to insert attempt: %w", err)
			}
			a.ID = am.ID
			continue
		}
		if a.FinishedAt != nil {
			err := tx.Model(&AttemptModel{}).Where("id = ? AND finished_at IS NULL", a.ID).
				Updates(map[string]interface{}{
					"finished_at":   a.FinishedAt,
					"outcome":       string(a.Outcome),
					"reason":        a.Reason,
					"provider_code": a.ProviderCode,
				}).Error
			if err != nil {
				return fmt.Errorf("failed to close attempt: %w", err)
			}
		}
	}
	return nil
}

// FindByID 实现 domain.NotificationRepository.FindByID
func (r *notificationRepositoryImpl) FindByID(ctx context.Context, id string) (*domain.Notification, error) {
	var m NotificationModel
	err := r.db.WithContext(ctx).Where("notification_id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return r.loadWithAttempts(ctx, &m)
}

// FindActiveBySourceEvent 实现 domain.NotificationRepository.FindActiveBySourceEvent
func (r *notificationRepositoryImpl) FindActiveBySourceEvent(ctx context.Context, sourceEventID string) (*domain.Notification, error) {
	var m NotificationModel
	err := r.db.WithContext(ctx).
		Where("source_event_id = ? AND state <> ?", sourceEventID, string(domain.StateCancelled)).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find notification by source event: %w", err)
	}
	return r.loadWithAttempts(ctx, &m)
}

// FindBySourceEvent 实现 domain.NotificationRepository.FindBySourceEvent
func (r *notificationRepositoryImpl) FindBySourceEvent(ctx context.Context, sourceEventID string) ([]*domain.Notification, error) {
	var ms []NotificationModel
	err := r.db.WithContext(ctx).
		Where("source_event_id = ?", sourceEventID).
		Order("created_at").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find notifications by source event: %w", err)
	}

	res := make([]*domain.Notification, 0, len(ms))
	for i := range ms {
		n, err := r.loadWithAttempts(ctx, &ms[i])
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, nil
}

// ClaimBatch 实现 domain.NotificationRepository.ClaimBatch。
// SELECT ... FOR UPDATE SKIP LOCKED 保证多 worker 并发认领互不重叠。
func (r *notificationRepositoryImpl) ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]*domain.Notification, error) {
	var claimed []*domain.Notification

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ms []NotificationModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state IN ? AND next_attempt_at <= ?",
				[]string{string(domain.StatePending), string(domain.StateFailedRetryable)}, now).
			Order("next_attempt_at").
			Limit(limit).
			Find(&ms).Error
		if err != nil {
			return err
		}

		for i := range ms {
			n, err := r.toDomainWithAttempts(tx, &ms[i])
			if err != nil {
				return err
			}
			prev := n.State
			if err := n.Claim(now, lease); err != nil {
				// 行已被锁定选出，状态理应可认领；防御性跳过
				logger.WithContext(ctx).Warn("skipping unclaimable row", "notification_id", n.ID, "error", err)
				continue
			}
			if err := updateInTx(tx, n, prev); err != nil {
				return err
			}
			claimed = append(claimed, n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	return claimed, nil
}

// ReclaimExpired 实现 domain.NotificationRepository.ReclaimExpired
func (r *notificationRepositoryImpl) ReclaimExpired(ctx context.Context, now time.Time, policy domain.RetryPolicy) (int, error) {
	reclaimed := 0

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ms []NotificationModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state = ? AND lease_expires_at < ?", string(domain.StateSending), now).
			Find(&ms).Error
		if err != nil {
			return err
		}

		for i := range ms {
			n, err := r.toDomainWithAttempts(tx, &ms[i])
			if err != nil {
				return err
			}
			if err := n.ReclaimLease(now, policy); err != nil {
				logger.WithContext(ctx).Warn("skipping non-reclaimable row", "notification_id", n.ID, "error", err)
				continue
			}
			if err := updateInTx(tx, n, domain.StateSending); err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	return reclaimed, nil
}

// Cancel 实现 domain.NotificationRepository.Cancel
func (r *notificationRepositoryImpl) Cancel(ctx context.Context, id string, now time.Time) (*domain.Notification, error) {
	var cancelled *domain.Notification

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m NotificationModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("notification_id = ?", id).
			First(&m).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}

		n, err := r.toDomainWithAttempts(tx, &m)
		if err != nil {
			return err
		}
		prev := n.State
		if err := n.Cancel(now); err != nil {
			return err
		}
		if err := updateInTx(tx, n, prev); err != nil {
			return err
		}
		cancelled = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// ListByState 实现 domain.NotificationRepository.ListByState
func (r *notificationRepositoryImpl) ListByState(ctx context.Context, state domain.State, limit, offset int) ([]*domain.Notification, int64, error) {
	var ms []NotificationModel
	var total int64

	q := r.db.WithContext(ctx).Model(&NotificationModel{}).Where("state = ?", string(state))
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&ms).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}

	res := make([]*domain.Notification, len(ms))
	for i := range ms {
		res[i] = toDomain(&ms[i])
	}
	return res, total, nil
}

// CountClaimable 实现 domain.NotificationRepository.CountClaimable
func (r *notificationRepositoryImpl) CountClaimable(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&NotificationModel{}).
		Where("state IN ? AND next_attempt_at <= ?",
			[]string{string(domain.StatePending), string(domain.StateFailedRetryable)}, now).
		Count(&count).Error
	return count, err
}

// NextScheduled 实现 domain.NotificationRepository.NextScheduled
func (r *notificationRepositoryImpl) NextScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Notification, error) {
	var ms []NotificationModel
	err := r.db.WithContext(ctx).
		Where("state IN ?", []string{string(domain.StatePending), string(domain.StateFailedRetryable)}).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list next scheduled: %w", err)
	}

	res := make([]*domain.Notification, len(ms))
	for i := range ms {
		res[i] = toDomain(&ms[i])
	}
	return res, nil
}

// FindByProviderMessageID 实现 domain.NotificationRepository.FindByProviderMessageID
func (r *notificationRepositoryImpl) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Notification, error) {
	var m NotificationModel
	err := r.db.WithContext(ctx).
		Where("provider_message_id = ?", providerMessageID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find notification by provider message id: %w", err)
	}
	return r.loadWithAttempts(ctx, &m)
}

func (r *notificationRepositoryImpl) loadWithAttempts(ctx context.Context, m *NotificationModel) (*domain.Notification, error) {
	return r.toDomainWithAttempts(r.db.WithContext(ctx), m)
}

func (r *notificationRepositoryImpl) toDomainWithAttempts(tx *gorm.DB, m *NotificationModel) (*domain.Notification, error) {
	n := toDomain(m)

	var ams []AttemptModel
	if err := tx.Where("notification_id = ?", m.NotificationID).Order("id").Find(&ams).Error; err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}
	n.Attempts = make([]domain.Attempt, len(ams))
	for i, am := range ams {
		n.Attempts[i] = domain.Attempt{
			ID:             am.ID,
			NotificationID: am.NotificationID,
			Channel:        domain.Channel(am.Channel),
			StartedAt:      am.StartedAt,
			FinishedAt:     am.FinishedAt,
			Outcome:        domain.AttemptOutcome(am.Outcome),
			Reason:         am.Reason,
			ProviderCode:   am.ProviderCode,
		}
	}
	return n, nil
}

func toModel(n *domain.Notification) *NotificationModel {
	prefs := make([]string, len(n.ChannelPreference))
	for i, c := range n.ChannelPreference {
		prefs[i] = string(c)
	}
	exhausted := make([]string, len(n.ExhaustedChannels))
	for i, c := range n.ExhaustedChannels {
		exhausted[i] = string(c)
	}

	var dedupKey *string
	if n.State != domain.StateCancelled {
		key := n.SourceEventID + "|" + string(n.FirstChannel())
		dedupKey = &key
	}

	return &NotificationModel{
		NotificationID:    n.ID,
		SourceEventID:     n.SourceEventID,
		DedupKey:          dedupKey,
		EventType:         n.EventType,
		Recipient:         datatypes.NewJSONType(n.Recipient),
		ChannelPreference: datatypes.NewJSONSlice(prefs),
		ChannelCursor:     n.ChannelCursor,
		ExhaustedChannels: datatypes.NewJSONSlice(exhausted),
		Payload:           datatypes.NewJSONType(n.Payload),
		State:             string(n.State),
		AttemptCount:      n.AttemptCount,
		NextAttemptAt:     n.NextAttemptAt,
		LeaseExpiresAt:    n.LeaseExpiresAt,
		ProviderMessageID: n.ProviderMessageID,
		DeliveredAt:       n.DeliveredAt,
		ReadAt:            n.ReadAt,
		CancelledAt:       n.CancelledAt,
	}
}

func toDomain(m *NotificationModel) *domain.Notification {
	prefs := make([]domain.Channel, len(m.ChannelPreference))
	for i, c := range m.ChannelPreference {
		prefs[i] = domain.Channel(c)
	}
	exhausted := make([]domain.Channel, len(m.ExhaustedChannels))
	for i, c := range m.ExhaustedChannels {
		exhausted[i] = domain.Channel(c)
	}

	return &domain.Notification{
		ID:                m.NotificationID,
		SourceEventID:     m.SourceEventID,
		EventType:         m.EventType,
		Recipient:         m.Recipient.Data(),
		ChannelPreference: prefs,
		ChannelCursor:     m.ChannelCursor,
		ExhaustedChannels: exhausted,
		Payload:           m.Payload.Data(),
		State:             domain.State(m.State),
		AttemptCount:      m.AttemptCount,
		NextAttemptAt:     m.NextAttemptAt,
		LeaseExpiresAt:    m.LeaseExpiresAt,
		ProviderMessageID: m.ProviderMessageID,
		DeliveredAt:       m.DeliveredAt,
		ReadAt:            m.ReadAt,
		CancelledAt:       m.CancelledAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}
