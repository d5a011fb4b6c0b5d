package application

import (
	"context"
	"time"

	"github.com/wyfcoding/vetclinic/internal/notification/domain"
)

// NotificationQuery 通知查询用例
type NotificationQuery struct {
	repo domain.NotificationRepository
	now  func() time.Time
}

// NewNotificationQuery 创建查询服务
func NewNotificationQuery(repo domain.NotificationRepository) *NotificationQuery {
	return &NotificationQuery{repo: repo, now: time.Now}
}

// GetByID 按通知 ID 查询
func (q *NotificationQuery) GetByID(ctx context.Context, id string) (*NotificationDTO, error) {
	n, err := q.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return toDTO(n), nil
}

// GetBySourceEvent 按上游事件 ID 查询全部关联请求
func (q *NotificationQuery) GetBySourceEvent(ctx context.Context, sourceEventID string) ([]*NotificationDTO, error) {
	ns, err := q.repo.FindBySourceEvent(ctx, sourceEventID)
	if err != nil {
		return nil, err
	}
	return toDTOs(ns), nil
}

// ListByState 按状态分页查询
func (q *NotificationQuery) ListByState(ctx context.Context, state domain.State, page, pageSize int) (*NotificationPageDTO, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	ns, total, err := q.repo.ListByState(ctx, state, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	return &NotificationPageDTO{
		Items:    toDTOs(ns),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// PendingSummary 看板摘要：待发积压、最近将派发的几条与各状态计数
func (q *NotificationQuery) PendingSummary(ctx context.Context) (*PendingSummaryDTO, error) {
	now := q.now()
	claimable, err := q.repo.CountClaimable(ctx, now)
	if err != nil {
		return nil, err
	}
	nextUp, err := q.repo.NextScheduled(ctx, now, 5)
	if err != nil {
		return nil, err
	}

	summary := &PendingSummaryDTO{Claimable: claimable, NextUp: toDTOs(nextUp)}
	for _, state := range []domain.State{
		domain.StatePending, domain.StateSending,
		domain.StateFailedRetryable, domain.StateFailedTerminal,
	} {
		_, total, err := q.repo.ListByState(ctx, state, 1, 0)
		if err != nil {
			return nil, err
		}
		summary.ByState = append(summary.ByState, StateCountDTO{
			State: string(state),
			Count: total,
		})
	}
	return summary, nil
}
