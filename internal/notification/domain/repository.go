package domain

import (
	"context"
	"time"
)

// NotificationRepository 通知仓储接口。
// 所有并发协调（认领独占、去重、租约回收）都表达为对存储的
// 原子条件更新，worker 可能跨进程运行，不依赖进程内锁。
type NotificationRepository interface {
	// Create 新建通知记录；(source_event_id, first_channel) 冲突时返回 ErrDuplicate 语义的错误由实现决定，
	// 去重路径应先走 FindActiveBySourceEvent
	Create(ctx context.Context, n *Notification) error
	// Update 保存状态与新增的尝试记录；以 ID+前置状态做条件更新，丢失竞争时返回 ErrNotFound
	Update(ctx context.Context, n *Notification, expectedState State) error
	// FindByID 按通知 ID 查询，不存在时返回 ErrNotFound
	FindByID(ctx context.Context, id string) (*Notification, error)
	// FindActiveBySourceEvent 查询同一事件的非 CANCELLED 活跃请求（去重键命中），不存在时返回 nil
	FindActiveBySourceEvent(ctx context.Context, sourceEventID string) (*Notification, error)
	// FindBySourceEvent 查询同一事件的全部请求
	FindBySourceEvent(ctx context.Context, sourceEventID string) ([]*Notification, error)
	// ClaimBatch 原子认领至多 limit 条可派发请求：状态转入 SENDING、写入租约、打开尝试记录。
	// 两个 worker 不会同时持有同一请求
	ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]*Notification, error)
	// ReclaimExpired 回收租约过期的 SENDING 请求，打开的尝试以 timeout 关闭，返回回收数量
	ReclaimExpired(ctx context.Context, now time.Time, policy RetryPolicy) (int, error)
	// Cancel 条件取消：仅 PENDING/FAILED_RETRYABLE 可转入 CANCELLED
	Cancel(ctx context.Context, id string, now time.Time) (*Notification, error)
	// ListByState 按状态分页列出请求（管理接口用）
	ListByState(ctx context.Context, state State, limit, offset int) ([]*Notification, int64, error)
	// CountClaimable 统计当前可认领的请求数（指标用）
	CountClaimable(ctx context.Context, now time.Time) (int64, error)
	// NextScheduled 按计划时间列出最近将派发的请求（看板用），不加锁
	NextScheduled(ctx context.Context, now time.Time, limit int) ([]*Notification, error)
	// FindByProviderMessageID 按渠道外部消息 ID 查询（回执 webhook 用）
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*Notification, error)
}

// TemplateRepository 模板仓储接口
type TemplateRepository interface {
	// Save 新建或更新模板
	Save(ctx context.Context, t *Template) error
	// FindByEventAndChannel 查询启用的模板，不存在时返回 nil
	FindByEventAndChannel(ctx context.Context, eventType string, channel Channel) (*Template, error)
	// List 列出全部启用的模板
	List(ctx context.Context) ([]*Template, error)
	// Delete 按 ID 删除模板
	Delete(ctx context.Context, id string) error
}

// RecipientDirectory 下游领域服务的只读目录：按客户 ID 解析联系方式
type RecipientDirectory interface {
	// Resolve 解析客户联系方式；下游暂不可见时返回 RecipientResolutionError
	Resolve(ctx context.Context, clientID string) (Recipient, error)
}
