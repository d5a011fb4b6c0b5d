package application

import (
	"context"
	"fmt"
	"time"

	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/logger"
)

// NotificationCommand 通知写入用例：取消、回执
type NotificationCommand struct {
	repo domain.NotificationRepository
	now  func() time.Time
}

// NewNotificationCommand 创建命令服务
func NewNotificationCommand(repo domain.NotificationRepository) *NotificationCommand {
	return &NotificationCommand{repo: repo, now: time.Now}
}

// Cancel 撤回尚未发出的通知。
// 仅 PENDING / FAILED_RETRYABLE 可取消；SENDING 不可取消，
// 投递可能已在途，取消成功的假象比失败更糟。
func (c *NotificationCommand) Cancel(ctx context.Context, id string) (*NotificationDTO, error) {
	n, err := c.repo.Cancel(ctx, id, c.now())
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "notification cancelled", "notification_id", id)
	return toDTO(n), nil
}

// DeliveryReceipt 渠道回执：更新已送达/已读时间戳
type DeliveryReceipt struct {
	ProviderMessageID string
	Status            string
	Timestamp         time.Time
}

// 渠道回执支持的状态
const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

// ApplyReceipt 按渠道外部消息 ID 关联并记录回执。
// 回执只丰富已送达信息，不参与状态机转换；找不到对应请求时静默忽略，
// 渠道方会重放历史回执。
func (c *NotificationCommand) ApplyReceipt(ctx context.Context, receipt DeliveryReceipt) error {
	if receipt.ProviderMessageID == "" {
		return fmt.Errorf("receipt missing provider message id")
	}

	n, err := c.repo.FindByProviderMessageID(ctx, receipt.ProviderMessageID)
	if err != nil {
		if err == domain.ErrNotFound {
			logger.Debug(ctx, "receipt for unknown message, ignoring",
				"provider_message_id", receipt.ProviderMessageID)
			return nil
		}
		return err
	}
	if n.State != domain.StateSent {
		return nil
	}

	switch receipt.Status {
	case ReceiptDelivered:
		if n.DeliveredAt == nil {
			ts := receipt.Timestamp
			n.DeliveredAt = &ts
		}
	case ReceiptRead:
		if n.ReadAt == nil {
			ts := receipt.Timestamp
			n.ReadAt = &ts
		}
		if n.DeliveredAt == nil {
			ts := receipt.Timestamp
			n.DeliveredAt = &ts
		}
	default:
		logger.Debug(ctx, "unsupported receipt status, ignoring",
			"status", receipt.Status, "provider_message_id", receipt.ProviderMessageID)
		return nil
	}

	n.UpdatedAt = c.now()
	if err := c.repo.Update(ctx, n, domain.StateSent); err != nil {
		return fmt.Errorf("persist receipt: %w", err)
	}
	logger.Info(ctx, "delivery receipt recorded",
		"notification_id", n.ID, "status", receipt.Status)
	return nil
}
