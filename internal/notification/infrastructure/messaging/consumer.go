// Package messaging 实现事件接入的 Kafka 消费循环。
// 偏移量在事件被持久化（或确定不可消费）之后才提交，语义为 at-least-once，
// 重复投递由接入服务的去重索引吸收。
package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wyfcoding/vetclinic/internal/notification/application"
	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/logger"
	"github.com/wyfcoding/vetclinic/pkg/mq"
)

// EventConsumer 上游领域事件消费者
type EventConsumer struct {
	consumer *mq.Consumer
	dlq      *mq.DeadLetterQueue
	ingress  *application.IngressService
}

// NewEventConsumer 创建事件消费者
func NewEventConsumer(consumer *mq.Consumer, dlq *mq.DeadLetterQueue, ingress *application.IngressService) *EventConsumer {
	return &EventConsumer{
		consumer: consumer,
		dlq:      dlq,
		ingress:  ingress,
	}
}

// Run 消费循环，阻塞直到 ctx 取消
func (c *EventConsumer) Run(ctx context.Context) {
	logger.Info(ctx, "event consumer starting")
	for {
		msg, err := c.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info(ctx, "event consumer stopped")
				return
			}
			logger.Error(ctx, "fetch failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		c.handle(ctx, msg)
	}
}

// handle 处理单条消息。提交偏移量的条件：
// 事件已落库、是重复、或已确定不可消费并进了死信。
// 基础设施类错误不提交，消息会被重新投递。
func (c *EventConsumer) handle(ctx context.Context, msg *mq.Message) {
	msgCtx := logger.ContextWithTrace(ctx, uuid.New().String(), "")

	var event domain.DomainEvent
	if err := msg.UnmarshalPayload(&event); err != nil {
		logger.Warn(msgCtx, "malformed event payload, routing to dead letter",
			"topic", msg.Topic, "offset", msg.Offset, "error", err)
		c.deadLetter(msgCtx, msg, "malformed payload", err)
		c.commit(msgCtx, msg)
		return
	}

	err := c.ingress.Ingest(msgCtx, event)
	switch {
	case err == nil:
		c.commit(msgCtx, msg)
	case domain.IsValidation(err):
		logger.Warn(msgCtx, "invalid event, routing to dead letter",
			"event_id", event.EventID, "event_type", event.EventType, "error", err)
		c.deadLetter(msgCtx, msg, "validation failed", err)
		c.commit(msgCtx, msg)
	default:
		// 数据库/下游故障：不提交，等待重新投递
		logger.Error(msgCtx, "transient ingest failure, message will be redelivered",
			"event_id", event.EventID, "error", err)
		time.Sleep(time.Second)
	}
}

func (c *EventConsumer) deadLetter(ctx context.Context, msg *mq.Message, reason string, cause error) {
	if err := c.dlq.Send(ctx, msg, reason, cause); err != nil {
		logger.Error(ctx, "dead letter publish failed", "error", err)
	}
}

func (c *EventConsumer) commit(ctx context.Context, msg *mq.Message) {
	if err := c.consumer.Commit(ctx, msg); err != nil {
		logger.Error(ctx, "offset commit failed", "error", err)
	}
}
