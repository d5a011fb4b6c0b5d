package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/vetclinic/internal/notification/application"
	"github.com/wyfcoding/vetclinic/pkg/logger"
)

// WebhookHandler 渠道回执处理器
type WebhookHandler struct {
	command *application.NotificationCommand
}

// NewWebhookHandler 创建回执处理器
func NewWebhookHandler(command *application.NotificationCommand) *WebhookHandler {
	return &WebhookHandler{command: command}
}

// RegisterRoutes 绑定回执路由
func (h *WebhookHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/webhooks/whatsapp", h.HandleWhatsAppStatus)
}

// whatsAppStatusPayload WhatsApp Business API 的状态回执结构
type whatsAppStatusPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Statuses []struct {
					ID        string `json:"id"`
					Status    string `json:"status"`
					Timestamp string `json:"timestamp"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// HandleWhatsAppStatus 接收 WhatsApp 送达/已读回执。
// 渠道方会对非 2xx 响应无限重试，除请求体不可解析外一律回 200。
func (h *WebhookHandler) HandleWhatsAppStatus(c *gin.Context) {
	var payload whatsAppStatusPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, status := range change.Value.Statuses {
				receipt := application.DeliveryReceipt{
					ProviderMessageID: status.ID,
					Status:            status.Status,
					Timestamp:         parseReceiptTimestamp(status.Timestamp),
				}
				if err := h.command.ApplyReceipt(ctx, receipt); err != nil {
					logger.Warn(ctx, "receipt apply failed",
						"provider_message_id", status.ID, "error", err)
				}
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// parseReceiptTimestamp 回执时间戳为 Unix 秒的字符串，解析失败取当前时间
func parseReceiptTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now()
	}
	var sec int64
	for _, r := range raw {
		if r < '0' || r > '9' {
			return time.Now()
		}
		sec = sec*10 + int64(r-'0')
	}
	return time.Unix(sec, 0)
}
