// Package http 暴露通知子系统的管理/观测接口。
// 通知由上游事件触发，这里不提供发送入口，只提供查询、取消、模板管理与回执。
package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/vetclinic/internal/notification/application"
	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/logger"
)

// NotificationHandler HTTP 处理器
type NotificationHandler struct {
	app *application.NotificationService
}

// NewNotificationHandler 创建 HTTP 处理器实例
func NewNotificationHandler(app *application.NotificationService) *NotificationHandler {
	return &NotificationHandler{app: app}
}

// RegisterRoutes 将处理器方法绑定到 Gin 路由引擎
func (h *NotificationHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/notifications")
	{
		api.GET("", h.ListNotifications)
		api.GET("/failed", h.ListFailed)
		api.GET("/pending/summary", h.GetPendingSummary)
		api.GET("/:id", h.GetNotification)
		api.POST("/:id/cancel", h.CancelNotification)
	}

	templates := router.Group("/api/v1/templates")
	{
		templates.GET("", h.ListTemplates)
		templates.PUT("", h.SaveTemplate)
		templates.DELETE("/:id", h.DeleteTemplate)
	}
}

// GetNotification 查询单条通知
func (h *NotificationHandler) GetNotification(c *gin.Context) {
	dto, err := h.app.Query.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == domain.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		logger.Error(c.Request.Context(), "failed to get notification", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto)
}

// ListNotifications 按状态或上游事件 ID 查询
func (h *NotificationHandler) ListNotifications(c *gin.Context) {
	if sourceEventID := c.Query("source_event_id"); sourceEventID != "" {
		dtos, err := h.app.Query.GetBySourceEvent(c.Request.Context(), sourceEventID)
		if err != nil {
			logger.Error(c.Request.Context(), "failed to query by source event", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": dtos})
		return
	}

	state := domain.State(c.DefaultQuery("state", string(domain.StateFailedTerminal)))
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_size"})
		return
	}

	result, err := h.app.Query.ListByState(c.Request.Context(), state, page, pageSize)
	if err != nil {
		logger.Error(c.Request.Context(), "failed to list notifications", "state", string(state), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListFailed 终态失败列表，人工处理入口
func (h *NotificationHandler) ListFailed(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_size"})
		return
	}

	result, err := h.app.Query.ListByState(c.Request.Context(), domain.StateFailedTerminal, page, pageSize)
	if err != nil {
		logger.Error(c.Request.Context(), "failed to list terminal failures", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetPendingSummary 看板摘要
func (h *NotificationHandler) GetPendingSummary(c *gin.Context) {
	summary, err := h.app.Query.PendingSummary(c.Request.Context())
	if err != nil {
		logger.Error(c.Request.Context(), "failed to build pending summary", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// CancelNotification 撤回尚未发出的通知
func (h *NotificationHandler) CancelNotification(c *gin.Context) {
	dto, err := h.app.Command.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch err {
		case domain.ErrNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		case domain.ErrNotCancellable:
			c.JSON(http.StatusConflict, gin.H{"error": "notification is not cancellable in its current state"})
		default:
			logger.Error(c.Request.Context(), "failed to cancel notification", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, dto)
}

// ListTemplates 列出启用的模板
func (h *NotificationHandler) ListTemplates(c *gin.Context) {
	dtos, err := h.app.Templates.List(c.Request.Context())
	if err != nil {
		logger.Error(c.Request.Context(), "failed to list templates", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": dtos})
}

// SaveTemplate 新建或更新模板
func (h *NotificationHandler) SaveTemplate(c *gin.Context) {
	var req application.SaveTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dto, err := h.app.Templates.Save(c.Request.Context(), req)
	if err != nil {
		if domain.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.Error(c.Request.Context(), "failed to save template", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto)
}

// DeleteTemplate 删除模板
func (h *NotificationHandler) DeleteTemplate(c *gin.Context) {
	if err := h.app.Templates.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if err == domain.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "template not found"})
			return
		}
		logger.Error(c.Request.Context(), "failed to delete template", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusNoContent, nil)
}
