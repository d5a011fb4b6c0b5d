package application

import (
	"github.com/wyfcoding/vetclinic/internal/notification/domain"
)

// NotificationService 通知服务门面，整合命令、查询和模板管理
type NotificationService struct {
	Command   *NotificationCommand
	Query     *NotificationQuery
	Templates *TemplateService
}

// NewNotificationService 构造函数
func NewNotificationService(repo domain.NotificationRepository, templates domain.TemplateRepository) *NotificationService {
	return &NotificationService{
		Command:   NewNotificationCommand(repo),
		Query:     NewNotificationQuery(repo),
		Templates: NewTemplateService(templates),
	}
}
