package application

import (
	"context"

	"github.com/google/uuid"
	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/logger"
)

// TemplateService 模板管理用例
type TemplateService struct {
	repo domain.TemplateRepository
}

// NewTemplateService 创建模板服务
func NewTemplateService(repo domain.TemplateRepository) *TemplateService {
	return &TemplateService{repo: repo}
}

// SaveTemplateRequest 新建/更新模板的入参
type SaveTemplateRequest struct {
	Name            string `json:"name" binding:"required"`
	EventType       string `json:"event_type" binding:"required"`
	Channel         string `json:"channel" binding:"required"`
	SubjectTemplate string `json:"subject_template"`
	BodyTemplate    string `json:"body_template" binding:"required"`
	Enabled         *bool  `json:"enabled"`
}

// Save 新建或更新模板；保存前做一次语法检查，
// 模板写错在保存时暴露而不是派发时
func (s *TemplateService) Save(ctx context.Context, req SaveTemplateRequest) (*TemplateDTO, error) {
	if !domain.KnownEventType(req.EventType) {
		return nil, domain.NewValidationError(req.EventType, "unknown event type")
	}
	channel := domain.Channel(req.Channel)
	if !channel.IsValid() {
		return nil, domain.NewValidationError(req.EventType, "unknown channel "+req.Channel)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	t := &domain.Template{
		ID:              uuid.New().String(),
		Name:            req.Name,
		EventType:       req.EventType,
		Channel:         channel,
		SubjectTemplate: req.SubjectTemplate,
		BodyTemplate:    req.BodyTemplate,
		Enabled:         enabled,
	}
	if err := t.CheckSyntax(); err != nil {
		return nil, err
	}

	if err := s.repo.Save(ctx, t); err != nil {
		return nil, err
	}
	logger.Info(ctx, "template saved",
		"event_type", t.EventType, "channel", string(t.Channel), "enabled", t.Enabled)
	return templateToDTO(t), nil
}

// List 列出启用的模板
func (s *TemplateService) List(ctx context.Context) ([]*TemplateDTO, error) {
	ts, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	dtos := make([]*TemplateDTO, len(ts))
	for i, t := range ts {
		dtos[i] = templateToDTO(t)
	}
	return dtos, nil
}

// Delete 删除模板
func (s *TemplateService) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}
