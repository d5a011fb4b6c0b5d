package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TemplateModel 通知模板数据库模型
type TemplateModel struct {
	gorm.Model
	TemplateID      string `gorm:"column:template_id;type:varchar(36);uniqueIndex;not null"`
	Name            string `gorm:"column:name;type:varchar(100);not null"`
	EventType       string `gorm:"column:event_type;type:varchar(50);uniqueIndex:idx_event_channel;not null"`
	Channel         string `gorm:"column:channel;type:varchar(20);uniqueIndex:idx_event_channel;not null"`
	SubjectTemplate string `gorm:"column:subject_template;type:text"`
	BodyTemplate    string `gorm:"column:body_template;type:text;not null"`
	Enabled         bool   `gorm:"column:enabled;not null;default:true"`
}

// TableName 指定表名
func (TemplateModel) TableName() string {
	return "notification_templates"
}

type templateRepositoryImpl struct {
	db *gorm.DB
}

// NewTemplateRepository 创建模板仓储实例
func NewTemplateRepository(db *gorm.DB) domain.TemplateRepository {
	return &templateRepositoryImpl{db: db}
}

// Save 实现 domain.TemplateRepository.Save，(event_type, channel) 冲突时整行更新
func (r *templateRepositoryImpl) Save(ctx context.Context, t *domain.Template) error {
	m := &TemplateModel{
		TemplateID:      t.ID,
		Name:            t.Name,
		EventType:       t.EventType,
		Channel:         string(t.Channel),
		SubjectTemplate: t.SubjectTemplate,
		BodyTemplate:    t.BodyTemplate,
		Enabled:         t.Enabled,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "event_type"}, {Name: "channel"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "subject_template", "body_template", "enabled", "updated_at",
		}),
	}).Create(m).Error
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

// FindByEventAndChannel 实现 domain.TemplateRepository.FindByEventAndChannel
func (r *templateRepositoryImpl) FindByEventAndChannel(ctx context.Context, eventType string, channel domain.Channel) (*domain.Template, error) {
	var m TemplateModel
	err := r.db.WithContext(ctx).
		Where("event_type = ? AND channel = ? AND enabled = ?", eventType, string(channel), true).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find template: %w", err)
	}
	return templateToDomain(&m), nil
}

// List 实现 domain.TemplateRepository.List
func (r *templateRepositoryImpl) List(ctx context.Context) ([]*domain.Template, error) {
	var ms []TemplateModel
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("event_type, channel").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	res := make([]*domain.Template, len(ms))
	for i := range ms {
		res[i] = templateToDomain(&ms[i])
	}
	return res, nil
}

// Delete 实现 domain.TemplateRepository.Delete
func (r *templateRepositoryImpl) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("template_id = ?", id).Delete(&TemplateModel{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete template: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func templateToDomain(m *TemplateModel) *domain.Template {
	return &domain.Template{
		ID:              m.TemplateID,
		Name:            m.Name,
		EventType:       m.EventType,
		Channel:         domain.Channel(m.Channel),
		SubjectTemplate: m.SubjectTemplate,
		BodyTemplate:    m.BodyTemplate,
		Enabled:         m.Enabled,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}
