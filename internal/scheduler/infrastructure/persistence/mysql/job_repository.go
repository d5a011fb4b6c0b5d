// Package mysql 提供调度计划的 GORM/MySQL 仓储实现。
package mysql

import (
	"context"
	"fmt"
	"time"

	"github.com/wyfcoding/vetclinic/internal/scheduler/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobModel 调度计划数据库模型
type JobModel struct {
	gorm.Model
	JobID     string     `gorm:"column:job_id;type:varchar(36);uniqueIndex;not null"`
	Kind      string     `gorm:"column:kind;type:varchar(50);uniqueIndex;not null"`
	Spec      string     `gorm:"column:spec;type:varchar(100)"`
	FireAt    *time.Time `gorm:"column:fire_at;type:datetime(3)"`
	Enabled   bool       `gorm:"column:enabled;not null;default:true"`
	LastRunAt *time.Time `gorm:"column:last_run_at;type:datetime(3)"`
	NextRunAt *time.Time `gorm:"column:next_run_at;type:datetime(3);index"`
}

// TableName 指定表名
func (JobModel) TableName() string {
	return "scheduled_jobs"
}

// Migrate 执行调度计划表结构迁移
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&JobModel{}); err != nil {
		return fmt.Errorf("failed to migrate scheduled jobs: %w", err)
	}
	return nil
}

type jobRepositoryImpl struct {
	db *gorm.DB
}

// NewJobRepository 创建调度计划仓储实例
func NewJobRepository(db *gorm.DB) domain.JobRepository {
	return &jobRepositoryImpl{db: db}
}

// ListEnabled 实现 domain.JobRepository.ListEnabled
func (r *jobRepositoryImpl) ListEnabled(ctx context.Context) ([]*domain.ScheduledJob, error) {
	var models []JobModel
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("next_run_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled jobs: %w", err)
	}

	jobs := make([]*domain.ScheduledJob, 0, len(models))
	for i := range models {
		jobs = append(jobs, toJobDomain(&models[i]))
	}
	return jobs, nil
}

// Save 实现 domain.JobRepository.Save
func (r *jobRepositoryImpl) Save(ctx context.Context, job *domain.ScheduledJob) error {
	updates := map[string]any{
		"spec":        job.Spec,
		"fire_at":     job.FireAt,
		"enabled":     job.Enabled,
		"last_run_at": job.LastRunAt,
		"next_run_at": job.NextRunAt,
	}
	result := r.db.WithContext(ctx).Model(&JobModel{}).
		Where("job_id = ?", job.ID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to save job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

// Seed 实现 domain.JobRepository.Seed，kind 冲突时保留库中已有计划
func (r *jobRepositoryImpl) Seed(ctx context.Context, jobs []*domain.ScheduledJob) error {
	for _, job := range jobs {
		m := toJobModel(job)
		err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}},
			DoNothing: true,
		}).Create(m).Error
		if err != nil {
			return fmt.Errorf("failed to seed job %s: %w", job.Kind, err)
		}
	}
	return nil
}

func toJobModel(job *domain.ScheduledJob) *JobModel {
	return &JobModel{
		JobID:     job.ID,
		Kind:      job.Kind,
		Spec:      job.Spec,
		FireAt:    job.FireAt,
		Enabled:   job.Enabled,
		LastRunAt: job.LastRunAt,
		NextRunAt: job.NextRunAt,
	}
}

func toJobDomain(m *JobModel) *domain.ScheduledJob {
	return &domain.ScheduledJob{
		ID:        m.JobID,
		Kind:      m.Kind,
		Spec:      m.Spec,
		FireAt:    m.FireAt,
		Enabled:   m.Enabled,
		LastRunAt: m.LastRunAt,
		NextRunAt: m.NextRunAt,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
