package domain

import (
	"context"
	"time"
)

// ScheduledJob 一条调度计划。周期任务由 cron 表达式驱动，
// 一次性任务由 FireAt 驱动并在成功执行后自动停用。
type ScheduledJob struct {
	ID string
	// Kind 任务类型，与 Sweep.Name 对应
	Kind string
	// Spec cron 表达式（支持 @every 语法），一次性任务为空
	Spec string
	// FireAt 一次性任务的触发时间
	FireAt    *time.Time
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OneShot 是否为一次性任务
func (j *ScheduledJob) OneShot() bool {
	return j.FireAt != nil
}

// Due 任务是否到期可执行
func (j *ScheduledJob) Due(now time.Time) bool {
	if !j.Enabled || j.NextRunAt == nil {
		return false
	}
	return !j.NextRunAt.After(now)
}

// MarkRun 记录一次成功执行。一次性任务停用自身；
// 周期任务的下次执行时间由调度器按 cron 表达式算好传入。
func (j *ScheduledJob) MarkRun(now time.Time, next *time.Time) {
	j.LastRunAt = &now
	if j.OneShot() {
		j.Enabled = false
		j.NextRunAt = nil
		return
	}
	j.NextRunAt = next
}

// JobRepository 调度计划仓储
type JobRepository interface {
	// ListEnabled 返回所有启用的计划
	ListEnabled(ctx context.Context) ([]*ScheduledJob, error)
	// Save 持久化计划的执行状态
	Save(ctx context.Context, job *ScheduledJob) error
	// Seed 写入内置计划，已存在的 kind 不覆盖
	Seed(ctx context.Context, jobs []*ScheduledJob) error
}
