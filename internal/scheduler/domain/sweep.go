// Package domain 定义调度器的扫描任务契约。
// 扫描任务必须幂等：合成事件的 ID 稳定，重复执行被通知侧的去重索引吸收。
package domain

import (
	"context"
	"time"
)

// Sweep 一类扫描任务。执行时机由 ScheduledJob 决定，
// 任务本身只描述做什么。
type Sweep interface {
	// Name 任务类型名，与 ScheduledJob.Kind 对应，用于日志与指标
	Name() string
	// Run 执行一轮扫描，返回合成的事件数
	Run(ctx context.Context, now time.Time) (int, error)
}

// Appointment 预约服务返回的待提醒预约
type Appointment struct {
	ID       string
	ClientID string
	PetName  string
	Service  string
	StartsAt time.Time
}

// OverdueInvoice 账单服务返回的逾期账单
type OverdueInvoice struct {
	ID       string
	ClientID string
	Amount   string
	Currency string
	DueDate  time.Time
}

// VaccinationDue 病历服务返回的到期疫苗
type VaccinationDue struct {
	PetID    string
	PetName  string
	ClientID string
	Vaccine  string
	DueDate  time.Time
}

// AppointmentSource 预约服务的只读视图
type AppointmentSource interface {
	// UpcomingWithin 查询 [now, now+lookAhead] 内开始的预约
	UpcomingWithin(ctx context.Context, now time.Time, lookAhead time.Duration) ([]Appointment, error)
}

// BillingSource 账单服务的只读视图
type BillingSource interface {
	// Overdue 查询逾期未付的账单
	Overdue(ctx context.Context, now time.Time) ([]OverdueInvoice, error)
}

// MedicalRecordSource 病历服务的只读视图
type MedicalRecordSource interface {
	// VaccinationsDue 查询 now 之前到期且未接种的疫苗
	VaccinationsDue(ctx context.Context, now time.Time) ([]VaccinationDue, error)
}
