// Package application 编排调度器用例：领导选举、周期扫描与事件合成。
package application

import (
	"context"
	"fmt"
	"time"

	notifdomain "github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/internal/scheduler/domain"
	"github.com/wyfcoding/vetclinic/pkg/logger"
)

// EventSink 合成事件的去向，由通知接入服务实现
type EventSink interface {
	Ingest(ctx context.Context, event notifdomain.DomainEvent) error
}

// ingestSynthesized 把合成事件交给接入服务。
// 校验拒绝说明事件本身不合法，重跑也不会成功，记日志后跳过；
// 其余失败视为暂时性故障，上抛让本轮扫描保持待重试。
func ingestSynthesized(ctx context.Context, sink EventSink, sweep string, event notifdomain.DomainEvent) (bool, error) {
	err := sink.Ingest(ctx, event)
	if err == nil {
		return true, nil
	}
	if notifdomain.IsValidation(err) {
		logger.Warn(ctx, "synthesized event rejected",
			"sweep", sweep, "event_id", event.EventID, "error", err)
		return false, nil
	}
	logger.Warn(ctx, "synthesized event ingest failed",
		"sweep", sweep, "event_id", event.EventID, "error", err)
	return false, err
}

// AppointmentReminderSweep 预约提醒扫描：为即将开始的预约合成 reminder.due 事件
type AppointmentReminderSweep struct {
	source    domain.AppointmentSource
	sink      EventSink
	lookAhead time.Duration
}

// NewAppointmentReminderSweep 创建预约提醒扫描
func NewAppointmentReminderSweep(source domain.AppointmentSource, sink EventSink, lookAhead time.Duration) *AppointmentReminderSweep {
	return &AppointmentReminderSweep{source: source, sink: sink, lookAhead: lookAhead}
}

// Name 实现 domain.Sweep.Name
func (s *AppointmentReminderSweep) Name() string { return "appointment_reminder" }

// Run 实现 domain.Sweep.Run。
// 合成事件 ID 对同一预约稳定，跨 tick 重复由去重索引吸收。
func (s *AppointmentReminderSweep) Run(ctx context.Context, now time.Time) (int, error) {
	appointments, err := s.source.UpcomingWithin(ctx, now, s.lookAhead)
	if err != nil {
		return 0, fmt.Errorf("list upcoming appointments: %w", err)
	}

	synthesized := 0
	failed := 0
	for _, appt := range appointments {
		event := notifdomain.DomainEvent{
			EventID:    notifdomain.ReminderSourceEventID(appt.ID),
			EventType:  notifdomain.EventReminderDue,
			OccurredAt: now,
			Payload: map[string]any{
				"appointment_id": appt.ID,
				"client_id":      appt.ClientID,
				"pet_name":       appt.PetName,
				"service":        appt.Service,
				"starts_at":      appt.StartsAt.Format(time.RFC3339),
			},
		}
		ok, err := ingestSynthesized(ctx, s.sink, s.Name(), event)
		if err != nil {
			failed++
			continue
		}
		if ok {
			synthesized++
		}
	}
	if failed > 0 {
		return synthesized, fmt.Errorf("%d synthesized events failed to ingest", failed)
	}
	return synthesized, nil
}

// InvoiceOverdueSweep 逾期账单扫描：为逾期未付账单合成 invoice.overdue 事件
type InvoiceOverdueSweep struct {
	source domain.BillingSource
	sink   EventSink
}

// NewInvoiceOverdueSweep 创建逾期账单扫描
func NewInvoiceOverdueSweep(source domain.BillingSource, sink EventSink) *InvoiceOverdueSweep {
	return &InvoiceOverdueSweep{source: source, sink: sink}
}

// Name 实现 domain.Sweep.Name
func (s *InvoiceOverdueSweep) Name() string { return "invoice_overdue" }

// Run 实现 domain.Sweep.Run
func (s *InvoiceOverdueSweep) Run(ctx context.Context, now time.Time) (int, error) {
	invoices, err := s.source.Overdue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list overdue invoices: %w", err)
	}

	synthesized := 0
	failed := 0
	for _, inv := range invoices {
		event := notifdomain.DomainEvent{
			EventID:    notifdomain.InvoiceSourceEventID(inv.ID, inv.DueDate),
			EventType:  notifdomain.EventInvoiceOverdue,
			OccurredAt: now,
			Payload: map[string]any{
				"invoice_id": inv.ID,
				"client_id":  inv.ClientID,
				"amount":     inv.Amount,
				"currency":   inv.Currency,
				"due_date":   inv.DueDate.Format("2006-01-02"),
			},
		}
		ok, err := ingestSynthesized(ctx, s.sink, s.Name(), event)
		if err != nil {
			failed++
			continue
		}
		if ok {
			synthesized++
		}
	}
	if failed > 0 {
		return synthesized, fmt.Errorf("%d synthesized events failed to ingest", failed)
	}
	return synthesized, nil
}

// VaccinationReminderSweep 疫苗到期扫描：为到期未接种的疫苗合成 vaccination.due 事件
type VaccinationReminderSweep struct {
	source domain.MedicalRecordSource
	sink   EventSink
}

// NewVaccinationReminderSweep 创建疫苗到期扫描
func NewVaccinationReminderSweep(source domain.MedicalRecordSource, sink EventSink) *VaccinationReminderSweep {
	return &VaccinationReminderSweep{source: source, sink: sink}
}

// Name 实现 domain.Sweep.Name
func (s *VaccinationReminderSweep) Name() string { return "vaccination_reminder" }

// Run 实现 domain.Sweep.Run
func (s *VaccinationReminderSweep) Run(ctx context.Context, now time.Time) (int, error) {
	due, err := s.source.VaccinationsDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due vaccinations: %w", err)
	}

	synthesized := 0
	failed := 0
	for _, v := range due {
		event := notifdomain.DomainEvent{
			EventID:    notifdomain.VaccinationSourceEventID(v.PetID, v.Vaccine),
			EventType:  notifdomain.EventVaccinationDue,
			OccurredAt: now,
			Payload: map[string]any{
				"pet_id":    v.PetID,
				"pet_name":  v.PetName,
				"client_id": v.ClientID,
				"vaccine":   v.Vaccine,
				"due_date":  v.DueDate.Format("2006-01-02"),
			},
		}
		ok, err := ingestSynthesized(ctx, s.sink, s.Name(), event)
		if err != nil {
			failed++
			continue
		}
		if ok {
			synthesized++
		}
	}
	if failed > 0 {
		return synthesized, fmt.Errorf("%d synthesized events failed to ingest", failed)
	}
	return synthesized, nil
}
