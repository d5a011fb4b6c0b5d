package domain

import (
	"time"
)

// 已知的领域事件类型
const (
	EventAppointmentCreated   = "appointment.created"
	EventAppointmentCancelled = "appointment.cancelled"
	EventReminderDue          = "reminder.due"
	EventInvoiceOverdue       = "invoice.overdue"
	EventVaccinationDue       = "vaccination.due"
)

// DomainEvent 来自 broker 的领域事件，event_id 稳定且用于去重
type DomainEvent struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

// KnownEventType 判断事件类型是否受支持
func KnownEventType(eventType string) bool {
	switch eventType {
	case EventAppointmentCreated, EventAppointmentCancelled,
		EventReminderDue, EventInvoiceOverdue, EventVaccinationDue:
		return true
	}
	return false
}

// ReminderSourceEventID 调度器为预约提醒合成的稳定事件 ID。
// 预约取消时按同一规则反查活跃提醒。
func ReminderSourceEventID(appointmentID string) string {
	return "appointment-reminder:" + appointmentID
}

// InvoiceSourceEventID 逾期账单提醒的合成事件 ID。
// 带上到期日，账单改期后再次逾期会触发新的提醒。
func InvoiceSourceEventID(invoiceID string, dueDate time.Time) string {
	return "invoice-overdue:" + invoiceID + ":" + dueDate.Format("2006-01-02")
}

// VaccinationSourceEventID 疫苗提醒的合成事件 ID
func VaccinationSourceEventID(petID, vaccine string) string {
	return "vaccination-reminder:" + petID + ":" + vaccine
}

// PayloadString 读取 payload 中的字符串字段，缺失或类型不符时返回空串
func (e DomainEvent) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}
