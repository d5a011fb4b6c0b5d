// Package clients 实现调度器对下游领域服务的只读访问
package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/vetclinic/internal/scheduler/domain"
	"github.com/wyfcoding/vetclinic/pkg/config"
)

func newClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
}

// AppointmentsClient 预约服务客户端
type AppointmentsClient struct {
	client *resty.Client
}

// NewAppointmentsClient 创建预约服务客户端
func NewAppointmentsClient(cfg config.ServicesConfig) *AppointmentsClient {
	return &AppointmentsClient{
		client: newClient(cfg.AppointmentsURL, time.Duration(cfg.Timeout)*time.Second),
	}
}

type appointmentResponse struct {
	ID       string    `json:"id"`
	ClientID string    `json:"client_id"`
	PetName  string    `json:"pet_name"`
	Service  string    `json:"service"`
	StartsAt time.Time `json:"starts_at"`
	Status   string    `json:"status"`
}

// UpcomingWithin 实现 domain.AppointmentSource.UpcomingWithin
func (c *AppointmentsClient) UpcomingWithin(ctx context.Context, now time.Time, lookAhead time.Duration) ([]domain.Appointment, error) {
	var body struct {
		Items []appointmentResponse `json:"items"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"from":   now.Format(time.RFC3339),
			"to":     now.Add(lookAhead).Format(time.RFC3339),
			"status": "scheduled",
		}).
		SetResult(&body).
		Get("/api/v1/appointments")
	if err != nil {
		return nil, fmt.Errorf("appointments service: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("appointments service returned %d", resp.StatusCode())
	}

	out := make([]domain.Appointment, 0, len(body.Items))
	for _, item := range body.Items {
		out = append(out, domain.Appointment{
			ID:       item.ID,
			ClientID: item.ClientID,
			PetName:  item.PetName,
			Service:  item.Service,
			StartsAt: item.StartsAt,
		})
	}
	return out, nil
}

// BillingClient 账单服务客户端
type BillingClient struct {
	client *resty.Client
}

// NewBillingClient 创建账单服务客户端
func NewBillingClient(cfg config.ServicesConfig) *BillingClient {
	return &BillingClient{
		client: newClient(cfg.BillingURL, time.Duration(cfg.Timeout)*time.Second),
	}
}

type invoiceResponse struct {
	ID       string    `json:"id"`
	ClientID string    `json:"client_id"`
	Amount   string    `json:"amount"`
	Currency string    `json:"currency"`
	DueDate  time.Time `json:"due_date"`
}

// Overdue 实现 domain.BillingSource.Overdue。
// 金额以 decimal 校验并规范化，坏数据在这里拦下而不是进提醒文案。
func (c *BillingClient) Overdue(ctx context.Context, now time.Time) ([]domain.OverdueInvoice, error) {
	var body struct {
		Items []invoiceResponse `json:"items"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("overdue_as_of", now.Format(time.RFC3339)).
		SetResult(&body).
		Get("/api/v1/invoices/overdue")
	if err != nil {
		return nil, fmt.Errorf("billing service: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("billing service returned %d", resp.StatusCode())
	}

	out := make([]domain.OverdueInvoice, 0, len(body.Items))
	for _, item := range body.Items {
		amount, err := decimal.NewFromString(item.Amount)
		if err != nil || !amount.IsPositive() {
			continue
		}
		out = append(out, domain.OverdueInvoice{
			ID:       item.ID,
			ClientID: item.ClientID,
			Amount:   amount.StringFixed(2),
			Currency: item.Currency,
			DueDate:  item.DueDate,
		})
	}
	return out, nil
}

// MedicalRecordsClient 病历服务客户端
type MedicalRecordsClient struct {
	client *resty.Client
}

// NewMedicalRecordsClient 创建病历服务客户端
func NewMedicalRecordsClient(cfg config.ServicesConfig) *MedicalRecordsClient {
	return &MedicalRecordsClient{
		client: newClient(cfg.MedicalRecordsURL, time.Duration(cfg.Timeout)*time.Second),
	}
}

type vaccinationResponse struct {
	PetID    string    `json:"pet_id"`
	PetName  string    `json:"pet_name"`
	ClientID string    `json:"client_id"`
	Vaccine  string    `json:"vaccine"`
	DueDate  time.Time `json:"due_date"`
}

// VaccinationsDue 实现 domain.MedicalRecordSource.VaccinationsDue
func (c *MedicalRecordsClient) VaccinationsDue(ctx context.Context, now time.Time) ([]domain.VaccinationDue, error) {
	var body struct {
		Items []vaccinationResponse `json:"items"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("due_before", now.Format(time.RFC3339)).
		SetResult(&body).
		Get("/api/v1/vaccinations/due")
	if err != nil {
		return nil, fmt.Errorf("medical records service: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("medical records service returned %d", resp.StatusCode())
	}

	out := make([]domain.VaccinationDue, 0, len(body.Items))
	for _, item := range body.Items {
		out = append(out, domain.VaccinationDue(item))
	}
	return out, nil
}
