package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/config"
	"github.com/wyfcoding/vetclinic/pkg/logger"
	"golang.org/x/time/rate"
)

// SMSSender HTTP 短信网关发送方
type SMSSender struct {
	client      *resty.Client
	senderID    string
	countryCode string
	limiter     *rate.Limiter
}

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
	Text string `json:"text"`
}

type smsResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	ErrorText string `json:"error_text"`
}

// NewSMSSender 创建短信发送方
func NewSMSSender(cfg config.SMSConfig, countryCode string) *SMSSender {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("X-Api-Key", cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second)

	return &SMSSender{
		client:      client,
		senderID:    cfg.SenderID,
		countryCode: countryCode,
		limiter:     rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
	}
}

// Channel 实现 domain.Sender.Channel
func (s *SMSSender) Channel() domain.Channel {
	return domain.ChannelSMS
}

// Send 实现 domain.Sender.Send
func (s *SMSSender) Send(ctx context.Context, recipient domain.Recipient, msg domain.RenderedMessage) domain.Outcome {
	if !s.limiter.Allow() {
		return domain.RateLimited(rateLimitedBackoff)
	}

	to := NormalizePhone(recipient.AddressFor(domain.ChannelSMS), s.countryCode)
	if to == "" {
		return domain.TerminalFailure("recipient has no phone number", "")
	}

	var result smsResponse
	resp, err := s.client.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetBody(smsRequest{To: to, From: s.senderID, Text: msg.Body}).
		SetResult(&result).
		SetError(&result).
		Post("/v1/messages")
	if err != nil {
		logger.Warn(ctx, "sms request failed", "error", err)
		return domain.RetryableFailure(fmt.Sprintf("sms request: %v", err), "")
	}

	code := fmt.Sprintf("%d", resp.StatusCode())
	switch {
	case resp.IsSuccess():
		logger.Info(ctx, "sms accepted by gateway", "to", to, "provider_message_id", result.MessageID)
		return domain.Success(code, result.MessageID)
	case resp.StatusCode() == 429:
		return domain.RateLimited(retryAfterHeader(resp, rateLimitedBackoff))
	case resp.StatusCode() >= 500:
		return domain.RetryableFailure(smsReason(result), code)
	default:
		return domain.TerminalFailure(smsReason(result), code)
	}
}

func smsReason(r smsResponse) string {
	if r.ErrorText != "" {
		return "sms gateway: " + r.ErrorText
	}
	return "sms gateway rejected request"
}
