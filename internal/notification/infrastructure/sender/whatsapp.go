// Package sender 提供各渠道的发送方实现。
// 每个发送方自带令牌桶限流，配额耗尽时立即返回限流结果而不是阻塞 worker。
package sender

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/config"
	"github.com/wyfcoding/vetclinic/pkg/logger"
	"golang.org/x/time/rate"
)

// rateLimitedBackoff 渠道限流时建议的重试延迟
const rateLimitedBackoff = 30 * time.Second

// WhatsAppSender WhatsApp Business API 发送方
type WhatsAppSender struct {
	client      *resty.Client
	phoneID     string
	countryCode string
	limiter     *rate.Limiter
}

type whatsAppRequest struct {
	MessagingProduct string           `json:"messaging_product"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             whatsAppTextBody `json:"text"`
}

type whatsAppTextBody struct {
	Body string `json:"body"`
}

type whatsAppResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewWhatsAppSender 创建 WhatsApp 发送方
func NewWhatsAppSender(cfg config.WhatsAppConfig) *WhatsAppSender {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.Token).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &WhatsAppSender{
		client:      client,
		phoneID:     cfg.PhoneID,
		countryCode: cfg.CountryCode,
		limiter:     rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
	}
}

// Channel 实现 domain.Sender.Channel
func (s *WhatsAppSender) Channel() domain.Channel {
	return domain.ChannelWhatsApp
}

// Send 实现 domain.Sender.Send
func (s *WhatsAppSender) Send(ctx context.Context, recipient domain.Recipient, msg domain.RenderedMessage) domain.Outcome {
	if !s.limiter.Allow() {
		return domain.RateLimited(rateLimitedBackoff)
	}

	to := NormalizePhone(recipient.AddressFor(domain.ChannelWhatsApp), s.countryCode)
	if to == "" {
		return domain.TerminalFailure("recipient has no whatsapp number", "")
	}

	var result whatsAppResponse
	resp, err := s.client.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetBody(whatsAppRequest{
			MessagingProduct: "whatsapp",
			To:               to,
			Type:             "text",
			Text:             whatsAppTextBody{Body: msg.Body},
		}).
		SetResult(&result).
		SetError(&result).
		Post(fmt.Sprintf("/%s/messages", s.phoneID))
	if err != nil {
		logger.Warn(ctx, "whatsapp request failed", "error", err)
		return domain.RetryableFailure(fmt.Sprintf("whatsapp request: %v", err), "")
	}

	code := fmt.Sprintf("%d", resp.StatusCode())
	switch {
	case resp.IsSuccess():
		messageID := ""
		if len(result.Messages) > 0 {
			messageID = result.Messages[0].ID
		}
		logger.Info(ctx, "whatsapp message accepted", "to", to, "provider_message_id", messageID)
		return domain.Success(code, messageID)
	case resp.StatusCode() == 429:
		return domain.RateLimited(retryAfterHeader(resp, rateLimitedBackoff))
	case resp.StatusCode() >= 500:
		return domain.RetryableFailure(apiErrorReason("whatsapp", result.Error), code)
	default:
		// 4xx：无效号码、被拉黑、参数错误，重试不可能成功
		return domain.TerminalFailure(apiErrorReason("whatsapp", result.Error), code)
	}
}

func apiErrorReason(provider string, e *struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}) string {
	if e == nil {
		return provider + " request rejected"
	}
	return fmt.Sprintf("%s error %d: %s", provider, e.Code, e.Message)
}

func retryAfterHeader(resp *resty.Response, fallback time.Duration) time.Duration {
	if v := resp.Header().Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// NormalizePhone 归一化手机号：去掉分隔符，本地号码补默认国家码。
// 返回 E.164 去掉加号的形式，空输入返回空串。
func NormalizePhone(phone, countryCode string) string {
	var sb strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	digits := sb.String()
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(digits, countryCode) && len(digits) > 10 {
		return digits
	}
	return countryCode + digits
}
