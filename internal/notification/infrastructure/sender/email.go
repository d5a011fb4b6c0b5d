package sender

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/config"
	"github.com/wyfcoding/vetclinic/pkg/logger"
	"golang.org/x/time/rate"
)

// smtpSendFunc 与 net/smtp.SendMail 同签名，测试中可替换
type smtpSendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender SMTP 邮件发送方
type EmailSender struct {
	addr     string
	auth     smtp.Auth
	from     string
	limiter  *rate.Limiter
	sendMail smtpSendFunc
}

// NewEmailSender 创建邮件发送方
func NewEmailSender(cfg config.EmailConfig) *EmailSender {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &EmailSender{
		addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		auth:     auth,
		from:     cfg.From,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		sendMail: smtp.SendMail,
	}
}

// Channel 实现 domain.Sender.Channel
func (s *EmailSender) Channel() domain.Channel {
	return domain.ChannelEmail
}

// Send 实现 domain.Sender.Send
func (s *EmailSender) Send(ctx context.Context, recipient domain.Recipient, msg domain.RenderedMessage) domain.Outcome {
	if !s.limiter.Allow() {
		return domain.RateLimited(rateLimitedBackoff)
	}

	to := recipient.AddressFor(domain.ChannelEmail)
	if to == "" || !strings.Contains(to, "@") {
		return domain.TerminalFailure("recipient has no valid email address", "")
	}

	raw := buildMIMEMessage(s.from, to, msg.Subject, msg.Body)
	start := time.Now()
	err := s.sendMail(s.addr, s.auth, s.from, []string{to}, raw)
	if err != nil {
		return classifySMTPError(ctx, err)
	}

	logger.Info(ctx, "email accepted by smtp server", "to", to, "elapsed", time.Since(start))
	return domain.Success("250", "")
}

// classifySMTPError 按 SMTP 响应码分类：5xx 永久拒绝，其余按可重试处理
func classifySMTPError(ctx context.Context, err error) domain.Outcome {
	text := err.Error()
	code := ""
	if len(text) >= 3 && text[0] >= '4' && text[0] <= '5' && text[1] >= '0' && text[1] <= '9' && text[2] >= '0' && text[2] <= '9' {
		code = text[:3]
	}
	if strings.HasPrefix(code, "5") {
		logger.Warn(ctx, "smtp permanent rejection", "code", code, "error", err)
		return domain.TerminalFailure(fmt.Sprintf("smtp rejected: %v", err), code)
	}
	logger.Warn(ctx, "smtp delivery failed", "error", err)
	return domain.RetryableFailure(fmt.Sprintf("smtp: %v", err), code)
}

func buildMIMEMessage(from, to, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + to + "\r\n")
	sb.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	sb.WriteString("\r\n")
	return []byte(sb.String())
}
