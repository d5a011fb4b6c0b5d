package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"

	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/config"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name  string
		phone string
		want  string
	}{
		{"local number gets country code", "3001234567", "573001234567"},
		{"already has country code", "573001234567", "573001234567"},
		{"formatted number", "+57 300 123-4567", "573001234567"},
		{"formatted local", "(300) 123-4567", "573001234567"},
		{"empty", "", ""},
		{"only separators", "- ()", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizePhone(tt.phone, "57"); got != tt.want {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tt.phone, got, tt.want)
			}
		})
	}
}

func newWhatsAppSenderForTest(baseURL string) *WhatsAppSender {
	return NewWhatsAppSender(config.WhatsAppConfig{
		Enabled:     true,
		BaseURL:     baseURL,
		Token:       "token",
		PhoneID:     "12345",
		CountryCode: "57",
		Rate:        100,
		Burst:       100,
	})
}

func TestWhatsAppSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/12345/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req whatsAppRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.To != "573001234567" {
			t.Errorf("to = %q, want normalized number", req.To)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.abc"}},
		})
	}))
	defer srv.Close()

	s := newWhatsAppSenderForTest(srv.URL)
	outcome := s.Send(context.Background(),
		domain.Recipient{ClientID: "c-1", WhatsApp: "3001234567"},
		domain.RenderedMessage{Body: "hola"})

	if outcome.Status != domain.OutcomeSuccess {
		t.Fatalf("status = %s (%s)", outcome.Status, outcome.Reason)
	}
	if outcome.ProviderMessageID != "wamid.abc" {
		t.Errorf("provider message id = %q", outcome.ProviderMessageID)
	}
}

func TestWhatsAppSendClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       domain.OutcomeStatus
	}{
		{"server error is retryable", http.StatusBadGateway, domain.OutcomeRetryable},
		{"rate limit is retryable", http.StatusTooManyRequests, domain.OutcomeRetryable},
		{"bad request is terminal", http.StatusBadRequest, domain.OutcomeTerminal},
		{"unauthorized is terminal", http.StatusUnauthorized, domain.OutcomeTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"code": 1, "message": "nope"},
				})
			}))
			defer srv.Close()

			s := newWhatsAppSenderForTest(srv.URL)
			outcome := s.Send(context.Background(),
				domain.Recipient{ClientID: "c-1", WhatsApp: "3001234567"},
				domain.RenderedMessage{Body: "hola"})
			if outcome.Status != tt.want {
				t.Errorf("status = %s, want %s", outcome.Status, tt.want)
			}
		})
	}
}

func TestWhatsAppRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := newWhatsAppSenderForTest(srv.URL)
	outcome := s.Send(context.Background(),
		domain.Recipient{ClientID: "c-1", WhatsApp: "3001234567"},
		domain.RenderedMessage{Body: "hola"})

	if outcome.Status != domain.OutcomeRetryable {
		t.Fatalf("status = %s, want retryable", outcome.Status)
	}
	if outcome.RetryAfter.Seconds() != 120 {
		t.Errorf("retry after = %v, want 120s", outcome.RetryAfter)
	}
}

func TestWhatsAppNoNumberIsTerminal(t *testing.T) {
	s := newWhatsAppSenderForTest("http://unused.invalid")
	outcome := s.Send(context.Background(),
		domain.Recipient{ClientID: "c-1"},
		domain.RenderedMessage{Body: "hola"})
	if outcome.Status != domain.OutcomeTerminal {
		t.Errorf("status = %s, want terminal", outcome.Status)
	}
}

func TestWhatsAppSenderRateLimiter(t *testing.T) {
	s := NewWhatsAppSender(config.WhatsAppConfig{
		BaseURL: "http://unused.invalid", PhoneID: "1", CountryCode: "57",
		Rate: 0, Burst: 0,
	})
	outcome := s.Send(context.Background(),
		domain.Recipient{ClientID: "c-1", WhatsApp: "3001234567"},
		domain.RenderedMessage{Body: "hola"})
	if outcome.Status != domain.OutcomeRetryable {
		t.Errorf("status = %s, want retryable when limiter exhausted", outcome.Status)
	}
	if outcome.RetryAfter <= 0 {
		t.Error("rate limited outcome should carry a retry delay")
	}
}

func newSMSSenderForTest(baseURL string) *SMSSender {
	return NewSMSSender(config.SMSConfig{
		Enabled:  true,
		BaseURL:  baseURL,
		APIKey:   "key",
		SenderID: "VETCLINIC",
		Rate:     100,
		Burst:    100,
	}, "57")
}

func TestSMSSendClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       domain.OutcomeStatus
	}{
		{"accepted", http.StatusOK, domain.OutcomeSuccess},
		{"gateway error is retryable", http.StatusInternalServerError, domain.OutcomeRetryable},
		{"invalid destination is terminal", http.StatusUnprocessableEntity, domain.OutcomeTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-Api-Key") != "key" {
					t.Error("missing api key header")
				}
				w.WriteHeader(tt.statusCode)
				json.NewEncoder(w).Encode(smsResponse{MessageID: "sms-1", Status: "queued"})
			}))
			defer srv.Close()

			s := newSMSSenderForTest(srv.URL)
			outcome := s.Send(context.Background(),
				domain.Recipient{ClientID: "c-1", Phone: "3001234567"},
				domain.RenderedMessage{Body: "hola"})
			if outcome.Status != tt.want {
				t.Errorf("status = %s, want %s", outcome.Status, tt.want)
			}
			if tt.want == domain.OutcomeSuccess && outcome.ProviderMessageID != "sms-1" {
				t.Errorf("provider message id = %q, want sms-1", outcome.ProviderMessageID)
			}
		})
	}
}

func newEmailSenderForTest(send smtpSendFunc) *EmailSender {
	s := NewEmailSender(config.EmailConfig{
		Enabled: true,
		Host:    "smtp.example.com",
		Port:    587,
		From:    "clinica@example.com",
		Rate:    100,
		Burst:   100,
	})
	s.sendMail = send
	return s
}

func TestEmailSendSuccess(t *testing.T) {
	var gotTo []string
	var gotMsg []byte
	s := newEmailSenderForTest(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = msg
		return nil
	})

	outcome := s.Send(context.Background(),
		domain.Recipient{ClientID: "c-1", Email: "ana@example.com"},
		domain.RenderedMessage{Subject: "Cita", Body: "hola"})

	if outcome.Status != domain.OutcomeSuccess {
		t.Fatalf("status = %s (%s)", outcome.Status, outcome.Reason)
	}
	if len(gotTo) != 1 || gotTo[0] != "ana@example.com" {
		t.Errorf("to = %v", gotTo)
	}
	if len(gotMsg) == 0 {
		t.Error("empty message body")
	}
}

func TestEmailSendClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.OutcomeStatus
	}{
		{"permanent rejection", errors.New("550 5.1.1 user unknown"), domain.OutcomeTerminal},
		{"greylisting", errors.New("451 try again later"), domain.OutcomeRetryable},
		{"network error", errors.New("dial tcp: connection refused"), domain.OutcomeRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newEmailSenderForTest(func(string, smtp.Auth, string, []string, []byte) error {
				return tt.err
			})
			outcome := s.Send(context.Background(),
				domain.Recipient{ClientID: "c-1", Email: "ana@example.com"},
				domain.RenderedMessage{Body: "hola"})
			if outcome.Status != tt.want {
				t.Errorf("status = %s, want %s", outcome.Status, tt.want)
			}
		})
	}
}

func TestEmailInvalidAddressIsTerminal(t *testing.T) {
	s := newEmailSenderForTest(func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("sendMail must not be called")
		return nil
	})
	outcome := s.Send(context.Background(),
		domain.Recipient{ClientID: "c-1", Email: "not-an-address"},
		domain.RenderedMessage{Body: "hola"})
	if outcome.Status != domain.OutcomeTerminal {
		t.Errorf("status = %s, want terminal", outcome.Status)
	}
}

func TestRegistryEnabledChannels(t *testing.T) {
	registry := NewRegistry(config.ChannelsConfig{
		WhatsApp: config.WhatsAppConfig{Enabled: true, BaseURL: "http://x", Rate: 1, Burst: 1},
		Email:    config.EmailConfig{Enabled: false},
		SMS:      config.SMSConfig{Enabled: true, BaseURL: "http://x", Rate: 1, Burst: 1},
	})

	if registry.For(domain.ChannelWhatsApp) == nil {
		t.Error("whatsapp should be enabled")
	}
	if registry.For(domain.ChannelEmail) != nil {
		t.Error("email should be disabled")
	}
	if got := len(registry.Enabled()); got != 2 {
		t.Errorf("enabled channels = %d, want 2", got)
	}
}
