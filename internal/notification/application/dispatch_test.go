package application

import (
	"context"
	"testing"
	"time"

	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/config"
)

var dispatchBase = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		Workers:       1,
		BatchSize:     10,
		PollInterval:  10,
		LeaseSeconds:  60,
		MaxAttempts:   2,
		BackoffBase:   1000,
		BackoffMax:    60000,
		BackoffJitter: 0,
	}
}

type dispatchFixture struct {
	repo       *memRepo
	templates  *memTemplates
	directory  *fakeDirectory
	dispatcher *Dispatcher
	clock      *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newDispatchFixture(t *testing.T, senders ...domain.Sender) *dispatchFixture {
	t.Helper()
	repo := newMemRepo()
	templates := newMemTemplates(true)
	directory := newFakeDirectory()
	clock := &fakeClock{now: dispatchBase}

	d := NewDispatcher(repo, templates, directory, newFakeRegistry(senders...), testDispatchConfig(), testMetrics())
	d.now = clock.Now

	return &dispatchFixture{
		repo:       repo,
		templates:  templates,
		directory:  directory,
		dispatcher: d,
		clock:      clock,
	}
}

func (f *dispatchFixture) seed(t *testing.T, id string, channels ...domain.Channel) *domain.Notification {
	t.Helper()
	n := domain.NewNotification(
		id, "evt-"+id, domain.EventAppointmentCreated,
		domain.Recipient{ClientID: "c-1", Name: "Ana", Email: "ana@example.com", WhatsApp: "3001234567"},
		channels,
		domain.Payload{Template: domain.EventAppointmentCreated, Fields: map[string]any{"client_id": "c-1"}},
		f.clock.now, f.clock.now,
	)
	if err := f.repo.Create(context.Background(), n); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return n
}

func (f *dispatchFixture) mustGet(t *testing.T, id string) *domain.Notification {
	t.Helper()
	n, err := f.repo.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find %s: %v", id, err)
	}
	return n
}

// 跑若干轮，直到仓储里没有可认领的请求
func (f *dispatchFixture) drain(t *testing.T, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		if f.dispatcher.RunOnce(context.Background()) == 0 {
			f.clock.Advance(5 * time.Minute)
			if f.dispatcher.RunOnce(context.Background()) == 0 {
				return
			}
		}
	}
}

func TestDispatchSuccess(t *testing.T) {
	whatsapp := newScriptedSender(domain.ChannelWhatsApp, domain.Success("200", "wamid.1"))
	f := newDispatchFixture(t, whatsapp)
	f.seed(t, "n-1", domain.ChannelWhatsApp)

	if got := f.dispatcher.RunOnce(context.Background()); got != 1 {
		t.Fatalf("processed = %d, want 1", got)
	}

	n := f.mustGet(t, "n-1")
	if n.State != domain.StateSent {
		t.Errorf("state = %s, want SENT", n.State)
	}
	if n.ProviderMessageID != "wamid.1" {
		t.Errorf("provider message id = %q", n.ProviderMessageID)
	}
	if whatsapp.sendCount() != 1 {
		t.Errorf("send count = %d, want 1", whatsapp.sendCount())
	}
}

func TestDispatchNoDoubleSendOnRepeatedRuns(t *testing.T) {
	whatsapp := newScriptedSender(domain.ChannelWhatsApp, domain.Success("200", "wamid.1"))
	f := newDispatchFixture(t, whatsapp)
	f.seed(t, "n-1", domain.ChannelWhatsApp)

	f.dispatcher.RunOnce(context.Background())
	f.dispatcher.RunOnce(context.Background())
	f.clock.Advance(time.Hour)
	f.dispatcher.RunOnce(context.Background())

	if whatsapp.sendCount() != 1 {
		t.Errorf("send count = %d, want exactly 1", whatsapp.sendCount())
	}
}

// 即时渠道连续两次可重试失败耗尽预算，回退邮件一次成功
func TestDispatchChannelFallbackScenario(t *testing.T) {
	whatsapp := newScriptedSender(domain.ChannelWhatsApp,
		domain.RetryableFailure("api down", "503"),
		domain.RetryableFailure("api down", "503"),
	)
	email := newScriptedSender(domain.ChannelEmail, domain.Success("250", ""))
	f := newDispatchFixture(t, whatsapp, email)
	f.seed(t, "n-1", domain.ChannelWhatsApp, domain.ChannelEmail)

	f.drain(t, 10)

	n := f.mustGet(t, "n-1")
	if n.State != domain.StateSent {
		t.Fatalf("state = %s, want SENT", n.State)
	}
	if whatsapp.sendCount() != 2 {
		t.Errorf("whatsapp sends = %d, want 2", whatsapp.sendCount())
	}
	if email.sendCount() != 1 {
		t.Errorf("email sends = %d, want 1", email.sendCount())
	}
	if len(n.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(n.Attempts))
	}
	if len(n.ExhaustedChannels) != 1 || n.ExhaustedChannels[0] != domain.ChannelWhatsApp {
		t.Errorf("exhausted channels = %v", n.ExhaustedChannels)
	}
}

func TestDispatchAllChannelsExhausted(t *testing.T) {
	whatsapp := newScriptedSender(domain.ChannelWhatsApp, domain.TerminalFailure("invalid number", "400"))
	email := newScriptedSender(domain.ChannelEmail, domain.TerminalFailure("mailbox unavailable", "550"))
	f := newDispatchFixture(t, whatsapp, email)
	f.seed(t, "n-1", domain.ChannelWhatsApp, domain.ChannelEmail)

	f.drain(t, 10)

	n := f.mustGet(t, "n-1")
	if n.State != domain.StateFailedTerminal {
		t.Errorf("state = %s, want FAILED_TERMINAL", n.State)
	}
	if n.NextAttemptAt != nil {
		t.Error("terminal request must not be rescheduled")
	}
}

func TestDispatchBackoffDelaysRetry(t *testing.T) {
	whatsapp := newScriptedSender(domain.ChannelWhatsApp, domain.RetryableFailure("flaky", "500"))
	f := newDispatchFixture(t, whatsapp)
	f.seed(t, "n-1", domain.ChannelWhatsApp)

	f.dispatcher.RunOnce(context.Background())

	n := f.mustGet(t, "n-1")
	if n.State != domain.StateFailedRetryable {
		t.Fatalf("state = %s, want FAILED_RETRYABLE", n.State)
	}

	// 退避时间未到，重复认领不应取到
	if got := f.dispatcher.RunOnce(context.Background()); got != 0 {
		t.Errorf("claimed %d before backoff elapsed", got)
	}

	f.clock.Advance(2 * time.Second)
	if got := f.dispatcher.RunOnce(context.Background()); got != 1 {
		t.Errorf("claimed %d after backoff elapsed, want 1", got)
	}
}

func TestDispatchUnresolvedRecipientRetries(t *testing.T) {
	whatsapp := newScriptedSender(domain.ChannelWhatsApp, domain.Success("200", "wamid.9"))
	f := newDispatchFixture(t, whatsapp)

	n := domain.NewNotification(
		"n-1", "evt-n-1", domain.EventReminderDue,
		domain.Recipient{ClientID: "c-9"},
		[]domain.Channel{domain.ChannelWhatsApp},
		domain.Payload{Fields: map[string]any{"client_id": "c-9"}},
		f.clock.now, f.clock.now,
	)
	if err := f.repo.Create(context.Background(), n); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 第一轮目录不可用：派发失败但可重试
	f.directory.fail = true
	f.dispatcher.RunOnce(context.Background())
	got := f.mustGet(t, "n-1")
	if got.State != domain.StateFailedRetryable {
		t.Fatalf("state = %s, want FAILED_RETRYABLE while directory down", got.State)
	}
	if whatsapp.sendCount() != 0 {
		t.Fatalf("send count = %d, want 0 without recipient", whatsapp.sendCount())
	}

	// 目录恢复后重试成功
	f.directory.fail = false
	f.clock.Advance(5 * time.Minute)
	f.dispatcher.RunOnce(context.Background())

	got = f.mustGet(t, "n-1")
	if got.State != domain.StateSent {
		t.Errorf("state = %s, want SENT after directory recovers", got.State)
	}
}

func TestDispatchLeaseReclaim(t *testing.T) {
	whatsapp := newScriptedSender(domain.ChannelWhatsApp)
	f := newDispatchFixture(t, whatsapp)
	f.seed(t, "n-1", domain.ChannelWhatsApp)

	// 模拟 worker 认领后崩溃：认领但不落库结果
	claimed, err := f.repo.ClaimBatch(context.Background(), 10, f.clock.now, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	// 租约未过期时不回收
	count, err := f.repo.ReclaimExpired(context.Background(), f.clock.now.Add(30*time.Second), domain.DefaultRetryPolicy())
	if err != nil || count != 0 {
		t.Fatalf("early reclaim = %d (%v), want 0", count, err)
	}

	// 过期后回收，请求重新可派发
	count, err = f.repo.ReclaimExpired(context.Background(), f.clock.now.Add(2*time.Minute), domain.DefaultRetryPolicy())
	if err != nil || count != 1 {
		t.Fatalf("reclaim = %d (%v), want 1", count, err)
	}

	n := f.mustGet(t, "n-1")
	if n.State != domain.StateFailedRetryable {
		t.Errorf("state = %s, want FAILED_RETRYABLE after reclaim", n.State)
	}
	if n.OpenAttempt() != nil {
		t.Error("reclaim must close the abandoned attempt")
	}
}

func TestDispatchCancelledIsNeverSent(t *testing.T) {
	whatsapp := newScriptedSender(domain.ChannelWhatsApp)
	f := newDispatchFixture(t, whatsapp)
	f.seed(t, "n-1", domain.ChannelWhatsApp)

	if _, err := f.repo.Cancel(context.Background(), "n-1", f.clock.now); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	f.clock.Advance(time.Hour)
	f.dispatcher.RunOnce(context.Background())

	if whatsapp.sendCount() != 0 {
		t.Errorf("send count = %d, want 0 for cancelled request", whatsapp.sendCount())
	}
	n := f.mustGet(t, "n-1")
	if n.State != domain.StateCancelled {
		t.Errorf("state = %s, want CANCELLED", n.State)
	}
}
