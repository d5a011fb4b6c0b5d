package application

import (
	"context"
	"testing"
	"time"

	"github.com/wyfcoding/vetclinic/internal/notification/domain"
)

type ingressFixture struct {
	repo      *memRepo
	templates *memTemplates
	directory *fakeDirectory
	ingress   *IngressService
	clock     *fakeClock
}

func newIngressFixture(t *testing.T) *ingressFixture {
	t.Helper()
	repo := newMemRepo()
	templates := newMemTemplates(true)
	directory := newFakeDirectory()
	clock := &fakeClock{now: dispatchBase}

	svc := NewIngressService(repo, templates, directory, testMetrics())
	svc.now = clock.Now

	return &ingressFixture{
		repo:      repo,
		templates: templates,
		directory: directory,
		ingress:   svc,
		clock:     clock,
	}
}

func appointmentEvent(eventID string) domain.DomainEvent {
	return domain.DomainEvent{
		EventID:    eventID,
		EventType:  domain.EventAppointmentCreated,
		OccurredAt: dispatchBase,
		Payload: map[string]any{
			"client_id":      "c-1",
			"appointment_id": "a-1",
			"pet_name":       "Rocky",
		},
	}
}

func TestIngestCreatesPendingNotification(t *testing.T) {
	f := newIngressFixture(t)

	if err := f.ingress.Ingest(context.Background(), appointmentEvent("evt-1")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	n, err := f.repo.FindActiveBySourceEvent(context.Background(), "evt-1")
	if err != nil || n == nil {
		t.Fatalf("expected persisted notification, got %v (%v)", n, err)
	}
	if n.State != domain.StatePending {
		t.Errorf("state = %s, want PENDING", n.State)
	}
	if !n.Recipient.Resolved() {
		t.Errorf("recipient should be resolved at ingress: %+v", n.Recipient)
	}
	if n.EventType != domain.EventAppointmentCreated {
		t.Errorf("event type = %s", n.EventType)
	}
}

func TestIngestWithoutOverrideUsesDefaultChannels(t *testing.T) {
	f := newIngressFixture(t)

	if err := f.ingress.Ingest(context.Background(), appointmentEvent("evt-1")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	n, err := f.repo.FindActiveBySourceEvent(context.Background(), "evt-1")
	if err != nil || n == nil {
		t.Fatalf("expected persisted notification, got %v (%v)", n, err)
	}
	if len(n.ChannelPreference) != len(domain.DefaultChannelPreference) {
		t.Fatalf("channel preference = %v, want default %v", n.ChannelPreference, domain.DefaultChannelPreference)
	}
	for i, c := range domain.DefaultChannelPreference {
		if n.ChannelPreference[i] != c {
			t.Errorf("channel preference[%d] = %s, want %s", i, n.ChannelPreference[i], c)
		}
	}
	if n.CurrentChannel() != domain.ChannelWhatsApp {
		t.Errorf("current channel = %s, want %s", n.CurrentChannel(), domain.ChannelWhatsApp)
	}
}

func TestIngestDuplicateIsAbsorbed(t *testing.T) {
	f := newIngressFixture(t)
	ctx := context.Background()

	if err := f.ingress.Ingest(ctx, appointmentEvent("evt-1")); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	dup := appointmentEvent("evt-1")
	dup.Payload["pet_name"] = "Max"
	if err := f.ingress.Ingest(ctx, dup); err != nil {
		t.Fatalf("duplicate ingest: %v", err)
	}

	all, err := f.repo.FindBySourceEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("notifications = %d, want exactly 1", len(all))
	}
	if got := all[0].Payload.Fields["pet_name"]; got != "Max" {
		t.Errorf("payload pet_name = %v, want refreshed to Max", got)
	}
}

func TestIngestUnknownEventTypeIsValidationError(t *testing.T) {
	f := newIngressFixture(t)

	err := f.ingress.Ingest(context.Background(), domain.DomainEvent{
		EventID:   "evt-x",
		EventType: "pet.groomed",
		Payload:   map[string]any{"client_id": "c-1"},
	})
	if !domain.IsValidation(err) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestIngestMissingEventIDIsValidationError(t *testing.T) {
	f := newIngressFixture(t)

	err := f.ingress.Ingest(context.Background(), domain.DomainEvent{
		EventType: domain.EventReminderDue,
		Payload:   map[string]any{"client_id": "c-1"},
	})
	if !domain.IsValidation(err) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestIngestMissingTemplateIsValidationError(t *testing.T) {
	f := newIngressFixture(t)
	f.templates.catchAll = false

	err := f.ingress.Ingest(context.Background(), appointmentEvent("evt-1"))
	if !domain.IsValidation(err) {
		t.Errorf("err = %v, want ValidationError", err)
	}

	n, _ := f.repo.FindActiveBySourceEvent(context.Background(), "evt-1")
	if n != nil {
		t.Error("invalid event must not be persisted")
	}
}

func TestIngestUnresolvedRecipientStillPersists(t *testing.T) {
	f := newIngressFixture(t)
	f.directory.fail = true

	if err := f.ingress.Ingest(context.Background(), appointmentEvent("evt-1")); err != nil {
		t.Fatalf("ingest with directory down: %v", err)
	}

	n, err := f.repo.FindActiveBySourceEvent(context.Background(), "evt-1")
	if err != nil || n == nil {
		t.Fatalf("expected persisted notification, got %v (%v)", n, err)
	}
	if n.Recipient.Resolved() {
		t.Error("recipient should stay unresolved until dispatch")
	}
	if n.Recipient.ClientID != "c-1" {
		t.Errorf("client id = %q, want kept for later resolution", n.Recipient.ClientID)
	}
}

func TestIngestChannelOverrideFromPayload(t *testing.T) {
	f := newIngressFixture(t)

	event := appointmentEvent("evt-1")
	event.Payload["channels"] = []any{"email", "sms"}
	if err := f.ingress.Ingest(context.Background(), event); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	n, _ := f.repo.FindActiveBySourceEvent(context.Background(), "evt-1")
	if n.FirstChannel() != domain.ChannelEmail {
		t.Errorf("first channel = %s, want email", n.FirstChannel())
	}
	if len(n.ChannelPreference) != 2 || n.ChannelPreference[1] != domain.ChannelSMS {
		t.Errorf("channel preference = %v, want [email sms]", n.ChannelPreference)
	}
}

func TestIngestDelayedSendAt(t *testing.T) {
	f := newIngressFixture(t)
	sendAt := dispatchBase.Add(4 * time.Hour)

	event := appointmentEvent("evt-1")
	event.Payload["send_at"] = sendAt.Format(time.RFC3339)
	if err := f.ingress.Ingest(context.Background(), event); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	n, _ := f.repo.FindActiveBySourceEvent(context.Background(), "evt-1")
	if n.NextAttemptAt == nil || !n.NextAttemptAt.Equal(sendAt) {
		t.Errorf("next attempt at = %v, want %v", n.NextAttemptAt, sendAt)
	}
}

func TestAppointmentCancelledCancelsReminder(t *testing.T) {
	f := newIngressFixture(t)
	ctx := context.Background()

	// 调度器先合成了一条预约提醒
	reminder := domain.DomainEvent{
		EventID:   domain.ReminderSourceEventID("a-1"),
		EventType: domain.EventReminderDue,
		Payload: map[string]any{
			"client_id":      "c-1",
			"appointment_id": "a-1",
		},
	}
	if err := f.ingress.Ingest(ctx, reminder); err != nil {
		t.Fatalf("ingest reminder: %v", err)
	}

	cancelled := domain.DomainEvent{
		EventID:   "evt-cancel-1",
		EventType: domain.EventAppointmentCancelled,
		Payload: map[string]any{
			"client_id":      "c-1",
			"appointment_id": "a-1",
		},
	}
	if err := f.ingress.Ingest(ctx, cancelled); err != nil {
		t.Fatalf("ingest cancellation: %v", err)
	}

	all, _ := f.repo.FindBySourceEvent(ctx, domain.ReminderSourceEventID("a-1"))
	if len(all) != 1 {
		t.Fatalf("reminders = %d, want 1", len(all))
	}
	if all[0].State != domain.StateCancelled {
		t.Errorf("reminder state = %s, want CANCELLED", all[0].State)
	}
}

func TestAppointmentCancelledWithoutReminderIsNoop(t *testing.T) {
	f := newIngressFixture(t)

	err := f.ingress.Ingest(context.Background(), domain.DomainEvent{
		EventID:   "evt-cancel-2",
		EventType: domain.EventAppointmentCancelled,
		Payload:   map[string]any{"appointment_id": "a-404"},
	})
	if err != nil {
		t.Errorf("cancellation without reminder should be a no-op, got %v", err)
	}
}

// 调度器重复合成同一预约的提醒：去重索引必须吸收
func TestSchedulerResweepIsDeduplicated(t *testing.T) {
	f := newIngressFixture(t)
	ctx := context.Background()

	event := domain.DomainEvent{
		EventID:   domain.ReminderSourceEventID("a-7"),
		EventType: domain.EventReminderDue,
		Payload: map[string]any{
			"client_id":      "c-1",
			"appointment_id": "a-7",
		},
	}
	for i := 0; i < 3; i++ {
		if err := f.ingress.Ingest(ctx, event); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	all, _ := f.repo.FindBySourceEvent(ctx, domain.ReminderSourceEventID("a-7"))
	if len(all) != 1 {
		t.Errorf("notifications = %d, want 1 after repeated sweeps", len(all))
	}
}
