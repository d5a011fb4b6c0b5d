package application

import (
	"context"
	"testing"
	"time"

	"github.com/wyfcoding/vetclinic/internal/notification/domain"
)

func seedSent(t *testing.T, repo *memRepo, id, providerMessageID string) {
	t.Helper()
	n := domain.NewNotification(
		id, "evt-"+id, domain.EventAppointmentCreated,
		domain.Recipient{ClientID: "c-1", WhatsApp: "3001234567"},
		[]domain.Channel{domain.ChannelWhatsApp},
		domain.Payload{},
		dispatchBase, dispatchBase,
	)
	if err := repo.Create(context.Background(), n); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := n.Claim(dispatchBase, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.Update(context.Background(), n, domain.StatePending); err != nil {
		t.Fatalf("update to sending: %v", err)
	}
	if err := n.ApplyOutcome(domain.Success("200", providerMessageID), domain.DefaultRetryPolicy(), dispatchBase.Add(time.Second)); err != nil {
		t.Fatalf("apply outcome: %v", err)
	}
	if err := repo.Update(context.Background(), n, domain.StateSending); err != nil {
		t.Fatalf("update to sent: %v", err)
	}
}

func TestCancelCommand(t *testing.T) {
	repo := newMemRepo()
	cmd := NewNotificationCommand(repo)
	ctx := context.Background()

	n := domain.NewNotification(
		"n-1", "evt-1", domain.EventReminderDue,
		domain.Recipient{ClientID: "c-1", Phone: "3001234567"},
		[]domain.Channel{domain.ChannelSMS},
		domain.Payload{},
		dispatchBase, dispatchBase,
	)
	if err := repo.Create(ctx, n); err != nil {
		t.Fatalf("create: %v", err)
	}

	dto, err := cmd.Cancel(ctx, "n-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if dto.State != string(domain.StateCancelled) {
		t.Errorf("state = %s, want CANCELLED", dto.State)
	}

	if _, err := cmd.Cancel(ctx, "missing"); err != domain.ErrNotFound {
		t.Errorf("cancel missing err = %v, want ErrNotFound", err)
	}
}

func TestApplyReceiptDelivered(t *testing.T) {
	repo := newMemRepo()
	cmd := NewNotificationCommand(repo)
	ctx := context.Background()
	seedSent(t, repo, "n-1", "wamid.77")

	ts := dispatchBase.Add(time.Minute)
	err := cmd.ApplyReceipt(ctx, DeliveryReceipt{
		ProviderMessageID: "wamid.77",
		Status:            ReceiptDelivered,
		Timestamp:         ts,
	})
	if err != nil {
		t.Fatalf("apply receipt: %v", err)
	}

	n, _ := repo.FindByID(ctx, "n-1")
	if n.DeliveredAt == nil || !n.DeliveredAt.Equal(ts) {
		t.Errorf("delivered at = %v, want %v", n.DeliveredAt, ts)
	}
	if n.ReadAt != nil {
		t.Error("read at should stay unset")
	}
}

func TestApplyReceiptReadImpliesDelivered(t *testing.T) {
	repo := newMemRepo()
	cmd := NewNotificationCommand(repo)
	ctx := context.Background()
	seedSent(t, repo, "n-1", "wamid.77")

	ts := dispatchBase.Add(2 * time.Minute)
	err := cmd.ApplyReceipt(ctx, DeliveryReceipt{
		ProviderMessageID: "wamid.77",
		Status:            ReceiptRead,
		Timestamp:         ts,
	})
	if err != nil {
		t.Fatalf("apply receipt: %v", err)
	}

	n, _ := repo.FindByID(ctx, "n-1")
	if n.ReadAt == nil || n.DeliveredAt == nil {
		t.Errorf("read receipt should set both timestamps: delivered=%v read=%v", n.DeliveredAt, n.ReadAt)
	}
}

func TestApplyReceiptUnknownMessageIsIgnored(t *testing.T) {
	repo := newMemRepo()
	cmd := NewNotificationCommand(repo)

	err := cmd.ApplyReceipt(context.Background(), DeliveryReceipt{
		ProviderMessageID: "wamid.unknown",
		Status:            ReceiptDelivered,
		Timestamp:         dispatchBase,
	})
	if err != nil {
		t.Errorf("unknown receipt should be ignored, got %v", err)
	}
}
