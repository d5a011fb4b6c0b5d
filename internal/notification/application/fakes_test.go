package application

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/metrics"
)

func testMetrics() *metrics.Metrics {
	return metrics.New("test")
}

// memRepo 内存仓储，复刻 MySQL 实现的认领/去重/条件更新语义
type memRepo struct {
	mu            sync.Mutex
	notifications map[string]*domain.Notification
	nextAttemptID uint
}

func newMemRepo() *memRepo {
	return &memRepo{notifications: make(map[string]*domain.Notification)}
}

func cloneNotification(n *domain.Notification) *domain.Notification {
	c := *n
	c.ChannelPreference = append([]domain.Channel(nil), n.ChannelPreference...)
	c.ExhaustedChannels = append([]domain.Channel(nil), n.ExhaustedChannels...)
	c.Attempts = append([]domain.Attempt(nil), n.Attempts...)
	if n.Payload.Fields != nil {
		fields := make(map[string]any, len(n.Payload.Fields))
		for k, v := range n.Payload.Fields {
			fields[k] = v
		}
		c.Payload.Fields = fields
	}
	return &c
}

func (r *memRepo) Create(_ context.Context, n *domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.notifications {
		if existing.SourceEventID == n.SourceEventID &&
			existing.FirstChannel() == n.FirstChannel() &&
			existing.State != domain.StateCancelled {
			return fmt.Errorf("Duplicate entry %q", n.SourceEventID)
		}
	}
	r.notifications[n.ID] = cloneNotification(n)
	return nil
}

func (r *memRepo) Update(_ context.Context, n *domain.Notification, expectedState domain.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.notifications[n.ID]
	if !ok || stored.State != expectedState {
		return domain.ErrNotFound
	}
	for i := range n.Attempts {
		if n.Attempts[i].ID == 0 {
			r.nextAttemptID++
			n.Attempts[i].ID = r.nextAttemptID
		}
	}
	r.notifications[n.ID] = cloneNotification(n)
	return nil
}

func (r *memRepo) FindByID(_ context.Context, id string) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneNotification(n), nil
}

func (r *memRepo) FindActiveBySourceEvent(_ context.Context, sourceEventID string) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notifications {
		if n.SourceEventID == sourceEventID && n.State != domain.StateCancelled {
			return cloneNotification(n), nil
		}
	}
	return nil, nil
}

func (r *memRepo) FindBySourceEvent(_ context.Context, sourceEventID string) ([]*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Notification
	for _, n := range r.notifications {
		if n.SourceEventID == sourceEventID {
			out = append(out, cloneNotification(n))
		}
	}
	return out, nil
}

func (r *memRepo) ClaimBatch(_ context.Context, limit int, now time.Time, lease time.Duration) ([]*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []*domain.Notification
	for _, n := range r.notifications {
		if len(claimed) >= limit {
			break
		}
		if err := n.Claim(now, lease); err != nil {
			continue
		}
		for i := range n.Attempts {
			if n.Attempts[i].ID == 0 {
				r.nextAttemptID++
				n.Attempts[i].ID = r.nextAttemptID
			}
		}
		claimed = append(claimed, cloneNotification(n))
	}
	return claimed, nil
}

func (r *memRepo) ReclaimExpired(_ context.Context, now time.Time, policy domain.RetryPolicy) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, n := range r.notifications {
		if err := n.ReclaimLease(now, policy); err == nil {
			count++
		}
	}
	return count, nil
}

func (r *memRepo) Cancel(_ context.Context, id string, now time.Time) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if err := n.Cancel(now); err != nil {
		return nil, err
	}
	return cloneNotification(n), nil
}

func (r *memRepo) ListByState(_ context.Context, state domain.State, limit, offset int) ([]*domain.Notification, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*domain.Notification
	for _, n := range r.notifications {
		if n.State == state {
			all = append(all, cloneNotification(n))
		}
	}
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (r *memRepo) CountClaimable(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, n := range r.notifications {
		if n.State.Claimable() && (n.NextAttemptAt == nil || !n.NextAttemptAt.After(now)) {
			count++
		}
	}
	return count, nil
}

func (r *memRepo) NextScheduled(_ context.Context, _ time.Time, limit int) ([]*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Notification
	for _, n := range r.notifications {
		if n.State.Claimable() {
			out = append(out, cloneNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextAttemptAt, out[j].NextAttemptAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) FindByProviderMessageID(_ context.Context, providerMessageID string) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notifications {
		if n.ProviderMessageID == providerMessageID {
			return cloneNotification(n), nil
		}
	}
	return nil, domain.ErrNotFound
}

// memTemplates 内存模板仓储，默认对所有事件/渠道返回同一个模板
type memTemplates struct {
	mu        sync.Mutex
	templates map[string]*domain.Template
	catchAll  bool
}

func newMemTemplates(catchAll bool) *memTemplates {
	return &memTemplates{templates: make(map[string]*domain.Template), catchAll: catchAll}
}

func templateKey(eventType string, channel domain.Channel) string {
	return eventType + "|" + string(channel)
}

func (r *memTemplates) Save(_ context.Context, t *domain.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[templateKey(t.EventType, t.Channel)] = t
	return nil
}

func (r *memTemplates) FindByEventAndChannel(_ context.Context, eventType string, channel domain.Channel) (*domain.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.templates[templateKey(eventType, channel)]; ok {
		return t, nil
	}
	if r.catchAll {
		return &domain.Template{
			Name:         "catch-all",
			EventType:    eventType,
			Channel:      channel,
			BodyTemplate: "mensaje para {{.client_id}}",
			Enabled:      true,
		}, nil
	}
	return nil, nil
}

func (r *memTemplates) List(_ context.Context) ([]*domain.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Template
	for _, t := range r.templates {
		out = append(out, t)
	}
	return out, nil
}

func (r *memTemplates) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.templates {
		if t.ID == id {
			delete(r.templates, k)
			return nil
		}
	}
	return domain.ErrNotFound
}

// fakeDirectory 可编程的联系方式目录
type fakeDirectory struct {
	mu         sync.Mutex
	recipients map[string]domain.Recipient
	fail       bool
	resolves   int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{recipients: make(map[string]domain.Recipient)}
}

func (d *fakeDirectory) Resolve(_ context.Context, clientID string) (domain.Recipient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolves++
	if d.fail {
		return domain.Recipient{}, domain.NewRecipientResolutionError(clientID, fmt.Errorf("service unavailable"))
	}
	if r, ok := d.recipients[clientID]; ok {
		return r, nil
	}
	return domain.Recipient{
		ClientID: clientID,
		Name:     "Cliente " + clientID,
		Email:    clientID + "@example.com",
		WhatsApp: "3001234567",
		Phone:    "3001234567",
	}, nil
}

// scriptedSender 按脚本返回结果的发送方
type scriptedSender struct {
	mu       sync.Mutex
	channel  domain.Channel
	script   []domain.Outcome
	cursor   int
	sent     []domain.RenderedMessage
	fallback domain.Outcome
}

func newScriptedSender(channel domain.Channel, script ...domain.Outcome) *scriptedSender {
	return &scriptedSender{
		channel:  channel,
		script:   script,
		fallback: domain.Success("200", ""),
	}
}

func (s *scriptedSender) Channel() domain.Channel { return s.channel }

func (s *scriptedSender) Send(_ context.Context, _ domain.Recipient, msg domain.RenderedMessage) domain.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if s.cursor < len(s.script) {
		out := s.script[s.cursor]
		s.cursor++
		return out
	}
	return s.fallback
}

func (s *scriptedSender) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// fakeRegistry 测试用的发送方注册表
type fakeRegistry struct {
	senders map[domain.Channel]domain.Sender
}

func newFakeRegistry(senders ...domain.Sender) *fakeRegistry {
	m := make(map[domain.Channel]domain.Sender)
	for _, s := range senders {
		m[s.Channel()] = s
	}
	return &fakeRegistry{senders: m}
}

func (r *fakeRegistry) For(channel domain.Channel) domain.Sender {
	return r.senders[channel]
}
