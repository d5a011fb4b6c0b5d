package application

import (
	"context"
	"sync"
	"time"

	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/config"
	"github.com/wyfcoding/vetclinic/pkg/logger"
	"github.com/wyfcoding/vetclinic/pkg/metrics"
)

// SenderRegistry 按渠道取发送方，未启用的渠道返回 nil
type SenderRegistry interface {
	For(channel domain.Channel) domain.Sender
}

// Dispatcher 派发工作池。每个 worker 独立认领批次，
// 认领互斥由仓储的原子条件更新保证，不依赖进程内协调。
type Dispatcher struct {
	repo      domain.NotificationRepository
	templates domain.TemplateRepository
	directory domain.RecipientDirectory
	senders   SenderRegistry
	policy    domain.RetryPolicy
	metrics   *metrics.Metrics

	workers       int
	batchSize     int
	pollInterval  time.Duration
	leaseDuration time.Duration

	now func() time.Time
}

// NewDispatcher 创建派发工作池
func NewDispatcher(
	repo domain.NotificationRepository,
	templates domain.TemplateRepository,
	directory domain.RecipientDirectory,
	senders SenderRegistry,
	cfg config.DispatchConfig,
	m *metrics.Metrics,
) *Dispatcher {
	policy := domain.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        time.Duration(cfg.BackoffBase) * time.Millisecond,
		Max:         time.Duration(cfg.BackoffMax) * time.Millisecond,
		Jitter:      cfg.BackoffJitter,
	}
	return &Dispatcher{
		repo:          repo,
		templates:     templates,
		directory:     directory,
		senders:       senders,
		policy:        policy,
		metrics:       m,
		workers:       cfg.Workers,
		batchSize:     cfg.BatchSize,
		pollInterval:  time.Duration(cfg.PollInterval) * time.Millisecond,
		leaseDuration: time.Duration(cfg.LeaseSeconds) * time.Second,
		now:           time.Now,
	}
}

// Run 启动工作池并阻塞直到 ctx 取消。
// 同时运行租约回收循环和待发积压指标采样循环。
func (d *Dispatcher) Run(ctx context.Context) {
	logger.Info(ctx, "dispatcher starting",
		"workers", d.workers, "batch_size", d.batchSize, "lease", d.leaseDuration)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.workerLoop(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reclaimLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.backlogLoop(ctx)
	}()

	wg.Wait()
	logger.Info(ctx, "dispatcher stopped")
}

func (d *Dispatcher) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed := d.RunOnce(ctx)
		if processed > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.pollInterval):
		}
	}
}

// RunOnce 认领并处理一个批次，返回处理条数。测试和调度器直接调用。
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	batch, err := d.repo.ClaimBatch(ctx, d.batchSize, d.now(), d.leaseDuration)
	if err != nil {
		logger.Error(ctx, "claim batch failed", "error", err)
		return 0
	}

	for _, n := range batch {
		d.processOne(ctx, n)
	}
	return len(batch)
}

// processOne 对已认领的请求执行一次投递并落库结果。
// 请求此刻处于 SENDING 且持有租约，落库以 SENDING 为前置状态，
// 租约已被回收时条件更新落空，本次结果直接丢弃。
func (d *Dispatcher) processOne(ctx context.Context, n *domain.Notification) {
	channel := n.CurrentChannel()
	outcome := d.attemptSend(ctx, n, channel)

	now := d.now()
	if err := n.ApplyOutcome(outcome, d.policy, now); err != nil {
		logger.Error(ctx, "apply outcome failed",
			"notification_id", n.ID, "error", err)
		return
	}

	d.metrics.DispatchAttemptsTotal.WithLabelValues(string(channel), string(outcome.Status)).Inc()

	if err := d.repo.Update(ctx, n, domain.StateSending); err != nil {
		logger.Warn(ctx, "outcome persist lost race, lease was reclaimed",
			"notification_id", n.ID, "error", err)
		return
	}

	switch n.State {
	case domain.StateSent:
		logger.Info(ctx, "notification delivered",
			"notification_id", n.ID, "channel", string(channel),
			"provider_message_id", n.ProviderMessageID)
	case domain.StateFailedTerminal:
		logger.Warn(ctx, "notification failed on all channels",
			"notification_id", n.ID, "source_event_id", n.SourceEventID,
			"reason", outcome.Reason)
	default:
		logger.Info(ctx, "delivery attempt failed, will retry",
			"notification_id", n.ID, "channel", string(channel),
			"state", string(n.State), "reason", outcome.Reason,
			"next_attempt_at", n.NextAttemptAt)
	}
}

// attemptSend 渲染并发送，把所有失败模式折叠成一个 Outcome
func (d *Dispatcher) attemptSend(ctx context.Context, n *domain.Notification, channel domain.Channel) domain.Outcome {
	if channel == "" {
		return domain.TerminalFailure("no channel available", "")
	}

	if !n.Recipient.Resolved() {
		recipient, err := d.directory.Resolve(ctx, n.Recipient.ClientID)
		if err != nil {
			return domain.RetryableFailure("recipient still unresolved: "+err.Error(), "")
		}
		n.Recipient = recipient
	}

	tmpl, err := d.templates.FindByEventAndChannel(ctx, n.EventType, channel)
	if err != nil {
		return domain.RetryableFailure("template lookup failed: "+err.Error(), "")
	}
	if tmpl == nil {
		// 该渠道没有模板，换下一个渠道
		return domain.TerminalFailure("no template for channel", "")
	}

	msg, err := tmpl.Render(n.Payload.Fields)
	if err != nil {
		return domain.TerminalFailure("template render failed: "+err.Error(), "")
	}

	snd := d.senders.For(channel)
	if snd == nil {
		return domain.TerminalFailure("channel not enabled", "")
	}

	start := d.now()
	outcome := snd.Send(ctx, n.Recipient, msg)
	d.metrics.SendDuration.WithLabelValues(string(channel)).Observe(time.Since(start).Seconds())
	return outcome
}

// reclaimLoop 周期回收租约过期的 SENDING 请求
func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	interval := d.leaseDuration / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := d.repo.ReclaimExpired(ctx, d.now(), d.policy)
			if err != nil {
				logger.Error(ctx, "lease reclaim failed", "error", err)
				continue
			}
			if reclaimed > 0 {
				d.metrics.LeaseReclaimsTotal.Add(float64(reclaimed))
				logger.Warn(ctx, "reclaimed abandoned leases", "count", reclaimed)
			}
		}
	}
}

// backlogLoop 周期采样可认领积压量
func (d *Dispatcher) backlogLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := d.repo.CountClaimable(ctx, d.now())
			if err != nil {
				continue
			}
			d.metrics.PendingGauge.Set(float64(count))
		}
	}
}
