package application

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wyfcoding/vetclinic/internal/scheduler/domain"
	"github.com/wyfcoding/vetclinic/pkg/logger"
	"github.com/wyfcoding/vetclinic/pkg/metrics"
)

// LeaderLease 领导租约，由 Redis 实现
type LeaderLease interface {
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Scheduler 调度器。按 tick 轮询 scheduled_jobs 表，执行到期计划并回写
// 下次执行时间；一次性计划成功后自动停用。多副本部署时通过 Redis 租约
// 选主，任一时刻至多一个副本产生执行；扫描本身幂等，主备切换期间的
// 重复执行被通知侧去重索引吸收。
type Scheduler struct {
	jobs    domain.JobRepository
	sweeps  map[string]domain.Sweep
	lease   LeaderLease
	ttl     time.Duration
	tick    time.Duration
	metrics *metrics.Metrics

	isLeader atomic.Bool
	now      func() time.Time
}

// NewScheduler 创建调度器
func NewScheduler(jobs domain.JobRepository, lease LeaderLease, ttl, tick time.Duration, m *metrics.Metrics, sweeps ...domain.Sweep) *Scheduler {
	byKind := make(map[string]domain.Sweep, len(sweeps))
	for _, sw := range sweeps {
		byKind[sw.Name()] = sw
	}
	return &Scheduler{
		jobs:    jobs,
		sweeps:  byKind,
		lease:   lease,
		ttl:     ttl,
		tick:    tick,
		metrics: m,
		now:     time.Now,
	}
}

// Run 启动调度并阻塞直到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.electionLoop(ctx)
	}()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			if s.isLeader.Load() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := s.lease.Release(releaseCtx); err != nil {
					logger.Warn(ctx, "leader lease release failed", "error", err)
				}
			}
			logger.Info(ctx, "scheduler stopped")
			return nil
		case <-ticker.C:
		}

		if !s.isLeader.Load() {
			continue
		}
		s.runDueJobs(ctx)
	}
}

// runDueJobs 执行所有到期的启用计划并回写执行状态
func (s *Scheduler) runDueJobs(ctx context.Context) {
	now := s.now()
	jobs, err := s.jobs.ListEnabled(ctx)
	if err != nil {
		logger.Error(ctx, "failed to list scheduled jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if !job.Due(now) {
			continue
		}
		s.runJob(ctx, job, now)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *domain.ScheduledJob, now time.Time) {
	sweep, ok := s.sweeps[job.Kind]
	if !ok {
		logger.Warn(ctx, "no sweep registered for job kind", "kind", job.Kind, "job_id", job.ID)
		return
	}

	start := s.now()
	count, err := sweep.Run(ctx, now)
	if err != nil {
		// 保持 next_run_at 不变，下个 tick 重试
		s.metrics.SchedulerRunsTotal.WithLabelValues(job.Kind, "error").Inc()
		logger.Error(ctx, "sweep failed", "kind", job.Kind, "error", err)
		return
	}

	next, err := s.nextRun(job, now)
	if err != nil {
		s.metrics.SchedulerRunsTotal.WithLabelValues(job.Kind, "error").Inc()
		logger.Error(ctx, "invalid cron spec", "kind", job.Kind, "spec", job.Spec, "error", err)
		return
	}
	job.MarkRun(now, next)

	if err := s.jobs.Save(ctx, job); err != nil {
		logger.Error(ctx, "failed to persist job state", "kind", job.Kind, "error", err)
	}
	s.metrics.SchedulerRunsTotal.WithLabelValues(job.Kind, "ok").Inc()
	logger.Info(ctx, "sweep completed",
		"kind", job.Kind, "synthesized", count, "elapsed", time.Since(start))
}

// nextRun 按 cron 表达式计算下次执行时间，一次性计划无下次
func (s *Scheduler) nextRun(job *domain.ScheduledJob, now time.Time) (*time.Time, error) {
	if job.OneShot() {
		return nil, nil
	}
	schedule, err := cron.ParseStandard(job.Spec)
	if err != nil {
		return nil, err
	}
	next := schedule.Next(now)
	return &next, nil
}

// electionLoop 维护领导租约：未持有时尝试获取，持有时按 TTL 的三分之一续约，
// 续约失败立即让出领导身份
func (s *Scheduler) electionLoop(ctx context.Context) {
	interval := s.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if ok, err := s.lease.Acquire(ctx); err == nil && ok {
		s.isLeader.Store(true)
		logger.Info(ctx, "leadership acquired")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.isLeader.Load() {
			ok, err := s.lease.Renew(ctx)
			if err != nil || !ok {
				s.isLeader.Store(false)
				logger.Warn(ctx, "leadership lost", "error", err)
			}
			continue
		}

		ok, err := s.lease.Acquire(ctx)
		if err != nil {
			logger.Warn(ctx, "leader election attempt failed", "error", err)
			continue
		}
		if ok {
			s.isLeader.Store(true)
			logger.Info(ctx, "leadership acquired")
		}
	}
}

// IsLeader 当前副本是否为领导（健康检查用）
func (s *Scheduler) IsLeader() bool {
	return s.isLeader.Load()
}
