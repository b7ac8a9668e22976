package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CycleRunner 为调度器驱动的单轮业务逻辑。
type CycleRunner interface {
	RunCycle(ctx context.Context) error
}

// Scheduler 以固定间隔严格串行地驱动交易周期。
// 等待时间按周期耗时补偿，周期出错时退避 ErrorBackoff 后再试。
type Scheduler struct {
	interval     time.Duration
	errorBackoff time.Duration
	runner       CycleRunner
	logger       *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New 创建调度器。
func New(runner CycleRunner, interval, errorBackoff time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if errorBackoff <= 0 {
		errorBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		interval:     interval,
		errorBackoff: errorBackoff,
		runner:       runner,
		logger:       logger,
	}
}

// Start 启动调度循环。已在运行时为幂等空操作。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("调度器已在运行，忽略重复启动")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("调度器启动",
		zap.Duration("interval", s.interval),
		zap.Duration("error_backoff", s.errorBackoff),
	)

	go s.loop(loopCtx, s.done)
}

// Stop 停止调度循环并等待当前周期结束。未运行时为幂等空操作。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Warn("调度器未在运行，忽略停止请求")
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("调度器已停止")
}

// Running 返回调度器是否在运行。
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		started := time.Now()
		err := s.runner.RunCycle(ctx)

		var wait time.Duration
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("交易周期执行失败", zap.Error(err))
			wait = s.errorBackoff
		} else {
			elapsed := time.Since(started)
			wait = s.interval - elapsed
			if wait < 0 {
				wait = 0
			}
			s.logger.Debug("交易周期完成",
				zap.Duration("elapsed", elapsed),
				zap.Duration("next_in", wait),
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
