package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRunner struct {
	mu      sync.Mutex
	cycles  int
	active  int
	overlap bool
	err     error
	block   time.Duration
}

func (f *fakeRunner) RunCycle(ctx context.Context) error {
	f.mu.Lock()
	f.active++
	if f.active > 1 {
		f.overlap = true
	}
	f.cycles++
	err := f.err
	block := f.block
	f.mu.Unlock()

	if block > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(block):
		}
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	return err
}

func (f *fakeRunner) cycleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cycles
}

func waitForCycles(t *testing.T, runner *fakeRunner, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runner.cycleCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d cycles, got %d", want, runner.cycleCount())
}

func TestSchedulerRunsSequentialCycles(t *testing.T) {
	runner := &fakeRunner{}
	sched := New(runner, 10*time.Millisecond, 10*time.Millisecond, nil)

	sched.Start(context.Background())
	defer sched.Stop()

	waitForCycles(t, runner, 3)

	if runner.overlap {
		t.Errorf("cycles must never overlap")
	}
	if !sched.Running() {
		t.Errorf("expected Running()=true while started")
	}
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	runner := &fakeRunner{block: 50 * time.Millisecond}
	sched := New(runner, time.Hour, time.Hour, nil)

	ctx := context.Background()
	sched.Start(ctx)
	sched.Start(ctx)
	defer sched.Stop()

	waitForCycles(t, runner, 1)
	time.Sleep(100 * time.Millisecond)

	if got := runner.cycleCount(); got != 1 {
		t.Errorf("double start must not spawn a second loop, got %d cycles", got)
	}
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	runner := &fakeRunner{}
	sched := New(runner, time.Hour, time.Hour, nil)

	// 未启动时停止是空操作
	sched.Stop()

	sched.Start(context.Background())
	waitForCycles(t, runner, 1)

	sched.Stop()
	if sched.Running() {
		t.Errorf("expected Running()=false after stop")
	}
	sched.Stop()
}

func TestSchedulerBacksOffOnError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("cycle failed")}
	sched := New(runner, time.Hour, 10*time.Millisecond, nil)

	sched.Start(context.Background())
	defer sched.Stop()

	// 间隔为1小时，只有错误退避能让第二轮在测试时限内发生
	waitForCycles(t, runner, 2)
}

func TestSchedulerStopWaitsForCycle(t *testing.T) {
	runner := &fakeRunner{block: 30 * time.Millisecond}
	sched := New(runner, time.Hour, time.Hour, nil)

	sched.Start(context.Background())
	waitForCycles(t, runner, 1)
	sched.Stop()

	runner.mu.Lock()
	active := runner.active
	runner.mu.Unlock()
	if active != 0 {
		t.Errorf("Stop must wait for the in-flight cycle to finish")
	}
}
