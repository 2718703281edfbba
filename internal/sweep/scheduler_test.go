package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type scriptedRunner struct {
	calls  int32
	target int32
	cancel context.CancelFunc
}

func (r *scriptedRunner) RunOnce(context.Context) (Report, error) {
	call := atomic.AddInt32(&r.calls, 1)
	if call >= r.target {
		r.cancel()
	}
	switch call {
	case 1:
		panic("database exploded")
	case 2:
		return Report{}, errors.New("transient failure")
	default:
		return Report{}, nil
	}
}

func TestSchedulerSurvivesFailingRuns(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runner := &scriptedRunner{target: 3, cancel: cancel}

	err := NewScheduler(runner, 5*time.Millisecond, zap.New(core)).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if atomic.LoadInt32(&runner.calls) < 3 {
		t.Fatalf("expected the schedule to continue after failures, got %d runs", runner.calls)
	}
	if logs.FilterMessage("availability sweep panicked").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
	if logs.FilterMessage("availability sweep failed").Len() != 1 {
		t.Fatalf("expected failure to be logged")
	}
}

func TestSchedulerRunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &scriptedRunner{target: 1, cancel: cancel}

	start := time.Now()
	_ = NewScheduler(runner, time.Hour, nil).Run(ctx)
	if time.Since(start) > time.Second {
		t.Fatalf("expected the first sweep to run without waiting for a tick")
	}
	if atomic.LoadInt32(&runner.calls) != 1 {
		t.Fatalf("expected exactly one run, got %d", runner.calls)
	}
}
