package task

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWaitReturnsValue(t *testing.T) {
	tk := Go(context.Background(), func(ctx context.Context) (string, error) {
		return "backend started (pid 1)", nil
	})
	v, err := tk.Wait(context.Background())
	if err != nil || v != "backend started (pid 1)" {
		t.Fatalf("unexpected result %q %v", v, err)
	}
	if _, ok, _ := tk.Result(); !ok {
		t.Fatalf("Result should be available after Wait")
	}
}

func TestCancelPropagates(t *testing.T) {
	started := make(chan struct{})
	tk := Go(context.Background(), func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	<-started
	if _, ok, _ := tk.Result(); ok {
		t.Fatalf("task should still be running")
	}
	_, err := tk.CancelAndWait(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	select {
	case <-tk.Done():
	default:
		t.Fatalf("Done should be closed")
	}
}

func TestParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	tk := Go(parent, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 7, ctx.Err()
	})
	cancel()
	v, err := tk.Wait(context.Background())
	if v != 7 || !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected %d %v", v, err)
	}
}

func TestWaitBoundedByCtx(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	tk := Go(context.Background(), func(ctx context.Context) (int, error) {
		<-block
		return 1, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := tk.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	tk := Go(context.Background(), func(ctx context.Context) (int, error) {
		panic("boom")
	})
	_, err := tk.Wait(context.Background())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected panic error, got %v", err)
	}
}
