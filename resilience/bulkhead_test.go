package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestBulkhead_TryAcquire(t *testing.T) {
	var rejected atomic.Int32
	bh := NewBulkhead(BulkheadConfig{
		Name:          "io",
		MaxConcurrent: 2,
		OnReject:      func(string) { rejected.Add(1) },
	})

	if !bh.TryAcquire() || !bh.TryAcquire() {
		t.Fatal("expected first two acquisitions to succeed")
	}
	if bh.TryAcquire() {
		t.Fatal("expected third acquisition to fail")
	}
	if rejected.Load() != 1 {
		t.Errorf("expected 1 rejection, got %d", rejected.Load())
	}
	if bh.InUse() != 2 || bh.Available() != 0 {
		t.Errorf("unexpected usage in=%d avail=%d", bh.InUse(), bh.Available())
	}

	bh.Release()
	if !bh.TryAcquire() {
		t.Error("expected acquisition after release")
	}
}

func TestBulkhead_AcquireFailsImmediatelyWithoutWait(t *testing.T) {
	bh := NewBulkhead(BulkheadConfig{MaxConcurrent: 1})
	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := bh.Acquire(context.Background()); !errors.Is(err, ErrBulkheadFull) {
		t.Errorf("expected ErrBulkheadFull, got %v", err)
	}
}

func TestBulkhead_AcquireWaitsForSlot(t *testing.T) {
	bh := NewBulkhead(BulkheadConfig{MaxConcurrent: 1, MaxWait: time.Second})
	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		bh.Release()
	}()
	if err := bh.Acquire(context.Background()); err != nil {
		t.Errorf("expected slot after release, got %v", err)
	}
}

func TestBulkhead_AcquireTimesOut(t *testing.T) {
	bh := NewBulkhead(BulkheadConfig{MaxConcurrent: 1, MaxWait: 5 * time.Millisecond})
	_ = bh.Acquire(context.Background())
	if err := bh.Acquire(context.Background()); !errors.Is(err, ErrBulkheadTimeout) {
		t.Errorf("expected ErrBulkheadTimeout, got %v", err)
	}
}

func TestBulkhead_AcquireRespectsContext(t *testing.T) {
	bh := NewBulkhead(BulkheadConfig{MaxConcurrent: 1, MaxWait: time.Hour})
	_ = bh.Acquire(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bh.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBulkhead_Execute(t *testing.T) {
	bh := NewBulkhead(BulkheadConfig{MaxConcurrent: 0})
	if bh.MaxConcurrent() != 10 {
		t.Errorf("expected default of 10, got %d", bh.MaxConcurrent())
	}
	err := bh.Execute(context.Background(), func() error {
		if bh.InUse() != 1 {
			t.Errorf("expected 1 slot in use, got %d", bh.InUse())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if bh.InUse() != 0 {
		t.Errorf("slot not released")
	}
}
