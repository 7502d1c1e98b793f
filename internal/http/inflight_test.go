package http

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestInFlightTracker_CountAndWait(t *testing.T) {
	tracker := &InFlightTracker{}
	if got := tracker.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}

	tracker.Increment()
	tracker.Increment()
	if got := tracker.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		tracker.Decrement()
		tracker.Decrement()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tracker.WaitForZero(ctx, 5*time.Millisecond); err != nil {
		t.Errorf("WaitForZero() error = %v", err)
	}
}

func TestInFlightTracker_WaitTimesOut(t *testing.T) {
	tracker := &InFlightTracker{}
	tracker.Increment()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tracker.WaitForZero(ctx, 5*time.Millisecond); err != context.DeadlineExceeded {
		t.Errorf("WaitForZero() error = %v, want DeadlineExceeded", err)
	}
}

func TestInFlightTracker_StreamsCountedSeparately(t *testing.T) {
	tracker := &InFlightTracker{}
	tracker.Increment()
	tracker.StreamOpened()
	if tracker.Streams() != 1 || tracker.Count() != 1 {
		t.Errorf("streams=%d requests=%d, want 1 and 1", tracker.Streams(), tracker.Count())
	}
	tracker.StreamClosed()
	tracker.Decrement()
	if tracker.Streams() != 0 || tracker.Count() != 0 {
		t.Errorf("streams=%d requests=%d, want 0 and 0", tracker.Streams(), tracker.Count())
	}
}

func TestInFlightTracker_Concurrent(t *testing.T) {
	tracker := &InFlightTracker{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Increment()
			tracker.Decrement()
		}()
	}
	wg.Wait()
	if got := tracker.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}
