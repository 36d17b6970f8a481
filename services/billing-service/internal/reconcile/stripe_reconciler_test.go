package reconcile

import (
	"context"
	"testing"
	"time"
)

func TestWaitOrDone_CanceledContextStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if waitOrDone(ctx, time.Minute) {
		t.Fatal("canceled context must stop the wait")
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation should unblock the wait promptly")
	}
}

func TestWaitOrDone_ElapsesWhenContextLives(t *testing.T) {
	if !waitOrDone(context.Background(), 10*time.Millisecond) {
		t.Fatal("an undisturbed wait should elapse normally")
	}
}
