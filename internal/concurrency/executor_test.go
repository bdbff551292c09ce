package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sgly123/netbox/api"
)

func TestExecutorRunsTasks(t *testing.T) {
	e := NewExecutor(4, nil)
	defer e.Close()

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if err := e.Submit(func() {
			count.Add(1)
			wg.Done()
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()
	if count.Load() != 100 {
		t.Errorf("ran %d tasks, want 100", count.Load())
	}
}

func TestExecutorSurvivesPanics(t *testing.T) {
	e := NewExecutor(1, nil)
	defer e.Close()

	done := make(chan struct{})
	_ = e.Submit(func() { panic("boom") })
	_ = e.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
	if e.Stats()["panicked"] != 1 {
		t.Errorf("panicked = %d, want 1", e.Stats()["panicked"])
	}
}

func TestExecutorClosedSubmit(t *testing.T) {
	e := NewExecutor(2, nil)
	e.Close()
	if err := e.Submit(func() {}); err != api.ErrExecutorClosed {
		t.Errorf("submit after close = %v, want ErrExecutorClosed", err)
	}
}

func TestExecutorCloseIdempotent(t *testing.T) {
	e := NewExecutor(2, nil)
	e.Close()
	e.Close()
}
