package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"boundary-soar/internal/queue"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Workers <= 0 {
		t.Error("Workers should be positive")
	}
	if cfg.PollInterval <= 0 {
		t.Error("PollInterval should be positive")
	}
	if cfg.ShutdownWait <= 0 {
		t.Error("ShutdownWait should be positive")
	}
}

func TestNew_FillsDefaults(t *testing.T) {
	c := New(queue.NewRingBuffer[int](1), func(context.Context, int) error { return nil }, Config{})
	if c.config != DefaultConfig() {
		t.Errorf("config = %+v, want defaults", c.config)
	}
}

func TestConsumer_DrainsOnStop(t *testing.T) {
	q := queue.NewRingBuffer[int](100)

	var mu sync.Mutex
	seen := map[int]bool{}
	process := func(_ context.Context, v int) error {
		switch v {
		case 13:
			return errors.New("unlucky")
		case 66:
			panic("boom")
		}
		mu.Lock()
		seen[v] = true
		mu.Unlock()
		return nil
	}

	c := New(q, process, Config{Workers: 3, PollInterval: 10 * time.Millisecond, ShutdownWait: 2 * time.Second})
	for i := 0; i < 100; i++ {
		if err := q.Push(i); err != nil {
			t.Fatal(err)
		}
	}
	c.Start(context.Background())
	c.Stop()

	m := c.Metrics()
	if m.Consumed != 98 || m.Errors != 2 {
		t.Errorf("Metrics() = %+v, want 98 consumed and 2 errors", m)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 98 {
		t.Errorf("processed %d distinct items, want 98", len(seen))
	}
}

func TestConsumer_StopsOnContext(t *testing.T) {
	q := queue.NewRingBuffer[int](10)
	c := New(q, func(context.Context, int) error { return nil }, Config{Workers: 2, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not stop after context cancellation")
	}
}
