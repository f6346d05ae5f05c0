package shutdown

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestRegistry_Order(t *testing.T) {
	r := NewRegistry()
	var (
		mu  sync.Mutex
		ran []string
	)
	record := func(name string, err error) Func {
		return func(context.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return err
		}
	}

	r.Register("db", PriorityStorage, record("db", nil))
	r.Register("queue", PriorityWorkers, record("queue", errors.New("stuck")))
	r.Register("sampler", PriorityWorkers, record("sampler", nil))
	r.Register("metrics", PriorityServers, record("metrics", nil))

	want := []string{"queue", "sampler", "metrics", "db"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}

	errs := r.Shutdown(context.Background())
	if len(errs) != 1 || errs[0].Error() != "queue: stuck" {
		t.Errorf("Shutdown() errors = %v", errs)
	}
	if !reflect.DeepEqual(ran, want) {
		t.Errorf("ran = %v, want %v", ran, want)
	}

	if errs := r.Shutdown(context.Background()); errs != nil {
		t.Errorf("second Shutdown() = %v", errs)
	}
	r.Register("late", 0, record("late", nil))
	if len(r.Names()) != 4 {
		t.Error("registration after shutdown accepted")
	}
}

func TestSignalCounter(t *testing.T) {
	tests := []struct {
		name       string
		forceAfter int
		signals    int
		wantForced int
	}{
		{"single signal", 2, 1, 0},
		{"second signal forces", 2, 2, 1},
		{"every later signal forces", 2, 3, 2},
		{"disabled", 0, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forced := 0
			c := NewSignalCounter(tt.forceAfter, func() { forced++ })
			for i := 0; i < tt.signals; i++ {
				c.Increment()
			}
			if c.Count() != tt.signals {
				t.Errorf("Count() = %d, want %d", c.Count(), tt.signals)
			}
			if forced != tt.wantForced {
				t.Errorf("forced %d times, want %d", forced, tt.wantForced)
			}
		})
	}
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager(nil, WithTimeout(time.Second))
	closed := false
	m.Register("history", PriorityStorage, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("cleanup context has no deadline")
		}
		closed = true
		return nil
	})
	m.Register("broken", PriorityWorkers, func(context.Context) error { return errors.New("boom") })

	err := m.Shutdown()
	if err == nil || err.Error() != "broken: boom" {
		t.Errorf("Shutdown() error = %v", err)
	}
	if !closed {
		t.Error("history handler did not run")
	}
	if m.Context().Err() == nil {
		t.Error("context not canceled after Shutdown")
	}
	if err := m.Shutdown(); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestManager_SignalCancelsContext(t *testing.T) {
	forced := make(chan struct{}, 1)
	m := NewManager(nil, WithForceExit(func() { forced <- struct{}{} }))
	m.Start()
	m.Start()
	defer m.Shutdown()

	m.sigChan <- syscall.SIGTERM
	select {
	case <-m.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled by signal")
	}

	m.sigChan <- syscall.SIGINT
	select {
	case <-forced:
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not force exit")
	}
}

func TestManager_Trigger(t *testing.T) {
	m := NewManager(nil)
	m.Trigger()
	if m.Context().Err() == nil {
		t.Error("Trigger() did not cancel context")
	}
}
