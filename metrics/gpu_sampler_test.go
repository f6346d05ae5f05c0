package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestParseNvidiaSMIOutput(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantErr   bool
		wantUtil  float64
		wantTemp  float64
		wantUsed  int64
		wantTotal int64
	}{
		{
			name:      "typical",
			output:    "45, 62, 4096, 24576\n",
			wantUtil:  45,
			wantTemp:  62,
			wantUsed:  4096 * 1024 * 1024,
			wantTotal: 24576 * 1024 * 1024,
		},
		{
			name:      "first line of several",
			output:    "10, 40, 100, 8192\n90, 80, 8000, 8192\n",
			wantUtil:  10,
			wantTemp:  40,
			wantUsed:  100 * 1024 * 1024,
			wantTotal: 8192 * 1024 * 1024,
		},
		{name: "empty", output: "  \n", wantErr: true},
		{name: "short", output: "1, 2, 3", wantErr: true},
		{name: "not a number", output: "[N/A], 40, 100, 200", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseNvidiaSMIOutput(tt.output)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseNvidiaSMIOutput() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Utilization != tt.wantUtil || got.Temperature != tt.wantTemp {
				t.Errorf("util/temp = %v/%v, want %v/%v", got.Utilization, got.Temperature, tt.wantUtil, tt.wantTemp)
			}
			if got.MemoryUsed != tt.wantUsed || got.MemoryTotal != tt.wantTotal {
				t.Errorf("memory = %d/%d, want %d/%d", got.MemoryUsed, got.MemoryTotal, tt.wantUsed, tt.wantTotal)
			}
		})
	}
}

func TestGPUSampler_PublishesSamples(t *testing.T) {
	c := NewCollector()
	reader := GPUReaderFunc(func(context.Context) (GPUSample, error) {
		return GPUSample{Utilization: 77, Temperature: 55, MemoryUsed: 1 << 30, MemoryTotal: 8 << 30}, nil
	})

	s := NewGPUSampler(reader, c, time.Hour, nil)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, s.Available)
	if got := testutil.ToFloat64(c.gpuUtilization); got != 77 {
		t.Errorf("utilization gauge = %v, want 77", got)
	}
	if got := testutil.ToFloat64(c.gpuMemoryTotal); got != float64(8<<30) {
		t.Errorf("memory total gauge = %v", got)
	}
	if s.Last().Temperature != 55 {
		t.Errorf("Last().Temperature = %v", s.Last().Temperature)
	}
}

func TestGPUSampler_ReadError(t *testing.T) {
	var calls atomic.Int32
	readErr := errors.New("no devices were found")
	reader := GPUReaderFunc(func(context.Context) (GPUSample, error) {
		calls.Add(1)
		return GPUSample{}, readErr
	})

	s := NewGPUSampler(reader, nil, time.Hour, nil)
	s.Start(context.Background())
	waitFor(t, func() bool { return calls.Load() > 0 })
	s.Stop()
	s.Stop()

	if s.Available() {
		t.Error("Available() = true after a failed read")
	}
	if !errors.Is(s.LastError(), readErr) {
		t.Errorf("LastError() = %v", s.LastError())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
