package metrics

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"picgo/logging"
)

// GPUSample is one reading of the first GPU.
type GPUSample struct {
	Utilization float64 // percent
	Temperature float64 // celsius
	MemoryUsed  int64   // bytes
	MemoryTotal int64   // bytes
	Timestamp   time.Time
}

// GPUReader reads a GPU sample.
type GPUReader interface {
	ReadGPU(ctx context.Context) (GPUSample, error)
}

// GPUReaderFunc adapts a function to GPUReader.
type GPUReaderFunc func(ctx context.Context) (GPUSample, error)

func (f GPUReaderFunc) ReadGPU(ctx context.Context) (GPUSample, error) { return f(ctx) }

// NvidiaSMI reads samples by shelling out to nvidia-smi.
type NvidiaSMI struct {
	Path string
}

// ReadGPU queries utilization, temperature and memory of GPU 0.
func (n NvidiaSMI) ReadGPU(ctx context.Context) (GPUSample, error) {
	path := n.Path
	if path == "" {
		path = "nvidia-smi"
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, path,
		"--query-gpu=utilization.gpu,temperature.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits", "--id=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return GPUSample{}, fmt.Errorf("nvidia-smi failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseNvidiaSMIOutput(stdout.String())
}

func parseNvidiaSMIOutput(output string) (GPUSample, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return GPUSample{}, fmt.Errorf("empty nvidia-smi output")
	}

	record, err := csv.NewReader(strings.NewReader(output)).Read()
	if err != nil {
		return GPUSample{}, fmt.Errorf("parse nvidia-smi csv: %w", err)
	}
	if len(record) < 4 {
		return GPUSample{}, fmt.Errorf("unexpected field count: got %d, expected 4", len(record))
	}

	names := [4]string{"utilization", "temperature", "memory used", "memory total"}
	var vals [4]float64
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
		if err != nil {
			return GPUSample{}, fmt.Errorf("parse %s: %w", names[i], err)
		}
		vals[i] = v
	}

	const mib = 1024 * 1024
	return GPUSample{
		Utilization: vals[0],
		Temperature: vals[1],
		MemoryUsed:  int64(vals[2] * mib),
		MemoryTotal: int64(vals[3] * mib),
		Timestamp:   time.Now(),
	}, nil
}

// GPUSampler polls a GPUReader and publishes each sample to a Collector.
type GPUSampler struct {
	reader    GPUReader
	collector *Collector
	interval  time.Duration
	logger    *zap.Logger

	mu        sync.RWMutex
	last      GPUSample
	available bool
	lastErr   error

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewGPUSampler creates a sampler. An interval under one second is raised
// to five seconds.
func NewGPUSampler(reader GPUReader, collector *Collector, interval time.Duration, logger *zap.Logger) *GPUSampler {
	if interval < time.Second {
		interval = 5 * time.Second
	}
	return &GPUSampler{
		reader:    reader,
		collector: collector,
		interval:  interval,
		logger:    logging.OrNop(logger),
	}
}

// Start samples immediately and then on every tick until ctx ends or Stop
// is called.
func (s *GPUSampler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sample(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample(ctx)
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit. Safe to call twice.
func (s *GPUSampler) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
}

func (s *GPUSampler) sample(ctx context.Context) {
	sample, err := s.reader.ReadGPU(ctx)

	s.mu.Lock()
	wasAvailable := s.available
	s.lastErr = err
	if err == nil {
		s.available = true
		s.last = sample
	} else {
		s.available = false
	}
	s.mu.Unlock()

	if err != nil {
		if wasAvailable {
			s.logger.Warn("GPU sampling stopped working", zap.Error(err))
		}
		return
	}
	s.collector.ObserveGPU(sample)
}

// Available reports whether the last read succeeded.
func (s *GPUSampler) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

// Last returns the most recent successful sample.
func (s *GPUSampler) Last() GPUSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// LastError returns the error of the most recent read, if any.
func (s *GPUSampler) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}
