package device

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jaypipes/ghw"
	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"
)

// Accelerator is one GPU reported by a Prober.
type Accelerator struct {
	Index     int
	Name      string
	VRAMBytes uint64
}

// Prober reports the accelerators present on the host.
type Prober interface {
	Probe(ctx context.Context) ([]Accelerator, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) ([]Accelerator, error)

func (f ProberFunc) Probe(ctx context.Context) ([]Accelerator, error) { return f(ctx) }

// SystemProber finds NVIDIA cards with ghw and reads their memory with nvidia-smi.
// The native runtime is built against CUDA, so other vendors are ignored.
type SystemProber struct {
	NvidiaSMIPath string
	Timeout       time.Duration
	logger        *zap.Logger
}

// NewSystemProber creates a SystemProber. A nil logger is replaced by a no-op logger.
func NewSystemProber(logger *zap.Logger) *SystemProber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SystemProber{NvidiaSMIPath: "nvidia-smi", Timeout: 5 * time.Second, logger: logger}
}

// Probe returns the NVIDIA accelerators visible on the host.
func (p *SystemProber) Probe(ctx context.Context) ([]Accelerator, error) {
	if !p.hasNvidiaCard() {
		return nil, nil
	}

	accels, err := p.queryNvidiaSMI(ctx)
	if err != nil {
		p.logger.Info("nvidia-smi query failed, treating host as cpu-only", zap.Error(err))
		return nil, nil
	}
	return accels, nil
}

func (p *SystemProber) hasNvidiaCard() bool {
	info, err := ghw.GPU()
	if err != nil {
		p.logger.Debug("ghw gpu enumeration failed", zap.Error(err))
		// Containers often hide the PCI tree; let nvidia-smi decide.
		return true
	}
	for _, card := range info.GraphicsCards {
		if card != nil && strings.Contains(strings.ToLower(card.String()), "nvidia") {
			return true
		}
	}
	return false
}

func (p *SystemProber) queryNvidiaSMI(ctx context.Context) ([]Accelerator, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.NvidiaSMIPath,
		"--query-gpu=index,name,memory.total",
		"--format=csv,noheader,nounits")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("nvidia-smi failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseNvidiaSMI(stdout.String())
}

// parseNvidiaSMI parses "index, name, memory.total[MiB]" CSV rows.
func parseNvidiaSMI(output string) ([]Accelerator, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, nil
	}

	reader := csv.NewReader(strings.NewReader(output))
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}

	accels := make([]Accelerator, 0, len(records))
	for _, record := range records {
		if len(record) < 3 {
			return nil, fmt.Errorf("unexpected field count: got %d, expected 3", len(record))
		}
		index, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			return nil, fmt.Errorf("failed to parse index: %w", err)
		}
		var vram uint64
		// Unified-memory parts report [N/A].
		if mib, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64); err == nil {
			vram = uint64(mib * 1024 * 1024)
		}
		accels = append(accels, Accelerator{
			Index:     index,
			Name:      strings.TrimSpace(record[1]),
			VRAMBytes: vram,
		})
	}
	return accels, nil
}

// PhysicalCores returns the number of physical CPU cores, at least 1.
func PhysicalCores() int {
	if cpuid.CPU.PhysicalCores == 0 {
		return 1
	}
	return cpuid.CPU.PhysicalCores
}
