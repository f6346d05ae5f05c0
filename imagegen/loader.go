package imagegen

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"picgo/checkpoint"
	"picgo/device"
	"picgo/logging"
	"picgo/metrics"
	"picgo/sdruntime"
)

// Repairer supplies missing components for a family and returns the
// directory holding each one.
type Repairer interface {
	Fetch(ctx context.Context, family checkpoint.Family, components []checkpoint.Component, precision sdruntime.Precision) (map[checkpoint.Component]string, error)
}

// SnapshotFetcher downloads a registry model and returns its local directory.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context, repo string, precision sdruntime.Precision) (string, error)
}

// Probe is one family attempt in the load order. Recoverable returns the
// components whose absence caused err; nil means the error is final.
type Probe struct {
	Family      checkpoint.Family
	Construct   Constructor
	Recoverable func(err error) []checkpoint.Component
}

// finalLoadErrors are never repaired: no fetched component changes them.
var finalLoadErrors = []error{
	sdruntime.ErrModelNotFound,
	sdruntime.ErrNativeUnavailable,
	checkpoint.ErrFamilyMismatch,
	checkpoint.ErrCorruptHeader,
	checkpoint.ErrUnsupportedFormat,
}

// RepairableMissing is the default Recoverable for family f: the missing
// components named by err that f's canonical source can supply.
func RepairableMissing(f checkpoint.Family) func(error) []checkpoint.Component {
	return func(err error) []checkpoint.Component {
		if err == nil {
			return nil
		}
		for _, final := range finalLoadErrors {
			if errors.Is(err, final) {
				return nil
			}
		}
		var out []checkpoint.Component
		for _, c := range checkpoint.MissingComponents(err) {
			if checkpoint.IsRepairable(f, c) {
				out = append(out, c)
			}
		}
		return out
	}
}

// DefaultProbes is the local-file load order: large first, then small.
func DefaultProbes(construct Constructor) []Probe {
	return []Probe{
		{Family: checkpoint.FamilyLarge, Construct: construct, Recoverable: RepairableMissing(checkpoint.FamilyLarge)},
		{Family: checkpoint.FamilySmall, Construct: construct, Recoverable: RepairableMissing(checkpoint.FamilySmall)},
	}
}

// Loader turns a model source into a pipeline bound to a device.
type Loader struct {
	probes         []Probe
	construct      Constructor
	repairer       Repairer
	snapshots      SnapshotFetcher
	verifyChecksum bool
	native         func() bool
	logger         *zap.Logger
	metrics        *metrics.Collector
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConstructor sets the constructor used by the default probes and for
// registry sources.
func WithConstructor(c Constructor) LoaderOption {
	return func(l *Loader) { l.construct = c }
}

// WithProbes replaces the local-file probe order.
func WithProbes(probes ...Probe) LoaderOption {
	return func(l *Loader) { l.probes = probes }
}

// WithRepairer sets the component source used by the repair path.
func WithRepairer(r Repairer) LoaderOption {
	return func(l *Loader) { l.repairer = r }
}

// WithSnapshots sets how registry sources are downloaded.
func WithSnapshots(s SnapshotFetcher) LoaderOption {
	return func(l *Loader) { l.snapshots = s }
}

// WithChecksumVerification hashes known checkpoints before loading. A
// mismatch is logged, not fatal.
func WithChecksumVerification(on bool) LoaderOption {
	return func(l *Loader) { l.verifyChecksum = on }
}

// WithNativeCheck replaces sdruntime.NativeAvailable as the test run before
// the repair path downloads anything.
func WithNativeCheck(fn func() bool) LoaderOption {
	return func(l *Loader) {
		if fn != nil {
			l.native = fn
		}
	}
}

// WithLoaderLogger sets the logger.
func WithLoaderLogger(logger *zap.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logging.OrNop(logger) }
}

// WithLoaderMetrics sets the metrics collector.
func WithLoaderMetrics(m *metrics.Collector) LoaderOption {
	return func(l *Loader) { l.metrics = m }
}

// NewLoader creates a Loader. A non-nil fetcher serves as both repairer and
// snapshot source unless overridden by options.
func NewLoader(fetcher *Fetcher, opts ...LoaderOption) *Loader {
	l := &Loader{
		construct: NewRuntimePipeline,
		native:    sdruntime.NativeAvailable,
		logger:    zap.NewNop(),
	}
	if fetcher != nil {
		l.repairer = fetcher
		l.snapshots = fetcher
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.probes == nil {
		l.probes = DefaultProbes(l.construct)
	}
	return l
}

func pipelineSpec(path string, family checkpoint.Family, dev device.Device) sdruntime.PipelineSpec {
	return sdruntime.PipelineSpec{
		CheckpointPath: path,
		Family:         family,
		Device:         dev,
		Precision:      sdruntime.PrecisionFor(dev),
		MemorySaving:   dev.MemoryConstrained,
	}
}

// Load resolves src into a pipeline on dev. On failure the handle is nil
// and the outcome's Detail holds every probe's error.
func (l *Loader) Load(ctx context.Context, src checkpoint.Source, dev device.Device) (PipelineHandle, LoadOutcome) {
	start := time.Now()
	var (
		h   PipelineHandle
		out LoadOutcome
	)
	if src.IsLocal() {
		h, out = l.loadLocal(ctx, src.Path(), dev)
	} else {
		h, out = l.loadRemote(ctx, src.String(), dev)
	}
	out.Source = src.String()
	out.Device = dev
	out.Duration = time.Since(start)

	lm := logging.LoadMetrics{
		Source:   src.DisplayName(),
		Family:   string(out.Family),
		Device:   dev.String(),
		Repaired: componentNames(out.Repaired),
		Success:  out.Success,
		Duration: out.Duration,
	}
	if out.Success {
		l.logger.Info("Model loaded", logging.LoadFields(lm))
	} else {
		l.logger.Error("Model load failed", logging.LoadFields(lm), zap.String("detail", out.Detail))
	}
	l.metrics.ObserveLoad(string(out.Family), out.Success, out.Duration)
	return h, out
}

func (l *Loader) loadLocal(ctx context.Context, path string, dev device.Device) (PipelineHandle, LoadOutcome) {
	if l.verifyChecksum {
		if checked, err := sdruntime.VerifyModelChecksum(path); err != nil {
			l.logger.Warn("Checkpoint checksum check failed", zap.String("path", path), zap.Error(err))
		} else if checked {
			l.logger.Info("Checkpoint checksum verified", zap.String("path", path))
		}
	}

	var failures []string
	var errs []error
	for _, p := range l.probes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			failures = append(failures, fmt.Sprintf("%s error: %v", p.Family.Label(), err))
			break
		}

		h, repaired, err := l.tryProbe(ctx, p, path, dev)
		if err == nil {
			return h, LoadOutcome{Success: true, Family: h.Family(), Repaired: repaired}
		}
		l.logger.Info("Family probe failed",
			zap.String("family", string(p.Family)),
			zap.Error(err))
		errs = append(errs, err)
		failures = append(failures, fmt.Sprintf("%s error: %v", p.Family.Label(), err))
	}

	detail := strings.Join(failures, "\n")
	return nil, LoadOutcome{
		Detail: detail,
		Err:    fmt.Errorf("%w: %w", ErrClassificationFailed, errors.Join(errs...)),
	}
}

// tryProbe constructs one family, running the repair path once when the
// failure names components the family's canonical source can supply.
func (l *Loader) tryProbe(ctx context.Context, p Probe, path string, dev device.Device) (PipelineHandle, []checkpoint.Component, error) {
	spec := pipelineSpec(path, p.Family, dev)
	h, err := p.Construct(spec)
	if err == nil {
		return h, nil, nil
	}
	if p.Recoverable == nil || l.repairer == nil {
		return nil, nil, err
	}
	missing := p.Recoverable(withoutPath(err, path))
	if len(missing) == 0 {
		return nil, nil, err
	}
	if !l.native() {
		l.logger.Warn("Skipping component repair, native runtime is not linked",
			zap.String("family", string(p.Family)),
			zap.Strings("components", componentNames(missing)))
		return nil, nil, err
	}

	l.logger.Info("Checkpoint is missing components, repairing",
		zap.String("family", string(p.Family)),
		zap.Strings("components", componentNames(missing)))

	paths, ferr := l.repairer.Fetch(ctx, p.Family, missing, spec.Precision)
	for _, c := range missing {
		_, ok := paths[c]
		l.metrics.ObserveRepair(string(c), ferr == nil && ok)
	}
	if ferr != nil {
		l.logger.Warn("Component repair failed", zap.String("family", string(p.Family)), zap.Error(ferr))
		return nil, nil, err
	}

	spec.ComponentPaths = paths
	h, retryErr := p.Construct(spec)
	if retryErr != nil {
		return nil, nil, fmt.Errorf("%w (after repair: %v)", err, retryErr)
	}
	return h, missing, nil
}

// pathlessError hides the checkpoint location from the component text match
// so a file named *_vae.safetensors is not read as a missing decoder.
type pathlessError struct {
	err error
	msg string
}

func (e *pathlessError) Error() string { return e.msg }
func (e *pathlessError) Unwrap() error { return e.err }

func withoutPath(err error, path string) error {
	msg := err.Error()
	for _, s := range []string{path, filepath.Base(path)} {
		if s != "" && s != "." && s != string(filepath.Separator) {
			msg = strings.ReplaceAll(msg, s, "<checkpoint>")
		}
	}
	return &pathlessError{err: err, msg: msg}
}

func (l *Loader) loadRemote(ctx context.Context, repo string, dev device.Device) (PipelineHandle, LoadOutcome) {
	label := checkpoint.FamilyAuto.Label()
	fail := func(err error) (PipelineHandle, LoadOutcome) {
		return nil, LoadOutcome{
			Family: checkpoint.FamilyAuto,
			Detail: fmt.Sprintf("%s error: %v", label, err),
			Err:    err,
		}
	}

	if l.snapshots == nil {
		return fail(fmt.Errorf("registry source %q: no registry access configured", repo))
	}
	precision := sdruntime.PrecisionFor(dev)
	dir, err := l.snapshots.Snapshot(ctx, repo, precision)
	if err != nil {
		return fail(err)
	}

	h, err := l.construct(pipelineSpec(dir, checkpoint.FamilyAuto, dev))
	if err != nil {
		return fail(err)
	}
	return h, LoadOutcome{Success: true, Family: h.Family()}
}

func componentNames(cs []checkpoint.Component) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}
