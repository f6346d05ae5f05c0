// Package orchestrator sequences model loads, device changes and generations
// on a single worker goroutine. Callers submit tasks without blocking and read
// results from one event channel, in submission order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"picgo/checkpoint"
	"picgo/db"
	"picgo/device"
	"picgo/imagegen"
	"picgo/logging"
	"picgo/metrics"
)

var (
	// ErrBusy is returned when the task queue is full.
	ErrBusy = errors.New("orchestrator: busy, try again when the current task finishes")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator: closed")
)

// DefaultQueueSize is the number of tasks accepted while one is running.
const DefaultQueueSize = 4

// Engine is the pipeline owner. *imagegen.Engine implements it.
type Engine interface {
	Load(ctx context.Context, src checkpoint.Source, dev device.Device) imagegen.LoadOutcome
	GenerateRequest(ctx context.Context, req imagegen.GenerationRequest) (*imagegen.GenerationResult, error)
	SetDevice(dev device.Device) error
	Loaded() bool
	Source() checkpoint.Source
	Family() checkpoint.Family
	Device() device.Device
}

// Resolver turns a device selection into a device. *device.Resolver implements it.
type Resolver interface {
	ResolveOrFallback(sel device.Selection) (device.Device, *device.Notice)
}

// History stores load and generation events. *db.Repository implements it.
type History interface {
	RecordLoad(ctx context.Context, e db.LoadEvent) error
	RecordGeneration(ctx context.Context, e db.GenerationEvent) error
}

type task struct {
	kind      EventKind
	ticket    uint64
	source    checkpoint.Source
	selection device.Selection
	request   imagegen.GenerationRequest
}

// Orchestrator runs every engine operation on one worker.
type Orchestrator struct {
	engine      Engine
	resolver    Resolver
	history     History
	diagnostics *Diagnostics
	logger      *zap.Logger
	metrics     *metrics.Collector
	queueSize   int

	tasks  chan task
	events chan Event
	done   chan struct{}

	mu           sync.Mutex
	state        State
	loaded       bool
	pendingLoads int
	nextTicket   uint64
	closed       bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithQueueSize sets how many tasks may wait behind the running one.
func WithQueueSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

func WithHistory(h History) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithDiagnostics replaces the default picgo_error.log writer.
func WithDiagnostics(d *Diagnostics) Option {
	return func(o *Orchestrator) { o.diagnostics = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New starts the worker. The caller must read Events until it is closed.
func New(engine Engine, resolver Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:    engine,
		resolver:  resolver,
		logger:    zap.NewNop(),
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.diagnostics == nil {
		o.diagnostics = NewDiagnostics(DefaultDiagnosticsFile)
	}
	o.loaded = engine.Loaded()
	o.tasks = make(chan task, o.queueSize)
	o.events = make(chan Event, o.queueSize+1)
	o.done = make(chan struct{})

	go o.run()
	return o
}

// Events delivers one Event per accepted task. It is closed by Close.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Pending returns the number of queued tasks, excluding the running one.
func (o *Orchestrator) Pending() int {
	return len(o.tasks)
}

// Diagnostics returns the failure report writer.
func (o *Orchestrator) Diagnostics() *Diagnostics {
	return o.diagnostics
}

// Load queues a model load on the current device.
func (o *Orchestrator) Load(src checkpoint.Source) (uint64, error) {
	return o.submit(task{kind: EventLoad, source: src})
}

// SetDevice queues a device change. It runs between generations, never
// during one.
func (o *Orchestrator) SetDevice(sel device.Selection) (uint64, error) {
	return o.submit(task{kind: EventDevice, selection: sel})
}

// Generate queues a generation with the fixed step count and guidance scale.
func (o *Orchestrator) Generate(prompt, negative string) (uint64, error) {
	return o.GenerateRequest(imagegen.NewGenerationRequest(prompt, negative))
}

// GenerateRequest queues req. A blank prompt, or no model with no load
// pending, is rejected here without queueing.
func (o *Orchestrator) GenerateRequest(req imagegen.GenerationRequest) (uint64, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return 0, imagegen.ErrInvalidPrompt
	}
	return o.submit(task{kind: EventGenerate, request: req})
}

func (o *Orchestrator) submit(t task) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrClosed
	}
	if t.kind == EventGenerate && o.pendingLoads == 0 && !o.loaded {
		return 0, imagegen.ErrModelNotLoaded
	}

	t.ticket = o.nextTicket + 1
	select {
	case o.tasks <- t:
	default:
		return 0, ErrBusy
	}
	o.nextTicket = t.ticket
	if t.kind == EventLoad {
		o.pendingLoads++
	}
	o.metrics.SetQueueDepth(len(o.tasks))
	o.logger.Debug("Task queued", zap.Stringer("kind", t.kind), zap.Uint64("ticket", t.ticket))
	return t.ticket, nil
}

// Close stops accepting tasks, finishes the queued ones and waits for the
// worker. Events is closed when it returns.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		<-o.done
		return nil
	}
	o.closed = true
	close(o.tasks)
	o.mu.Unlock()

	<-o.done
	return o.diagnostics.Close()
}

func (o *Orchestrator) run() {
	defer close(o.done)
	defer close(o.events)

	for t := range o.tasks {
		o.metrics.SetQueueDepth(len(o.tasks))
		o.events <- o.execute(t)
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) currentState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// execute runs t and converts a panic into a failed event.
func (o *Orchestrator) execute(t task) (ev Event) {
	if t.kind == EventLoad {
		defer func() {
			o.mu.Lock()
			o.pendingLoads--
			o.mu.Unlock()
		}()
	}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			ev = o.recovered(t, err, debug.Stack())
		}
	}()

	switch t.kind {
	case EventLoad:
		return o.load(t)
	case EventDevice:
		return o.setDevice(t)
	default:
		return o.generate(t)
	}
}

func (o *Orchestrator) recovered(t task, err error, stack []byte) Event {
	o.logger.Error("Task panicked", zap.Stringer("kind", t.kind), zap.Uint64("ticket", t.ticket), zap.Error(err))
	switch t.kind {
	case EventLoad:
		out := imagegen.LoadOutcome{
			Source: t.source.String(),
			Detail: err.Error(),
			Device: o.engine.Device(),
			Err:    err,
		}
		return o.loadFailed(t, out, stack)
	case EventDevice:
		ge := imagegen.ClassifyError(err)
		o.report("device change", "", ge, stack)
		return Event{Kind: t.kind, Ticket: t.ticket, State: o.currentState(), Device: o.engine.Device(), Err: ge, Message: ge.Message}
	default:
		return o.generationFailed(t, err, 0, stack)
	}
}

func (o *Orchestrator) load(t task) Event {
	o.setState(StateLoading)
	o.logger.Info("Loading model", zap.String("source", t.source.String()))

	out := o.engine.Load(context.Background(), t.source, o.engine.Device())
	if !out.Success {
		return o.loadFailed(t, out, nil)
	}

	o.mu.Lock()
	o.state = StateLoaded
	o.loaded = true
	o.mu.Unlock()
	o.recordLoad(out)
	return Event{
		Kind:    EventLoad,
		Ticket:  t.ticket,
		State:   StateLoaded,
		Load:    &out,
		Device:  out.Device,
		Message: "Loaded: " + t.source.DisplayName(),
	}
}

func (o *Orchestrator) loadFailed(t task, out imagegen.LoadOutcome, stack []byte) Event {
	o.setState(StateLoadFailed)
	if out.Err == nil {
		out.Err = errors.New(out.Detail)
	}
	ge := imagegen.ClassifyError(out.Err)
	o.report("load", "", &imagegen.GenerationError{Code: ge.Code, Message: ge.Message, Cause: errors.New(out.Detail)}, stack)
	o.recordLoad(out)
	return Event{
		Kind:    EventLoad,
		Ticket:  t.ticket,
		State:   StateLoadFailed,
		Load:    &out,
		Device:  o.engine.Device(),
		Err:     ge,
		Message: "Load Failed",
	}
}

func (o *Orchestrator) setDevice(t task) Event {
	dev, notice := o.resolver.ResolveOrFallback(t.selection)
	if notice != nil {
		o.metrics.DeviceFallback()
		o.logger.Warn("Device selection downgraded", zap.String("requested", string(t.selection)), zap.String("device", dev.String()))
	}

	ev := Event{Kind: EventDevice, Ticket: t.ticket, State: o.currentState(), Notice: notice}
	if err := o.engine.SetDevice(dev); err != nil {
		ev.Err = imagegen.ClassifyError(err)
		ev.Message = ev.Err.Message
		ev.Device = o.engine.Device()
		o.logger.Error("Device change failed", zap.String("device", dev.String()), zap.Error(err))
		return ev
	}
	ev.Device = dev
	ev.Message = "Device: " + dev.String()
	return ev
}

func (o *Orchestrator) generate(t task) Event {
	req := t.request
	if !o.engine.Loaded() {
		ge := imagegen.ClassifyError(imagegen.ErrModelNotLoaded)
		return Event{Kind: EventGenerate, Ticket: t.ticket, State: o.currentState(), Request: req, Device: o.engine.Device(), Err: ge, Message: ge.Message}
	}

	o.setState(StateGenerating)
	start := time.Now()
	res, err := o.engine.GenerateRequest(context.Background(), req)
	if err != nil {
		return o.generationFailed(t, err, time.Since(start), nil)
	}

	o.setState(StateLoaded)
	o.recordGeneration(req, res, nil, time.Since(start))
	return Event{
		Kind:    EventGenerate,
		Ticket:  t.ticket,
		State:   StateLoaded,
		Request: req,
		Result:  res,
		Device:  res.Device,
		Message: fmt.Sprintf("Generated %dx%d in %s", res.Width, res.Height, res.Duration.Round(time.Millisecond)),
	}
}

func (o *Orchestrator) generationFailed(t task, err error, elapsed time.Duration, stack []byte) Event {
	o.setState(StateGenerationFailed)
	ge := imagegen.ClassifyError(err)
	o.report("generation", t.request.ID.String(), ge, stack)
	o.recordGeneration(t.request, nil, ge, elapsed)

	msg := ge.Message
	if p := o.diagnostics.Path(); p != "" {
		msg += " (See " + p + ")"
	}
	return Event{
		Kind:    EventGenerate,
		Ticket:  t.ticket,
		State:   StateGenerationFailed,
		Request: t.request,
		Device:  o.engine.Device(),
		Err:     ge,
		Message: msg,
	}
}

func (o *Orchestrator) report(op, requestID string, ge *imagegen.GenerationError, stack []byte) {
	err := o.diagnostics.Write(Report{
		Operation: op,
		RequestID: requestID,
		Source:    o.engine.Source().String(),
		Device:    o.engine.Device().String(),
		Code:      ge.Code,
		Err:       ge.Cause,
		Stack:     stack,
	})
	if err != nil {
		o.logger.Warn("Failed to write diagnostics", zap.String("path", o.diagnostics.Path()), zap.Error(err))
	}
}

func (o *Orchestrator) recordLoad(out imagegen.LoadOutcome) {
	if o.history == nil {
		return
	}
	repaired := make([]string, 0, len(out.Repaired))
	for _, c := range out.Repaired {
		repaired = append(repaired, string(c))
	}
	err := o.history.RecordLoad(context.Background(), db.LoadEvent{
		Source:   out.Source,
		Family:   string(out.Family),
		Device:   out.Device.String(),
		Success:  out.Success,
		Repaired: repaired,
		Detail:   out.Detail,
		Duration: out.Duration,
	})
	if err != nil {
		o.logger.Warn("Failed to record load", zap.Error(err))
	}
}

func (o *Orchestrator) recordGeneration(req imagegen.GenerationRequest, res *imagegen.GenerationResult, ge *imagegen.GenerationError, elapsed time.Duration) {
	if o.history == nil {
		return
	}
	e := db.GenerationEvent{
		RequestID:      req.ID.String(),
		Source:         o.engine.Source().String(),
		Family:         string(o.engine.Family()),
		Device:         o.engine.Device().String(),
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Steps:          req.Steps,
		GuidanceScale:  req.GuidanceScale,
		Seed:           -1,
		Status:         db.StatusSuccess,
		Duration:       elapsed,
	}
	if res != nil {
		e.Seed = res.Seed
		e.Width = res.Width
		e.Height = res.Height
	}
	if ge != nil {
		e.Status = db.StatusFailed
		e.ErrorCode = ge.Code
		if ge.Cause != nil {
			e.ErrorMessage = ge.Cause.Error()
		} else {
			e.ErrorMessage = ge.Message
		}
	}
	if err := o.history.RecordGeneration(context.Background(), e); err != nil {
		o.logger.Warn("Failed to record generation", zap.Error(err))
	}
}
