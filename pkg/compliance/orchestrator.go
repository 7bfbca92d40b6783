package compliance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/margin"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/retrain"
)

// Resolver maps a target name to the device behind it.
type Resolver func(target string) (device.Device, error)

// StaticResolver resolves targets from a fixed map.
func StaticResolver(devices map[string]device.Device) Resolver {
	return func(target string) (device.Device, error) {
		dev, ok := devices[target]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownTarget, target)
		}
		return dev, nil
	}
}

// DefaultTraceTimeout bounds the LTSSM retrain of T1.2.
const DefaultTraceTimeout = 10 * time.Second

// Options configures an Orchestrator. Zero values take defaults.
type Options struct {
	Thresholds Thresholds
	Logger     logrus.FieldLogger
	// Metrics may be nil.
	Metrics *Metrics
	// Sleep replaces the idle, settle and BER waits. Tests pass an instant
	// sleep.
	Sleep        func(ctx context.Context, d time.Duration) error
	Trace        retrain.Options
	Sweep        margin.Options
	TraceTimeout time.Duration
	// ErrorLimit is the highest margin error count a passing point may have.
	ErrorLimit int
	// AfterTest is called after every recorded case, with no locks held.
	AfterTest func(runID string, tc TestCase)
}

// Orchestrator runs compliance suites and answers queries about them. All
// methods are safe for concurrent use.
type Orchestrator struct {
	resolve Resolver
	opts    Options
	reg     *Registry
	wg      sync.WaitGroup
}

// New creates an orchestrator resolving targets with resolve.
func New(resolve Resolver, opts Options) *Orchestrator {
	if opts.Thresholds.PerSpeed == nil {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.TraceTimeout <= 0 {
		opts.TraceTimeout = DefaultTraceTimeout
	}
	if opts.Trace.Logger == nil {
		opts.Trace.Logger = opts.Logger
	}
	if opts.Sweep.Logger == nil {
		opts.Sweep.Logger = opts.Logger
	}
	return &Orchestrator{resolve: resolve, opts: opts, reg: NewRegistry()}
}

type cursor struct {
	suite SuiteID
	test  string
}

// runState is the live side of a Run. run is guarded by mu; the counters
// are atomics so progress reads never wait on the run goroutine.
type runState struct {
	id     string
	target string

	mu  sync.RWMutex
	run Run

	cancelled  atomic.Bool
	done       chan struct{}
	testsDone  atomic.Int32
	testsTotal int
	cursor     atomic.Pointer[cursor]
	// sweep is the engine of the margin sweep in flight, if any.
	sweep   atomic.Pointer[margin.Engine]
	started time.Time
}

func (rs *runState) status() RunStatus {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.run.Status
}

func (rs *runState) setStatus(to RunStatus, errMsg string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.run.Status.canTransition(to) {
		return false
	}
	rs.run.Status = to
	if to.Terminal() {
		rs.run.FinishedAt = time.Now()
		rs.run.CurrentSuite, rs.run.CurrentTest = "", ""
		rs.run.Error = errMsg
	}
	return true
}

func (rs *runState) record(tc TestCase) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	n := len(rs.run.Suites)
	if n == 0 || rs.run.Suites[n-1].Suite != tc.Suite {
		rs.run.Suites = append(rs.run.Suites, SuiteResult{Suite: tc.Suite})
		n++
	}
	rs.run.Suites[n-1].add(tc)
}

// Start validates cfg, takes the target and launches the run in its own
// goroutine. Only configuration errors, resolution failures and
// ErrTargetBusy are returned; everything after that lands in the Run.
func (o *Orchestrator) Start(ctx context.Context, target string, cfg RunConfig) (string, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	dev, err := o.resolve(target)
	if err != nil {
		return "", err
	}
	if err := checkPorts(dev, target, cfg); err != nil {
		return "", err
	}
	release, err := o.reg.Acquire(target)
	if err != nil {
		return "", err
	}

	plan := buildPlan(cfg)
	now := time.Now()
	rs := &runState{
		id:         uuid.NewString()[:8],
		target:     target,
		done:       make(chan struct{}),
		testsTotal: len(plan),
		started:    now,
		run: Run{
			Target:    target,
			Config:    cfg,
			Status:    StatusPending,
			StartedAt: now,
		},
	}
	rs.run.ID = rs.id
	o.reg.put(rs)
	o.opts.Metrics.runStarted()

	o.opts.Logger.WithFields(logrus.Fields{
		"run_id": rs.id,
		"target": target,
		"tests":  len(plan),
	}).Info("compliance: run started")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer release()
		o.execute(context.WithoutCancel(ctx), rs, dev, plan)
	}()
	return rs.id, nil
}

// checkPorts rejects configured ports the device does not have. A device
// that cannot answer is let through; the run records why it failed.
func checkPorts(dev device.Device, target string, cfg RunConfig) error {
	var problems []string
	for i, p := range cfg.Ports {
		ok, err := device.HasPort(dev, p.Number)
		if err != nil {
			return nil
		}
		if !ok {
			problems = append(problems, fmt.Sprintf("ports[%d]: port %d not present on %s", i, p.Number, target))
		}
	}
	if len(problems) > 0 {
		return &ConfigError{Problems: problems, Err: device.ErrNoSuchPort}
	}
	return nil
}

// sweepOptions chains point metrics in front of any configured hook.
func (o *Orchestrator) sweepOptions() margin.Options {
	opts := o.opts.Sweep
	hook := opts.OnPoint
	opts.OnPoint = func(rcv device.Receiver, p margin.Point) {
		o.opts.Metrics.observePoint(p, o.opts.ErrorLimit)
		if hook != nil {
			hook(rcv, p)
		}
	}
	return opts
}

func (o *Orchestrator) newEnv(dev device.Device, cfg RunConfig, log logrus.FieldLogger) *env {
	pulse := o.opts.Trace.PulseWidth
	if pulse <= 0 {
		pulse = retrain.DefaultOptions().PulseWidth
	}
	return &env{
		dev:          dev,
		cfg:          cfg,
		th:           o.opts.Thresholds,
		tracer:       retrain.NewTracer(dev, o.opts.Trace),
		engine:       margin.NewEngine(dev, o.sweepOptions()),
		sleep:        o.opts.Sleep,
		log:          log,
		pulseWidth:   pulse,
		traceTimeout: o.opts.TraceTimeout,
		errorLimit:   o.opts.ErrorLimit,
		eyes:         make(map[int][]laneEye),
	}
}

func (o *Orchestrator) execute(ctx context.Context, rs *runState, dev device.Device, plan []planned) {
	log := o.opts.Logger.WithFields(logrus.Fields{"run_id": rs.id, "target": rs.target})
	rs.setStatus(StatusRunning, "")

	var abort string
	var runErr error
	if info, err := dev.Info(); err != nil {
		log.WithError(err).Warn("compliance: reading device info failed")
		if errors.Is(err, device.ErrUnreachable) {
			abort, runErr = "device unreachable", err
		}
	} else {
		rs.mu.Lock()
		rs.run.Metadata = &Metadata{
			Name:        info.Name,
			VendorID:    info.VendorID,
			DeviceID:    info.DeviceID,
			Revision:    info.Revision,
			Description: info.Description,
			CapturedAt:  time.Now(),
		}
		rs.mu.Unlock()
	}

	x := o.newEnv(dev, rs.run.Config, log)
	for _, pl := range plan {
		rs.cursor.Store(&cursor{suite: pl.suite, test: pl.def.id})
		rs.mu.Lock()
		rs.run.CurrentSuite, rs.run.CurrentTest = pl.suite, pl.def.id
		rs.mu.Unlock()

		if abort == "" && rs.cancelled.Load() {
			abort = "cancelled"
			log.Info("compliance: run cancelled")
		}

		var tc TestCase
		if abort != "" {
			tc = pl.skippedCase(abort)
		} else {
			var err error
			if pl.def.sweeps {
				rs.sweep.Store(x.engine)
			}
			tc, err = o.runTest(ctx, x, pl)
			rs.sweep.Store(nil)
			if errors.Is(err, device.ErrUnreachable) {
				abort, runErr = "device unreachable", err
				log.WithError(err).Error("compliance: device unreachable, skipping remaining tests")
			}
		}

		rs.record(tc)
		rs.testsDone.Add(1)
		o.opts.Metrics.observeCase(tc)
		if o.opts.AfterTest != nil {
			o.opts.AfterTest(rs.id, tc)
		}
	}
	rs.cursor.Store(nil)

	status, msg := StatusCompleted, ""
	switch {
	case runErr != nil:
		status, msg = StatusError, runErr.Error()
	case rs.cancelled.Load():
		status = StatusCancelled
	}
	rs.setStatus(status, msg)
	o.opts.Metrics.runFinished(status)
	close(rs.done)

	rs.mu.RLock()
	verdict := rs.run.Verdict()
	rs.mu.RUnlock()
	log.WithFields(logrus.Fields{"status": status, "verdict": verdict}).Info("compliance: run finished")
}

func (pl planned) newCase() TestCase {
	return TestCase{
		Suite:    pl.suite,
		ID:       pl.def.id,
		Name:     pl.def.name,
		Port:     pl.portNum,
		SpecRef:  pl.def.specRef,
		Criteria: pl.def.criteria,
	}
}

func (pl planned) skippedCase(reason string) TestCase {
	tc := pl.newCase()
	tc.Verdict, tc.Message = VerdictSkip, reason
	return tc
}

// runTest executes one planned test. A panic becomes an ERROR case.
func (o *Orchestrator) runTest(ctx context.Context, x *env, pl planned) (tc TestCase, err error) {
	tc = pl.newCase()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			x.log.WithFields(logrus.Fields{"test": pl.def.id, "panic": r}).
				Errorf("compliance: test panicked\n%s", debug.Stack())
			tc.Verdict = VerdictError
			tc.Message = fmt.Sprintf("panic: %v", r)
			tc.Measured = nil
			err = nil
		}
		tc.DurationMs = time.Since(start).Milliseconds()
	}()

	out := pl.def.run(ctx, x, pl.port)
	tc.Verdict, tc.Message, tc.Measured = out.verdict, out.message, out.measured
	x.log.WithFields(logrus.Fields{
		"suite":   pl.suite,
		"test":    pl.def.id,
		"port":    pl.portNum,
		"verdict": out.verdict,
	}).Debug("compliance: test finished")
	return tc, out.err
}

// Progress returns where the run is in its plan.
func (o *Orchestrator) Progress(runID string) (Progress, error) {
	rs, err := o.reg.lookup(runID)
	if err != nil {
		return Progress{}, err
	}
	rs.mu.RLock()
	p := Progress{
		RunID:      rs.id,
		Status:     rs.run.Status,
		TestsDone:  int(rs.testsDone.Load()),
		TestsTotal: rs.testsTotal,
	}
	end := rs.run.FinishedAt
	rs.mu.RUnlock()

	if c := rs.cursor.Load(); c != nil {
		p.CurrentSuite, p.CurrentTest = c.suite, c.test
	}
	if e := rs.sweep.Load(); e != nil {
		sp := e.Progress()
		p.Sweep = &sp
	}
	if end.IsZero() {
		end = time.Now()
	}
	p.ElapsedMs = end.Sub(rs.started).Milliseconds()
	return p, nil
}

// Result returns a copy of the run as recorded so far.
func (o *Orchestrator) Result(runID string) (Run, error) {
	rs, err := o.reg.lookup(runID)
	if err != nil {
		return Run{}, err
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.run.clone(), nil
}

// Cancel asks the run to stop at the next test boundary. Cancelling a
// finished run is a no-op.
func (o *Orchestrator) Cancel(runID string) error {
	rs, err := o.reg.lookup(runID)
	if err != nil {
		return err
	}
	if !rs.status().Terminal() {
		rs.cancelled.Store(true)
	}
	return nil
}

// Wait blocks until the run finishes or ctx is done, then returns the run.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (Run, error) {
	rs, err := o.reg.lookup(runID)
	if err != nil {
		return Run{}, err
	}
	select {
	case <-rs.done:
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}
	return o.Result(runID)
}

// Latest returns the retained run of target.
func (o *Orchestrator) Latest(target string) (Run, error) {
	rs, err := o.reg.latest(target)
	if err != nil {
		return Run{}, err
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.run.clone(), nil
}

// Clear drops the retained run of an idle target.
func (o *Orchestrator) Clear(target string) error {
	return o.reg.Clear(target)
}

// Targets lists targets with a retained run.
func (o *Orchestrator) Targets() []string {
	return o.reg.Targets()
}

// Busy reports whether a run, trace or sweep holds target.
func (o *Orchestrator) Busy(target string) bool {
	return o.reg.Busy(target)
}

// Shutdown cancels every active run and waits for them to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, rs := range o.reg.active() {
		rs.cancelled.Store(true)
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire resolves target and takes it for a one-off operation.
func (o *Orchestrator) acquire(target string) (device.Device, func(), error) {
	dev, err := o.resolve(target)
	if err != nil {
		return nil, nil, err
	}
	release, err := o.reg.Acquire(target)
	if err != nil {
		return nil, nil, err
	}
	return dev, release, nil
}

// Trace retrains one port and records its LTSSM transitions.
func (o *Orchestrator) Trace(ctx context.Context, target string, port int, timeout time.Duration) (retrain.Trace, error) {
	dev, release, err := o.acquire(target)
	if err != nil {
		return retrain.Trace{}, err
	}
	defer release()
	if timeout <= 0 {
		timeout = o.opts.TraceTimeout
	}
	return retrain.NewTracer(dev, o.opts.Trace).Run(ctx, port, timeout)
}

// Sweep margins one lane and analyzes every scan.
func (o *Orchestrator) Sweep(ctx context.Context, target string, port, lane int, mode margin.Mode) (margin.Result, []margin.Geometry, error) {
	dev, release, err := o.acquire(target)
	if err != nil {
		return margin.Result{}, nil, err
	}
	defer release()

	r, err := margin.NewEngine(dev, o.sweepOptions()).Sweep(ctx, port, lane, mode)
	if err != nil {
		return r, nil, err
	}
	return r, margin.AnalyzeResult(r, margin.AnalyzeOptions{ErrorLimit: o.opts.ErrorLimit}), nil
}

// Snapshot reads a port's link state and counters.
func (o *Orchestrator) Snapshot(target string, port int) (retrain.Snapshot, error) {
	dev, release, err := o.acquire(target)
	if err != nil {
		return retrain.Snapshot{}, err
	}
	defer release()
	return retrain.NewTracer(dev, o.opts.Trace).Snapshot(port)
}
