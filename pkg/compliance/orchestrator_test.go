package compliance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/margin"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/retrain"
)

func instantSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// testOptions keeps every wait short: instant idle/settle/BER waits and a
// millisecond retrain poll.
func testOptions() Options {
	logger, _ := test.NewNullLogger()
	return Options{
		Logger: logger,
		Sleep:  instantSleep,
		Trace: retrain.Options{
			PulseWidth:   time.Millisecond,
			PollInterval: time.Millisecond,
			ConfirmDelay: time.Millisecond,
		},
		TraceTimeout: 2 * time.Second,
	}
}

func newTestOrchestrator(dev device.Device, opts Options) *Orchestrator {
	return New(StaticResolver(map[string]device.Device{"sim": dev}), opts)
}

func port0(lanes int) RunConfig {
	return RunConfig{Ports: []PortConfig{{Number: 0, Lanes: lanes}}, BERDuration: 1}
}

func runToEnd(t *testing.T, o *Orchestrator, cfg RunConfig) Run {
	t.Helper()
	id, err := o.Start(context.Background(), "sim", cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	run, err := o.Wait(ctx, id)
	require.NoError(t, err)
	return run
}

func verdicts(run Run) map[string]Verdict {
	out := make(map[string]Verdict)
	for _, tc := range run.Cases() {
		out[tc.ID] = tc.Verdict
	}
	return out
}

func TestRunHealthyScenario(t *testing.T) {
	o := newTestOrchestrator(device.BuildHealthyGen5x4(), testOptions())
	run := runToEnd(t, o, port0(4))

	assert.Equal(t, StatusCompleted, run.Status)
	assert.Empty(t, run.Error)
	require.Len(t, run.Cases(), 19)
	for _, tc := range run.Cases() {
		assert.Equal(t, VerdictPass, tc.Verdict, "%s: %s", tc.ID, tc.Message)
	}
	assert.Equal(t, VerdictPass, run.Verdict())
	require.Len(t, run.Suites, len(AllSuites))
	assert.False(t, run.FinishedAt.IsZero())

	require.NotNil(t, run.Metadata)
	assert.Equal(t, uint16(0x1000), run.Metadata.VendorID)
	assert.Equal(t, "healthy Gen5 x4", run.Metadata.Description)

	t4 := run.Suites[3].Cases[0]
	assert.Equal(t, "T4.1", t4.ID)
	assert.Equal(t, "single", t4.Measured["mode"])
	assert.Equal(t, AllPorts, run.Suites[5].Cases[0].Port)

	p, err := o.Progress(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 19, p.TestsDone)
	assert.Equal(t, 19, p.TestsTotal)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Empty(t, p.CurrentTest)
}

func TestRunDegradedScenario(t *testing.T) {
	o := newTestOrchestrator(device.BuildDegradedLaneGen5x4(), testOptions())
	run := runToEnd(t, o, port0(4))

	v := verdicts(run)
	assert.Equal(t, VerdictWarn, v["T2.1"], "correctable AER bit")
	assert.Equal(t, VerdictWarn, v["T2.3"], "correctable bit re-latches while idle")
	assert.Equal(t, VerdictPass, v["T4.1"])
	assert.Equal(t, VerdictFail, v["T4.2"], "lane 2 eye too narrow")
	assert.Equal(t, VerdictWarn, v["T4.3"], "lane 2 is an outlier")
	assert.Equal(t, VerdictFail, v["T5.1"])
	assert.Equal(t, VerdictFail, v["T5.2"])
	assert.Equal(t, VerdictWarn, v["T6.2"])
	assert.Equal(t, VerdictFail, run.Verdict())
	assert.Equal(t, StatusCompleted, run.Status)

	for _, tc := range run.Cases() {
		if tc.ID == "T4.2" {
			assert.Contains(t, tc.Message, "lane 2: width 0.156 UI")
		}
	}
}

func TestRunPAM4Scenario(t *testing.T) {
	o := newTestOrchestrator(device.BuildPAM4Gen6x2(), testOptions())
	run := runToEnd(t, o, RunConfig{
		Suites:      []SuiteID{SuiteSignalIntegrity},
		Ports:       []PortConfig{{Number: 0, Lanes: 2}},
		BERDuration: 1,
	})

	v := verdicts(run)
	assert.Equal(t, VerdictPass, v["T4.1"])
	assert.Equal(t, VerdictPass, v["T4.2"])
	assert.Equal(t, VerdictWarn, v["T4.3"])
	assert.Equal(t, "triple", run.Cases()[0].Measured["mode"])
	assert.Contains(t, run.Cases()[2].Message, "lane 1 PAM4 eyes unbalanced")
	assert.Equal(t, VerdictWarn, run.Suites[0].Verdict)
}

func TestRunNoMarginingScenario(t *testing.T) {
	o := newTestOrchestrator(device.BuildNoMarginingGen4(), testOptions())
	run := runToEnd(t, o, RunConfig{
		Suites:      []SuiteID{SuiteSignalIntegrity},
		Ports:       []PortConfig{{Number: 0, Lanes: 2}},
		BERDuration: 1,
	})

	for _, tc := range run.Cases() {
		assert.Equal(t, VerdictSkip, tc.Verdict, tc.ID)
	}
	assert.Equal(t, VerdictSkip, run.Verdict())
}

func TestRunLanesCappedAtLinkWidth(t *testing.T) {
	sim := device.BuildHealthyGen5x4()
	o := newTestOrchestrator(sim, testOptions())
	run := runToEnd(t, o, RunConfig{
		Suites:      []SuiteID{SuiteBER},
		Ports:       []PortConfig{{Number: 0, Lanes: 16}},
		BERDuration: 1,
	})
	assert.Equal(t, VerdictPass, run.Verdict())
	assert.Len(t, run.Cases()[0].Measured["ber"], 4)
}

func TestCancelAfterN(t *testing.T) {
	const n = 3
	var o *Orchestrator
	var recorded atomic.Int32
	opts := testOptions()
	opts.AfterTest = func(runID string, tc TestCase) {
		if recorded.Add(1) == n {
			assert.NoError(t, o.Cancel(runID))
		}
	}
	o = newTestOrchestrator(device.BuildHealthyGen5x4(), opts)

	run := runToEnd(t, o, RunConfig{
		Suites: []SuiteID{SuiteLinkTraining, SuiteErrorAudit},
		Ports:  []PortConfig{{Number: 0, Lanes: 4}},
	})

	cases := run.Cases()
	require.Len(t, cases, 7)
	for i, tc := range cases {
		if i < n {
			assert.NotEqual(t, VerdictSkip, tc.Verdict, tc.ID)
			continue
		}
		assert.Equal(t, VerdictSkip, tc.Verdict, tc.ID)
		assert.Equal(t, "cancelled", tc.Message)
	}
	assert.Equal(t, StatusCancelled, run.Status)

	// Cancelling a finished run changes nothing.
	require.NoError(t, o.Cancel(run.ID))
	again, err := o.Result(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
}

func TestTargetBusy(t *testing.T) {
	gate := make(chan struct{})
	opts := testOptions()
	var once atomic.Bool
	opts.AfterTest = func(string, TestCase) {
		if once.CompareAndSwap(false, true) {
			<-gate
		}
	}
	o := newTestOrchestrator(device.BuildHealthyGen5x4(), opts)

	cfg := RunConfig{Suites: []SuiteID{SuiteConfigAudit}, Ports: []PortConfig{{Number: 0, Lanes: 4}}}
	first, err := o.Start(context.Background(), "sim", cfg)
	require.NoError(t, err)
	assert.True(t, o.Busy("sim"))

	_, err = o.Start(context.Background(), "sim", cfg)
	assert.ErrorIs(t, err, ErrTargetBusy)
	_, err = o.Trace(context.Background(), "sim", 0, time.Second)
	assert.ErrorIs(t, err, ErrTargetBusy)
	_, _, err = o.Sweep(context.Background(), "sim", 0, 0, margin.ModeSingle)
	assert.ErrorIs(t, err, ErrTargetBusy)
	assert.ErrorIs(t, o.Clear("sim"), ErrTargetBusy)

	assert.Eventually(t, func() bool {
		p, err := o.Progress(first)
		return err == nil && p.Status == StatusRunning && p.TestsDone == 1
	}, time.Second, time.Millisecond)
	p, err := o.Progress(first)
	require.NoError(t, err)
	assert.Equal(t, 4, p.TestsTotal)
	assert.Equal(t, SuiteConfigAudit, p.CurrentSuite)
	assert.Equal(t, "T3.1", p.CurrentTest)

	close(gate)
	run, err := o.Wait(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Eventually(t, func() bool { return !o.Busy("sim") }, time.Second, time.Millisecond)

	second, err := o.Start(context.Background(), "sim", cfg)
	require.NoError(t, err)
	_, err = o.Wait(context.Background(), second)
	require.NoError(t, err)

	_, err = o.Result(first)
	assert.ErrorIs(t, err, ErrRunNotFound, "superseded runs are dropped")
	latest, err := o.Latest("sim")
	require.NoError(t, err)
	assert.Equal(t, second, latest.ID)
}

func TestStartRejectsBadConfig(t *testing.T) {
	o := newTestOrchestrator(device.BuildHealthyGen5x4(), testOptions())
	_, err := o.Start(context.Background(), "sim", RunConfig{})
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Empty(t, o.Targets())
	assert.False(t, o.Busy("sim"))

	_, err = o.Start(context.Background(), "nowhere", port0(1))
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.ErrorContains(t, err, `"nowhere"`)
}

func TestStartRejectsMissingPort(t *testing.T) {
	sim := device.BuildHealthyGen5x4()
	o := newTestOrchestrator(sim, testOptions())

	cfg := RunConfig{Ports: []PortConfig{{Number: 0, Lanes: 4}, {Number: 7, Lanes: 4}}}
	_, err := o.Start(context.Background(), "sim", cfg)
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, []string{"ports[1]: port 7 not present on sim"}, cerr.Problems)
	assert.ErrorIs(t, err, device.ErrNoSuchPort)

	assert.Empty(t, o.Targets(), "no run is retained")
	assert.False(t, o.Busy("sim"))
	assert.Zero(t, sim.Calls(device.OpReadRegister))

	// The target is still free for a valid run.
	run := runToEnd(t, o, port0(4))
	assert.Equal(t, StatusCompleted, run.Status)
}

func TestProgressReportsLiveSweep(t *testing.T) {
	opts := testOptions()
	firstPoint := make(chan struct{})
	seen := make(chan struct{})
	var once atomic.Bool
	opts.Sweep.OnPoint = func(device.Receiver, margin.Point) {
		if once.CompareAndSwap(false, true) {
			close(firstPoint)
			select {
			case <-seen:
			case <-time.After(5 * time.Second):
			}
		}
	}
	o := newTestOrchestrator(device.BuildHealthyGen5x4(), opts)
	id, err := o.Start(context.Background(), "sim", RunConfig{
		Suites: []SuiteID{SuiteSignalIntegrity},
		Ports:  []PortConfig{{Number: 0, Lanes: 1}},
	})
	require.NoError(t, err)

	var samples []margin.Progress
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		<-firstPoint
		for {
			p, err := o.Progress(id)
			if err != nil || p.Status.Terminal() {
				return
			}
			if p.Sweep != nil {
				samples = append(samples, *p.Sweep)
				if len(samples) == 1 {
					close(seen)
				}
			}
		}
	}()

	run, err := o.Wait(context.Background(), id)
	require.NoError(t, err)
	<-polled
	assert.Equal(t, StatusCompleted, run.Status)

	require.NotEmpty(t, samples)
	for i, sp := range samples {
		assert.Equal(t, 0, sp.Port)
		assert.Equal(t, 0, sp.Lane)
		assert.Equal(t, 33*65, sp.PointsTotal)
		if i > 0 {
			assert.GreaterOrEqual(t, sp.PointsDone, samples[i-1].PointsDone, "sample %d", i)
		}
	}

	p, err := o.Progress(id)
	require.NoError(t, err)
	assert.Nil(t, p.Sweep, "no sweep once the run is over")
}

func TestUnreachableEndsRun(t *testing.T) {
	sim := device.BuildHealthyGen5x4()
	sim.OnCall = func(op string, port int) error {
		if op == device.OpPulseLink {
			return device.ErrUnreachable
		}
		return nil
	}
	o := newTestOrchestrator(sim, testOptions())
	run := runToEnd(t, o, port0(4))

	assert.Equal(t, StatusError, run.Status)
	assert.Contains(t, run.Error, "unreachable")
	cases := run.Cases()
	require.Len(t, cases, 19)
	assert.Equal(t, VerdictError, cases[0].Verdict)
	for _, tc := range cases[1:] {
		assert.Equal(t, VerdictSkip, tc.Verdict, tc.ID)
		assert.Equal(t, "device unreachable", tc.Message)
	}
}

func TestUnreachableAtStart(t *testing.T) {
	sim := device.BuildHealthyGen5x4()
	sim.OnCall = func(string, int) error { return device.ErrUnreachable }
	o := newTestOrchestrator(sim, testOptions())
	run := runToEnd(t, o, port0(4))

	assert.Equal(t, StatusError, run.Status)
	assert.Nil(t, run.Metadata)
	for _, tc := range run.Cases() {
		assert.Equal(t, VerdictSkip, tc.Verdict)
	}
}

func TestPanicBecomesError(t *testing.T) {
	sim := device.BuildHealthyGen5x4()
	var reads atomic.Int32
	sim.OnCall = func(op string, port int) error {
		if op == device.OpReadRegister && reads.Add(1) == 1 {
			panic("register bus exploded")
		}
		return nil
	}
	o := newTestOrchestrator(sim, testOptions())
	run := runToEnd(t, o, RunConfig{
		Suites: []SuiteID{SuiteLinkTraining},
		Ports:  []PortConfig{{Number: 0, Lanes: 4}},
	})

	cases := run.Cases()
	require.Len(t, cases, 4)
	assert.Equal(t, VerdictError, cases[0].Verdict)
	assert.Contains(t, cases[0].Message, "register bus exploded")
	for _, tc := range cases[1:] {
		assert.Equal(t, VerdictPass, tc.Verdict, "%s: %s", tc.ID, tc.Message)
	}
	assert.Equal(t, StatusCompleted, run.Status)
}

func TestFailingTestDoesNotAbortSiblings(t *testing.T) {
	sim := device.BuildHealthyGen5x4()
	sim.Ports[0].FailSpeeds = map[device.Speed]bool{device.Gen4: true}
	o := newTestOrchestrator(sim, testOptions())
	run := runToEnd(t, o, RunConfig{
		Suites: []SuiteID{SuiteLinkTraining},
		Ports:  []PortConfig{{Number: 0, Lanes: 4}},
	})

	v := verdicts(run)
	assert.Equal(t, VerdictFail, v["T1.1"])
	assert.Equal(t, VerdictPass, v["T1.2"])
	assert.Equal(t, VerdictPass, v["T1.3"])
	assert.Equal(t, VerdictPass, v["T1.4"])
	assert.Equal(t, VerdictFail, run.Suites[0].Verdict)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := testOptions()
	opts.Metrics = NewMetrics(reg)
	o := newTestOrchestrator(device.BuildHealthyGen5x4(), opts)

	runToEnd(t, o, RunConfig{
		Suites: []SuiteID{SuiteLinkTraining},
		Ports:  []PortConfig{{Number: 0, Lanes: 4}},
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.runs.WithLabelValues("completed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(opts.Metrics.tests.WithLabelValues("link_training", "PASS")))
	assert.Equal(t, 0.0, testutil.ToFloat64(opts.Metrics.activeRuns))

	_, _, err := o.Sweep(context.Background(), "sim", 0, 0, margin.ModeSingle)
	require.NoError(t, err)
	pass := testutil.ToFloat64(opts.Metrics.sweepPoints.WithLabelValues("pass"))
	fail := testutil.ToFloat64(opts.Metrics.sweepPoints.WithLabelValues("fail"))
	assert.Equal(t, 33.0*65.0, pass+fail)
	assert.Equal(t, 14.0*20.0, pass)
}

func TestDirectOperations(t *testing.T) {
	o := newTestOrchestrator(device.BuildHealthyGen5x4(), testOptions())

	trace, err := o.Trace(context.Background(), "sim", 0, time.Second)
	require.NoError(t, err)
	assert.True(t, trace.Settled)
	assert.Equal(t, device.Gen5, trace.FinalSpeed)

	res, geoms, err := o.Sweep(context.Background(), "sim", 0, 1, margin.ModeSingle)
	require.NoError(t, err)
	require.Len(t, res.Scans, 1)
	require.Len(t, geoms, 1)
	assert.Equal(t, 13, geoms[0].WidthSteps)
	assert.Equal(t, 19, geoms[0].HeightSteps)

	snap, err := o.Snapshot("sim", 0)
	require.NoError(t, err)
	assert.True(t, snap.Up)
	assert.Equal(t, 4, snap.Width)
	assert.False(t, o.Busy("sim"))
}

func TestShutdownCancelsActiveRuns(t *testing.T) {
	gate := make(chan struct{})
	var once atomic.Bool
	opts := testOptions()
	opts.AfterTest = func(string, TestCase) {
		if once.CompareAndSwap(false, true) {
			<-gate
		}
	}
	o := newTestOrchestrator(device.BuildHealthyGen5x4(), opts)
	id, err := o.Start(context.Background(), "sim", RunConfig{
		Suites: []SuiteID{SuiteConfigAudit},
		Ports:  []PortConfig{{Number: 0, Lanes: 4}},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.Shutdown(context.Background()) }()
	assert.Eventually(t, func() bool {
		rs, err := o.reg.lookup(id)
		return err == nil && rs.cancelled.Load()
	}, time.Second, time.Millisecond)
	close(gate)
	require.NoError(t, <-done)

	run, err := o.Result(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, run.Status)
	assert.Equal(t, 1, run.Suites[0].Counts()[VerdictPass])
}
