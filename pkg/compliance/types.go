// Package compliance composes hardware probes into PCIe compliance suites
// and runs them against a switch, one run per target at a time.
package compliance

import (
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/margin"
)

// Verdict is the outcome of a test case or suite.
type Verdict string

const (
	VerdictPass  Verdict = "PASS"
	VerdictFail  Verdict = "FAIL"
	VerdictWarn  Verdict = "WARN"
	VerdictSkip  Verdict = "SKIP"
	VerdictError Verdict = "ERROR"
)

var verdictRank = map[Verdict]int{
	VerdictSkip:  0,
	VerdictPass:  1,
	VerdictWarn:  2,
	VerdictFail:  3,
	VerdictError: 4,
}

// Worst returns the most severe verdict (ERROR > FAIL > WARN > PASS > SKIP).
// No verdicts at all is SKIP.
func Worst(vs ...Verdict) Verdict {
	worst := VerdictSkip
	for _, v := range vs {
		if verdictRank[v] > verdictRank[worst] {
			worst = v
		}
	}
	return worst
}

// SuiteID names a compliance suite.
type SuiteID string

const (
	SuiteLinkTraining    SuiteID = "link_training"
	SuiteErrorAudit      SuiteID = "error_audit"
	SuiteConfigAudit     SuiteID = "config_audit"
	SuiteSignalIntegrity SuiteID = "signal_integrity"
	SuiteBER             SuiteID = "ber_test"
	SuitePortSweep       SuiteID = "port_sweep"
)

// AllSuites lists the suites in execution order.
var AllSuites = []SuiteID{
	SuiteLinkTraining,
	SuiteErrorAudit,
	SuiteConfigAudit,
	SuiteSignalIntegrity,
	SuiteBER,
	SuitePortSweep,
}

// AllPorts marks a test case that covers every configured port.
const AllPorts = -1

// TestCase is the result of one test on one port.
type TestCase struct {
	Suite      SuiteID        `json:"suite" yaml:"suite"`
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Port       int            `json:"port" yaml:"port"`
	Verdict    Verdict        `json:"verdict" yaml:"verdict"`
	Message    string         `json:"message" yaml:"message"`
	SpecRef    string         `json:"spec_ref,omitempty" yaml:"spec_ref,omitempty"`
	Criteria   string         `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Measured   map[string]any `json:"measured,omitempty" yaml:"measured,omitempty"`
	DurationMs int64          `json:"duration_ms" yaml:"duration_ms"`
}

// SuiteResult groups the cases of one suite in execution order.
type SuiteResult struct {
	Suite   SuiteID    `json:"suite" yaml:"suite"`
	Cases   []TestCase `json:"cases" yaml:"cases"`
	Verdict Verdict    `json:"verdict" yaml:"verdict"`
}

func (s *SuiteResult) add(tc TestCase) {
	s.Cases = append(s.Cases, tc)
	verdicts := make([]Verdict, len(s.Cases))
	for i, c := range s.Cases {
		verdicts[i] = c.Verdict
	}
	s.Verdict = Worst(verdicts...)
}

// Counts tallies the suite's cases by verdict.
func (s SuiteResult) Counts() map[Verdict]int {
	out := make(map[Verdict]int)
	for _, c := range s.Cases {
		out[c.Verdict]++
	}
	return out
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusCancelled RunStatus = "cancelled"
	StatusError     RunStatus = "error"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// canTransition allows Pending → Running → {Completed, Cancelled, Error}.
// A run that fails before it starts may go straight to Error.
func (s RunStatus) canTransition(to RunStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusError
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// Metadata identifies the device a run was executed against.
type Metadata struct {
	Name        string    `json:"name" yaml:"name"`
	VendorID    uint16    `json:"vendor_id" yaml:"vendor_id"`
	DeviceID    uint16    `json:"device_id" yaml:"device_id"`
	Revision    uint8     `json:"revision" yaml:"revision"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	CapturedAt  time.Time `json:"captured_at" yaml:"captured_at"`
}

// Run is a compliance run and its results so far.
type Run struct {
	ID           string        `json:"id" yaml:"id"`
	Target       string        `json:"target" yaml:"target"`
	Config       RunConfig     `json:"config" yaml:"config"`
	Status       RunStatus     `json:"status" yaml:"status"`
	Suites       []SuiteResult `json:"suites" yaml:"suites"`
	CurrentSuite SuiteID       `json:"current_suite,omitempty" yaml:"current_suite,omitempty"`
	CurrentTest  string        `json:"current_test,omitempty" yaml:"current_test,omitempty"`
	Metadata     *Metadata     `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	StartedAt    time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time     `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Error        string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Verdict is the worst suite verdict of the run.
func (r Run) Verdict() Verdict {
	vs := make([]Verdict, len(r.Suites))
	for i, s := range r.Suites {
		vs[i] = s.Verdict
	}
	return Worst(vs...)
}

// Cases flattens every case of the run in execution order.
func (r Run) Cases() []TestCase {
	var out []TestCase
	for _, s := range r.Suites {
		out = append(out, s.Cases...)
	}
	return out
}

func (r Run) clone() Run {
	out := r
	out.Suites = make([]SuiteResult, len(r.Suites))
	for i, s := range r.Suites {
		s.Cases = append([]TestCase(nil), s.Cases...)
		out.Suites[i] = s
	}
	out.Config.Suites = append([]SuiteID(nil), r.Config.Suites...)
	out.Config.Ports = append([]PortConfig(nil), r.Config.Ports...)
	if r.Metadata != nil {
		md := *r.Metadata
		out.Metadata = &md
	}
	return out
}

// Progress is a snapshot of a run's position in its plan.
type Progress struct {
	RunID        string    `json:"run_id"`
	Status       RunStatus `json:"status"`
	CurrentSuite SuiteID   `json:"current_suite,omitempty"`
	CurrentTest  string    `json:"current_test,omitempty"`
	TestsDone    int       `json:"tests_done"`
	TestsTotal   int       `json:"tests_total"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	// Sweep is set while a margin sweep is running.
	Sweep *margin.Progress `json:"sweep,omitempty"`
}

func (p Progress) String() string {
	return fmt.Sprintf("%s %d/%d %s %s", p.Status, p.TestsDone, p.TestsTotal, p.CurrentSuite, p.CurrentTest)
}
