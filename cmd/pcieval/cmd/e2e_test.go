package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type e2eCase struct {
	name        string
	args        []string
	wantErr     bool
	wantContain []string
}

// resetFlags restores every flag to its default so values do not leak
// between Execute calls.
func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args []string) (string, error) {
	t.Helper()

	// Capture stdout
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	// Read in background to prevent pipe buffer from blocking
	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		buf.ReadFrom(r)
		close(done)
	}()

	resetFlags(rootCmd)
	rootCmd.SetArgs(append([]string{"--log=error"}, args...))
	err := rootCmd.Execute()

	w.Close()
	os.Stdout = old
	<-done

	return buf.String(), err
}

func runE2E(t *testing.T, tests []e2eCase) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := execute(t, tt.args)

			if tt.wantErr && err == nil {
				t.Errorf("Expected error but got none\nOutput: %s", output)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v\nOutput: %s", err, output)
				return
			}

			for _, want := range tt.wantContain {
				if !strings.Contains(output, want) {
					t.Errorf("Output missing %q\nGot:\n%s", want, output)
				}
			}
		})
	}
}

func TestDecodeE2E(t *testing.T) {
	runE2E(t, []e2eCase{
		{
			name:        "known codes",
			args:        []string{"decode", "0x300", "0x406", "0x000"},
			wantContain: []string{"L0.Active", "Recovery.Equalization.Phase2", "Detect.Quiet", "critical"},
		},
		{
			name:        "legacy L0",
			args:        []string{"decode", "0x016"},
			wantContain: []string{"L0.Active"},
		},
		{
			name:        "json",
			args:        []string{"decode", "-o", "json", "0x400"},
			wantContain: []string{`"category": "Recovery"`, `"sub_state": "RcvrLock"`, `"code": 1024`},
		},
		{
			name:    "invalid code",
			args:    []string{"decode", "zz"},
			wantErr: true,
		},
		{
			name:    "no codes",
			args:    []string{"decode"},
			wantErr: true,
		},
	})
}

func TestScenariosE2E(t *testing.T) {
	runE2E(t, []e2eCase{
		{
			name:        "list",
			args:        []string{"scenarios"},
			wantContain: []string{"healthy-gen5x4", "degraded-gen5x4", "pam4-gen6x2", "no-margin-gen4", "Gen6 x2 PAM4"},
		},
	})
}

func TestProfileE2E(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "limits.prof")
	if err := os.WriteFile(good, []byte(`
profile "strict" {
    gen 5 { width 0.25 height 12 ber 1e-9 }
    outlier 20
}
`), 0o644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.prof")
	if err := os.WriteFile(bad, []byte(`profile "x" { gen 9 { width 0.1 } }`), 0o644); err != nil {
		t.Fatal(err)
	}

	runE2E(t, []e2eCase{
		{
			name:        "defaults",
			args:        []string{"profile"},
			wantContain: []string{`Profile "default"`, "Gen5", "width >= 0.20 UI"},
		},
		{
			name:        "file",
			args:        []string{"profile", good},
			wantContain: []string{`Profile "strict" (outlier 20%`, "width >= 0.25 UI", "BER <= 1e-09"},
		},
		{
			name:    "unknown gen",
			args:    []string{"profile", bad},
			wantErr: true,
		},
		{
			name:    "missing file",
			args:    []string{"profile", filepath.Join(dir, "nope.prof")},
			wantErr: true,
		},
	})
}

func TestTraceE2E(t *testing.T) {
	fast := []string{"--pulse", "1ms", "--poll", "1ms", "--confirm", "1ms"}
	runE2E(t, []e2eCase{
		{
			name:        "healthy retrain",
			args:        append([]string{"trace", "--scenario", "healthy-gen5x4"}, fast...),
			wantContain: []string{"Port 0 retrain", "L0.Active (0x300)", "Settled in L0.Active at Gen5"},
		},
		{
			name:        "status",
			args:        []string{"trace", "--status"},
			wantContain: []string{"Port 0: L0.Active", "up, Gen5 x4"},
		},
		{
			name:    "unknown scenario",
			args:    []string{"trace", "--scenario", "nope"},
			wantErr: true,
		},
	})
}

func TestSweepE2E(t *testing.T) {
	runE2E(t, []e2eCase{
		{
			name:        "nrz lane",
			args:        []string{"sweep", "--lane", "0"},
			wantContain: []string{"Port 0 lane 0, single sweep", "Receiver broadcast: width 13 steps"},
		},
		{
			name:        "pam4 lane from speed",
			args:        []string{"sweep", "--scenario", "pam4-gen6x2", "--lane", "1"},
			wantContain: []string{"triple sweep", "Receiver A:", "Receiver C:", "PAM4 eyes unbalanced"},
		},
		{
			name:        "plot",
			args:        []string{"sweep", "--lane", "0", "--plot"},
			wantContain: []string{"x", "."},
		},
		{
			name:        "no margining",
			args:        []string{"sweep", "--scenario", "no-margin-gen4"},
			wantContain: []string{"no data", "No margin data."},
		},
		{
			name:    "bad mode",
			args:    []string{"sweep", "--mode", "qam16"},
			wantErr: true,
		},
	})
}

func TestRunE2E(t *testing.T) {
	runE2E(t, []e2eCase{
		{
			name:        "healthy",
			args:        []string{"run", "--instant", "--lanes", "4"},
			wantContain: []string{"PASS  T1.1", "link_training", "Status: completed", "Verdict: PASS"},
		},
		{
			name:        "degraded fails",
			args:        []string{"run", "--scenario", "degraded-gen5x4", "--instant", "--lanes", "4"},
			wantErr:     true,
			wantContain: []string{"FAIL  T4.2", "Verdict: FAIL"},
		},
		{
			name:        "single suite",
			args:        []string{"run", "--instant", "--suite", "config_audit"},
			wantContain: []string{"T3.4", "config_audit", "Verdict: PASS"},
		},
		{
			name:        "json",
			args:        []string{"run", "--instant", "--suite", "config_audit", "-o", "json"},
			wantContain: []string{`"status": "completed"`, `"suite": "config_audit"`},
		},
		{
			name:        "yaml",
			args:        []string{"run", "--instant", "--suite", "error_audit", "-o", "yaml"},
			wantContain: []string{"status: completed", "suite: error_audit"},
		},
		{
			name:    "unknown suite",
			args:    []string{"run", "--instant", "--suite", "nope"},
			wantErr: true,
		},
		{
			name:    "bad output",
			args:    []string{"run", "--instant", "--suite", "config_audit", "-o", "xml"},
			wantErr: true,
		},
	})
}

func TestRunScenarioFileE2E(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	if err := os.WriteFile(path, []byte(`
description: bench switch
ports:
  - number: 2
    speed: 4
    width: 2
`), 0o644); err != nil {
		t.Fatal(err)
	}

	runE2E(t, []e2eCase{
		{
			name:        "scenario file target",
			args:        []string{"run", "--scenario-file", path, "--instant", "--port", "2", "--lanes", "2", "--suite", "config_audit"},
			wantContain: []string{"on bench", "p2", "bench switch", "Verdict: PASS"},
		},
	})
}
