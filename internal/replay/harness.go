// Package replay runs recorded loop iterations against a throwaway store.
package replay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/filestore"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/logging"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/oref2"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/resources"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/script"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/state"
)

// #region types

// Env is what a replay needs from the host: the engine and script source.
type Env struct {
	Runner  script.Runner
	Scripts orchestrator.Scripts
	Logger  *zap.Logger

	TDDWeight         float64
	MicroBolusAllowed bool
}

// Result is the outcome of one step.
type Result struct {
	StepID        string
	Determination *state.Determination // nil = no result
	Mismatch      string               // empty when the step met its expectation
}

// Report aggregates a replay run.
type Report struct {
	Results []Result
	Stored  int // determinations in the store after the run
	Runs    []logging.RunEntry
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	Steps      int
	Results    int
	NoResults  int
	Mismatches int
}

// #endregion types

// #region replay

// Replay seeds an in-memory store and a temporary settings directory from f,
// then runs DetermineBasal once per step, waiting for each step's writes
// before the next starts.
func Replay(ctx context.Context, f *Fixture, env Env) (*Report, error) {
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dir, err := os.MkdirTemp("", "replay-settings-")
	if err != nil {
		return nil, fmt.Errorf("settings dir: %w", err)
	}
	defer os.RemoveAll(dir)

	store, err := state.NewStore(":memory:")
	if err != nil {
		return nil, err
	}
	defer store.Close()

	settings := filestore.New(filepath.Join(dir, "settings"), resources.Defaults)
	if err := Seed(store, settings, f); err != nil {
		return nil, err
	}

	orch := orchestrator.New(orchestrator.Config{
		Runner:            env.Runner,
		Scripts:           env.Scripts,
		History:           store,
		Settings:          settings,
		Resolver:          oref2.NewResolver(store, settings, env.TDDWeight, logger),
		RunLog:            store.DB(),
		Logger:            logger,
		MicroBolusAllowed: env.MicroBolusAllowed,
	})
	defer orch.Close()

	expected := make(map[string]FixtureExpected, len(f.Expected))
	for _, e := range f.Expected {
		expected[e.Step] = e
	}

	report := &Report{Results: make([]Result, 0, len(f.Steps))}
	for i, step := range f.Steps {
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", i+1)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := orch.DetermineBasal(ctx, step.CurrentTemp, step.Clock)
		orch.Sync()

		r := Result{StepID: step.ID, Determination: d}
		if e, ok := expected[step.ID]; ok {
			r.Mismatch = check(e, d)
		}
		report.Results = append(report.Results, r)
	}
	orch.Sync()

	if report.Stored, err = store.CountDeterminations(); err != nil {
		return nil, err
	}
	if report.Runs, err = logging.ListRuns(store.DB(), len(f.Steps)); err != nil {
		return nil, err
	}
	return report, nil
}

func check(e FixtureExpected, d *state.Determination) string {
	if e.NoResult {
		if d != nil {
			return "expected no result"
		}
		return ""
	}
	if d == nil {
		return "no result"
	}
	if e.Rate != nil && (d.Rate == nil || *d.Rate != *e.Rate) {
		return fmt.Sprintf("rate: want %v, got %s", *e.Rate, floatText(d.Rate))
	}
	if e.Duration != nil && (d.Duration == nil || *d.Duration != *e.Duration) {
		got := "none"
		if d.Duration != nil {
			got = fmt.Sprint(*d.Duration)
		}
		return fmt.Sprintf("duration: want %d, got %s", *e.Duration, got)
	}
	return ""
}

func floatText(f *float64) string {
	if f == nil {
		return "none"
	}
	return fmt.Sprint(*f)
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []Result) Summary {
	s := Summary{Steps: len(results)}
	for _, r := range results {
		if r.Determination == nil {
			s.NoResults++
		} else {
			s.Results++
		}
		if r.Mismatch != "" {
			s.Mismatches++
		}
	}
	return s
}

// #endregion replay
