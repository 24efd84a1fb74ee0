package orchestrator

// #region imports
import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/logging"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/script"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/stage"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/state"
)

// #endregion

const (
	historyWindow = 24 * time.Hour
	glucoseWindow = 6 * time.Hour
	isoMillis     = "2006-01-02T15:04:05.000Z07:00"
)

// #region inputs

// snapshot is the history window one run reads, already rendered as JSON.
type snapshot struct {
	pumpHistory string
	carbs       string
	glucose     string
}

func listJSON[T any](items []T) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (o *Orchestrator) snapshot(now time.Time) (snapshot, error) {
	var snap snapshot

	pump, err := o.cfg.History.PumpEvents(state.Query{Since: now.Add(-historyWindow), Until: now, Descending: true})
	if err != nil {
		return snap, fmt.Errorf("pump history: %w", err)
	}
	carbs, err := o.cfg.History.Carbs(state.Query{Since: now.Add(-historyWindow), Until: now, Descending: true})
	if err != nil {
		return snap, fmt.Errorf("carbs: %w", err)
	}
	glucose, err := o.cfg.History.Glucose(state.Query{
		Since:      now.Add(-glucoseWindow),
		Until:      now,
		Descending: true,
		Limit:      o.cfg.GlucoseLimit,
	})
	if err != nil {
		return snap, fmt.Errorf("glucose: %w", err)
	}

	if snap.pumpHistory, err = listJSON(pump); err != nil {
		return snap, err
	}
	if snap.carbs, err = listJSON(carbs); err != nil {
		return snap, err
	}
	if snap.glucose, err = listJSON(glucose); err != nil {
		return snap, err
	}
	return snap, nil
}

func dateJSON(t time.Time) string {
	return `"` + t.UTC().Format(isoMillis) + `"`
}

// #endregion

// #region stage-runner

// runStage binds args, loads the stage's scripts and runs it on c.
func (o *Orchestrator) runStage(c script.Context, s stage.Stage, args ...script.Arg) script.Outcome {
	bound, err := s.Bind(args...)
	if err != nil {
		o.logger.Error("bind stage", zap.String("stage", s.Name), zap.Error(err))
		return script.NoResult(err.Error())
	}
	sources, err := o.cfg.Scripts.LoadAll(s.Scripts)
	if err != nil {
		o.logger.Error("load stage scripts", zap.String("stage", s.Name), zap.Error(err))
		return script.NoResult(err.Error())
	}

	var middleware *script.Source
	if s.Middleware != "" {
		if src, ok := o.cfg.Scripts.Middleware(s.Middleware); ok {
			middleware = &src
		}
	}

	out := s.Run(c, sources, middleware, bound)
	if !out.OK {
		o.logger.Warn("stage produced no result", zap.String("stage", s.Name), zap.String("diagnostic", out.Diagnostic))
	}
	return out
}

func (o *Orchestrator) saveLater(name, value string) {
	o.enqueueWrite(func() {
		if err := o.cfg.Settings.Save(name, value); err != nil {
			o.logger.Warn("save setting", zap.String("name", name), zap.Error(err))
		}
	})
}

func (o *Orchestrator) noResult(runID, op string, err error, raw string) {
	o.logger.Warn("no result",
		zap.String("run", runID),
		zap.String("op", op),
		zap.Error(err),
		zap.String("raw", raw),
	)
	o.recordRun(logging.RunEntry{RunID: runID, Operation: op, Outcome: logging.OutcomeNoResult, Reason: err.Error()})
}

// #endregion

// #region determine-basal

// DetermineBasal computes a dosing recommendation for the current temp basal
// at clock. It returns nil when no usable recommendation was produced.
func (o *Orchestrator) DetermineBasal(ctx context.Context, currentTemp TempBasal, clock time.Time) *state.Determination {
	return submit(ctx, o, func() *state.Determination {
		return o.determineBasal(currentTemp, clock)
	})
}

func (o *Orchestrator) determineBasal(currentTemp TempBasal, clock time.Time) *state.Determination {
	runID := uuid.New().String()
	clockJSON := dateJSON(clock)
	tempJSON, err := json.Marshal(currentTemp)
	if err != nil {
		o.noResult(runID, OpDetermineBasal, err, "")
		return nil
	}
	o.saveLater(ClockFile, clockJSON)
	o.saveLater(TempBasalFile, string(tempJSON))

	snap, err := o.snapshot(clock)
	if err != nil {
		o.noResult(runID, OpDetermineBasal, err, "")
		return nil
	}
	profile := o.cfg.Settings.Load(ProfileFile)
	basalProfile := o.cfg.Settings.Load(BasalProfileFile)
	autosens := o.cfg.Settings.Load(AutosensFile)
	reservoir := o.cfg.Settings.Load(ReservoirFile)
	preferences := o.cfg.Settings.Load(PreferencesFile)

	var out script.Outcome
	o.cfg.Runner.RunInSharedContext(func(c script.Context) {
		meal := o.runStage(c, stage.Meal,
			script.JSON(snap.pumpHistory),
			script.JSON(profile),
			script.JSON(clockJSON),
			script.JSON(snap.glucose),
			script.JSON(basalProfile),
			script.JSON(snap.carbs),
		)
		iob := o.runStage(c, stage.IOB,
			script.JSON(snap.pumpHistory),
			script.JSON(profile),
			script.JSON(clockJSON),
			script.JSON(autosens),
		)

		variables, err := o.cfg.Resolver.Resolve(clock)
		if err != nil {
			out = script.NoResult(fmt.Sprintf("resolve adjustments: %v", err))
			return
		}

		out = o.runStage(c, stage.DetermineBasal,
			script.JSON(iob.Value),
			script.JSON(string(tempJSON)),
			script.JSON(snap.glucose),
			script.JSON(profile),
			script.JSON(autosens),
			script.JSON(meal.Value),
			script.Bool(o.cfg.MicroBolusAllowed),
			script.JSON(reservoir),
			script.JSON(clockJSON),
			script.JSON(snap.pumpHistory),
			script.JSON(preferences),
			script.JSON(basalProfile),
			script.Value(variables),
		)
	})

	d, err := parseDetermination(out)
	if err != nil {
		o.noResult(runID, OpDetermineBasal, err, out.Value)
		return nil
	}

	deliverAt := clock
	if d.DeliverAt != nil {
		deliverAt = *d.DeliverAt
	}
	d.DeliverAt = &deliverAt
	d.Timestamp = &deliverAt
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if raw, err := stampRaw(d.Raw, deliverAt); err != nil {
		o.logger.Warn("stamp determination", zap.String("id", d.ID), zap.Error(err))
	} else {
		d.Raw = raw
	}

	saved := d
	target := o.targetFor(d, profile)
	o.enqueueWrite(func() {
		if _, err := o.cfg.History.SaveDetermination(saved); err != nil {
			o.logger.Error("save determination", zap.String("id", saved.ID), zap.Error(err))
		}
		if err := o.cfg.Settings.Save(SuggestedFile, string(saved.Raw)); err != nil {
			o.logger.Warn("save suggestion", zap.Error(err))
		}
		if saved.TDD == nil || *saved.TDD <= 0 {
			return
		}
		if err := o.cfg.History.InsertTDD(state.TDDSample{Timestamp: deliverAt, Total: *saved.TDD}); err != nil {
			o.logger.Warn("save tdd", zap.Error(err))
		}
		if err := o.cfg.History.InsertTargetSample(state.TargetSample{Timestamp: deliverAt, Target: target}); err != nil {
			o.logger.Warn("save target", zap.Error(err))
		}
	})
	o.recordRun(logging.RunEntry{RunID: runID, Operation: OpDetermineBasal, Outcome: logging.OutcomeEnacted, ResultID: d.ID, Reason: d.Reason})

	o.logger.Info("determination",
		zap.String("run", runID),
		zap.String("id", d.ID),
		zap.Time("deliverAt", deliverAt),
	)
	return &d
}

// stampRaw sets deliverAt and timestamp in the raw stage output so the
// suggestion document matches the stored determination.
func stampRaw(raw json.RawMessage, at time.Time) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	stamp, err := json.Marshal(at)
	if err != nil {
		return nil, err
	}
	obj["deliverAt"] = stamp
	obj["timestamp"] = stamp
	return json.MarshalIndent(obj, "", "    ")
}

// targetFor prefers the determination's own target, else the profile's.
func (o *Orchestrator) targetFor(d state.Determination, profile string) float64 {
	if d.TargetBG != nil {
		return *d.TargetBG
	}
	var p struct {
		TargetBG float64 `json:"target_bg"`
		MinBG    float64 `json:"min_bg"`
	}
	if err := json.Unmarshal([]byte(profile), &p); err != nil {
		return 0
	}
	if p.TargetBG > 0 {
		return p.TargetBG
	}
	return p.MinBG
}

// CurrentTempBasal reads the last temp basal snapshot, or a zero TempBasal,
// once pending writes have landed.
func (o *Orchestrator) CurrentTempBasal() TempBasal {
	o.Sync()
	var t TempBasal
	if raw := o.cfg.Settings.Load(TempBasalFile); raw != "" {
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			o.logger.Warn("read temp basal", zap.Error(err))
		}
	}
	if t.Temp == "" {
		t.Temp = "absolute"
	}
	return t
}

// #endregion

// #region autosens

// Autosens recomputes the sensitivity ratio and stores it as the current
// snapshot. It returns nil when no usable result was produced.
func (o *Orchestrator) Autosens(ctx context.Context) *state.Autosens {
	return submit(ctx, o, o.autosens)
}

func (o *Orchestrator) autosens() *state.Autosens {
	runID := uuid.New().String()
	now := o.cfg.Now()

	snap, err := o.snapshot(now)
	if err != nil {
		o.noResult(runID, OpAutosens, err, "")
		return nil
	}
	tempTargets, err := o.cfg.History.TempTargets(state.Query{Since: now.Add(-historyWindow), Until: now, Descending: true})
	if err != nil {
		o.noResult(runID, OpAutosens, fmt.Errorf("temp targets: %w", err), "")
		return nil
	}
	tempTargetsJSON, err := listJSON(tempTargets)
	if err != nil {
		o.noResult(runID, OpAutosens, err, "")
		return nil
	}
	profile := o.cfg.Settings.Load(ProfileFile)
	basalProfile := o.cfg.Settings.Load(BasalProfileFile)

	var out script.Outcome
	o.cfg.Runner.RunInSharedContext(func(c script.Context) {
		out = o.runStage(c, stage.Autosens,
			script.JSON(snap.glucose),
			script.JSON(snap.pumpHistory),
			script.JSON(basalProfile),
			script.JSON(profile),
			script.JSON(snap.carbs),
			script.JSON(tempTargetsJSON),
		)
	})

	a, err := parseAutosens(out)
	if err != nil {
		o.noResult(runID, OpAutosens, err, out.Value)
		return nil
	}
	a.Timestamp = &now

	doc, err := json.MarshalIndent(a, "", "    ")
	if err == nil {
		o.saveLater(AutosensFile, string(doc))
	}
	o.recordRun(logging.RunEntry{RunID: runID, Operation: OpAutosens, Outcome: logging.OutcomeEnacted, Reason: fmt.Sprintf("ratio %g", a.Ratio)})
	return &a
}

// #endregion

// #region autotune

// Autotune prepares autotune data and runs one tuning pass against the
// previous result (or the profile when there is none).
func (o *Orchestrator) Autotune(ctx context.Context, categorizeUamAsBasal, tuneInsulinCurve bool) *Autotune {
	return submit(ctx, o, func() *Autotune {
		return o.autotune(categorizeUamAsBasal, tuneInsulinCurve)
	})
}

func (o *Orchestrator) autotune(categorizeUamAsBasal, tuneInsulinCurve bool) *Autotune {
	runID := uuid.New().String()
	now := o.cfg.Now()

	snap, err := o.snapshot(now)
	if err != nil {
		o.noResult(runID, OpAutotune, err, "")
		return nil
	}
	profile := o.cfg.Settings.Load(ProfileFile)
	pumpProfile := o.cfg.Settings.Load(PumpProfileFile)
	previous, ok := o.cfg.Settings.Retrieve(AutotuneFile)
	if !ok {
		previous = profile
	}

	var out script.Outcome
	o.cfg.Runner.RunInSharedContext(func(c script.Context) {
		prepared := o.runStage(c, stage.AutotunePrepare,
			script.JSON(snap.pumpHistory),
			script.JSON(profile),
			script.JSON(snap.glucose),
			script.JSON(pumpProfile),
			script.JSON(snap.carbs),
			script.Bool(categorizeUamAsBasal),
			script.Bool(tuneInsulinCurve),
		)
		if !prepared.OK {
			out = prepared
			return
		}
		out = o.runStage(c, stage.AutotuneRun,
			script.JSON(prepared.Value),
			script.JSON(previous),
			script.JSON(pumpProfile),
		)
	})

	a, err := parseAutotune(out)
	if err != nil {
		o.noResult(runID, OpAutotune, err, out.Value)
		return nil
	}
	if a.CreatedAt == nil {
		a.CreatedAt = &now
	}
	o.saveLater(AutotuneFile, string(a.Raw))
	o.recordRun(logging.RunEntry{RunID: runID, Operation: OpAutotune, Outcome: logging.OutcomeEnacted})
	return &a
}

// #endregion

// #region make-profiles

// MakeProfiles builds the pump profile (never tuned) and the working profile
// (tuned when useAutotune and a stored autotune result exists) and saves
// both. It returns the working profile, or nil.
func (o *Orchestrator) MakeProfiles(ctx context.Context, useAutotune bool) *Profile {
	return submit(ctx, o, func() *Profile {
		return o.makeProfiles(useAutotune)
	})
}

func (o *Orchestrator) makeProfiles(useAutotune bool) *Profile {
	runID := uuid.New().String()

	load := o.cfg.Settings.Load
	autotune := ""
	if useAutotune {
		autotune, _ = o.cfg.Settings.Retrieve(AutotuneFile)
	}
	args := func(autotune string) []script.Arg {
		return []script.Arg{
			script.JSON(load(PreferencesFile)),
			script.JSON(load(PumpSettingsFile)),
			script.JSON(load(BGTargetsFile)),
			script.JSON(load(BasalProfileFile)),
			script.JSON(load(ISFFile)),
			script.JSON(load(CarbRatiosFile)),
			script.JSON(load(TempTargetsFile)),
			script.JSON(load(ModelFile)),
			script.JSON(autotune),
			script.JSON(load(AppSettingsFile)),
		}
	}

	var pumpOut, tunedOut script.Outcome
	o.cfg.Runner.RunInSharedContext(func(c script.Context) {
		pumpOut = o.runStage(c, stage.MakeProfile, args("")...)
		tunedOut = o.runStage(c, stage.MakeProfile, args(autotune)...)
	})

	if pump, err := parseProfile(pumpOut); err != nil {
		o.logger.Warn("pump profile", zap.String("run", runID), zap.Error(err), zap.String("raw", pumpOut.Value))
	} else {
		o.saveLater(PumpProfileFile, string(pump.Raw))
	}

	tuned, err := parseProfile(tunedOut)
	if err != nil {
		o.noResult(runID, OpMakeProfiles, err, tunedOut.Value)
		return nil
	}
	o.saveLater(ProfileFile, string(tuned.Raw))
	o.recordRun(logging.RunEntry{RunID: runID, Operation: OpMakeProfiles, Outcome: logging.OutcomeEnacted})
	return &tuned
}

// #endregion

// #region adjustments

// EnactOverride makes o the single enabled override. It runs on the worker
// so it never interleaves with an adjustment resolution.
func (o *Orchestrator) EnactOverride(ctx context.Context, ov state.Override) *state.Override {
	return submit(ctx, o, func() *state.Override {
		now := o.cfg.Now()
		enacted, err := o.cfg.History.EnactOverride(ov, now)
		if err != nil {
			o.logger.Error("enact override", zap.Error(err))
			return nil
		}
		o.recordRun(logging.RunEntry{RunID: uuid.New().String(), Operation: OpEnactOverride, Outcome: logging.OutcomeEnacted, ResultID: enacted.ID})
		return &enacted
	})
}

// CancelOverride disables the enabled override. It reports false when the
// cancel could not be applied.
func (o *Orchestrator) CancelOverride(ctx context.Context) bool {
	done := submit(ctx, o, func() *bool {
		ok := true
		if err := o.cfg.History.CancelOverride(o.cfg.Now()); err != nil {
			o.logger.Error("cancel override", zap.Error(err))
			ok = false
		}
		return &ok
	})
	return done != nil && *done
}

// EnactTempTarget makes t the single enabled temp target.
func (o *Orchestrator) EnactTempTarget(ctx context.Context, t state.TempTarget) *state.TempTarget {
	return submit(ctx, o, func() *state.TempTarget {
		now := o.cfg.Now()
		enacted, err := o.cfg.History.EnactTempTarget(t, now)
		if err != nil {
			o.logger.Error("enact temp target", zap.Error(err))
			return nil
		}
		o.recordRun(logging.RunEntry{RunID: uuid.New().String(), Operation: OpEnactTempTarget, Outcome: logging.OutcomeEnacted, ResultID: enacted.ID})
		return &enacted
	})
}

// CancelTempTarget disables the enabled temp target.
func (o *Orchestrator) CancelTempTarget(ctx context.Context) bool {
	done := submit(ctx, o, func() *bool {
		ok := true
		if err := o.cfg.History.CancelTempTarget(o.cfg.Now()); err != nil {
			o.logger.Error("cancel temp target", zap.Error(err))
			ok = false
		}
		return &ok
	})
	return done != nil && *done
}

// #endregion
