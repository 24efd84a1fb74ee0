package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/filestore"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/logging"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/oref2"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/resources"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/script"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// #region stubs

type call struct {
	bundle string
	args   []string
}

// stubRunner answers each entry call with the canned output registered for
// the last bundle script evaluated in the session.
type stubRunner struct {
	mu        sync.Mutex
	responses map[string]string
	trace     []string
	calls     []call
	delay     time.Duration

	active    int32
	maxActive int32
}

func newStubRunner(responses map[string]string) *stubRunner {
	return &stubRunner{responses: responses}
}

func (r *stubRunner) RunInSharedContext(body func(script.Context)) {
	n := atomic.AddInt32(&r.active, 1)
	for {
		seen := atomic.LoadInt32(&r.maxActive)
		if n <= seen || atomic.CompareAndSwapInt32(&r.maxActive, seen, n) {
			break
		}
	}
	time.Sleep(r.delay)
	body(&stubContext{r: r})
	atomic.AddInt32(&r.active, -1)
}

func (r *stubRunner) respond(bundle, out string) {
	r.mu.Lock()
	r.responses[bundle] = out
	r.mu.Unlock()
}

func (r *stubRunner) note(s string) {
	r.mu.Lock()
	r.trace = append(r.trace, s)
	r.mu.Unlock()
}

func (r *stubRunner) callsTo(bundle string) []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call
	for _, c := range r.calls {
		if c.bundle == bundle {
			out = append(out, c)
		}
	}
	return out
}

type stubContext struct {
	r      *stubRunner
	loaded string
}

func (c *stubContext) Evaluate(src script.Source) script.Outcome {
	if strings.HasPrefix(src.Name, "bundle/") {
		c.loaded = src.Name
	}
	return script.Outcome{OK: true}
}

func (c *stubContext) CallFunction(name string, args ...script.Arg) script.Outcome {
	literals := make([]string, len(args))
	for i, a := range args {
		literals[i] = a.Literal()
	}
	c.r.mu.Lock()
	c.r.calls = append(c.r.calls, call{bundle: c.loaded, args: literals})
	out, ok := c.r.responses[c.loaded]
	c.r.mu.Unlock()
	c.r.note(c.loaded)

	if !ok {
		return script.NoResult("no stub for " + c.loaded)
	}
	return script.Outcome{OK: true, Value: out}
}

type stubScripts struct{}

func (stubScripts) LoadAll(names []string) ([]script.Source, error) {
	out := make([]script.Source, len(names))
	for i, n := range names {
		out[i] = script.Source{Name: n}
	}
	return out, nil
}

func (stubScripts) Middleware(string) (script.Source, bool) { return script.Source{}, false }

type tracingResolver struct {
	inner Resolver
	r     *stubRunner
}

func (t tracingResolver) Resolve(now time.Time) (oref2.Variables, error) {
	t.r.note("oref2")
	return t.inner.Resolve(now)
}

type spyHistory struct {
	*state.Store
	saves int32
}

func (s *spyHistory) SaveDetermination(d state.Determination) (string, error) {
	atomic.AddInt32(&s.saves, 1)
	return s.Store.SaveDetermination(d)
}

// #endregion

// #region fixture

var clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	orch     *Orchestrator
	runner   *stubRunner
	store    *state.Store
	history  *spyHistory
	settings *filestore.Store
}

func newFixture(t *testing.T, responses map[string]string) *fixture {
	t.Helper()
	store, err := state.NewStore(filepath.Join(t.TempDir(), "loop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	settings := filestore.New(t.TempDir(), resources.Defaults)
	runner := newStubRunner(responses)
	history := &spyHistory{Store: store}

	orch := New(Config{
		Runner:   runner,
		Scripts:  stubScripts{},
		History:  history,
		Settings: settings,
		Resolver: tracingResolver{inner: oref2.NewResolver(store, settings, 0.65, nil), r: runner},
		RunLog:   store.DB(),
		Now:      func() time.Time { return clock },
	})
	t.Cleanup(orch.Close)

	return &fixture{orch: orch, runner: runner, store: store, history: history, settings: settings}
}

const determination = `{
    "reason": "COB: 0, Dev: 0, BGI: 0, ISF: 50, Target: 100",
    "rate": 0,
    "duration": 30,
    "temp": "absolute",
    "bg": 100,
    "eventualBG": 100,
    "predBGs": {"IOB": [100, 100, 100], "ZT": [100, 99]}
}`

func dbResponses(det string) map[string]string {
	return map[string]string{
		"bundle/meal":            `{"carbs": 0, "mealCOB": 0}`,
		"bundle/iob":             `[{"iob": 0, "activity": 0}]`,
		"bundle/determine-basal": det,
	}
}

// #endregion

// #region determine-basal-tests

func TestDetermineBasal_StageOrder(t *testing.T) {
	f := newFixture(t, dbResponses(determination))

	d := f.orch.DetermineBasal(context.Background(), TempBasal{Temp: "absolute"}, clock)
	require.NotNil(t, d)

	assert.Equal(t, []string{"bundle/meal", "bundle/iob", "oref2", "bundle/determine-basal"}, f.runner.trace)

	calls := f.runner.callsTo("bundle/determine-basal")
	require.Len(t, calls, 1)
	args := calls[0].args
	require.Len(t, args, 13)
	assert.Equal(t, `[{"iob": 0, "activity": 0}]`, args[0], "iob output feeds determine-basal")
	assert.Equal(t, `{"carbs": 0, "mealCOB": 0}`, args[5], "meal output feeds determine-basal")
	assert.Equal(t, "false", args[6])
	assert.Equal(t, `"2026-03-01T12:00:00.000Z"`, args[8])
	assert.Contains(t, args[12], `"weightedAverage":1`)
}

func TestDetermineBasal_PersistsResult(t *testing.T) {
	f := newFixture(t, dbResponses(determination))

	d := f.orch.DetermineBasal(context.Background(), TempBasal{Temp: "absolute"}, clock)
	require.NotNil(t, d)
	require.NotNil(t, d.Rate)
	assert.Equal(t, 0.0, *d.Rate)
	assert.Equal(t, 30, *d.Duration)
	assert.True(t, d.DeliverAt.Equal(clock), "deliverAt defaults to the run clock")

	f.orch.Sync()

	cur, err := f.store.CurrentDetermination()
	require.NoError(t, err)
	assert.Equal(t, d.ID, cur.ID)
	require.NotNil(t, cur.Forecasts)
	assert.Equal(t, []int{100, 100, 100}, cur.Forecasts.IOB)

	suggested, ok := f.settings.Retrieve(SuggestedFile)
	require.True(t, ok)
	assert.Contains(t, suggested, `"duration": 30`)
	assert.Equal(t, `"2026-03-01T12:00:00.000Z"`, f.settings.Load(ClockFile))

	tdd, err := f.store.TDD(state.Query{})
	require.NoError(t, err)
	assert.Empty(t, tdd, "no TDD sample without a positive TDD")

	runs, err := logging.ListRuns(f.store.DB(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, logging.OutcomeEnacted, runs[0].Outcome)
	assert.Equal(t, d.ID, runs[0].ResultID)
}

func TestDetermineBasal_StageDeliverAtWins(t *testing.T) {
	det := `{"reason": "x", "rate": 1, "duration": 30, "deliverAt": "2026-03-01T12:01:00.000Z"}`
	f := newFixture(t, dbResponses(det))

	d := f.orch.DetermineBasal(context.Background(), TempBasal{}, clock)
	require.NotNil(t, d)
	assert.True(t, d.DeliverAt.Equal(clock.Add(time.Minute)))
	assert.True(t, d.Timestamp.Equal(clock.Add(time.Minute)))
}

func TestDetermineBasal_WritesTDDWhenPositive(t *testing.T) {
	det := `{"reason": "x", "rate": 0.5, "duration": 30, "TDD": 42.5, "target_bg": 110}`
	f := newFixture(t, dbResponses(det))

	require.NotNil(t, f.orch.DetermineBasal(context.Background(), TempBasal{}, clock))
	f.orch.Sync()

	tdd, err := f.store.TDD(state.Query{})
	require.NoError(t, err)
	require.Len(t, tdd, 1)
	assert.Equal(t, 42.5, tdd[0].Total)

	targets, err := f.store.TargetHistory(state.Query{})
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 110.0, targets[0].Target)
}

func TestDetermineBasal_NotJSONIsNoResult(t *testing.T) {
	f := newFixture(t, dbResponses("not json"))

	d := f.orch.DetermineBasal(context.Background(), TempBasal{}, clock)
	assert.Nil(t, d)
	f.orch.Sync()

	assert.Equal(t, int32(0), atomic.LoadInt32(&f.history.saves))
	n, err := f.store.CountDeterminations()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, ok := f.settings.Retrieve(SuggestedFile)
	assert.False(t, ok)

	runs, err := logging.ListRuns(f.store.DB(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, logging.OutcomeNoResult, runs[0].Outcome)
}

func TestDetermineBasal_InvalidOutputs(t *testing.T) {
	for name, out := range map[string]string{
		"error key":      `{"error": "CGM is calibrating"}`,
		"missing reason": `{"rate": 0, "duration": 30}`,
		"array":          `[1, 2]`,
		"null":           `null`,
		"empty":          ``,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, dbResponses(out))
			assert.Nil(t, f.orch.DetermineBasal(context.Background(), TempBasal{}, clock))
			f.orch.Sync()
			assert.Equal(t, int32(0), atomic.LoadInt32(&f.history.saves))
		})
	}
}

func TestDetermineBasal_MissingStageScriptStillResolves(t *testing.T) {
	f := newFixture(t, map[string]string{})
	assert.Nil(t, f.orch.DetermineBasal(context.Background(), TempBasal{}, clock))
}

// #endregion

// #region exclusivity-tests

func TestOperations_RunOneAtATime(t *testing.T) {
	f := newFixture(t, map[string]string{"bundle/autosens": `{"ratio": 1.1}`})
	f.runner.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotNil(t, f.orch.Autosens(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.runner.maxActive))
}

func TestSubmit_CancelledContextReturnsNil(t *testing.T) {
	f := newFixture(t, dbResponses(determination))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, f.orch.DetermineBasal(ctx, TempBasal{}, clock))
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t, dbResponses(determination))
	f.orch.Close()
	f.orch.Close()
	assert.Nil(t, f.orch.Autosens(context.Background()))
}

// #endregion

// #region other-operation-tests

func TestAutosens_StampsAndSaves(t *testing.T) {
	f := newFixture(t, map[string]string{"bundle/autosens": `{"ratio": 0.9, "newisf": 55}`})

	a := f.orch.Autosens(context.Background())
	require.NotNil(t, a)
	assert.Equal(t, 0.9, a.Ratio)
	require.NotNil(t, a.Timestamp)
	assert.True(t, a.Timestamp.Equal(clock))

	f.orch.Sync()
	stored, ok := f.settings.Retrieve(AutosensFile)
	require.True(t, ok)
	assert.Contains(t, stored, `"ratio": 0.9`)

	calls := f.runner.callsTo("bundle/autosens")
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].args, 6)
	assert.Equal(t, "[]", calls[0].args[5], "no temp targets")
}

func TestAutosens_NoResult(t *testing.T) {
	f := newFixture(t, map[string]string{"bundle/autosens": `{"ratio": `})
	assert.Nil(t, f.orch.Autosens(context.Background()))
	f.orch.Sync()
	assert.Equal(t, f.settings.Load(AutosensFile), mustDefault(t, f.settings, AutosensFile))
}

func mustDefault(t *testing.T, s *filestore.Store, name string) string {
	t.Helper()
	v, ok := s.Default(name)
	require.True(t, ok)
	return v
}

func TestAutotune_ChainsPreparedIntoRun(t *testing.T) {
	tuned := `{"basalprofile": [{"start": "00:00:00", "minutes": 0, "rate": 0.9}], "sens": 48, "carb_ratio": 9}`
	f := newFixture(t, map[string]string{
		"bundle/autotune-prep": `{"CRData": [], "ISFGlucoseData": []}`,
		"bundle/autotune-core": tuned,
	})

	a := f.orch.Autotune(context.Background(), true, false)
	require.NotNil(t, a)
	assert.Equal(t, 48.0, a.Sensitivity)
	require.Len(t, a.BasalProfile, 1)

	prep := f.runner.callsTo("bundle/autotune-prep")
	require.Len(t, prep, 1)
	assert.Equal(t, []string{"true", "false"}, prep[0].args[5:])

	core := f.runner.callsTo("bundle/autotune-core")
	require.Len(t, core, 1)
	assert.Equal(t, `{"CRData": [], "ISFGlucoseData": []}`, core[0].args[0])
	assert.Equal(t, strings.TrimSpace(f.settings.Load(ProfileFile)), core[0].args[1], "profile is the baseline without a stored result")

	f.orch.Sync()
	stored, ok := f.settings.Retrieve(AutotuneFile)
	require.True(t, ok)
	assert.JSONEq(t, tuned, stored)

	require.NotNil(t, f.orch.Autotune(context.Background(), false, false))
	core = f.runner.callsTo("bundle/autotune-core")
	require.Len(t, core, 2)
	assert.JSONEq(t, tuned, core[1].args[1], "stored result is the next baseline")
}

func TestAutotune_PrepareFailureSkipsRun(t *testing.T) {
	f := newFixture(t, map[string]string{"bundle/autotune-core": `{"basalprofile": []}`})
	assert.Nil(t, f.orch.Autotune(context.Background(), false, false))
	assert.Empty(t, f.runner.callsTo("bundle/autotune-core"))
}

func TestMakeProfiles_BuildsBothVariants(t *testing.T) {
	profile := `{"current_basal": 1, "max_basal": 2, "sens": 50, "carb_ratio": 10, "min_bg": 100, "max_bg": 100}`
	f := newFixture(t, map[string]string{"bundle/profile": profile})
	require.NoError(t, f.settings.Save(AutotuneFile, `{"basalprofile": [], "sens": 45}`))

	p := f.orch.MakeProfiles(context.Background(), true)
	require.NotNil(t, p)
	assert.Equal(t, 50.0, p.Sensitivity)

	calls := f.runner.callsTo("bundle/profile")
	require.Len(t, calls, 2)
	assert.Equal(t, "null", calls[0].args[8], "pump profile is never tuned")
	assert.Contains(t, calls[1].args[8], `"sens": 45`)

	f.orch.Sync()
	_, ok := f.settings.Retrieve(PumpProfileFile)
	assert.True(t, ok)
	_, ok = f.settings.Retrieve(ProfileFile)
	assert.True(t, ok)
}

func TestMakeProfiles_WithoutAutotune(t *testing.T) {
	f := newFixture(t, map[string]string{"bundle/profile": `{"current_basal": 1}`})
	require.NoError(t, f.settings.Save(AutotuneFile, `{"basalprofile": []}`))

	require.NotNil(t, f.orch.MakeProfiles(context.Background(), false))
	for _, c := range f.runner.callsTo("bundle/profile") {
		assert.Equal(t, "null", c.args[8])
	}
}

func TestEnactOverride_SerializedThroughWorker(t *testing.T) {
	f := newFixture(t, dbResponses(determination))

	first := f.orch.EnactOverride(context.Background(), state.Override{Name: "a", Duration: 60, Percentage: 80})
	require.NotNil(t, first)
	second := f.orch.EnactOverride(context.Background(), state.Override{Name: "b", Duration: 60, Percentage: 90})
	require.NotNil(t, second)

	enabled, err := f.store.EnabledOverrides()
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, second.ID, enabled[0].ID)

	assert.True(t, f.orch.CancelOverride(context.Background()))
	enabled, _ = f.store.EnabledOverrides()
	assert.Empty(t, enabled)

	tt := f.orch.EnactTempTarget(context.Background(), state.TempTarget{Duration: 30, TargetTop: 120, TargetBottom: 120})
	require.NotNil(t, tt)
	assert.True(t, f.orch.CancelTempTarget(context.Background()))
}

func TestCurrentTempBasal(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, TempBasal{Temp: "absolute"}, f.orch.CurrentTempBasal())

	require.NoError(t, f.settings.Save(TempBasalFile, `{"duration": 30, "rate": 0.5, "temp": "absolute", "timestamp": "2026-03-01T11:55:00Z"}`))
	got := f.orch.CurrentTempBasal()
	assert.Equal(t, 30, got.Duration)
	assert.Equal(t, 0.5, got.Rate)
}

// #endregion

// #region back-to-back-tests

func TestDetermineBasal_SuggestionCarriesStamp(t *testing.T) {
	f := newFixture(t, dbResponses(determination))

	d := f.orch.DetermineBasal(context.Background(), TempBasal{}, clock)
	require.NotNil(t, d)
	f.orch.Sync()

	suggested, ok := f.settings.Retrieve(SuggestedFile)
	require.True(t, ok)
	var doc struct {
		DeliverAt time.Time `json:"deliverAt"`
		Timestamp time.Time `json:"timestamp"`
		Reason    string    `json:"reason"`
	}
	require.NoError(t, json.Unmarshal([]byte(suggested), &doc))
	assert.True(t, doc.DeliverAt.Equal(clock))
	assert.True(t, doc.Timestamp.Equal(clock))
	assert.Equal(t, d.Reason, doc.Reason)
}

func TestAutosensThenDetermineBasal_SeesNewRatio(t *testing.T) {
	f := newFixture(t, dbResponses(determination))

	for i := 1; i <= 9; i++ {
		ratio := fmt.Sprintf("0.%d1", i)
		f.runner.respond("bundle/autosens", `{"ratio": `+ratio+`}`)

		require.NotNil(t, f.orch.Autosens(context.Background()))
		require.NotNil(t, f.orch.DetermineBasal(context.Background(), TempBasal{}, clock))

		calls := f.runner.callsTo("bundle/determine-basal")
		require.Len(t, calls, i)
		assert.Contains(t, calls[i-1].args[4], `"ratio": `+ratio, "iteration %d", i)
	}
}

func TestMakeProfilesThenDetermineBasal_SeesNewProfile(t *testing.T) {
	responses := dbResponses(determination)
	responses["bundle/profile"] = `{"current_basal": 1.35, "sens": 42}`
	f := newFixture(t, responses)

	require.NotNil(t, f.orch.MakeProfiles(context.Background(), false))
	require.NotNil(t, f.orch.DetermineBasal(context.Background(), TempBasal{}, clock))

	calls := f.runner.callsTo("bundle/determine-basal")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"current_basal": 1.35, "sens": 42}`, calls[0].args[3])
}

func TestDetermineBasalThenEnactOverride_AllPersisted(t *testing.T) {
	f := newFixture(t, dbResponses(determination))
	const n = 30

	for i := 0; i < n; i++ {
		require.NotNil(t, f.orch.DetermineBasal(context.Background(), TempBasal{}, clock.Add(time.Duration(i)*time.Minute)))
		require.NotNil(t, f.orch.EnactOverride(context.Background(), state.Override{Duration: 60, Percentage: 90}))
	}
	f.orch.Sync()

	count, err := f.store.CountDeterminations()
	require.NoError(t, err)
	assert.Equal(t, n, count)

	enabled, err := f.store.EnabledOverrides()
	require.NoError(t, err)
	assert.Len(t, enabled, 1)
	runs, err := f.store.AdjustmentRuns(state.KindOverride, 2*n)
	require.NoError(t, err)
	assert.Len(t, runs, n-1)

	logged, err := logging.ListRuns(f.store.DB(), 3*n)
	require.NoError(t, err)
	assert.Len(t, logged, 2*n)
}

func TestSync_ConcurrentWithOperations(t *testing.T) {
	f := newFixture(t, dbResponses(determination))

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					f.orch.Sync()
				}
			}
		}()
	}
	for i := 0; i < 10; i++ {
		require.NotNil(t, f.orch.DetermineBasal(context.Background(), TempBasal{}, clock))
	}
	close(done)
	wg.Wait()

	f.orch.Sync()
	count, err := f.store.CountDeterminations()
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}

// #endregion
