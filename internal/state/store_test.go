package state

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fp(v float64) *float64 { return &v }
func ip(v int) *int         { return &v }

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// #region history-tests
func TestGlucoseWindowDescendingWithLimit(t *testing.T) {
	s := tempDB(t)
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(-i*5) * time.Minute)
		if err := s.InsertGlucose(GlucoseReading{SGV: 100 + i, Date: ts.UnixMilli()}); err != nil {
			t.Fatalf("InsertGlucose: %v", err)
		}
	}

	got, err := s.Glucose(Query{Since: base.Add(-30 * time.Minute), Descending: true, Limit: 3})
	if err != nil {
		t.Fatalf("Glucose: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 readings, got %d", len(got))
	}
	if got[0].SGV != 100 || got[2].SGV != 102 {
		t.Fatalf("expected newest first, got %d..%d", got[0].SGV, got[2].SGV)
	}
	if got[0].Glucose != got[0].SGV {
		t.Fatalf("glucose mirror not filled")
	}
}

func TestGlucoseWindowExcludesOld(t *testing.T) {
	s := tempDB(t)
	s.InsertGlucose(GlucoseReading{SGV: 90, Date: base.Add(-7 * time.Hour).UnixMilli()})
	s.InsertGlucose(GlucoseReading{SGV: 110, Date: base.Add(-1 * time.Hour).UnixMilli()})

	got, err := s.Glucose(Query{Since: base.Add(-6 * time.Hour)})
	if err != nil {
		t.Fatalf("Glucose: %v", err)
	}
	if len(got) != 1 || got[0].SGV != 110 {
		t.Fatalf("expected only the recent reading, got %+v", got)
	}
}

func TestPumpEventsRoundTrip(t *testing.T) {
	s := tempDB(t)
	s.InsertPumpEvent(PumpEvent{Type: "TempBasal", Timestamp: base, Rate: fp(0.8), Temp: "absolute"})
	s.InsertPumpEvent(PumpEvent{Type: "TempBasalDuration", Timestamp: base, DurationM: ip(30)})
	s.InsertPumpEvent(PumpEvent{Type: "Bolus", Timestamp: base.Add(time.Minute), Amount: fp(1.5)})

	got, err := s.PumpEvents(Query{Since: base.Add(-time.Hour), Descending: true})
	if err != nil {
		t.Fatalf("PumpEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Type != "Bolus" || *got[0].Amount != 1.5 {
		t.Fatalf("expected bolus first, got %+v", got[0])
	}
	for _, e := range got {
		if e.Type == "TempBasalDuration" && (e.DurationM == nil || *e.DurationM != 30) {
			t.Fatalf("expected duration (min) 30, got %+v", e)
		}
	}
}

func TestTDDAndTargetHistory(t *testing.T) {
	s := tempDB(t)
	s.InsertTDD(TDDSample{Timestamp: base, Total: 42})
	s.InsertTargetSample(TargetSample{Timestamp: base, Target: 100})

	tdd, err := s.TDD(Query{Since: base.Add(-time.Hour)})
	if err != nil || len(tdd) != 1 || tdd[0].Total != 42 {
		t.Fatalf("TDD: %v %+v", err, tdd)
	}
	targets, err := s.TargetHistory(Query{Since: base.Add(-time.Hour)})
	if err != nil || len(targets) != 1 || targets[0].Target != 100 {
		t.Fatalf("TargetHistory: %v %+v", err, targets)
	}
}
// #endregion history-tests

// #region determination-tests
func TestSaveDeterminationMovesCurrent(t *testing.T) {
	s := tempDB(t)

	if _, err := s.CurrentDetermination(); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}

	ts1 := base
	first := Determination{Reason: "first", Rate: fp(0.5), Duration: ip(30), Timestamp: &ts1}
	id1, err := s.SaveDetermination(first)
	if err != nil {
		t.Fatalf("SaveDetermination: %v", err)
	}

	ts2 := base.Add(5 * time.Minute)
	second := Determination{
		Reason:    "second",
		Rate:      fp(0),
		Duration:  ip(30),
		Timestamp: &ts2,
		Forecasts: &Forecasts{IOB: []int{100, 98, 97}, ZT: []int{100, 95}},
	}
	id2, err := s.SaveDetermination(second)
	if err != nil {
		t.Fatalf("SaveDetermination: %v", err)
	}

	cur, err := s.CurrentDetermination()
	if err != nil {
		t.Fatalf("CurrentDetermination: %v", err)
	}
	if cur.ID != id2 {
		t.Fatalf("expected current %s, got %s", id2, cur.ID)
	}
	want := &Forecasts{IOB: []int{100, 98, 97}, ZT: []int{100, 95}}
	if diff := cmp.Diff(want, cur.Forecasts); diff != "" {
		t.Fatalf("forecasts mismatch (-want +got):\n%s", diff)
	}

	old, err := s.GetDetermination(id1)
	if err != nil {
		t.Fatalf("GetDetermination: %v", err)
	}
	if old.Reason != "first" || old.Forecasts != nil {
		t.Fatalf("unexpected historical determination %+v", old)
	}

	n, _ := s.CountDeterminations()
	if n != 2 {
		t.Fatalf("expected 2 determinations retained, got %d", n)
	}
	list, _ := s.ListDeterminations(10)
	if len(list) != 2 || list[0].ID != id2 {
		t.Fatalf("expected newest first in list, got %+v", list)
	}
}

func TestSaveDeterminationRequiresTimestamp(t *testing.T) {
	s := tempDB(t)
	if _, err := s.SaveDetermination(Determination{Reason: "x"}); err == nil {
		t.Fatal("expected error for missing timestamp")
	}
}
// #endregion determination-tests

// #region adjustment-tests
func TestEnactOverrideKeepsOneEnabled(t *testing.T) {
	s := tempDB(t)

	first, err := s.EnactOverride(Override{Name: "exercise", Duration: 60, Percentage: 80, Target: 140}, base)
	if err != nil {
		t.Fatalf("EnactOverride: %v", err)
	}
	enabled, _ := s.EnabledOverrides()
	if len(enabled) != 1 || enabled[0].ID != first.ID {
		t.Fatalf("expected exactly the first override enabled, got %+v", enabled)
	}

	second, err := s.EnactOverride(Override{Name: "sick", Indefinite: true, Percentage: 120}, base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("EnactOverride: %v", err)
	}
	enabled, _ = s.EnabledOverrides()
	if len(enabled) != 1 || enabled[0].ID != second.ID {
		t.Fatalf("expected exactly the second override enabled, got %+v", enabled)
	}

	runs, err := s.AdjustmentRuns(KindOverride, 10)
	if err != nil {
		t.Fatalf("AdjustmentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run record, got %d", len(runs))
	}
	r := runs[0]
	if r.RecordID != first.ID || r.Name != "exercise" || r.Target != 140 {
		t.Fatalf("run does not reference displaced override: %+v", r)
	}
	if !r.EndDate.Equal(base.Add(10 * time.Minute)) {
		t.Fatalf("expected run to end at displacement time, got %v", r.EndDate)
	}

	latest, _ := s.LatestOverride()
	if latest == nil || latest.ID != second.ID || !latest.Indefinite {
		t.Fatalf("unexpected latest override %+v", latest)
	}
}

func TestExpireOverrideOnlyOnce(t *testing.T) {
	s := tempDB(t)
	o, _ := s.EnactOverride(Override{Duration: 30, Percentage: 90}, base)

	changed, err := s.ExpireOverride(o.ID)
	if err != nil || !changed {
		t.Fatalf("first expire: changed=%v err=%v", changed, err)
	}
	changed, err = s.ExpireOverride(o.ID)
	if err != nil || changed {
		t.Fatalf("second expire should be a no-op: changed=%v err=%v", changed, err)
	}
}

func TestEnactTempTargetKeepsOneEnabled(t *testing.T) {
	s := tempDB(t)

	first, _ := s.EnactTempTarget(TempTarget{Name: "activity", Duration: 60, TargetTop: 140, TargetBottom: 140}, base)
	second, err := s.EnactTempTarget(TempTarget{Name: "eating soon", Duration: 30, TargetTop: 80, TargetBottom: 80}, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("EnactTempTarget: %v", err)
	}

	enabled, _ := s.EnabledTempTargets()
	if len(enabled) != 1 || enabled[0].ID != second.ID {
		t.Fatalf("expected only the second temp target enabled, got %+v", enabled)
	}
	runs, _ := s.AdjustmentRuns(KindTempTarget, 10)
	if len(runs) != 1 || runs[0].RecordID != first.ID || runs[0].Target != 140 {
		t.Fatalf("unexpected temp target runs %+v", runs)
	}

	if err := s.CancelTempTarget(base.Add(10 * time.Minute)); err != nil {
		t.Fatalf("CancelTempTarget: %v", err)
	}
	enabled, _ = s.EnabledTempTargets()
	if len(enabled) != 0 {
		t.Fatalf("expected none enabled after cancel, got %d", len(enabled))
	}
	all, _ := s.TempTargets(Query{Since: base.Add(-time.Hour)})
	if len(all) != 2 {
		t.Fatalf("expected both temp targets retained, got %d", len(all))
	}
}

func TestLatestOverrideEmpty(t *testing.T) {
	s := tempDB(t)
	o, err := s.LatestOverride()
	if err != nil || o != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", o, err)
	}
}
// #endregion adjustment-tests

// #region concurrency-tests
func TestConcurrentWritersOnFileDB(t *testing.T) {
	s := tempDB(t)
	const n = 100

	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := s.SaveDetermination(Determination{Reason: "loop", Timestamp: &ts}); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := s.EnactOverride(Override{Duration: 60, Percentage: 90}, ts); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write: %v", err)
	}
	count, err := s.CountDeterminations()
	if err != nil || count != n {
		t.Fatalf("CountDeterminations = %d, %v; want %d", count, err, n)
	}
	enabled, err := s.EnabledOverrides()
	if err != nil || len(enabled) != 1 {
		t.Fatalf("EnabledOverrides = %d, %v; want 1", len(enabled), err)
	}
	runs, err := s.AdjustmentRuns("override", 2*n)
	if err != nil || len(runs) != n-1 {
		t.Fatalf("AdjustmentRuns = %d, %v; want %d", len(runs), err, n-1)
	}
}

func TestDSNCarriesPragmas(t *testing.T) {
	got := dsn("/tmp/loop.db")
	for _, want := range []string{"busy_timeout%285000%29", "foreign_keys%281%29", "journal_mode%28WAL%29", "_txlock=immediate"} {
		if !strings.Contains(got, want) {
			t.Errorf("dsn %q missing %q", got, want)
		}
	}
	if strings.Contains(dsn(":memory:"), "journal_mode") {
		t.Errorf("in-memory dsn should not ask for WAL")
	}
}
// #endregion concurrency-tests
