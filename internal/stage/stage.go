// Package stage holds the fixed stage table: which scripts each computation
// loads, in what order, and the positional arguments of its entry function.
package stage

import (
	"fmt"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/script"
)

// #region types
// Param is one positional argument of a stage's entry function.
type Param struct {
	Name string
	Kind script.Kind
}

// Stage is a pure description of one computation.
type Stage struct {
	Name       string
	Scripts    []string
	Middleware string
	Entry      string
	Params     []Param
}
// #endregion types

// #region bind
// Bind checks args against the declared params, position by position. A
// null argument is accepted wherever JSON is expected.
func (s Stage) Bind(args ...script.Arg) ([]script.Arg, error) {
	if len(args) != len(s.Params) {
		return nil, fmt.Errorf("stage %s: want %d args, got %d", s.Name, len(s.Params), len(args))
	}
	for i, p := range s.Params {
		got := args[i].Kind()
		if got == p.Kind || (p.Kind == script.KindJSON && got == script.KindNull) {
			continue
		}
		return nil, fmt.Errorf("stage %s: arg %d (%s) is %s, want %s", s.Name, i, p.Name, got, p.Kind)
	}
	return args, nil
}
// #endregion bind

// #region run
// Run evaluates sources in order on c, then the middleware if present, then
// calls the entry function. A failed source does not stop the run; the entry
// call will normally fail to produce usable output in that case.
func (s Stage) Run(c script.Context, sources []script.Source, middleware *script.Source, args []script.Arg) script.Outcome {
	for _, src := range sources {
		c.Evaluate(src)
	}
	if middleware != nil {
		c.Evaluate(*middleware)
	}
	return c.CallFunction(s.Entry, args...)
}
// #endregion run

// #region table
func blob(name string) Param { return Param{Name: name, Kind: script.KindJSON} }
func flag(name string) Param { return Param{Name: name, Kind: script.KindBool} }

const entry = "generate"

var Meal = Stage{
	Name:    "meal",
	Scripts: []string{"prepare/log", "bundle/meal", "prepare/meal"},
	Entry:   entry,
	Params: []Param{
		blob("pumpHistory"), blob("profile"), blob("clock"),
		blob("glucose"), blob("basalProfile"), blob("carbs"),
	},
}

var IOB = Stage{
	Name:    "iob",
	Scripts: []string{"prepare/log", "bundle/iob", "prepare/iob"},
	Entry:   entry,
	Params: []Param{
		blob("pumpHistory"), blob("profile"), blob("clock"), blob("autosens"),
	},
}

var Autosens = Stage{
	Name:    "autosens",
	Scripts: []string{"prepare/log", "bundle/autosens", "prepare/autosens"},
	Entry:   entry,
	Params: []Param{
		blob("glucose"), blob("pumpHistory"), blob("basalProfile"),
		blob("profile"), blob("carbs"), blob("tempTargets"),
	},
}

var DetermineBasal = Stage{
	Name: "determine-basal",
	Scripts: []string{
		"prepare/log", "bundle/basal-set-temp", "bundle/glucose-get-last",
		"bundle/determine-basal", "prepare/determine-basal",
	},
	Middleware: "middleware/determine_basal",
	Entry:      entry,
	Params: []Param{
		blob("iob"), blob("currentTemp"), blob("glucose"), blob("profile"),
		blob("autosens"), blob("meal"), flag("microBolusAllowed"), blob("reservoir"),
		blob("clock"), blob("pumpHistory"), blob("preferences"), blob("basalProfile"),
		blob("oref2Variables"),
	},
}

var AutotunePrepare = Stage{
	Name:    "autotune-prepare",
	Scripts: []string{"prepare/log", "bundle/autotune-prep", "prepare/autotune-prep"},
	Entry:   entry,
	Params: []Param{
		blob("pumpHistory"), blob("profile"), blob("glucose"), blob("pumpProfile"),
		blob("carbs"), flag("categorizeUamAsBasal"), flag("tuneInsulinCurve"),
	},
}

var AutotuneRun = Stage{
	Name:    "autotune-run",
	Scripts: []string{"bundle/autotune-core", "prepare/autotune-core"},
	Entry:   entry,
	Params: []Param{
		blob("prepared"), blob("previous"), blob("pumpProfile"),
	},
}

var MakeProfile = Stage{
	Name:    "make-profile",
	Scripts: []string{"prepare/log", "bundle/profile", "prepare/profile"},
	Entry:   entry,
	Params: []Param{
		blob("preferences"), blob("pumpSettings"), blob("bgTargets"), blob("basalProfile"),
		blob("isf"), blob("carbRatios"), blob("tempTargets"), blob("model"),
		blob("autotune"), blob("appSettings"),
	},
}

// All lists every script-backed stage.
var All = []Stage{Meal, IOB, Autosens, DetermineBasal, AutotunePrepare, AutotuneRun, MakeProfile}
// #endregion table
