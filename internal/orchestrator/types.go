package orchestrator

// #region imports
import (
	"encoding/json"
	"time"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/oref2"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/script"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/state"
)

// #endregion

// #region settings-names

// Names of the configuration documents the pipeline reads and writes.
const (
	ClockFile        = "monitor/clock.json"
	TempBasalFile    = "monitor/temp_basal.json"
	ReservoirFile    = "monitor/reservoir.json"
	ProfileFile      = "settings/profile.json"
	PumpProfileFile  = "settings/pumpprofile.json"
	BasalProfileFile = "settings/basal_profile.json"
	AutosensFile     = "settings/autosense.json"
	PumpSettingsFile = "settings/settings.json"
	BGTargetsFile    = "settings/bg_targets.json"
	ISFFile          = "settings/insulin_sensitivities.json"
	CarbRatiosFile   = "settings/carb_ratios.json"
	TempTargetsFile  = "settings/temptargets.json"
	ModelFile        = "settings/model.json"
	PreferencesFile  = "preferences.json"
	SuggestedFile    = "enact/suggested.json"
	AutotuneFile     = "autotune/autotune.json"
	AppSettingsFile  = "freeaps/freeaps_settings.json"
)

// #endregion

// #region operations

// Operation names recorded in the run log.
const (
	OpDetermineBasal  = "determine_basal"
	OpAutosens        = "autosens"
	OpAutotune        = "autotune"
	OpMakeProfiles    = "make_profiles"
	OpEnactOverride   = "enact_override"
	OpEnactTempTarget = "enact_temp_target"
)

// #endregion

// #region collaborators

// History is the persistence collaborator: windowed reads of device and
// caregiver history plus the writes the pipeline owns.
type History interface {
	Glucose(q state.Query) ([]state.GlucoseReading, error)
	PumpEvents(q state.Query) ([]state.PumpEvent, error)
	Carbs(q state.Query) ([]state.CarbEntry, error)
	TempTargets(q state.Query) ([]state.TempTarget, error)

	SaveDetermination(d state.Determination) (string, error)
	InsertTDD(t state.TDDSample) error
	InsertTargetSample(t state.TargetSample) error

	EnactOverride(o state.Override, now time.Time) (state.Override, error)
	CancelOverride(now time.Time) error
	EnactTempTarget(t state.TempTarget, now time.Time) (state.TempTarget, error)
	CancelTempTarget(now time.Time) error
}

// Settings is the configuration store.
type Settings interface {
	Retrieve(name string) (string, bool)
	Load(name string) string
	Save(name, value string) error
}

// Scripts resolves stage script names to sources.
type Scripts interface {
	LoadAll(names []string) ([]script.Source, error)
	Middleware(name string) (script.Source, bool)
}

// Resolver produces the adjustment variables for one run.
type Resolver interface {
	Resolve(now time.Time) (oref2.Variables, error)
}

// #endregion

// #region results

// TempBasal is the temp basal currently running on the pump.
type TempBasal struct {
	Duration  int       `json:"duration"`
	Rate      float64   `json:"rate"`
	Temp      string    `json:"temp"`
	Timestamp time.Time `json:"timestamp"`
}

// BasalEntry is one step of a basal schedule.
type BasalEntry struct {
	Start   string  `json:"start"`
	Minutes int     `json:"minutes"`
	Rate    float64 `json:"rate"`
}

// Autotune is a tuned-profile result.
type Autotune struct {
	CreatedAt    *time.Time   `json:"createdAt,omitempty"`
	BasalProfile []BasalEntry `json:"basalprofile"`
	Sensitivity  float64      `json:"sens"`
	CarbRatio    float64      `json:"carb_ratio"`

	Raw json.RawMessage `json:"-"`
}

// Profile is a built profile. Only the fields the loop itself inspects are
// decoded; Raw carries the full document.
type Profile struct {
	CurrentBasal float64      `json:"current_basal"`
	MaxBasal     float64      `json:"max_basal"`
	MaxIOB       float64      `json:"max_iob"`
	Sensitivity  float64      `json:"sens"`
	CarbRatio    float64      `json:"carb_ratio"`
	MinBG        float64      `json:"min_bg"`
	MaxBG        float64      `json:"max_bg"`
	DIA          float64      `json:"dia"`
	BasalProfile []BasalEntry `json:"basalprofile,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// #endregion
