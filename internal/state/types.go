package state

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a single-record lookup has no row.
var ErrNotFound = errors.New("not found")

// #region query
// Query selects a time window of history records. The sort key is always the
// record's own timestamp column.
type Query struct {
	Since      time.Time
	Until      time.Time // zero = open ended
	Descending bool
	Limit      int // 0 = unlimited
}
// #endregion query

// #region glucose
// GlucoseReading is one CGM or meter value in the shape the scripts expect.
type GlucoseReading struct {
	ID         string    `json:"_id"`
	SGV        int       `json:"sgv"`
	Glucose    int       `json:"glucose"`
	Date       int64     `json:"date"` // unix millis
	DateString time.Time `json:"dateString"`
	Direction  string    `json:"direction,omitempty"`
	Type       string    `json:"type,omitempty"`
	Device     string    `json:"device,omitempty"`
}

// Time returns the reading time.
func (g GlucoseReading) Time() time.Time {
	return time.UnixMilli(g.Date)
}
// #endregion glucose

// #region pump-event
// PumpEvent is one pump history entry (bolus, temp basal, suspend...).
type PumpEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"_type"`
	Timestamp time.Time `json:"timestamp"`
	Amount    *float64  `json:"amount,omitempty"`
	Duration  *int      `json:"duration,omitempty"`
	DurationM *int      `json:"duration (min),omitempty"`
	Rate      *float64  `json:"rate,omitempty"`
	Temp      string    `json:"temp,omitempty"`
}
// #endregion pump-event

// #region carbs
// CarbEntry is one announced carbohydrate intake.
type CarbEntry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Carbs     float64   `json:"carbs"`
	Fat       float64   `json:"fat,omitempty"`
	Protein   float64   `json:"protein,omitempty"`
	EnteredBy string    `json:"enteredBy,omitempty"`
}
// #endregion carbs

// #region tdd
// TDDSample is one trailing total-daily-dose observation.
type TDDSample struct {
	ID        int64     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Total     float64   `json:"TDD"`
}

// TargetSample records the effective glucose target at the time of a loop.
type TargetSample struct {
	ID        int64     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Target    float64   `json:"target"`
}
// #endregion tdd

// #region adjustments
// Override scales sensitivity/ratios or replaces the target for a while.
type Override struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Enabled    bool      `json:"enabled"`
	Date       time.Time `json:"date"`
	Duration   float64   `json:"duration"` // minutes
	Indefinite bool      `json:"indefinite"`
	Percentage float64   `json:"percentage"`
	Target     float64   `json:"target,omitempty"` // 0 = no target override
	AdjustISF  bool      `json:"isf"`
	AdjustCR   bool      `json:"cr"`
	SMBIsOff   bool      `json:"smbIsOff"`
}

// End returns start + duration. Indefinite overrides never end.
func (o Override) End() time.Time {
	return o.Date.Add(time.Duration(o.Duration * float64(time.Minute)))
}

// TempTarget is a temporary glucose target.
type TempTarget struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	Duration        float64   `json:"duration"` // minutes
	TargetTop       float64   `json:"targetTop"`
	TargetBottom    float64   `json:"targetBottom"`
	HalfBasalTarget float64   `json:"halfBasalExerciseTarget,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

// End returns start + duration.
func (t TempTarget) End() time.Time {
	return t.CreatedAt.Add(time.Duration(t.Duration * float64(time.Minute)))
}

// AdjustmentRun is the audit record written when an enabled override or temp
// target is displaced by a newly enacted one.
type AdjustmentRun struct {
	ID        int64
	Kind      string // "override" | "temp_target"
	RecordID  string
	Name      string
	StartDate time.Time
	EndDate   time.Time
	Target    float64
	CreatedAt time.Time
}
// #endregion adjustments

// #region determination
// Forecasts holds the predicted glucose curves of one determination.
type Forecasts struct {
	IOB []int `json:"IOB,omitempty"`
	ZT  []int `json:"ZT,omitempty"`
	COB []int `json:"COB,omitempty"`
	UAM []int `json:"UAM,omitempty"`
}

// ForecastCurve is one named prediction sequence.
type ForecastCurve struct {
	Kind   string
	Values []int
}

// Curves returns the non-empty curves in a fixed order.
func (f Forecasts) Curves() []ForecastCurve {
	var out []ForecastCurve
	for _, c := range []ForecastCurve{{"IOB", f.IOB}, {"ZT", f.ZT}, {"COB", f.COB}, {"UAM", f.UAM}} {
		if len(c.Values) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// Determination is the parsed output of the determine-basal stage.
type Determination struct {
	ID               string     `json:"id,omitempty"`
	Reason           string     `json:"reason"`
	Rate             *float64   `json:"rate,omitempty"`
	Duration         *int       `json:"duration,omitempty"`
	Units            *float64   `json:"units,omitempty"`
	InsulinReq       *float64   `json:"insulinReq,omitempty"`
	EventualBG       *float64   `json:"eventualBG,omitempty"`
	BG               *float64   `json:"bg,omitempty"`
	Forecasts        *Forecasts `json:"predBGs,omitempty"`
	DeliverAt        *time.Time `json:"deliverAt,omitempty"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
	IOB              *float64   `json:"IOB,omitempty"`
	COB              *float64   `json:"COB,omitempty"`
	SensitivityRatio *float64   `json:"sensitivityRatio,omitempty"`
	TargetBG         *float64   `json:"target_bg,omitempty"`
	Threshold        *float64   `json:"threshold,omitempty"`
	TDD              *float64   `json:"TDD,omitempty"`
	Error            string     `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}
// #endregion determination

// #region autosens
// Autosens is the persisted sensitivity-ratio snapshot.
type Autosens struct {
	Ratio     float64    `json:"ratio"`
	NewISF    *float64   `json:"newisf,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}
// #endregion autosens
