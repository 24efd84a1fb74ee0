package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/state"
)

// #region fixture-types

// Fixture is a recorded history window plus the settings in force, and the
// loop iterations to replay against it.
type Fixture struct {
	Description string                     `json:"description"`
	Settings    map[string]json.RawMessage `json:"settings,omitempty"`
	Glucose     []FixtureGlucose           `json:"glucose,omitempty"`
	PumpEvents  []state.PumpEvent          `json:"pump_events,omitempty"`
	Carbs       []state.CarbEntry          `json:"carbs,omitempty"`
	TDD         []state.TDDSample          `json:"tdd,omitempty"`
	Overrides   []state.Override           `json:"overrides,omitempty"`
	TempTargets []state.TempTarget         `json:"temp_targets,omitempty"`
	Steps       []FixtureStep              `json:"steps"`
	Expected    []FixtureExpected          `json:"expected,omitempty"`
}

// FixtureGlucose is a reading keyed by wall-clock time rather than millis.
type FixtureGlucose struct {
	Time      time.Time `json:"time"`
	Value     int       `json:"value"`
	Direction string    `json:"direction,omitempty"`
}

// FixtureStep is one loop iteration.
type FixtureStep struct {
	ID          string                 `json:"id"`
	Clock       time.Time              `json:"clock"`
	CurrentTemp orchestrator.TempBasal `json:"current_temp"`
}

// FixtureExpected pins the outcome of a step. Nil fields are not checked;
// NoResult expects the step to produce nothing.
type FixtureExpected struct {
	Step     string   `json:"step"`
	NoResult bool     `json:"no_result,omitempty"`
	Rate     *float64 `json:"rate,omitempty"`
	Duration *int     `json:"duration,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadFixture reads a JSON or YAML (by extension) fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	if isYAML(path) {
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("parse fixture %s: %w", path, err)
		}
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// SaveFixture writes f as JSON or YAML (by extension).
func SaveFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "    ")
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if isYAML(path) {
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("encode fixture: %w", err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("encode fixture: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// yamlToJSON re-encodes a YAML document so the json tags stay the only
// schema for fixtures.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// #endregion fixture-loader

// #region seed

// SettingsWriter receives the fixture's settings documents.
type SettingsWriter interface {
	Save(name, value string) error
}

// Seed writes the fixture's history into store and its settings into settings.
// Only enabled overrides and temp targets are enacted, in fixture order.
func Seed(store *state.Store, settings SettingsWriter, f *Fixture) error {
	for name, raw := range f.Settings {
		if err := settings.Save(name, string(raw)); err != nil {
			return fmt.Errorf("seed setting %s: %w", name, err)
		}
	}
	for _, g := range f.Glucose {
		r := state.GlucoseReading{SGV: g.Value, Date: g.Time.UnixMilli(), Direction: g.Direction, Type: "sgv"}
		if err := store.InsertGlucose(r); err != nil {
			return err
		}
	}
	for _, e := range f.PumpEvents {
		if err := store.InsertPumpEvent(e); err != nil {
			return err
		}
	}
	for _, c := range f.Carbs {
		if err := store.InsertCarbs(c); err != nil {
			return err
		}
	}
	for _, t := range f.TDD {
		if err := store.InsertTDD(t); err != nil {
			return err
		}
	}
	for _, o := range f.Overrides {
		if !o.Enabled {
			continue
		}
		if _, err := store.EnactOverride(o, o.Date); err != nil {
			return err
		}
	}
	for _, t := range f.TempTargets {
		if !t.Enabled {
			continue
		}
		if _, err := store.EnactTempTarget(t, t.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// #endregion seed

// #region export

// SettingsReader resolves settings documents for export.
type SettingsReader interface {
	Load(name string) string
}

// Export captures the history in [since, until] and the named settings as a
// fixture with a single step at until.
func Export(store *state.Store, settings SettingsReader, names []string, since, until time.Time) (*Fixture, error) {
	q := state.Query{Since: since, Until: until}
	f := &Fixture{
		Description: fmt.Sprintf("export %s to %s", since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339)),
		Settings:    map[string]json.RawMessage{},
	}

	glucose, err := store.Glucose(q)
	if err != nil {
		return nil, err
	}
	for _, g := range glucose {
		f.Glucose = append(f.Glucose, FixtureGlucose{Time: g.Time().UTC(), Value: g.SGV, Direction: g.Direction})
	}
	if f.PumpEvents, err = store.PumpEvents(q); err != nil {
		return nil, err
	}
	if f.Carbs, err = store.Carbs(q); err != nil {
		return nil, err
	}
	if f.TDD, err = store.TDD(q); err != nil {
		return nil, err
	}
	if f.TempTargets, err = store.TempTargets(q); err != nil {
		return nil, err
	}
	overrides, err := store.EnabledOverrides()
	if err != nil {
		return nil, err
	}
	f.Overrides = overrides

	for _, name := range names {
		raw := strings.TrimSpace(settings.Load(name))
		if raw == "" || !json.Valid([]byte(raw)) {
			continue
		}
		f.Settings[name] = json.RawMessage(raw)
	}

	f.Steps = []FixtureStep{{ID: "step-1", Clock: until.UTC(), CurrentTemp: orchestrator.TempBasal{Temp: "absolute"}}}
	return f, nil
}

// #endregion export
