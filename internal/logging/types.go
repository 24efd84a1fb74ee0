package logging

import "time"

// #region run-entry
// Outcomes recorded for a pipeline run.
const (
	OutcomeEnacted  = "enacted"
	OutcomeNoResult = "no_result"
)

// RunEntry is a single row in the pipeline_runs table.
type RunEntry struct {
	RunID     string
	Operation string // "determine_basal" | "autosens" | "autotune" | "make_profiles"
	Outcome   string // OutcomeEnacted | OutcomeNoResult
	ResultID  string
	Reason    string
	CreatedAt time.Time
}
// #endregion run-entry
