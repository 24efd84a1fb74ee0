// Package oref2 resolves the adjustment currently in effect (override, temp
// target and total-daily-dose averages) into the variables the determine-basal
// stage reads.
package oref2

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/state"
)

// SettingsName is the transient settings slot the variables are written to.
const SettingsName = "settings/oref2_variables.json"

const (
	tddWindow         = 10 * 24 * time.Hour
	recentWindow      = 2 * time.Hour
	tempTargetSlack   = 6 * time.Second // 0.1 minute
	defaultHBT        = 160
	neutralPercent    = 100
	neutralMultiplier = 1
)

// #region collaborators
// History is the slice of the store the resolver reads and lazily writes.
type History interface {
	TDD(q state.Query) ([]state.TDDSample, error)
	LatestOverride() (*state.Override, error)
	ExpireOverride(id string) (bool, error)
	LatestTempTarget() (*state.TempTarget, error)
}

// Settings receives the resolved variables.
type Settings interface {
	SaveJSON(name string, v any) error
}
// #endregion collaborators

// #region variables
// Variables is the resolved adjustment projection.
type Variables struct {
	Average14       float64   `json:"average_total_data"`
	Average2h       float64   `json:"past2hoursAverage"`
	WeightedAverage float64   `json:"weightedAverage"`
	Date            time.Time `json:"date"`

	OverrideEnabled bool    `json:"isEnabled"`
	Percentage      float64 `json:"overridePercentage"`
	Duration        float64 `json:"duration"`
	Unlimited       bool    `json:"unlimited"`
	OverrideTarget  float64 `json:"overrideTarget"`
	AdjustISF       bool    `json:"isf"`
	AdjustCR        bool    `json:"cr"`
	SMBIsOff        bool    `json:"smbIsOff"`

	TempTargetActive bool    `json:"temptargetSet"`
	HBT              float64 `json:"hbt"`
}

func neutral(now time.Time) Variables {
	return Variables{
		Date:       now,
		Percentage: neutralPercent,
		AdjustISF:  true,
		AdjustCR:   true,
		HBT:        defaultHBT,
	}
}
// #endregion variables

// #region resolver
// Resolver computes Variables. It is called inline by the orchestrator's
// worker and is not safe for concurrent use with itself.
type Resolver struct {
	history  History
	settings Settings
	weight   float64
	logger   *zap.Logger
}

// NewResolver clamps weight into [0, 1].
func NewResolver(history History, settings Settings, weight float64, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case weight < 0:
		weight = 0
	case weight > 1:
		weight = 1
	}
	return &Resolver{history: history, settings: settings, weight: weight, logger: logger}
}

// Resolve reads the adjustment records as of now, lazily expires a finished
// override, and saves the result to SettingsName. A failed save is logged;
// the variables are still returned.
func (r *Resolver) Resolve(now time.Time) (Variables, error) {
	v := neutral(now)

	if err := r.averages(now, &v); err != nil {
		return Variables{}, err
	}
	if err := r.override(now, &v); err != nil {
		return Variables{}, err
	}
	if err := r.tempTarget(now, &v); err != nil {
		return Variables{}, err
	}

	if r.settings != nil {
		if err := r.settings.SaveJSON(SettingsName, v); err != nil {
			r.logger.Warn("save oref2 variables", zap.Error(err))
		}
	}
	return v, nil
}

func (r *Resolver) averages(now time.Time, v *Variables) error {
	samples, err := r.history.TDD(state.Query{Since: now.Add(-tddWindow), Until: now})
	if err != nil {
		return fmt.Errorf("tdd history: %w", err)
	}

	var total, recent float64
	var recentCount int
	cutoff := now.Add(-recentWindow)
	for _, s := range samples {
		total += s.Total
		if !s.Timestamp.Before(cutoff) {
			recent += s.Total
			recentCount++
		}
	}
	v.Average14 = total / float64(max(len(samples), 1))
	v.Average2h = recent / float64(max(recentCount, 1))

	if v.Average14 == 0 {
		v.WeightedAverage = neutralMultiplier
	} else {
		v.WeightedAverage = r.weight*v.Average2h + (1-r.weight)*v.Average14
	}
	return nil
}

func (r *Resolver) override(now time.Time, v *Variables) error {
	o, err := r.history.LatestOverride()
	if err != nil {
		return fmt.Errorf("latest override: %w", err)
	}
	if o == nil || !o.Enabled {
		return nil
	}

	if !o.Indefinite && !o.End().After(now) {
		changed, err := r.history.ExpireOverride(o.ID)
		if err != nil {
			return fmt.Errorf("expire override %s: %w", o.ID, err)
		}
		if changed {
			r.logger.Info("override expired", zap.String("id", o.ID), zap.Time("end", o.End()))
		}
		return nil
	}

	v.OverrideEnabled = true
	v.Percentage = o.Percentage
	v.Duration = o.Duration
	v.Unlimited = o.Indefinite
	v.OverrideTarget = o.Target
	v.AdjustISF = o.AdjustISF
	v.AdjustCR = o.AdjustCR
	v.SMBIsOff = o.SMBIsOff
	return nil
}

func (r *Resolver) tempTarget(now time.Time, v *Variables) error {
	t, err := r.history.LatestTempTarget()
	if err != nil {
		return fmt.Errorf("latest temp target: %w", err)
	}
	if t == nil || !t.Enabled {
		return nil
	}
	if t.End().Sub(now) <= tempTargetSlack {
		return nil
	}
	v.TempTargetActive = true
	if t.HalfBasalTarget > 0 {
		v.HBT = t.HalfBasalTarget
	}
	return nil
}
// #endregion resolver
