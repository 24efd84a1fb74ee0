package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// #region save
// SaveDetermination inserts a determination with its forecast curves and moves
// the current pointer to it, in one transaction. It returns the stored id.
func (s *Store) SaveDetermination(d Determination) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Timestamp == nil {
		return "", fmt.Errorf("determination %s has no timestamp", d.ID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw any
	if len(d.Raw) > 0 {
		raw = string(d.Raw)
	}

	_, err = tx.Exec(
		`INSERT INTO determinations
		 (id, timestamp, reason, rate, duration, units, iob, cob, sensitivity_ratio, target_bg, threshold, tdd, raw_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, millis(*d.Timestamp), d.Reason, nullFloat(d.Rate), nullInt(d.Duration), nullFloat(d.Units),
		nullFloat(d.IOB), nullFloat(d.COB), nullFloat(d.SensitivityRatio), nullFloat(d.TargetBG),
		nullFloat(d.Threshold), nullFloat(d.TDD), raw, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert determination: %w", err)
	}

	if d.Forecasts != nil {
		for _, c := range d.Forecasts.Curves() {
			values, err := json.Marshal(c.Values)
			if err != nil {
				return "", fmt.Errorf("marshal %s forecast: %w", c.Kind, err)
			}
			_, err = tx.Exec(
				`INSERT INTO forecasts (determination_id, kind, values_json) VALUES (?, ?, ?)`,
				d.ID, c.Kind, string(values),
			)
			if err != nil {
				return "", fmt.Errorf("insert %s forecast: %w", c.Kind, err)
			}
		}
	}

	_, err = tx.Exec(
		`INSERT INTO current_determination (id, determination_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET determination_id = excluded.determination_id`,
		d.ID,
	)
	if err != nil {
		return "", fmt.Errorf("set current: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return d.ID, nil
}
// #endregion save

// #region get-current
// CurrentDetermination reads the authoritative determination.
func (s *Store) CurrentDetermination() (Determination, error) {
	var id string
	err := s.db.QueryRow(`SELECT determination_id FROM current_determination WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Determination{}, ErrNotFound
	}
	if err != nil {
		return Determination{}, fmt.Errorf("get current: %w", err)
	}
	return s.GetDetermination(id)
}
// #endregion get-current

// #region get-determination
const determinationColumns = `id, timestamp, reason, rate, duration, units, iob, cob, sensitivity_ratio, target_bg, threshold, tdd, raw_json`

func scanDetermination(r rowScanner) (Determination, error) {
	var d Determination
	var ts int64
	var rate, units, iob, cob, ratio, target, threshold, tdd sql.NullFloat64
	var duration sql.NullInt64
	var raw sql.NullString
	err := r.Scan(&d.ID, &ts, &d.Reason, &rate, &duration, &units, &iob, &cob, &ratio, &target, &threshold, &tdd, &raw)
	if err != nil {
		return Determination{}, err
	}
	stamp := fromMillis(ts)
	d.Timestamp = &stamp
	d.Rate = floatPtr(rate)
	d.Duration = intPtr(duration)
	d.Units = floatPtr(units)
	d.IOB = floatPtr(iob)
	d.COB = floatPtr(cob)
	d.SensitivityRatio = floatPtr(ratio)
	d.TargetBG = floatPtr(target)
	d.Threshold = floatPtr(threshold)
	d.TDD = floatPtr(tdd)
	if raw.Valid {
		d.Raw = json.RawMessage(raw.String)
	}
	return d, nil
}

// GetDetermination retrieves one determination with its forecasts.
func (s *Store) GetDetermination(id string) (Determination, error) {
	d, err := scanDetermination(s.db.QueryRow(`SELECT `+determinationColumns+` FROM determinations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Determination{}, ErrNotFound
	}
	if err != nil {
		return Determination{}, fmt.Errorf("get determination %s: %w", id, err)
	}
	forecasts, err := s.forecasts(id)
	if err != nil {
		return Determination{}, err
	}
	d.Forecasts = forecasts
	return d, nil
}

func (s *Store) forecasts(id string) (*Forecasts, error) {
	rows, err := s.db.Query(`SELECT kind, values_json FROM forecasts WHERE determination_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query forecasts: %w", err)
	}
	defer rows.Close()

	var f Forecasts
	found := false
	for rows.Next() {
		var kind, valuesJSON string
		if err := rows.Scan(&kind, &valuesJSON); err != nil {
			return nil, fmt.Errorf("scan forecast: %w", err)
		}
		var values []int
		if err := json.Unmarshal([]byte(valuesJSON), &values); err != nil {
			return nil, fmt.Errorf("unmarshal %s forecast: %w", kind, err)
		}
		found = true
		switch kind {
		case "IOB":
			f.IOB = values
		case "ZT":
			f.ZT = values
		case "COB":
			f.COB = values
		case "UAM":
			f.UAM = values
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &f, nil
}
// #endregion get-determination

// #region list-determinations
// ListDeterminations returns the most recent determinations, newest first.
// Forecasts are not loaded.
func (s *Store) ListDeterminations(limit int) ([]Determination, error) {
	rows, err := s.db.Query(
		`SELECT `+determinationColumns+` FROM determinations ORDER BY timestamp DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list determinations: %w", err)
	}
	defer rows.Close()

	var out []Determination
	for rows.Next() {
		d, err := scanDetermination(rows)
		if err != nil {
			return nil, fmt.Errorf("scan determination: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDeterminations returns the number of stored determinations.
func (s *Store) CountDeterminations() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM determinations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count determinations: %w", err)
	}
	return n, nil
}
// #endregion list-determinations
