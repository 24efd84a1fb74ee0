package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	KindOverride   = "override"
	KindTempTarget = "temp_target"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// #region overrides
const overrideColumns = `id, name, enabled, date, duration, indefinite, percentage, target, adjust_isf, adjust_cr, smb_is_off`

func scanOverride(r rowScanner) (Override, error) {
	var o Override
	var name sql.NullString
	var enabled, indefinite, isf, cr, smbOff int
	var date int64
	err := r.Scan(&o.ID, &name, &enabled, &date, &o.Duration, &indefinite, &o.Percentage, &o.Target, &isf, &cr, &smbOff)
	if err != nil {
		return Override{}, err
	}
	o.Name = name.String
	o.Enabled = enabled == 1
	o.Date = fromMillis(date)
	o.Indefinite = indefinite == 1
	o.AdjustISF = isf == 1
	o.AdjustCR = cr == 1
	o.SMBIsOff = smbOff == 1
	return o, nil
}

// LatestOverride returns the most recently created override, or nil if none exists.
func (s *Store) LatestOverride() (*Override, error) {
	o, err := scanOverride(s.db.QueryRow(`SELECT ` + overrideColumns + ` FROM overrides ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest override: %w", err)
	}
	return &o, nil
}

// EnabledOverrides returns every override currently flagged enabled.
func (s *Store) EnabledOverrides() ([]Override, error) {
	rows, err := s.db.Query(`SELECT ` + overrideColumns + ` FROM overrides WHERE enabled = 1 ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("enabled overrides: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// EnactOverride disables every enabled override, writes one run record per
// displaced override and inserts o as the single enabled override, atomically.
func (s *Store) EnactOverride(o Override, now time.Time) (Override, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Date.IsZero() {
		o.Date = now
	}
	o.Enabled = true

	tx, err := s.db.Begin()
	if err != nil {
		return Override{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := displaceOverrides(tx, now); err != nil {
		return Override{}, err
	}

	_, err = tx.Exec(
		`INSERT INTO overrides (`+overrideColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Name, 1, millis(o.Date), o.Duration, boolInt(o.Indefinite), o.Percentage, o.Target,
		boolInt(o.AdjustISF), boolInt(o.AdjustCR), boolInt(o.SMBIsOff),
	)
	if err != nil {
		return Override{}, fmt.Errorf("insert override: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Override{}, fmt.Errorf("commit: %w", err)
	}
	return o, nil
}

// CancelOverride disables the enabled override (if any) and records its run.
func (s *Store) CancelOverride(now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := displaceOverrides(tx, now); err != nil {
		return err
	}
	return tx.Commit()
}

// ExpireOverride flips one override to disabled. It reports whether a row
// changed, so a second call for the same override is a no-op.
func (s *Store) ExpireOverride(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE overrides SET enabled = 0 WHERE id = ? AND enabled = 1`, id)
	if err != nil {
		return false, fmt.Errorf("expire override: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire override: %w", err)
	}
	return n > 0, nil
}

func displaceOverrides(tx *sql.Tx, now time.Time) error {
	rows, err := tx.Query(`SELECT ` + overrideColumns + ` FROM overrides WHERE enabled = 1`)
	if err != nil {
		return fmt.Errorf("select enabled overrides: %w", err)
	}
	var displaced []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan override: %w", err)
		}
		displaced = append(displaced, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, o := range displaced {
		end := now
		if !o.Indefinite && o.End().Before(now) {
			end = o.End()
		}
		if _, err := tx.Exec(`UPDATE overrides SET enabled = 0 WHERE id = ?`, o.ID); err != nil {
			return fmt.Errorf("disable override %s: %w", o.ID, err)
		}
		if err := insertRun(tx, AdjustmentRun{
			Kind:      KindOverride,
			RecordID:  o.ID,
			Name:      o.Name,
			StartDate: o.Date,
			EndDate:   end,
			Target:    o.Target,
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}
// #endregion overrides

// #region temp-targets
const tempTargetColumns = `id, name, enabled, created_at, duration, target_top, target_bottom, hbt, reason`

func scanTempTarget(r rowScanner) (TempTarget, error) {
	var t TempTarget
	var name, reason sql.NullString
	var enabled int
	var created int64
	err := r.Scan(&t.ID, &name, &enabled, &created, &t.Duration, &t.TargetTop, &t.TargetBottom, &t.HalfBasalTarget, &reason)
	if err != nil {
		return TempTarget{}, err
	}
	t.Name = name.String
	t.Reason = reason.String
	t.Enabled = enabled == 1
	t.CreatedAt = fromMillis(created)
	return t, nil
}

// LatestTempTarget returns the most recently created temp target, or nil.
func (s *Store) LatestTempTarget() (*TempTarget, error) {
	t, err := scanTempTarget(s.db.QueryRow(`SELECT ` + tempTargetColumns + ` FROM temp_targets ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest temp target: %w", err)
	}
	return &t, nil
}

// EnabledTempTargets returns every temp target currently flagged enabled.
func (s *Store) EnabledTempTargets() ([]TempTarget, error) {
	return s.queryTempTargets(`SELECT ` + tempTargetColumns + ` FROM temp_targets WHERE enabled = 1 ORDER BY seq`)
}

// TempTargets returns temp targets created inside the query window.
func (s *Store) TempTargets(q Query) ([]TempTarget, error) {
	tail, args := window("created_at", q)
	return s.queryTempTargets(`SELECT `+tempTargetColumns+` FROM temp_targets`+tail, args...)
}

func (s *Store) queryTempTargets(query string, args ...any) ([]TempTarget, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query temp targets: %w", err)
	}
	defer rows.Close()

	var out []TempTarget
	for rows.Next() {
		t, err := scanTempTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan temp target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EnactTempTarget mirrors EnactOverride for temp targets.
func (s *Store) EnactTempTarget(t TempTarget, now time.Time) (TempTarget, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.Enabled = true

	tx, err := s.db.Begin()
	if err != nil {
		return TempTarget{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := displaceTempTargets(tx, now); err != nil {
		return TempTarget{}, err
	}

	_, err = tx.Exec(
		`INSERT INTO temp_targets (`+tempTargetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, 1, millis(t.CreatedAt), t.Duration, t.TargetTop, t.TargetBottom, t.HalfBasalTarget, t.Reason,
	)
	if err != nil {
		return TempTarget{}, fmt.Errorf("insert temp target: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return TempTarget{}, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

// CancelTempTarget disables the enabled temp target (if any) and records its run.
func (s *Store) CancelTempTarget(now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := displaceTempTargets(tx, now); err != nil {
		return err
	}
	return tx.Commit()
}

func displaceTempTargets(tx *sql.Tx, now time.Time) error {
	rows, err := tx.Query(`SELECT ` + tempTargetColumns + ` FROM temp_targets WHERE enabled = 1`)
	if err != nil {
		return fmt.Errorf("select enabled temp targets: %w", err)
	}
	var displaced []TempTarget
	for rows.Next() {
		t, err := scanTempTarget(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan temp target: %w", err)
		}
		displaced = append(displaced, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range displaced {
		end := now
		if t.End().Before(now) {
			end = t.End()
		}
		if _, err := tx.Exec(`UPDATE temp_targets SET enabled = 0 WHERE id = ?`, t.ID); err != nil {
			return fmt.Errorf("disable temp target %s: %w", t.ID, err)
		}
		if err := insertRun(tx, AdjustmentRun{
			Kind:      KindTempTarget,
			RecordID:  t.ID,
			Name:      t.Name,
			StartDate: t.CreatedAt,
			EndDate:   end,
			Target:    (t.TargetTop + t.TargetBottom) / 2,
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}
// #endregion temp-targets

// #region runs
func insertRun(tx *sql.Tx, r AdjustmentRun) error {
	_, err := tx.Exec(
		`INSERT INTO adjustment_runs (kind, record_id, name, start_date, end_date, target, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Kind, r.RecordID, r.Name, millis(r.StartDate), millis(r.EndDate), r.Target,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert adjustment run: %w", err)
	}
	return nil
}

// AdjustmentRuns lists run history for one kind, newest first.
func (s *Store) AdjustmentRuns(kind string, limit int) ([]AdjustmentRun, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, record_id, name, start_date, end_date, target, created_at
		 FROM adjustment_runs WHERE kind = ? ORDER BY id DESC LIMIT ?`, kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list adjustment runs: %w", err)
	}
	defer rows.Close()

	var out []AdjustmentRun
	for rows.Next() {
		var r AdjustmentRun
		var name sql.NullString
		var start, end int64
		var created string
		if err := rows.Scan(&r.ID, &r.Kind, &r.RecordID, &name, &start, &end, &r.Target, &created); err != nil {
			return nil, fmt.Errorf("scan adjustment run: %w", err)
		}
		r.Name = name.String
		r.StartDate = fromMillis(start)
		r.EndDate = fromMillis(end)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}
// #endregion runs
