package state

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// #region glucose
// InsertGlucose stores a reading. An empty ID gets a fresh uuid.
func (s *Store) InsertGlucose(g GlucoseReading) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO glucose (id, date, sgv, direction, type, device) VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.Date, g.SGV, g.Direction, g.Type, g.Device,
	)
	if err != nil {
		return fmt.Errorf("insert glucose: %w", err)
	}
	return nil
}

// Glucose returns readings inside the query window.
func (s *Store) Glucose(q Query) ([]GlucoseReading, error) {
	tail, args := window("date", q)
	rows, err := s.db.Query(`SELECT id, date, sgv, direction, type, device FROM glucose`+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query glucose: %w", err)
	}
	defer rows.Close()

	var out []GlucoseReading
	for rows.Next() {
		var g GlucoseReading
		var direction, typ, device sql.NullString
		if err := rows.Scan(&g.ID, &g.Date, &g.SGV, &direction, &typ, &device); err != nil {
			return nil, fmt.Errorf("scan glucose: %w", err)
		}
		g.Glucose = g.SGV
		g.DateString = fromMillis(g.Date)
		g.Direction = direction.String
		g.Type = typ.String
		g.Device = device.String
		out = append(out, g)
	}
	return out, rows.Err()
}
// #endregion glucose

// #region pump-events
// InsertPumpEvent stores a pump history entry.
func (s *Store) InsertPumpEvent(e PumpEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	duration := e.Duration
	if duration == nil {
		duration = e.DurationM
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO pump_events (id, type, timestamp, amount, duration, rate, temp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, millis(e.Timestamp), nullFloat(e.Amount), nullInt(duration), nullFloat(e.Rate), e.Temp,
	)
	if err != nil {
		return fmt.Errorf("insert pump event: %w", err)
	}
	return nil
}

// PumpEvents returns pump history inside the query window.
func (s *Store) PumpEvents(q Query) ([]PumpEvent, error) {
	tail, args := window("timestamp", q)
	rows, err := s.db.Query(`SELECT id, type, timestamp, amount, duration, rate, temp FROM pump_events`+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query pump events: %w", err)
	}
	defer rows.Close()

	var out []PumpEvent
	for rows.Next() {
		var e PumpEvent
		var ts int64
		var amount, rate sql.NullFloat64
		var duration sql.NullInt64
		var temp sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &ts, &amount, &duration, &rate, &temp); err != nil {
			return nil, fmt.Errorf("scan pump event: %w", err)
		}
		e.Timestamp = fromMillis(ts)
		e.Amount = floatPtr(amount)
		e.Rate = floatPtr(rate)
		e.Temp = temp.String
		// temp basal durations travel as "duration (min)" in pump history
		if e.Type == "TempBasalDuration" {
			e.DurationM = intPtr(duration)
		} else {
			e.Duration = intPtr(duration)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
// #endregion pump-events

// #region carbs
// InsertCarbs stores a carb entry.
func (s *Store) InsertCarbs(c CarbEntry) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO carbs (id, created_at, carbs, fat, protein, entered_by) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, millis(c.CreatedAt), c.Carbs, c.Fat, c.Protein, c.EnteredBy,
	)
	if err != nil {
		return fmt.Errorf("insert carbs: %w", err)
	}
	return nil
}

// Carbs returns carb entries inside the query window.
func (s *Store) Carbs(q Query) ([]CarbEntry, error) {
	tail, args := window("created_at", q)
	rows, err := s.db.Query(`SELECT id, created_at, carbs, fat, protein, entered_by FROM carbs`+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query carbs: %w", err)
	}
	defer rows.Close()

	var out []CarbEntry
	for rows.Next() {
		var c CarbEntry
		var ts int64
		var enteredBy sql.NullString
		if err := rows.Scan(&c.ID, &ts, &c.Carbs, &c.Fat, &c.Protein, &enteredBy); err != nil {
			return nil, fmt.Errorf("scan carbs: %w", err)
		}
		c.CreatedAt = fromMillis(ts)
		c.EnteredBy = enteredBy.String
		out = append(out, c)
	}
	return out, rows.Err()
}
// #endregion carbs

// #region tdd
// InsertTDD appends a total-daily-dose sample.
func (s *Store) InsertTDD(t TDDSample) error {
	_, err := s.db.Exec(`INSERT INTO tdd (timestamp, total) VALUES (?, ?)`, millis(t.Timestamp), t.Total)
	if err != nil {
		return fmt.Errorf("insert tdd: %w", err)
	}
	return nil
}

// TDD returns total-daily-dose samples inside the query window.
func (s *Store) TDD(q Query) ([]TDDSample, error) {
	tail, args := window("timestamp", q)
	rows, err := s.db.Query(`SELECT id, timestamp, total FROM tdd`+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query tdd: %w", err)
	}
	defer rows.Close()

	var out []TDDSample
	for rows.Next() {
		var t TDDSample
		var ts int64
		if err := rows.Scan(&t.ID, &ts, &t.Total); err != nil {
			return nil, fmt.Errorf("scan tdd: %w", err)
		}
		t.Timestamp = fromMillis(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertTargetSample appends a target-history sample.
func (s *Store) InsertTargetSample(t TargetSample) error {
	_, err := s.db.Exec(`INSERT INTO target_history (timestamp, target) VALUES (?, ?)`, millis(t.Timestamp), t.Target)
	if err != nil {
		return fmt.Errorf("insert target sample: %w", err)
	}
	return nil
}

// TargetHistory returns target samples inside the query window.
func (s *Store) TargetHistory(q Query) ([]TargetSample, error) {
	tail, args := window("timestamp", q)
	rows, err := s.db.Query(`SELECT id, timestamp, target FROM target_history`+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query target history: %w", err)
	}
	defer rows.Close()

	var out []TargetSample
	for rows.Next() {
		var t TargetSample
		var ts int64
		if err := rows.Scan(&t.ID, &ts, &t.Target); err != nil {
			return nil, fmt.Errorf("scan target sample: %w", err)
		}
		t.Timestamp = fromMillis(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}
// #endregion tdd
