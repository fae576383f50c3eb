package db

import (
	"database/sql"
	"fmt"
	"time"
)

// RunEvent represents a row in the run_events table.
type RunEvent struct {
	ID        int
	RunID     string
	AssetID   string
	Event     string
	Step      int
	Detail    string
	Timestamp string
}

// LogRunEvent inserts a run-level event.
func (d *DB) LogRunEvent(runID string, event string, step int, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO run_events (run_id, event, step, detail) VALUES (?, ?, ?, ?)`,
		runID, event, step, detail,
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// LogAssetEvent inserts an asset-level event.
func (d *DB) LogAssetEvent(runID string, assetID string, event string, step int, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO run_events (run_id, asset_id, event, step, detail) VALUES (?, ?, ?, ?, ?)`,
		runID, assetID, event, step, detail,
	)
	if err != nil {
		return fmt.Errorf("log asset event: %w", err)
	}
	return nil
}

// GetRunHistory returns all events for a run, newest first.
func (d *DB) GetRunHistory(runID string) ([]RunEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, asset_id, event, step, detail, timestamp
		 FROM run_events WHERE run_id = ? ORDER BY timestamp DESC, id DESC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get run history: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		var assetID, detail sql.NullString
		var step sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &assetID, &e.Event, &step, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		if assetID.Valid {
			e.AssetID = assetID.String
		}
		if step.Valid {
			e.Step = int(step.Int64)
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LastAssetEventAt returns the timestamp of the most recent event for an
// asset, or the zero time if none exist. Staleness detection compares this
// against the policy threshold to decide whether a stuck generating asset
// may be superseded.
func (d *DB) LastAssetEventAt(assetID string) (time.Time, error) {
	var ts string
	err := d.conn.QueryRow(
		`SELECT timestamp FROM run_events WHERE asset_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`,
		assetID,
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last asset event: %w", err)
	}
	t, err := time.Parse("2006-01-02 15:04:05", ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse event timestamp %q: %w", ts, err)
	}
	return t, nil
}
