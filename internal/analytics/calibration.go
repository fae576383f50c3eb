// Package analytics derives calibration hints from historical attempts.
// The hint is an opaque blob from the orchestrator's point of view: it is
// handed to the judge client untouched and never steers retry decisions.
package analytics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// CategoryCount pairs a failure category with its occurrence count.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// Calibration summarizes judged history for one step.
type Calibration struct {
	Step         string          `json:"step"`
	Attempts     int             `json:"attempts"`
	PassRate     float64         `json:"pass_rate"`
	MeanScore    float64         `json:"mean_score"`
	TopcatCounts []CategoryCount `json:"top_failure_categories,omitempty"`
}

// verdictShape is the minimal verdict envelope analytics needs.
type verdictShape struct {
	Pass              bool     `json:"pass"`
	Score             int      `json:"score"`
	FailureCategories []string `json:"failure_categories"`
}

// Calibrator binds a database handle to the hint computation.
type Calibrator struct {
	db DB
}

// NewCalibrator creates a Calibrator over the given database.
func NewCalibrator(database DB) *Calibrator {
	return &Calibrator{db: database}
}

// Hint returns the calibration hint for a step, or nil without history.
func (c *Calibrator) Hint(step int) (json.RawMessage, error) {
	return Hint(c.db, step)
}

// Hint computes the calibration hint for a step across all runs, returned
// as raw JSON. Returns nil when there is no judged history yet.
func Hint(database DB, step int) (json.RawMessage, error) {
	cal, err := calibrationFor(database, step)
	if err != nil {
		return nil, err
	}
	if cal == nil {
		return nil, nil
	}
	data, err := json.Marshal(cal)
	if err != nil {
		return nil, fmt.Errorf("marshal calibration: %w", err)
	}
	return data, nil
}

// Summary computes calibrations for a contiguous range of steps, skipping
// steps without judged history.
func Summary(database DB, numSteps int) ([]Calibration, error) {
	var out []Calibration
	for step := 0; step < numSteps; step++ {
		cal, err := calibrationFor(database, step)
		if err != nil {
			return nil, err
		}
		if cal != nil {
			out = append(out, *cal)
		}
	}
	return out, nil
}

func calibrationFor(database DB, step int) (*Calibration, error) {
	rows, err := database.Conn().Query(
		`SELECT at.verdict FROM attempts at
		 INNER JOIN assets a ON a.id = at.asset_id
		 WHERE a.step = ? AND at.verdict IS NOT NULL AND at.verdict != ''`,
		step,
	)
	if err != nil {
		return nil, fmt.Errorf("query judged attempts: %w", err)
	}
	defer rows.Close()

	cal := Calibration{Step: fmt.Sprintf("step-%d", step)}
	passes := 0
	scoreSum := 0
	catCounts := make(map[string]int)

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		var v verdictShape
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue // skip unreadable snapshots
		}
		cal.Attempts++
		scoreSum += v.Score
		if v.Pass {
			passes++
		}
		for _, c := range v.FailureCategories {
			catCounts[c]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if cal.Attempts == 0 {
		return nil, nil // no judged history yet
	}

	cal.PassRate = float64(passes) / float64(cal.Attempts)
	cal.MeanScore = float64(scoreSum) / float64(cal.Attempts)

	for c, n := range catCounts {
		cal.TopcatCounts = append(cal.TopcatCounts, CategoryCount{Category: c, Count: n})
	}
	sort.Slice(cal.TopcatCounts, func(i, j int) bool {
		if cal.TopcatCounts[i].Count != cal.TopcatCounts[j].Count {
			return cal.TopcatCounts[i].Count > cal.TopcatCounts[j].Count
		}
		return cal.TopcatCounts[i].Category < cal.TopcatCounts[j].Category
	})
	if len(cal.TopcatCounts) > 3 {
		cal.TopcatCounts = cal.TopcatCounts[:3]
	}
	return &cal, nil
}
