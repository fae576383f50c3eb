package db

import (
	"database/sql"
	"fmt"
)

// Kind distinguishes the two paired camera views of a space.
type Kind string

const (
	KindPrimary  Kind = "primary"
	KindOpposite Kind = "opposite"
)

// Status is the lifecycle state of a generation asset.
type Status string

const (
	StatusPending        Status = "pending"
	StatusQueued         Status = "queued"
	StatusGenerating     Status = "generating"
	StatusNeedsReview    Status = "needs_review"
	StatusBlocked        Status = "blocked"
	StatusFailed         Status = "failed"
	StatusLockedApproved Status = "locked_approved"
)

// InFlight reports whether the status represents work already admitted
// into generation.
func (s Status) InFlight() bool {
	return s == StatusQueued || s == StatusGenerating
}

// Terminal reports whether the status ends an asset's generation cycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusNeedsReview, StatusBlocked, StatusFailed, StatusLockedApproved:
		return true
	}
	return false
}

// Space represents a row in the spaces table.
type Space struct {
	ID          string
	RunID       string
	Step        int
	Name        string
	KindAStatus string
	KindBStatus string
	CreatedAt   string
}

// Asset represents a row in the assets table.
type Asset struct {
	ID           string
	SpaceID      string
	RunID        string
	Step         int
	Kind         Kind
	Status       Status
	AttemptCount int
	OutputRef    string
	QAStatus     string
	QAResult     string
	BlockReason  string
	UpdatedAt    string
}

// Attempt represents an append-only row in the attempts table.
type Attempt struct {
	ID          string
	AssetID     string
	RunID       string
	Idx         int
	Prompt      string
	Params      string
	Model       string
	ArtifactRef string
	Verdict     string
	CreatedAt   string
}

// CreateSpace inserts a space row.
func (d *DB) CreateSpace(sp *Space) error {
	_, err := d.conn.Exec(
		`INSERT INTO spaces (id, run_id, step, name) VALUES (?, ?, ?, ?)`,
		sp.ID, sp.RunID, sp.Step, sp.Name,
	)
	if err != nil {
		return fmt.Errorf("create space %s: %w", sp.Name, err)
	}
	return nil
}

// ListSpaces returns all spaces for a run and step.
func (d *DB) ListSpaces(runID string, step int) ([]Space, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, step, name, kind_a_status, kind_b_status, created_at
		 FROM spaces WHERE run_id = ? AND step = ? ORDER BY name`,
		runID, step,
	)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	var spaces []Space
	for rows.Next() {
		var sp Space
		if err := rows.Scan(&sp.ID, &sp.RunID, &sp.Step, &sp.Name, &sp.KindAStatus, &sp.KindBStatus, &sp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		spaces = append(spaces, sp)
	}
	return spaces, rows.Err()
}

// GetSpace returns a space by id, or nil when absent.
func (d *DB) GetSpace(id string) (*Space, error) {
	var sp Space
	err := d.conn.QueryRow(
		`SELECT id, run_id, step, name, kind_a_status, kind_b_status, created_at
		 FROM spaces WHERE id = ?`, id,
	).Scan(&sp.ID, &sp.RunID, &sp.Step, &sp.Name, &sp.KindAStatus, &sp.KindBStatus, &sp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get space %s: %w", id, err)
	}
	return &sp, nil
}

// UpdateSpaceKindStatus patches one of the per-kind status columns.
func (d *DB) UpdateSpaceKindStatus(spaceID string, kind Kind, status Status) error {
	col := "kind_a_status"
	if kind == KindOpposite {
		col = "kind_b_status"
	}
	res, err := d.conn.Exec(
		`UPDATE spaces SET `+col+` = ? WHERE id = ?`, string(status), spaceID,
	)
	if err != nil {
		return fmt.Errorf("update space kind status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("space %s not found", spaceID)
	}
	return nil
}

// CreateAsset inserts an asset row in pending status.
func (d *DB) CreateAsset(a *Asset) error {
	if a.Status == "" {
		a.Status = StatusPending
	}
	_, err := d.conn.Exec(
		`INSERT INTO assets (id, space_id, run_id, step, kind, status) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.SpaceID, a.RunID, a.Step, string(a.Kind), string(a.Status),
	)
	if err != nil {
		return fmt.Errorf("create asset: %w", err)
	}
	return nil
}

func scanAsset(row interface{ Scan(...any) error }) (*Asset, error) {
	var a Asset
	var outputRef, qaStatus, qaResult, blockReason sql.NullString
	err := row.Scan(&a.ID, &a.SpaceID, &a.RunID, &a.Step, &a.Kind, &a.Status,
		&a.AttemptCount, &outputRef, &qaStatus, &qaResult, &blockReason, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if outputRef.Valid {
		a.OutputRef = outputRef.String
	}
	if qaStatus.Valid {
		a.QAStatus = qaStatus.String
	}
	if qaResult.Valid {
		a.QAResult = qaResult.String
	}
	if blockReason.Valid {
		a.BlockReason = blockReason.String
	}
	return &a, nil
}

const assetCols = `id, space_id, run_id, step, kind, status, attempt_count, output_ref, qa_status, qa_result, block_reason, updated_at`

// GetAsset returns an asset by id, or nil if not found.
func (d *DB) GetAsset(id string) (*Asset, error) {
	row := d.conn.QueryRow(`SELECT `+assetCols+` FROM assets WHERE id = ?`, id)
	a, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return a, nil
}

// ListAssets returns all assets for a run and step.
func (d *DB) ListAssets(runID string, step int) ([]Asset, error) {
	rows, err := d.conn.Query(
		`SELECT `+assetCols+` FROM assets WHERE run_id = ? AND step = ? ORDER BY space_id, kind`,
		runID, step,
	)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

// SpaceAsset returns the asset of the given kind within a space, or nil.
func (d *DB) SpaceAsset(spaceID string, kind Kind) (*Asset, error) {
	row := d.conn.QueryRow(
		`SELECT `+assetCols+` FROM assets WHERE space_id = ? AND kind = ? LIMIT 1`,
		spaceID, string(kind),
	)
	a, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get space asset: %w", err)
	}
	return a, nil
}

// SiblingInFlight returns an asset other than excludeID sharing the same
// space and kind whose status is queued or generating, or nil.
func (d *DB) SiblingInFlight(spaceID string, kind Kind, excludeID string) (*Asset, error) {
	row := d.conn.QueryRow(
		`SELECT `+assetCols+` FROM assets
		 WHERE space_id = ? AND kind = ? AND id != ? AND status IN ('queued','generating')
		 LIMIT 1`,
		spaceID, string(kind), excludeID,
	)
	a, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find in-flight sibling: %w", err)
	}
	return a, nil
}

// UpdateAssetStatus patches only the status column of an asset.
func (d *DB) UpdateAssetStatus(id string, status Status) error {
	res, err := d.conn.Exec(
		`UPDATE assets SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("update asset status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("asset %s not found", id)
	}
	return nil
}

// AdmitAsset flips a pending or terminal asset to queued, returning false
// with no side effect if the asset is already in flight or locked. The flip
// and the check happen in one statement to close the admission race window.
func (d *DB) AdmitAsset(id string) (bool, error) {
	res, err := d.conn.Exec(
		`UPDATE assets SET status = 'queued', updated_at = datetime('now')
		 WHERE id = ? AND status NOT IN ('queued','generating','locked_approved')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("admit asset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// SetAssetBlocked marks an asset blocked with a structured reason.
func (d *DB) SetAssetBlocked(id string, reason string) error {
	_, err := d.conn.Exec(
		`UPDATE assets SET status = 'blocked', block_reason = ?, updated_at = datetime('now') WHERE id = ?`,
		reason, id,
	)
	if err != nil {
		return fmt.Errorf("block asset: %w", err)
	}
	return nil
}

// RecordAssetResult patches the outcome columns of an asset after a
// generation+judgment cycle. Locked assets are immutable; the update
// refuses to touch them.
func (d *DB) RecordAssetResult(id string, status Status, outputRef string, qaStatus string, qaResult string) error {
	res, err := d.conn.Exec(
		`UPDATE assets SET status = ?, output_ref = ?, qa_status = ?, qa_result = ?, updated_at = datetime('now')
		 WHERE id = ? AND status != 'locked_approved'`,
		string(status), outputRef, qaStatus, qaResult, id,
	)
	if err != nil {
		return fmt.Errorf("record asset result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("asset %s not found or locked", id)
	}
	return nil
}

// LockAsset marks an asset approved and immutable.
func (d *DB) LockAsset(id string) error {
	res, err := d.conn.Exec(
		`UPDATE assets SET status = 'locked_approved', updated_at = datetime('now')
		 WHERE id = ? AND output_ref IS NOT NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("lock asset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("asset %s not found or has no output", id)
	}
	return nil
}

// AppendAttempt inserts an attempt row and bumps the asset's attempt count.
// Attempts are append-only; nothing ever updates or deletes them short of
// a run-level restart.
func (d *DB) AppendAttempt(at *Attempt) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO attempts (id, asset_id, run_id, idx, prompt, params, model, artifact_ref, verdict)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.ID, at.AssetID, at.RunID, at.Idx, at.Prompt, at.Params, at.Model, at.ArtifactRef, at.Verdict,
	)
	if err != nil {
		return fmt.Errorf("insert attempt %d for asset %s: %w", at.Idx, at.AssetID, err)
	}

	_, err = tx.Exec(
		`UPDATE assets SET attempt_count = ?, updated_at = datetime('now') WHERE id = ?`,
		at.Idx, at.AssetID,
	)
	if err != nil {
		return fmt.Errorf("bump attempt count: %w", err)
	}

	return tx.Commit()
}

// ListAttempts returns all attempts for an asset, oldest first.
func (d *DB) ListAttempts(assetID string) ([]Attempt, error) {
	rows, err := d.conn.Query(
		`SELECT id, asset_id, run_id, idx, prompt, params, model, artifact_ref, verdict, created_at
		 FROM attempts WHERE asset_id = ? ORDER BY idx`,
		assetID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var at Attempt
		var params, model, artifactRef, verdict sql.NullString
		if err := rows.Scan(&at.ID, &at.AssetID, &at.RunID, &at.Idx, &at.Prompt, &params, &model, &artifactRef, &verdict, &at.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if params.Valid {
			at.Params = params.String
		}
		if model.Valid {
			at.Model = model.String
		}
		if artifactRef.Valid {
			at.ArtifactRef = artifactRef.String
		}
		if verdict.Valid {
			at.Verdict = verdict.String
		}
		attempts = append(attempts, at)
	}
	return attempts, rows.Err()
}

// DeleteFromStep removes all spaces, assets, attempts and events for a run
// at or beyond the given step. Used only by the run-level restart cascade.
func (d *DB) DeleteFromStep(runID string, step int) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM attempts WHERE run_id = ? AND asset_id IN
		 (SELECT id FROM assets WHERE run_id = ? AND step >= ?)`,
		runID, runID, step,
	); err != nil {
		return fmt.Errorf("delete attempts: %w", err)
	}
	if _, err := tx.Exec(
		`DELETE FROM run_events WHERE run_id = ? AND (step >= ? OR asset_id IN
		 (SELECT id FROM assets WHERE run_id = ? AND step >= ?))`,
		runID, step, runID, step,
	); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM assets WHERE run_id = ? AND step >= ?`, runID, step); err != nil {
		return fmt.Errorf("delete assets: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM spaces WHERE run_id = ? AND step >= ?`, runID, step); err != nil {
		return fmt.Errorf("delete spaces: %w", err)
	}

	return tx.Commit()
}
