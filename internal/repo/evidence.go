package repo

import (
	"context"
	"database/sql"

	"canopy/internal/domain"
)

const evidenceColumns = `id,task_id,stage,photo_ref,metadata_json,notes,capture_lat,capture_lng,captured_by,captured_at`

func scanEvidence(row planScanner) (domain.Evidence, error) {
	var ev domain.Evidence
	var metadata, notes sql.NullString
	var lat, lng sql.NullFloat64
	err := row.Scan(&ev.ID, &ev.TaskID, &ev.Stage, &ev.PhotoRef, &metadata, &notes, &lat, &lng, &ev.CapturedBy, &ev.CapturedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	ev.MetadataJSON = metadata.String
	ev.Notes = notes.String
	if lat.Valid {
		ev.CaptureLat = &lat.Float64
	}
	if lng.Valid {
		ev.CaptureLng = &lng.Float64
	}
	return ev, nil
}

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.Evidence) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_evidence(`+evidenceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.TaskID, ev.Stage, ev.PhotoRef, nullable(ev.MetadataJSON), nullable(ev.Notes),
		nullableFloatPtr(ev.CaptureLat), nullableFloatPtr(ev.CaptureLng), ev.CapturedBy, ev.CapturedAt)
	return err
}

func (r Repo) ListTaskEvidence(ctx context.Context, taskID string) ([]domain.Evidence, error) {
	return r.listEvidence(ctx, r.DB.QueryContext, taskID)
}

func (r Repo) ListTaskEvidenceTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Evidence, error) {
	return r.listEvidence(ctx, tx.QueryContext, taskID)
}

func (r Repo) listEvidence(ctx context.Context, query queryFunc, taskID string) ([]domain.Evidence, error) {
	rows, err := query(ctx, `SELECT `+evidenceColumns+` FROM task_evidence WHERE task_id=? ORDER BY captured_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// CountEvidenceByStage tallies evidence per persisted stage inside the
// caller's transaction. The completion guard depends on reading the latest
// committed rows, never a cached snapshot.
func (r Repo) CountEvidenceByStage(ctx context.Context, tx *sql.Tx, taskID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT stage, count(*) FROM task_evidence WHERE task_id=? GROUP BY stage`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var stage string
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		res[stage] = count
	}
	return res, rows.Err()
}

// --- progress log ---

func (r Repo) InsertProgressEntry(ctx context.Context, tx *sql.Tx, e domain.ProgressEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_progress_log(id,task_id,actor_id,progress_percent,notes,logged_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.ActorID, e.ProgressPercent, nullable(e.Notes), e.LoggedAt)
	return err
}

func (r Repo) ListTaskProgress(ctx context.Context, taskID string) ([]domain.ProgressEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,actor_id,progress_percent,notes,logged_at FROM task_progress_log WHERE task_id=? ORDER BY logged_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgressEntry
	for rows.Next() {
		var e domain.ProgressEntry
		var notes sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ActorID, &e.ProgressPercent, &notes, &e.LoggedAt); err != nil {
			return nil, err
		}
		e.Notes = notes.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
