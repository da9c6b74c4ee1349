package repo

import (
	"context"
	"database/sql"
	"strings"

	"canopy/internal/domain"
)

const alertColumns = `id,task_id,installation_id,actor_id,alert_type,message,lat,lng,resolved,resolved_at,resolved_by,resolution_notes,created_at`

func scanAlert(row planScanner) (domain.Alert, error) {
	var a domain.Alert
	var taskID, resolvedAt, resolvedBy, resolutionNotes sql.NullString
	var lat, lng sql.NullFloat64
	var resolved int
	err := row.Scan(&a.ID, &taskID, &a.InstallationID, &a.ActorID, &a.Type, &a.Message,
		&lat, &lng, &resolved, &resolvedAt, &resolvedBy, &resolutionNotes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if taskID.Valid {
		a.TaskID = &taskID.String
	}
	if lat.Valid {
		a.Lat = &lat.Float64
	}
	if lng.Valid {
		a.Lng = &lng.Float64
	}
	a.Resolved = resolved != 0
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.String
	}
	if resolvedBy.Valid {
		a.ResolvedBy = &resolvedBy.String
	}
	a.ResolutionNotes = resolutionNotes.String
	return a, nil
}

func (r Repo) InsertAlert(ctx context.Context, tx *sql.Tx, a domain.Alert) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_alerts(`+alertColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullableStringPtr(a.TaskID), a.InstallationID, a.ActorID, a.Type, a.Message,
		nullableFloatPtr(a.Lat), nullableFloatPtr(a.Lng), boolToInt(a.Resolved),
		nullableStringPtr(a.ResolvedAt), nullableStringPtr(a.ResolvedBy), nullable(a.ResolutionNotes), a.CreatedAt)
	return err
}

func (r Repo) GetAlert(ctx context.Context, id string) (domain.Alert, error) {
	return scanAlert(r.DB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM task_alerts WHERE id=?`, id))
}

func (r Repo) ResolveAlert(ctx context.Context, tx *sql.Tx, id, resolvedBy, resolvedAt, notes string) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_alerts SET resolved=1, resolved_at=?, resolved_by=?, resolution_notes=? WHERE id=? AND resolved=0`,
		resolvedAt, resolvedBy, nullable(notes), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type AlertFilters struct {
	InstallationID string
	TaskID         string
	Type           string
	Unresolved     bool
	Limit          int
}

func (r Repo) ListAlerts(ctx context.Context, f AlertFilters) ([]domain.Alert, error) {
	var clauses []string
	var args []any
	if f.InstallationID != "" {
		clauses = append(clauses, "installation_id=?")
		args = append(args, f.InstallationID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		clauses = append(clauses, "alert_type=?")
		args = append(args, f.Type)
	}
	if f.Unresolved {
		clauses = append(clauses, "resolved=0")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + alertColumns + ` FROM task_alerts ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
