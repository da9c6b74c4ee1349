package repo

import (
	"context"
	"database/sql"
	"strings"

	"canopy/internal/domain"
)

const workOrderColumns = `id,plan_id,installation_id,title,status,assignee_id,due_date,created_by,created_at,updated_at`

func scanWorkOrder(row planScanner) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	var assignee, dueDate sql.NullString
	err := row.Scan(&wo.ID, &wo.PlanID, &wo.InstallationID, &wo.Title, &wo.Status,
		&assignee, &dueDate, &wo.CreatedBy, &wo.CreatedAt, &wo.UpdatedAt)
	if err == sql.ErrNoRows {
		return wo, ErrNotFound
	}
	if err != nil {
		return wo, err
	}
	if assignee.Valid {
		wo.AssigneeID = &assignee.String
	}
	if dueDate.Valid {
		wo.DueDate = &dueDate.String
	}
	return wo, nil
}

func (r Repo) InsertWorkOrder(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_orders(`+workOrderColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		wo.ID, wo.PlanID, wo.InstallationID, wo.Title, wo.Status,
		nullableStringPtr(wo.AssigneeID), nullableStringPtr(wo.DueDate), wo.CreatedBy, wo.CreatedAt, wo.UpdatedAt)
	return err
}

func (r Repo) UpdateWorkOrder(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_orders SET title=?, status=?, assignee_id=?, due_date=?, updated_at=? WHERE id=?`,
		wo.Title, wo.Status, nullableStringPtr(wo.AssigneeID), nullableStringPtr(wo.DueDate), wo.UpdatedAt, wo.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	return scanWorkOrder(r.DB.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id=?`, id))
}

func (r Repo) GetWorkOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkOrder, error) {
	return scanWorkOrder(tx.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id=?`, id))
}

func (r Repo) DeleteWorkOrder(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM work_orders WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type WorkOrderFilters struct {
	InstallationID  string
	PlanID          string
	Status          string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWorkOrders(ctx context.Context, f WorkOrderFilters) ([]domain.WorkOrder, error) {
	var clauses []string
	var args []any
	if f.InstallationID != "" {
		clauses = append(clauses, "installation_id=?")
		args = append(args, f.InstallationID)
	}
	if f.PlanID != "" {
		clauses = append(clauses, "plan_id=?")
		args = append(args, f.PlanID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workOrderColumns + ` FROM work_orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wo)
	}
	return res, rows.Err()
}

// --- tasks ---

const taskColumns = `id,work_order_id,installation_id,status,priority,assignee_id,progress_percent,
rejection_reason,notes,started_at,completed_at,created_at,updated_at`

func scanTask(row planScanner) (domain.Task, error) {
	var t domain.Task
	var assignee, rejection, notes, startedAt, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.WorkOrderID, &t.InstallationID, &t.Status, &t.Priority,
		&assignee, &t.ProgressPercent, &rejection, &notes, &startedAt, &completedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if rejection.Valid {
		t.RejectionReason = &rejection.String
	}
	t.Notes = notes.String
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.WorkOrderID, t.InstallationID, t.Status, t.Priority,
		nullableStringPtr(t.AssigneeID), t.ProgressPercent, nullableStringPtr(t.RejectionReason), nullable(t.Notes),
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, priority=?, assignee_id=?, progress_percent=?,
rejection_reason=?, notes=?, started_at=?, completed_at=?, updated_at=? WHERE id=?`,
		t.Status, t.Priority, nullableStringPtr(t.AssigneeID), t.ProgressPercent,
		nullableStringPtr(t.RejectionReason), nullable(t.Notes),
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) ListWorkOrderTasks(ctx context.Context, workOrderID string) ([]domain.Task, error) {
	return r.listTasks(ctx, r.DB.QueryContext, workOrderID)
}

func (r Repo) ListWorkOrderTasksTx(ctx context.Context, tx *sql.Tx, workOrderID string) ([]domain.Task, error) {
	return r.listTasks(ctx, tx.QueryContext, workOrderID)
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) listTasks(ctx context.Context, query queryFunc, workOrderID string) ([]domain.Task, error) {
	rows, err := query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE work_order_id=? ORDER BY created_at ASC, id ASC`, workOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

type TaskFilters struct {
	InstallationID  string
	WorkOrderID     string
	Status          string
	AssigneeID      string
	IncludePool     bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.InstallationID != "" {
		clauses = append(clauses, "installation_id=?")
		args = append(args, f.InstallationID)
	}
	if f.WorkOrderID != "" {
		clauses = append(clauses, "work_order_id=?")
		args = append(args, f.WorkOrderID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		if f.IncludePool {
			clauses = append(clauses, "(assignee_id=? OR assignee_id IS NULL)")
		} else {
			clauses = append(clauses, "assignee_id=?")
		}
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, installationID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE installation_id=? GROUP BY status`, installationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
