package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"canopy/internal/config"
	"canopy/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertInstallation(ctx context.Context, tx *sql.Tx, in domain.Installation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO installations(id,name,status,created_at) VALUES (?,?,?,?)`,
		in.ID, in.Name, in.Status, in.CreatedAt)
	return err
}

func (r Repo) GetInstallation(ctx context.Context, id string) (domain.Installation, error) {
	var in domain.Installation
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM installations WHERE id=?`, id).
		Scan(&in.ID, &in.Name, &in.Status, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) SingleInstallation(ctx context.Context) (domain.Installation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM installations`)
	if err != nil {
		return domain.Installation{}, err
	}
	defer rows.Close()
	var items []domain.Installation
	for rows.Next() {
		var in domain.Installation
		if err := rows.Scan(&in.ID, &in.Name, &in.Status, &in.CreatedAt); err != nil {
			return domain.Installation{}, err
		}
		items = append(items, in)
	}
	if len(items) == 0 {
		return domain.Installation{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Installation{}, fmt.Errorf("multiple installations exist; specify --installation")
	}
	return items[0], nil
}

func (r Repo) ListInstallations(ctx context.Context) ([]domain.Installation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM installations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Installation
	for rows.Next() {
		var in domain.Installation
		if err := rows.Scan(&in.ID, &in.Name, &in.Status, &in.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) UpsertInstallationConfig(ctx context.Context, installationID string, cfg *config.Config) error {
	return upsertInstallationConfig(ctx, r.DB, nil, installationID, cfg)
}

func (r Repo) UpsertInstallationConfigTx(ctx context.Context, tx *sql.Tx, installationID string, cfg *config.Config) error {
	return upsertInstallationConfig(ctx, nil, tx, installationID, cfg)
}

func upsertInstallationConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, installationID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Installation.ID = installationID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO installation_configs(installation_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(installation_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, installationID, string(payload), now, now)
	return err
}

func (r Repo) GetInstallationConfig(ctx context.Context, installationID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM installation_configs WHERE installation_id=?`, installationID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Installation.ID == "" {
		cfg.Installation.ID = installationID
	}
	return &cfg, cfg.Validate()
}

// --- plans ---

const planColumns = `id,code,installation_id,tree_id,status,intervention_type,schedule_start,schedule_end,
mobilization_days,execution_days,demobilization_days,responsible,responsible_title,justification,
techniques_json,tools_json,ppe_json,created_by,created_at,updated_at`

type planScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row planScanner) (domain.Plan, error) {
	var p domain.Plan
	var treeID, scheduleEnd, responsible, responsibleTitle, justification sql.NullString
	var techniques, tools, ppe sql.NullString
	err := row.Scan(&p.ID, &p.Code, &p.InstallationID, &treeID, &p.Status, &p.InterventionType,
		&p.ScheduleStart, &scheduleEnd, &p.MobilizationDays, &p.ExecutionDays, &p.DemobilizationDays,
		&responsible, &responsibleTitle, &justification, &techniques, &tools, &ppe,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if treeID.Valid {
		p.TreeID = &treeID.String
	}
	if scheduleEnd.Valid {
		p.ScheduleEnd = &scheduleEnd.String
	}
	p.Responsible = responsible.String
	p.ResponsibleTitle = responsibleTitle.String
	p.Justification = justification.String
	p.Techniques = decodeStrings(techniques)
	p.Tools = decodeStrings(tools)
	p.PPE = decodeStrings(ppe)
	return p, nil
}

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Code, p.InstallationID, nullableStringPtr(p.TreeID), p.Status, p.InterventionType,
		p.ScheduleStart, nullableStringPtr(p.ScheduleEnd), p.MobilizationDays, p.ExecutionDays, p.DemobilizationDays,
		nullable(p.Responsible), nullable(p.ResponsibleTitle), nullable(p.Justification),
		encodeStrings(p.Techniques), encodeStrings(p.Tools), encodeStrings(p.PPE),
		p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdatePlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	res, err := tx.ExecContext(ctx, `UPDATE plans SET tree_id=?, status=?, intervention_type=?, schedule_start=?, schedule_end=?,
mobilization_days=?, execution_days=?, demobilization_days=?, responsible=?, responsible_title=?, justification=?,
techniques_json=?, tools_json=?, ppe_json=?, updated_at=? WHERE id=?`,
		nullableStringPtr(p.TreeID), p.Status, p.InterventionType, p.ScheduleStart, nullableStringPtr(p.ScheduleEnd),
		p.MobilizationDays, p.ExecutionDays, p.DemobilizationDays,
		nullable(p.Responsible), nullable(p.ResponsibleTitle), nullable(p.Justification),
		encodeStrings(p.Techniques), encodeStrings(p.Tools), encodeStrings(p.PPE),
		p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	return scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id))
}

func (r Repo) GetPlanTx(ctx context.Context, tx *sql.Tx, id string) (domain.Plan, error) {
	return scanPlan(tx.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id))
}

func (r Repo) DeletePlan(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type PlanFilters struct {
	InstallationID  string
	Status          string
	Responsible     string
	DateFrom        string
	DateTo          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListPlans(ctx context.Context, f PlanFilters) ([]domain.Plan, error) {
	var clauses []string
	var args []any
	if f.InstallationID != "" {
		clauses = append(clauses, "installation_id=?")
		args = append(args, f.InstallationID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Responsible != "" {
		clauses = append(clauses, "responsible=? COLLATE NOCASE")
		args = append(args, f.Responsible)
	}
	if f.DateFrom != "" {
		clauses = append(clauses, "schedule_start>=?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		clauses = append(clauses, "schedule_start<=?")
		args = append(args, f.DateTo)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + planColumns + ` FROM plans ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// NextPlanCode allocates the next PI-YYYY-NNN code for an installation.
func (r Repo) NextPlanCode(ctx context.Context, tx *sql.Tx, installationID string, year int) (string, error) {
	prefix := fmt.Sprintf("PI-%d-", year)
	var last sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT MAX(code) FROM plans WHERE installation_id=? AND code LIKE ?`,
		installationID, prefix+"%").Scan(&last)
	if err != nil {
		return "", err
	}
	seq := 1
	if last.Valid {
		if _, err := fmt.Sscanf(last.String, "PI-%d-%d", &year, &seq); err == nil {
			seq++
		}
	}
	return fmt.Sprintf("%s%03d", prefix, seq), nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func encodeStrings(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func decodeStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}
