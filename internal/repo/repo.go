package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"reviewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectCols = `id,project_no,internal_order_no,name,description,status,priority,created_by,created_at,updated_at`

func scanProjectRow(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var projectNo, orderNo, desc, priority, createdBy sql.NullString
	err := scan(&p.ID, &projectNo, &orderNo, &p.Name, &desc, &p.Status, &priority, &createdBy, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if projectNo.Valid {
		p.ProjectNo = projectNo.String
	}
	if orderNo.Valid {
		p.InternalOrderNo = orderNo.String
	}
	if desc.Valid {
		p.Description = desc.String
	}
	if priority.Valid {
		p.Priority = priority.String
	}
	if createdBy.Valid {
		p.CreatedBy = createdBy.String
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(`+projectCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, nullable(p.ProjectNo), nullable(p.InternalOrderNo), p.Name, nullable(p.Description),
		p.Status, p.Priority, nullable(p.CreatedBy), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProjectRow(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProjectRow(row.Scan)
}

type ProjectFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + projectCols + ` FROM projects ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProject(ctx context.Context, id string, name, description, priority, status *string, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if priority != nil {
		fields = append(fields, "priority=?")
		args = append(args, *priority)
	}
	if status != nil {
		fields = append(fields, "status=?")
		args = append(args, *status)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateProjectStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProject removes the project row; phases, checklists, iterations and
// approvals follow via ON DELETE CASCADE.
func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const phaseCols = `id,project_id,number,name,status,conflict_count,created_at`

func scanPhaseRow(scan func(dest ...any) error) (domain.Phase, error) {
	var ph domain.Phase
	err := scan(&ph.ID, &ph.ProjectID, &ph.Number, &ph.Name, &ph.Status, &ph.ConflictCount, &ph.CreatedAt)
	if err == sql.ErrNoRows {
		return ph, ErrNotFound
	}
	return ph, err
}

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, ph domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(`+phaseCols+`) VALUES (?,?,?,?,?,?,?)`,
		ph.ID, ph.ProjectID, ph.Number, ph.Name, ph.Status, ph.ConflictCount, ph.CreatedAt)
	return err
}

func (r Repo) GetPhase(ctx context.Context, id string) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE id=?`, id)
	return scanPhaseRow(row.Scan)
}

func (r Repo) GetPhaseByNumber(ctx context.Context, projectID string, number int) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE project_id=? AND number=?`, projectID, number)
	return scanPhaseRow(row.Scan)
}

func (r Repo) GetPhaseByNumberTx(ctx context.Context, tx *sql.Tx, projectID string, number int) (domain.Phase, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE project_id=? AND number=?`, projectID, number)
	return scanPhaseRow(row.Scan)
}

func (r Repo) ListPhases(ctx context.Context, projectID string) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE project_id=? ORDER BY number ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		ph, err := scanPhaseRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ph)
	}
	return res, rows.Err()
}

func (r Repo) ListPhasesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Phase, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE project_id=? ORDER BY number ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		ph, err := scanPhaseRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ph)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePhaseStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementPhaseConflictTx bumps conflict_count atomically in SQL so
// concurrent reverts never lose an increment.
func (r Repo) IncrementPhaseConflictTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET conflict_count=conflict_count+1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const checklistCols = `id,project_id,phase_id,groups_json,current_iteration,created_at,updated_at`

func scanChecklistRow(scan func(dest ...any) error) (domain.Checklist, error) {
	var cl domain.Checklist
	var groupsJSON string
	err := scan(&cl.ID, &cl.ProjectID, &cl.PhaseID, &groupsJSON, &cl.CurrentIteration, &cl.CreatedAt, &cl.UpdatedAt)
	if err == sql.ErrNoRows {
		return cl, ErrNotFound
	}
	if err != nil {
		return cl, err
	}
	if err := json.Unmarshal([]byte(groupsJSON), &cl.Groups); err != nil {
		return cl, fmt.Errorf("decode checklist %s groups: %w", cl.ID, err)
	}
	return cl, nil
}

func (r Repo) InsertChecklistTx(ctx context.Context, tx *sql.Tx, cl domain.Checklist) error {
	payload, err := json.Marshal(cl.Groups)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO checklists(`+checklistCols+`) VALUES (?,?,?,?,?,?,?)`,
		cl.ID, cl.ProjectID, cl.PhaseID, string(payload), cl.CurrentIteration, cl.CreatedAt, cl.UpdatedAt)
	return err
}

func (r Repo) GetChecklist(ctx context.Context, id string) (domain.Checklist, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+checklistCols+` FROM checklists WHERE id=?`, id)
	return scanChecklistRow(row.Scan)
}

func (r Repo) GetChecklistByPhase(ctx context.Context, projectID, phaseID string) (domain.Checklist, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+checklistCols+` FROM checklists WHERE project_id=? AND phase_id=?`, projectID, phaseID)
	return scanChecklistRow(row.Scan)
}

func (r Repo) GetChecklistByPhaseTx(ctx context.Context, tx *sql.Tx, projectID, phaseID string) (domain.Checklist, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+checklistCols+` FROM checklists WHERE project_id=? AND phase_id=?`, projectID, phaseID)
	return scanChecklistRow(row.Scan)
}

func (r Repo) ListChecklists(ctx context.Context, projectID string) ([]domain.Checklist, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+checklistCols+` FROM checklists WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checklist
	for rows.Next() {
		cl, err := scanChecklistRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, cl)
	}
	return res, rows.Err()
}

// UpdateChecklistGroupsTx rewrites the answer document and optionally the
// iteration counter inside an open transaction.
func (r Repo) UpdateChecklistGroupsTx(ctx context.Context, tx *sql.Tx, id string, groups []domain.Group, currentIteration int, updatedAt string) error {
	payload, err := json.Marshal(groups)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE checklists SET groups_json=?, current_iteration=?, updated_at=? WHERE id=?`,
		string(payload), currentIteration, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const iterationCols = `id,checklist_id,number,groups_json,reverted_at,reverted_by,revert_notes,executor_submitted_at,reviewer_submitted_at`

func scanIterationRow(scan func(dest ...any) error) (domain.Iteration, error) {
	var it domain.Iteration
	var groupsJSON string
	var revertedBy, revertNotes, execAt, revAt sql.NullString
	err := scan(&it.ID, &it.ChecklistID, &it.Number, &groupsJSON, &it.RevertedAt, &revertedBy, &revertNotes, &execAt, &revAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if err := json.Unmarshal([]byte(groupsJSON), &it.Groups); err != nil {
		return it, fmt.Errorf("decode iteration %s groups: %w", it.ID, err)
	}
	if revertedBy.Valid {
		it.RevertedBy = revertedBy.String
	}
	if revertNotes.Valid {
		it.RevertNotes = revertNotes.String
	}
	if execAt.Valid {
		it.ExecutorSubmittedAt = &execAt.String
	}
	if revAt.Valid {
		it.ReviewerSubmittedAt = &revAt.String
	}
	return it, nil
}

func (r Repo) InsertIterationTx(ctx context.Context, tx *sql.Tx, it domain.Iteration) error {
	payload, err := json.Marshal(it.Groups)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO iterations(`+iterationCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ChecklistID, it.Number, string(payload), it.RevertedAt, nullable(it.RevertedBy), nullable(it.RevertNotes),
		nullableStringPtr(it.ExecutorSubmittedAt), nullableStringPtr(it.ReviewerSubmittedAt))
	return err
}

func (r Repo) ListIterations(ctx context.Context, checklistID string) ([]domain.Iteration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+iterationCols+` FROM iterations WHERE checklist_id=? ORDER BY number ASC`, checklistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Iteration
	for rows.Next() {
		it, err := scanIterationRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) GetIteration(ctx context.Context, checklistID string, number int) (domain.Iteration, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+iterationCols+` FROM iterations WHERE checklist_id=? AND number=?`, checklistID, number)
	return scanIterationRow(row.Scan)
}

func (r Repo) CountIterations(ctx context.Context, checklistID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM iterations WHERE checklist_id=?`, checklistID).Scan(&n)
	return n, err
}

const approvalCols = `project_id,phase,status,requested_at,notes,executor_submitted,executor_submitted_at,reviewer_submitted,reviewer_submitted_at,revert_count,decided_by,decided_at`

func scanApprovalRow(scan func(dest ...any) error) (domain.Approval, error) {
	var a domain.Approval
	var requestedAt, notes, execAt, revAt, decidedBy, decidedAt sql.NullString
	err := scan(&a.ProjectID, &a.Phase, &a.Status, &requestedAt, &notes, &a.ExecutorSubmitted, &execAt, &a.ReviewerSubmitted, &revAt, &a.RevertCount, &decidedBy, &decidedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if requestedAt.Valid {
		a.RequestedAt = &requestedAt.String
	}
	if notes.Valid {
		a.Notes = notes.String
	}
	if execAt.Valid {
		a.ExecutorSubmittedAt = &execAt.String
	}
	if revAt.Valid {
		a.ReviewerSubmittedAt = &revAt.String
	}
	if decidedBy.Valid {
		a.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	return a, nil
}

func (r Repo) GetApproval(ctx context.Context, projectID string, phase int) (domain.Approval, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalCols+` FROM approvals WHERE project_id=? AND phase=?`, projectID, phase)
	return scanApprovalRow(row.Scan)
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, projectID string, phase int) (domain.Approval, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalCols+` FROM approvals WHERE project_id=? AND phase=?`, projectID, phase)
	return scanApprovalRow(row.Scan)
}

func (r Repo) ListApprovals(ctx context.Context, projectID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalCols+` FROM approvals WHERE project_id=? ORDER BY phase ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApprovalRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpsertApprovalSubmissionTx records a role's submission flag for the
// (project, phase) pair, creating the row on first touch. Pass a zero-value
// time pointer as nil to leave a column unchanged on conflict.
func (r Repo) UpsertApprovalSubmissionTx(ctx context.Context, tx *sql.Tx, projectID string, phase int, role, at string) error {
	col := "executor_submitted"
	colAt := "executor_submitted_at"
	if role == domain.RoleReviewer {
		col = "reviewer_submitted"
		colAt = "reviewer_submitted_at"
	}
	query := fmt.Sprintf(`INSERT INTO approvals(project_id,phase,status,%s,%s) VALUES (?,?,?,1,?)
ON CONFLICT(project_id,phase) DO UPDATE SET %s=1, %s=excluded.%s`, col, colAt, col, colAt, colAt)
	_, err := tx.ExecContext(ctx, query, projectID, phase, domain.ApprovalPending, at)
	return err
}

// ResetApprovalReviewerTx clears the reviewer submission flag and returns the
// approval status to pending; used when the executor resubmits after a revert.
func (r Repo) ResetApprovalReviewerTx(ctx context.Context, tx *sql.Tx, projectID string, phase int) error {
	_, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, reviewer_submitted=0, reviewer_submitted_at=NULL WHERE project_id=? AND phase=?`,
		domain.ApprovalPending, projectID, phase)
	return err
}

func (r Repo) UpsertApprovalRequestTx(ctx context.Context, tx *sql.Tx, projectID string, phase int, requestedAt, notes string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(project_id,phase,status,requested_at,notes) VALUES (?,?,?,?,?)
ON CONFLICT(project_id,phase) DO UPDATE SET requested_at=excluded.requested_at, notes=excluded.notes`,
		projectID, phase, domain.ApprovalPending, requestedAt, nullable(notes))
	return err
}

func (r Repo) DecideApprovalTx(ctx context.Context, tx *sql.Tx, projectID string, phase int, status, decidedBy, decidedAt, notes string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(project_id,phase,status,decided_by,decided_at,notes) VALUES (?,?,?,?,?,?)
ON CONFLICT(project_id,phase) DO UPDATE SET status=excluded.status, decided_by=excluded.decided_by, decided_at=excluded.decided_at, notes=COALESCE(excluded.notes, approvals.notes)`,
		projectID, phase, status, decidedBy, decidedAt, nullable(notes))
	return err
}

// RevertApprovalTx marks the approval reverted, clears the executor's
// submission so the phase returns to them, and bumps revert_count atomically.
func (r Repo) RevertApprovalTx(ctx context.Context, tx *sql.Tx, projectID string, phase int, decidedBy, decidedAt, notes string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(project_id,phase,status,decided_by,decided_at,notes,revert_count) VALUES (?,?,?,?,?,?,1)
ON CONFLICT(project_id,phase) DO UPDATE SET
	status=excluded.status,
	decided_by=excluded.decided_by,
	decided_at=excluded.decided_at,
	notes=COALESCE(excluded.notes, approvals.notes),
	executor_submitted=0,
	executor_submitted_at=NULL,
	revert_count=approvals.revert_count+1`,
		projectID, phase, domain.ApprovalRevertedToExecutor, decidedBy, decidedAt, nullable(notes))
	return err
}

func (r Repo) InsertEvent(ctx context.Context, e domain.Event) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		e.TS, e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), e.ActorID, e.Payload)
	return err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projID, entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projID, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projID.Valid {
			e.ProjectID = projID.String
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

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
