package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/repo"
	"reviewline/internal/template"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

var (
	ErrTemplateMissing      = errors.New("checklist template not configured")
	ErrInvalidAnswer        = errors.New("invalid answer value")
	ErrInvalidPhase         = errors.New("invalid phase")
	ErrInvalidRole          = errors.New("invalid role")
	ErrLeaderRevertDisabled = errors.New("leader revert is disabled")
)

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// appendEvent writes an audit event on the engine's clock, so event rows and
// the entity rows they describe carry the same timestamps.
func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload)
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID              string
	ProjectNo       string
	InternalOrderNo string
	Name            string
	Description     string
	Priority        string
	ActorID         string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.ts()
	p := domain.Project{
		ID:              id,
		ProjectNo:       opts.ProjectNo,
		InternalOrderNo: opts.InternalOrderNo,
		Name:            opts.Name,
		Description:     opts.Description,
		Status:          domain.StatusPending,
		Priority:        opts.Priority,
		CreatedBy:       opts.ActorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,project_no,internal_order_no,name,description,status,priority,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, nullable(p.ProjectNo), nullable(p.InternalOrderNo), p.Name, nullable(p.Description), p.Status, p.Priority, nullable(p.CreatedBy), p.CreatedAt, p.UpdatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.appendEvent(ctx, tx, "project.created", p.ID, "project", p.ID, opts.ActorID, events.EventPayload{"name": p.Name, "status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) Project(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context, status string, limit int) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, repo.ProjectFilters{Status: status, Limit: limit})
}

// ProjectUpdateOptions carries partial project fields; nil means unchanged.
type ProjectUpdateOptions struct {
	Name        *string
	Description *string
	Priority    *string
	ActorID     string
}

func (e Engine) UpdateProject(ctx context.Context, id string, opts ProjectUpdateOptions) (domain.Project, error) {
	if opts.Name != nil && *opts.Name == "" {
		return domain.Project{}, errors.New("name must not be empty")
	}
	if err := e.Repo.UpdateProject(ctx, id, opts.Name, opts.Description, opts.Priority, nil, e.ts()); err != nil {
		return domain.Project{}, err
	}
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.InsertEvent(ctx, domain.Event{
		TS: e.ts(), Type: "project.updated", ProjectID: id, EntityKind: "project", EntityID: id, ActorID: opts.ActorID, Payload: "{}",
	}); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// DeleteProject removes the project and everything hanging off it: phases,
// checklists, iterations and approvals cascade in SQL.
func (e Engine) DeleteProject(ctx context.Context, id, actorID string) error {
	if err := e.Repo.DeleteProject(ctx, id); err != nil {
		return err
	}
	return e.Repo.InsertEvent(ctx, domain.Event{
		TS: e.ts(), Type: "project.deleted", ProjectID: id, EntityKind: "project", EntityID: id, ActorID: actorID, Payload: "{}",
	})
}

// StartProject moves a pending project to in_progress and creates one phase
// per template stage, first stage active and the rest pending. Calling it on
// an already started project returns the existing phases.
func (e Engine) StartProject(ctx context.Context, projectID, actorID string) ([]domain.Phase, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	existing, err := e.Repo.ListPhasesTx(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, tx.Commit()
	}
	tpl, err := e.Repo.GetTemplateTx(ctx, tx)
	if err == repo.ErrNotFound {
		return nil, ErrTemplateMissing
	}
	if err != nil {
		return nil, err
	}
	now := e.ts()
	stages := append([]template.Stage(nil), tpl.Stages...)
	sort.Slice(stages, func(i, j int) bool { return stages[i].Number < stages[j].Number })

	var phases []domain.Phase
	for i, st := range stages {
		ph := domain.Phase{
			ID:        uuid.NewString(),
			ProjectID: p.ID,
			Number:    st.Number,
			Name:      st.Name,
			Status:    domain.StatusPending,
			CreatedAt: now,
		}
		if i == 0 {
			ph.Status = domain.StatusInProgress
		}
		if err := e.Repo.InsertPhaseTx(ctx, tx, ph); err != nil {
			return nil, fmt.Errorf("insert phase %d: %w", st.Number, err)
		}
		phases = append(phases, ph)
	}
	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, p.ID, domain.StatusInProgress, now); err != nil {
		return nil, err
	}
	if err := e.appendEvent(ctx, tx, "project.started", p.ID, "project", p.ID, actorID, events.EventPayload{"phases": len(phases)}); err != nil {
		return nil, err
	}
	if len(phases) > 0 {
		if err := e.appendEvent(ctx, tx, "phase.activated", p.ID, "phase", phases[0].ID, actorID, events.EventPayload{"number": phases[0].Number}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return phases, nil
}

func (e Engine) ListPhases(ctx context.Context, projectID string) ([]domain.Phase, error) {
	return e.Repo.ListPhases(ctx, projectID)
}

func (e Engine) Phase(ctx context.Context, projectID string, number int) (domain.Phase, error) {
	if number < 1 {
		return domain.Phase{}, ErrInvalidPhase
	}
	return e.Repo.GetPhaseByNumber(ctx, projectID, number)
}

// EnsureChecklist materializes the checklist for a phase from the template,
// or returns the existing one. Concurrent callers race on the unique
// (project_id, phase_id) constraint; the loser re-reads the winner's row.
func (e Engine) EnsureChecklist(ctx context.Context, projectID string, phase int) (domain.Checklist, error) {
	if phase < 1 {
		return domain.Checklist{}, ErrInvalidPhase
	}
	ph, err := e.Repo.GetPhaseByNumber(ctx, projectID, phase)
	if err != nil {
		return domain.Checklist{}, err
	}
	if cl, err := e.Repo.GetChecklistByPhase(ctx, projectID, ph.ID); err == nil {
		return cl, nil
	} else if err != repo.ErrNotFound {
		return domain.Checklist{}, err
	}
	tpl, err := e.Repo.GetTemplate(ctx)
	if err == repo.ErrNotFound {
		return domain.Checklist{}, ErrTemplateMissing
	}
	if err != nil {
		return domain.Checklist{}, err
	}
	stage := tpl.Stage(phase)
	if stage == nil {
		return domain.Checklist{}, fmt.Errorf("%w: template has no stage %d", ErrInvalidPhase, phase)
	}
	now := e.ts()
	cl := domain.Checklist{
		ID:               uuid.NewString(),
		ProjectID:        projectID,
		PhaseID:          ph.ID,
		Groups:           materializeGroups(stage),
		CurrentIteration: 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checklist{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertChecklistTx(ctx, tx, cl); err != nil {
		// Unique constraint: someone else materialized first.
		tx.Rollback()
		if existing, rerr := e.Repo.GetChecklistByPhase(ctx, projectID, ph.ID); rerr == nil {
			return existing, nil
		}
		return domain.Checklist{}, fmt.Errorf("insert checklist: %w", err)
	}
	if err := e.appendEvent(ctx, tx, "checklist.materialized", projectID, "checklist", cl.ID, "", events.EventPayload{"phase": phase}); err != nil {
		return domain.Checklist{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Checklist{}, err
	}
	return cl, nil
}

// materializeGroups deep-copies the template subtree for one stage. Every
// question gets a fresh uuid; defect counters start at zero.
func materializeGroups(stage *template.Stage) []domain.Group {
	groups := make([]domain.Group, 0, len(stage.Groups))
	for _, g := range stage.Groups {
		dg := domain.Group{Name: g.Name}
		for _, q := range g.Questions {
			dg.Questions = append(dg.Questions, newQuestion(q))
		}
		for _, s := range g.Sections {
			ds := domain.Section{Name: s.Name}
			for _, q := range s.Questions {
				ds.Questions = append(ds.Questions, newQuestion(q))
			}
			dg.Sections = append(dg.Sections, ds)
		}
		groups = append(groups, dg)
	}
	return groups
}

func newQuestion(q template.Question) domain.Question {
	return domain.Question{
		ID:         uuid.NewString(),
		Text:       q.Text,
		CategoryID: q.CategoryID,
	}
}

// Template returns the stored checklist template.
func (e Engine) Template(ctx context.Context) (*template.Template, error) {
	return e.Repo.GetTemplate(ctx)
}

// SetTemplate replaces the stored template. Projects already started keep
// their materialized checklists.
func (e Engine) SetTemplate(ctx context.Context, t *template.Template, actorID string) error {
	if err := e.Repo.SaveTemplate(ctx, t, actorID, e.ts()); err != nil {
		return err
	}
	return e.Repo.InsertEvent(ctx, domain.Event{
		TS: e.ts(), Type: "template.updated", EntityKind: "template", EntityID: "1", ActorID: actorID, Payload: "{}",
	})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
