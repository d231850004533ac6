package engine

import (
	"context"

	"reviewline/internal/domain"
	"reviewline/internal/repo"
)

type GroupDefects struct {
	Name        string `json:"name"`
	Questions   int    `json:"questions"`
	DefectCount int    `json:"defect_count"`
}

type IterationDefects struct {
	Number     int  `json:"number"`
	NewDefects int  `json:"new_defects"`
	Live       bool `json:"live,omitempty"`
}

type PhaseAnalysis struct {
	Phase            int                `json:"phase"`
	Name             string             `json:"name"`
	Status           string             `json:"status"`
	Questions        int                `json:"questions"`
	Answered         int                `json:"answered"`
	DefectCount      int                `json:"defect_count"`
	DefectRate       float64            `json:"defect_rate"`
	ConflictCount    int                `json:"conflict_count"`
	RevertCount      int                `json:"revert_count"`
	CurrentIteration int                `json:"current_iteration"`
	Groups           []GroupDefects     `json:"groups,omitempty"`
	Iterations       []IterationDefects `json:"iterations,omitempty"`
}

type Analysis struct {
	ProjectID       string          `json:"project_id"`
	ProjectStatus   string          `json:"project_status"`
	TotalPhases     int             `json:"total_phases"`
	CompletedPhases int             `json:"completed_phases"`
	TotalQuestions  int             `json:"total_questions"`
	TotalDefects    int             `json:"total_defects"`
	Phases          []PhaseAnalysis `json:"phases"`
}

// ProjectAnalysis aggregates defect statistics across the project. Per-
// iteration new-defect figures are derived as deltas of the cumulative group
// counters between consecutive snapshots; the live checklist contributes the
// final delta.
func (e Engine) ProjectAnalysis(ctx context.Context, projectID string) (Analysis, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return Analysis{}, err
	}
	phases, err := e.Repo.ListPhases(ctx, projectID)
	if err != nil {
		return Analysis{}, err
	}
	res := Analysis{ProjectID: p.ID, ProjectStatus: p.Status, TotalPhases: len(phases)}
	for _, ph := range phases {
		pa := PhaseAnalysis{
			Phase:         ph.Number,
			Name:          ph.Name,
			Status:        ph.Status,
			ConflictCount: ph.ConflictCount,
		}
		if ph.Status == domain.StatusCompleted {
			res.CompletedPhases++
		}
		a, err := e.Repo.GetApproval(ctx, projectID, ph.Number)
		if err == nil {
			pa.RevertCount = a.RevertCount
		} else if err != repo.ErrNotFound {
			return Analysis{}, err
		}
		cl, err := e.Repo.GetChecklistByPhase(ctx, projectID, ph.ID)
		if err == repo.ErrNotFound {
			res.Phases = append(res.Phases, pa)
			continue
		}
		if err != nil {
			return Analysis{}, err
		}
		pa.CurrentIteration = cl.CurrentIteration
		walkQuestions(cl.Groups, func(q *domain.Question) {
			pa.Questions++
			if q.ExecutorAnswer != "" {
				pa.Answered++
			}
		})
		for _, g := range cl.Groups {
			gd := GroupDefects{Name: g.Name, DefectCount: g.DefectCount}
			gd.Questions = len(g.Questions)
			for _, s := range g.Sections {
				gd.Questions += len(s.Questions)
			}
			pa.Groups = append(pa.Groups, gd)
		}
		pa.DefectCount = TotalDefects(cl.Groups)
		if pa.Questions > 0 {
			pa.DefectRate = float64(pa.DefectCount) / float64(pa.Questions)
		}
		its, err := e.Repo.ListIterations(ctx, cl.ID)
		if err != nil {
			return Analysis{}, err
		}
		pa.Iterations = iterationDeltas(its, cl)
		res.TotalQuestions += pa.Questions
		res.TotalDefects += pa.DefectCount
		res.Phases = append(res.Phases, pa)
	}
	return res, nil
}

// iterationDeltas turns the cumulative counters of consecutive snapshots into
// per-cycle new-defect figures. Counters never decrease, so each delta is the
// number of defects first recorded in that cycle.
func iterationDeltas(its []domain.Iteration, live domain.Checklist) []IterationDefects {
	var out []IterationDefects
	prev := 0
	for _, it := range its {
		total := TotalDefects(it.Groups)
		out = append(out, IterationDefects{Number: it.Number, NewDefects: total - prev})
		prev = total
	}
	out = append(out, IterationDefects{
		Number:     live.CurrentIteration,
		NewDefects: TotalDefects(live.Groups) - prev,
		Live:       true,
	})
	return out
}
