package engine

import (
	"context"
	"fmt"
	"log"

	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/repo"
)

// Allowed answer values per role. Empty string clears the answer.
var (
	executorAnswers  = map[string]bool{"": true, "Yes": true, "No": true, "NA": true}
	reviewerAnswers  = map[string]bool{"": true, "Yes": true, "No": true}
	reviewerStatuses = map[string]bool{"": true, "Approved": true, "Rejected": true}
)

// AnswerUpdate is a partial update of one question for one role. Nil fields
// are left untouched. QuestionID is authoritative; Question (the text) is a
// fallback for callers that predate generated ids.
type AnswerUpdate struct {
	QuestionID string
	Question   string
	Answer     *string
	Remark     *string
	Status     *string
	Images     *[]string
	Severity   *string
	CategoryID *string
}

type SaveAnswersOptions struct {
	ProjectID string
	Phase     int
	Role      string
	ActorID   string
	Answers   []AnswerUpdate
}

type SaveResult struct {
	Checklist     domain.Checklist
	Updated       int
	Missing       []string
	RemovedImages []string
}

// SaveAnswers applies partial per-question updates for one role. Updates that
// match no question are reported in Missing, not errored; replaced image ids
// are deleted best-effort after commit. Defect counters are never touched
// here.
func (e Engine) SaveAnswers(ctx context.Context, opts SaveAnswersOptions) (SaveResult, error) {
	if opts.Role != domain.RoleExecutor && opts.Role != domain.RoleReviewer {
		return SaveResult{}, fmt.Errorf("%w: %q", ErrInvalidRole, opts.Role)
	}
	for _, u := range opts.Answers {
		if err := validateUpdate(opts.Role, u); err != nil {
			return SaveResult{}, err
		}
	}
	cl, err := e.EnsureChecklist(ctx, opts.ProjectID, opts.Phase)
	if err != nil {
		return SaveResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SaveResult{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseByNumberTx(ctx, tx, opts.ProjectID, opts.Phase)
	if err != nil {
		return SaveResult{}, err
	}
	cl, err = e.Repo.GetChecklistByPhaseTx(ctx, tx, opts.ProjectID, ph.ID)
	if err != nil {
		return SaveResult{}, err
	}

	res := SaveResult{}
	now := e.ts()
	for _, u := range opts.Answers {
		q := findQuestion(cl.Groups, u.QuestionID, u.Question)
		if q == nil {
			key := u.QuestionID
			if key == "" {
				key = u.Question
			}
			res.Missing = append(res.Missing, key)
			continue
		}
		res.RemovedImages = append(res.RemovedImages, applyUpdate(q, opts.Role, u)...)
		if opts.Role == domain.RoleExecutor {
			q.AnsweredBy.Executor = opts.ActorID
			q.AnsweredAt.Executor = now
		} else {
			q.AnsweredBy.Reviewer = opts.ActorID
			q.AnsweredAt.Reviewer = now
		}
		res.Updated++
	}
	if err := e.Repo.UpdateChecklistGroupsTx(ctx, tx, cl.ID, cl.Groups, cl.CurrentIteration, now); err != nil {
		return SaveResult{}, err
	}
	if err := e.appendEvent(ctx, tx, "answer.saved", opts.ProjectID, "checklist", cl.ID, opts.ActorID, events.EventPayload{
		"phase": opts.Phase, "role": opts.Role, "updated": res.Updated,
	}); err != nil {
		return SaveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SaveResult{}, err
	}
	cl.UpdatedAt = now
	res.Checklist = cl

	// Replaced attachments are cleaned up outside the transaction; a failed
	// delete leaves an orphaned blob, never a failed save.
	for _, id := range res.RemovedImages {
		if err := e.Repo.DeleteImage(ctx, id); err != nil && err != repo.ErrNotFound {
			log.Printf("delete image %s: %v", id, err)
		}
	}
	return res, nil
}

func validateUpdate(role string, u AnswerUpdate) error {
	if u.QuestionID == "" && u.Question == "" {
		return fmt.Errorf("%w: update has neither question id nor text", ErrInvalidAnswer)
	}
	if u.Answer != nil {
		allowed := executorAnswers
		if role == domain.RoleReviewer {
			allowed = reviewerAnswers
		}
		if !allowed[*u.Answer] {
			return fmt.Errorf("%w: %q for role %s", ErrInvalidAnswer, *u.Answer, role)
		}
	}
	if u.Status != nil {
		if role != domain.RoleReviewer {
			return fmt.Errorf("%w: status is reviewer-only", ErrInvalidAnswer)
		}
		if !reviewerStatuses[*u.Status] {
			return fmt.Errorf("%w: status %q", ErrInvalidAnswer, *u.Status)
		}
	}
	return nil
}

// applyUpdate mutates one question side in place and returns ids of images
// dropped by an image-list replacement.
func applyUpdate(q *domain.Question, role string, u AnswerUpdate) []string {
	var removed []string
	if role == domain.RoleExecutor {
		if u.Answer != nil {
			q.ExecutorAnswer = *u.Answer
		}
		if u.Remark != nil {
			q.ExecutorRemark = *u.Remark
		}
		if u.Images != nil {
			removed = droppedIDs(q.ExecutorImages, *u.Images)
			q.ExecutorImages = append([]string(nil), (*u.Images)...)
		}
	} else {
		if u.Answer != nil {
			q.ReviewerAnswer = *u.Answer
		}
		if u.Remark != nil {
			q.ReviewerRemark = *u.Remark
		}
		if u.Status != nil {
			q.ReviewerStatus = *u.Status
		}
		if u.Images != nil {
			removed = droppedIDs(q.ReviewerImages, *u.Images)
			q.ReviewerImages = append([]string(nil), (*u.Images)...)
		}
	}
	if u.Severity != nil {
		q.Severity = *u.Severity
	}
	if u.CategoryID != nil {
		q.CategoryID = *u.CategoryID
	}
	return removed
}

func droppedIDs(old, next []string) []string {
	keep := make(map[string]bool, len(next))
	for _, id := range next {
		keep[id] = true
	}
	var dropped []string
	for _, id := range old {
		if !keep[id] {
			dropped = append(dropped, id)
		}
	}
	return dropped
}

// findQuestion looks a question up by id across groups and sections, falling
// back to exact text match for callers without ids.
func findQuestion(groups []domain.Group, id, text string) *domain.Question {
	if id != "" {
		if q := matchQuestion(groups, func(q *domain.Question) bool { return q.ID == id }); q != nil {
			return q
		}
	}
	if text != "" {
		return matchQuestion(groups, func(q *domain.Question) bool { return q.Text == text })
	}
	return nil
}

func matchQuestion(groups []domain.Group, match func(*domain.Question) bool) *domain.Question {
	for gi := range groups {
		g := &groups[gi]
		for qi := range g.Questions {
			if match(&g.Questions[qi]) {
				return &g.Questions[qi]
			}
		}
		for si := range g.Sections {
			s := &g.Sections[si]
			for qi := range s.Questions {
				if match(&s.Questions[qi]) {
					return &s.Questions[qi]
				}
			}
		}
	}
	return nil
}

// RoleAnswers is one role's view of a question.
type RoleAnswers struct {
	QuestionID string   `json:"question_id"`
	Question   string   `json:"question"`
	Answer     string   `json:"answer,omitempty"`
	Remark     string   `json:"remark,omitempty"`
	Status     string   `json:"status,omitempty"`
	Images     []string `json:"images,omitempty"`
	AnsweredBy string   `json:"answered_by,omitempty"`
	AnsweredAt string   `json:"answered_at,omitempty"`
}

// ChecklistAnswers returns one role's answers keyed by question id. A missing
// phase or checklist yields an empty map, not an error.
func (e Engine) ChecklistAnswers(ctx context.Context, projectID string, phase int, role string) (map[string]RoleAnswers, error) {
	if role != domain.RoleExecutor && role != domain.RoleReviewer {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	res := map[string]RoleAnswers{}
	cl, err := e.checklistForPhase(ctx, projectID, phase)
	if err == repo.ErrNotFound {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	walkQuestions(cl.Groups, func(q *domain.Question) {
		ra := RoleAnswers{QuestionID: q.ID, Question: q.Text}
		if role == domain.RoleExecutor {
			ra.Answer = q.ExecutorAnswer
			ra.Remark = q.ExecutorRemark
			ra.Images = q.ExecutorImages
			ra.AnsweredBy = q.AnsweredBy.Executor
			ra.AnsweredAt = q.AnsweredAt.Executor
		} else {
			ra.Answer = q.ReviewerAnswer
			ra.Remark = q.ReviewerRemark
			ra.Status = q.ReviewerStatus
			ra.Images = q.ReviewerImages
			ra.AnsweredBy = q.AnsweredBy.Reviewer
			ra.AnsweredAt = q.AnsweredAt.Reviewer
		}
		res[q.ID] = ra
	})
	return res, nil
}

func (e Engine) checklistForPhase(ctx context.Context, projectID string, phase int) (domain.Checklist, error) {
	if phase < 1 {
		return domain.Checklist{}, ErrInvalidPhase
	}
	ph, err := e.Repo.GetPhaseByNumber(ctx, projectID, phase)
	if err != nil {
		return domain.Checklist{}, err
	}
	return e.Repo.GetChecklistByPhase(ctx, projectID, ph.ID)
}

func walkQuestions(groups []domain.Group, fn func(*domain.Question)) {
	for gi := range groups {
		g := &groups[gi]
		for qi := range g.Questions {
			fn(&g.Questions[qi])
		}
		for si := range g.Sections {
			s := &g.Sections[si]
			for qi := range s.Questions {
				fn(&s.Questions[qi])
			}
		}
	}
}
