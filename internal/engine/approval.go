package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/repo"
)

type SubmitResult struct {
	Approval     domain.Approval
	Accumulated  bool
	DefectsAdded int
}

// Submit records a role's checklist submission and, when the review pairing
// is complete, runs defect accumulation over the current answers.
//
// Accumulation triggers on every reviewer submission, and on an executor
// submission only when the reviewer has already submitted this cycle. An
// executor submitting after a revert first clears the reviewer's stale
// submission and returns the approval to pending.
func (e Engine) Submit(ctx context.Context, projectID string, phase int, role, actorID string) (SubmitResult, error) {
	if role != domain.RoleExecutor && role != domain.RoleReviewer {
		return SubmitResult{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if phase < 1 {
		return SubmitResult{}, ErrInvalidPhase
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseByNumberTx(ctx, tx, projectID, phase)
	if err != nil {
		return SubmitResult{}, err
	}
	prior, err := e.Repo.GetApprovalTx(ctx, tx, projectID, phase)
	if err != nil && err != repo.ErrNotFound {
		return SubmitResult{}, err
	}
	now := e.ts()
	if err := e.Repo.UpsertApprovalSubmissionTx(ctx, tx, projectID, phase, role, now); err != nil {
		return SubmitResult{}, err
	}

	accumulate := role == domain.RoleReviewer
	if role == domain.RoleExecutor {
		if prior.Status == domain.ApprovalRevertedToExecutor {
			if err := e.Repo.ResetApprovalReviewerTx(ctx, tx, projectID, phase); err != nil {
				return SubmitResult{}, err
			}
		} else {
			accumulate = prior.ReviewerSubmitted
		}
	}

	res := SubmitResult{Accumulated: accumulate}
	if accumulate {
		cl, err := e.Repo.GetChecklistByPhaseTx(ctx, tx, projectID, ph.ID)
		if err == nil {
			res.DefectsAdded = AccumulateDefects(cl.Groups)
			if err := e.Repo.UpdateChecklistGroupsTx(ctx, tx, cl.ID, cl.Groups, cl.CurrentIteration, now); err != nil {
				return SubmitResult{}, err
			}
		} else if err != repo.ErrNotFound {
			return SubmitResult{}, err
		}
	}
	if err := e.appendEvent(ctx, tx, "checklist.submitted", projectID, "phase", ph.ID, actorID, events.EventPayload{
		"phase": phase, "role": role, "defects_added": res.DefectsAdded,
	}); err != nil {
		return SubmitResult{}, err
	}
	a, err := e.Repo.GetApprovalTx(ctx, tx, projectID, phase)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, err
	}
	res.Approval = a
	return res, nil
}

// RequestApproval marks the phase as awaiting a decision.
func (e Engine) RequestApproval(ctx context.Context, projectID string, phase int, notes, actorID string) (domain.Approval, error) {
	if phase < 1 {
		return domain.Approval{}, ErrInvalidPhase
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseByNumberTx(ctx, tx, projectID, phase)
	if err != nil {
		return domain.Approval{}, err
	}
	if err := e.Repo.UpsertApprovalRequestTx(ctx, tx, projectID, phase, e.ts(), notes); err != nil {
		return domain.Approval{}, err
	}
	if err := e.appendEvent(ctx, tx, "approval.requested", projectID, "phase", ph.ID, actorID, events.EventPayload{"phase": phase}); err != nil {
		return domain.Approval{}, err
	}
	a, err := e.Repo.GetApprovalTx(ctx, tx, projectID, phase)
	if err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	return a, nil
}

// Approve marks the approval approved, completes the phase, and activates the
// next phase; when no next phase exists the whole project completes.
func (e Engine) Approve(ctx context.Context, projectID string, phase int, actorID string) (domain.Approval, error) {
	if phase < 1 {
		return domain.Approval{}, ErrInvalidPhase
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseByNumberTx(ctx, tx, projectID, phase)
	if err != nil {
		return domain.Approval{}, err
	}
	now := e.ts()
	if err := e.Repo.DecideApprovalTx(ctx, tx, projectID, phase, domain.ApprovalApproved, actorID, now, ""); err != nil {
		return domain.Approval{}, err
	}
	if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, ph.ID, domain.StatusCompleted); err != nil {
		return domain.Approval{}, err
	}
	if err := e.appendEvent(ctx, tx, "phase.approved", projectID, "phase", ph.ID, actorID, events.EventPayload{"phase": phase}); err != nil {
		return domain.Approval{}, err
	}
	next, err := e.Repo.GetPhaseByNumberTx(ctx, tx, projectID, phase+1)
	switch {
	case err == nil:
		if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, next.ID, domain.StatusInProgress); err != nil {
			return domain.Approval{}, err
		}
		if err := e.appendEvent(ctx, tx, "phase.activated", projectID, "phase", next.ID, actorID, events.EventPayload{"number": next.Number}); err != nil {
			return domain.Approval{}, err
		}
	case err == repo.ErrNotFound:
		if err := e.Repo.UpdateProjectStatusTx(ctx, tx, projectID, domain.StatusCompleted, now); err != nil {
			return domain.Approval{}, err
		}
		if err := e.appendEvent(ctx, tx, "project.completed", projectID, "project", projectID, actorID, nil); err != nil {
			return domain.Approval{}, err
		}
	default:
		return domain.Approval{}, err
	}
	a, err := e.Repo.GetApprovalTx(ctx, tx, projectID, phase)
	if err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	return a, nil
}

type RevertResult struct {
	Approval         domain.Approval
	IterationNumber  int
	CurrentIteration int
	ConflictCount    int
}

// RevertToExecutor sends the phase back to the executor: the current answer
// document is archived as an immutable iteration snapshot, the iteration
// counter advances, the executor's submission is cleared, and both the
// approval's revert_count and the phase's conflict_count are bumped
// atomically.
func (e Engine) RevertToExecutor(ctx context.Context, projectID string, phase int, actorID, notes string) (RevertResult, error) {
	if phase < 1 {
		return RevertResult{}, ErrInvalidPhase
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RevertResult{}, err
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseByNumberTx(ctx, tx, projectID, phase)
	if err != nil {
		return RevertResult{}, err
	}
	cl, err := e.Repo.GetChecklistByPhaseTx(ctx, tx, projectID, ph.ID)
	if err != nil {
		return RevertResult{}, err
	}
	prior, err := e.Repo.GetApprovalTx(ctx, tx, projectID, phase)
	if err != nil && err != repo.ErrNotFound {
		return RevertResult{}, err
	}
	now := e.ts()
	it := domain.Iteration{
		ID:                  uuid.NewString(),
		ChecklistID:         cl.ID,
		Number:              cl.CurrentIteration,
		Groups:              domain.CloneGroups(cl.Groups),
		RevertedAt:          now,
		RevertedBy:          actorID,
		RevertNotes:         notes,
		ExecutorSubmittedAt: prior.ExecutorSubmittedAt,
		ReviewerSubmittedAt: prior.ReviewerSubmittedAt,
	}
	if err := e.Repo.InsertIterationTx(ctx, tx, it); err != nil {
		return RevertResult{}, fmt.Errorf("archive iteration %d: %w", it.Number, err)
	}
	if err := e.Repo.UpdateChecklistGroupsTx(ctx, tx, cl.ID, cl.Groups, cl.CurrentIteration+1, now); err != nil {
		return RevertResult{}, err
	}
	if err := e.Repo.RevertApprovalTx(ctx, tx, projectID, phase, actorID, now, notes); err != nil {
		return RevertResult{}, err
	}
	if err := e.Repo.IncrementPhaseConflictTx(ctx, tx, ph.ID); err != nil {
		return RevertResult{}, err
	}
	if err := e.appendEvent(ctx, tx, "phase.reverted", projectID, "phase", ph.ID, actorID, events.EventPayload{
		"phase": phase, "iteration": it.Number,
	}); err != nil {
		return RevertResult{}, err
	}
	a, err := e.Repo.GetApprovalTx(ctx, tx, projectID, phase)
	if err != nil {
		return RevertResult{}, err
	}
	ph, err = e.Repo.GetPhaseByNumberTx(ctx, tx, projectID, phase)
	if err != nil {
		return RevertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RevertResult{}, err
	}
	return RevertResult{
		Approval:         a,
		IterationNumber:  it.Number,
		CurrentIteration: cl.CurrentIteration + 1,
		ConflictCount:    ph.ConflictCount,
	}, nil
}

// RevertByLeader is intentionally disabled: only the reviewer may send a
// phase back.
func (e Engine) RevertByLeader(ctx context.Context, projectID string, phase int, actorID, notes string) error {
	return ErrLeaderRevertDisabled
}

// ApprovalStatus returns the approval record, or a pending zero record when
// none has been created yet.
func (e Engine) ApprovalStatus(ctx context.Context, projectID string, phase int) (domain.Approval, error) {
	if phase < 1 {
		return domain.Approval{}, ErrInvalidPhase
	}
	a, err := e.Repo.GetApproval(ctx, projectID, phase)
	if err == repo.ErrNotFound {
		return domain.Approval{ProjectID: projectID, Phase: phase, Status: domain.ApprovalPending}, nil
	}
	return a, err
}

func (e Engine) RevertCount(ctx context.Context, projectID string, phase int) (int, error) {
	a, err := e.ApprovalStatus(ctx, projectID, phase)
	if err != nil {
		return 0, err
	}
	return a.RevertCount, nil
}

// SubmissionStatus is the per-role submission view of a phase.
type SubmissionStatus struct {
	ExecutorSubmitted   bool    `json:"executor_submitted"`
	ExecutorSubmittedAt *string `json:"executor_submitted_at,omitempty"`
	ReviewerSubmitted   bool    `json:"reviewer_submitted"`
	ReviewerSubmittedAt *string `json:"reviewer_submitted_at,omitempty"`
	BothSubmitted       bool    `json:"both_submitted"`
}

func (e Engine) PhaseSubmissionStatus(ctx context.Context, projectID string, phase int) (SubmissionStatus, error) {
	a, err := e.ApprovalStatus(ctx, projectID, phase)
	if err != nil {
		return SubmissionStatus{}, err
	}
	return SubmissionStatus{
		ExecutorSubmitted:   a.ExecutorSubmitted,
		ExecutorSubmittedAt: a.ExecutorSubmittedAt,
		ReviewerSubmitted:   a.ReviewerSubmitted,
		ReviewerSubmittedAt: a.ReviewerSubmittedAt,
		BothSubmitted:       a.ExecutorSubmitted && a.ReviewerSubmitted,
	}, nil
}

// CompareResult summarizes executor/reviewer agreement over the questions
// both sides have answered.
type CompareResult struct {
	Match            bool `json:"match"`
	Compared         int  `json:"compared"`
	Mismatches       int  `json:"mismatches"`
	ExecutorAnswered int  `json:"executor_answered"`
	ReviewerAnswered int  `json:"reviewer_answered"`
}

// CompareAnswers checks role agreement on the live checklist. A phase with no
// checklist yet compares clean.
func (e Engine) CompareAnswers(ctx context.Context, projectID string, phase int) (CompareResult, error) {
	res := CompareResult{Match: true}
	cl, err := e.checklistForPhase(ctx, projectID, phase)
	if err == repo.ErrNotFound {
		return res, nil
	}
	if err != nil {
		return CompareResult{}, err
	}
	walkQuestions(cl.Groups, func(q *domain.Question) {
		if q.ExecutorAnswer != "" {
			res.ExecutorAnswered++
		}
		if q.ReviewerAnswer != "" {
			res.ReviewerAnswered++
		}
		if q.ExecutorAnswer != "" && q.ReviewerAnswer != "" {
			res.Compared++
			if q.ExecutorAnswer != q.ReviewerAnswer {
				res.Mismatches++
			}
		}
	})
	res.Match = res.Mismatches == 0
	return res, nil
}

// IterationHistory is the archive of a phase's review cycles plus the live
// cycle number.
type IterationHistory struct {
	CurrentIteration int                `json:"current_iteration"`
	Iterations       []domain.Iteration `json:"iterations"`
}

// ListIterations returns archived snapshots in ascending order. A phase with
// no checklist has an empty history.
func (e Engine) ListIterations(ctx context.Context, projectID string, phase int) (IterationHistory, error) {
	cl, err := e.checklistForPhase(ctx, projectID, phase)
	if err == repo.ErrNotFound {
		return IterationHistory{}, nil
	}
	if err != nil {
		return IterationHistory{}, err
	}
	its, err := e.Repo.ListIterations(ctx, cl.ID)
	if err != nil {
		return IterationHistory{}, err
	}
	return IterationHistory{CurrentIteration: cl.CurrentIteration, Iterations: its}, nil
}
