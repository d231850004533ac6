package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
	"reviewline/internal/template"
)

func testTemplate() *template.Template {
	return &template.Template{
		Name: "Two Stage Review",
		Stages: []template.Stage{
			{Number: 1, Name: "Development", Groups: []template.Group{{
				Name: "Build",
				Questions: []template.Question{
					{Text: "Code compiles"},
					{Text: "Tests pass"},
					{Text: "Docs updated"},
				},
			}}},
			{Number: 2, Name: "Release", Groups: []template.Group{{
				Name: "Ship",
				Questions: []template.Question{
					{Text: "Changelog written"},
				},
			}}},
		},
	}
}

func newEngine(t *testing.T, seedTemplate bool) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	if seedTemplate {
		if err := eng.Repo.SaveTemplate(context.Background(), testTemplate(), "tester", "2024-05-01T12:00:00Z"); err != nil {
			t.Fatalf("save template: %v", err)
		}
	}
	return eng
}

func startedProject(t *testing.T, eng engine.Engine) domain.Project {
	t.Helper()
	ctx := context.Background()
	p, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{Name: "Heat Pump QA", ActorID: "lead"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := eng.StartProject(ctx, p.ID, "lead"); err != nil {
		t.Fatalf("start project: %v", err)
	}
	return p
}

// saveAnswer sets one answer for one role, addressing the question by text.
func saveAnswer(t *testing.T, eng engine.Engine, projectID string, phase int, role, question, answer string) {
	t.Helper()
	res, err := eng.SaveAnswers(context.Background(), engine.SaveAnswersOptions{
		ProjectID: projectID,
		Phase:     phase,
		Role:      role,
		ActorID:   role + "-1",
		Answers:   []engine.AnswerUpdate{{Question: question, Answer: &answer}},
	})
	if err != nil {
		t.Fatalf("save %s answer %q: %v", role, question, err)
	}
	if len(res.Missing) != 0 {
		t.Fatalf("question %q not found: missing=%v", question, res.Missing)
	}
}

func TestStartProject(t *testing.T) {
	eng := newEngine(t, true)
	ctx := context.Background()

	p, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{Name: "Heat Pump QA", ActorID: "lead"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if p.Status != domain.StatusPending || p.Priority != "medium" {
		t.Fatalf("unexpected new project: status=%s priority=%s", p.Status, p.Priority)
	}

	phases, err := eng.StartProject(ctx, p.ID, "lead")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}
	if phases[0].Number != 1 || phases[0].Status != domain.StatusInProgress {
		t.Fatalf("first phase should be active: %+v", phases[0])
	}
	if phases[1].Status != domain.StatusPending {
		t.Fatalf("second phase should be pending: %+v", phases[1])
	}

	p, err = eng.Project(ctx, p.ID)
	if err != nil {
		t.Fatalf("reload project: %v", err)
	}
	if p.Status != domain.StatusInProgress {
		t.Fatalf("project should be in_progress, got %s", p.Status)
	}

	// Starting again is a no-op that returns the existing phases.
	again, err := eng.StartProject(ctx, p.ID, "lead")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if len(again) != 2 || again[0].ID != phases[0].ID {
		t.Fatalf("restart should return existing phases")
	}
}

func TestStartProjectWithoutTemplate(t *testing.T) {
	eng := newEngine(t, false)
	ctx := context.Background()
	p, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{Name: "No Template"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := eng.StartProject(ctx, p.ID, "lead"); !errors.Is(err, engine.ErrTemplateMissing) {
		t.Fatalf("expected ErrTemplateMissing, got %v", err)
	}
}

func TestEnsureChecklistMaterializesOnce(t *testing.T) {
	eng := newEngine(t, true)
	p := startedProject(t, eng)
	ctx := context.Background()

	cl, err := eng.EnsureChecklist(ctx, p.ID, 1)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if cl.CurrentIteration != 1 {
		t.Fatalf("current iteration should start at 1, got %d", cl.CurrentIteration)
	}
	if len(cl.Groups) != 1 || len(cl.Groups[0].Questions) != 3 {
		t.Fatalf("unexpected materialized groups: %+v", cl.Groups)
	}
	for _, q := range cl.Groups[0].Questions {
		if q.ID == "" {
			t.Fatalf("materialized question missing id: %+v", q)
		}
		if q.ExecutorAnswer != "" || q.ReviewerAnswer != "" {
			t.Fatalf("new question should be unanswered: %+v", q)
		}
	}
	if cl.Groups[0].DefectCount != 0 {
		t.Fatalf("new group should have zero defects")
	}

	again, err := eng.EnsureChecklist(ctx, p.ID, 1)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.ID != cl.ID {
		t.Fatalf("second ensure created a new checklist: %s vs %s", again.ID, cl.ID)
	}
}

func TestSaveAnswersValidation(t *testing.T) {
	eng := newEngine(t, true)
	p := startedProject(t, eng)
	ctx := context.Background()

	bad := "Maybe"
	_, err := eng.SaveAnswers(ctx, engine.SaveAnswersOptions{
		ProjectID: p.ID, Phase: 1, Role: domain.RoleExecutor,
		Answers: []engine.AnswerUpdate{{Question: "Code compiles", Answer: &bad}},
	})
	if !errors.Is(err, engine.ErrInvalidAnswer) {
		t.Fatalf("expected ErrInvalidAnswer, got %v", err)
	}

	// NA is executor-only.
	na := "NA"
	_, err = eng.SaveAnswers(ctx, engine.SaveAnswersOptions{
		ProjectID: p.ID, Phase: 1, Role: domain.RoleReviewer,
		Answers: []engine.AnswerUpdate{{Question: "Code compiles", Answer: &na}},
	})
	if !errors.Is(err, engine.ErrInvalidAnswer) {
		t.Fatalf("reviewer NA should be rejected, got %v", err)
	}

	// Status is reviewer-only.
	st := "Approved"
	_, err = eng.SaveAnswers(ctx, engine.SaveAnswersOptions{
		ProjectID: p.ID, Phase: 1, Role: domain.RoleExecutor,
		Answers: []engine.AnswerUpdate{{Question: "Code compiles", Status: &st}},
	})
	if !errors.Is(err, engine.ErrInvalidAnswer) {
		t.Fatalf("executor status should be rejected, got %v", err)
	}

	_, err = eng.SaveAnswers(ctx, engine.SaveAnswersOptions{
		ProjectID: p.ID, Phase: 1, Role: "manager",
		Answers: []engine.AnswerUpdate{{Question: "Code compiles", Answer: &na}},
	})
	if !errors.Is(err, engine.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}

	// Unknown questions are reported, not errored.
	yes := "Yes"
	res, err := eng.SaveAnswers(ctx, engine.SaveAnswersOptions{
		ProjectID: p.ID, Phase: 1, Role: domain.RoleExecutor, ActorID: "exec-1",
		Answers: []engine.AnswerUpdate{
			{Question: "Code compiles", Answer: &yes},
			{Question: "Nonexistent check", Answer: &yes},
		},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Updated != 1 || len(res.Missing) != 1 || res.Missing[0] != "Nonexistent check" {
		t.Fatalf("unexpected result: updated=%d missing=%v", res.Updated, res.Missing)
	}
}

func TestSaveAnswersKeepsRolesIndependent(t *testing.T) {
	eng := newEngine(t, true)
	p := startedProject(t, eng)
	ctx := context.Background()

	saveAnswer(t, eng, p.ID, 1, domain.RoleExecutor, "Code compiles", "Yes")
	saveAnswer(t, eng, p.ID, 1, domain.RoleReviewer, "Code compiles", "No")

	cl, err := eng.EnsureChecklist(ctx, p.ID, 1)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	q := cl.Groups[0].Questions[0]
	if q.ExecutorAnswer != "Yes" || q.ReviewerAnswer != "No" {
		t.Fatalf("role answers overwrote each other: %+v", q)
	}
	if q.AnsweredBy.Executor != "executor-1" || q.AnsweredBy.Reviewer != "reviewer-1" {
		t.Fatalf("audit stamps wrong: %+v", q.AnsweredBy)
	}
	if q.AnsweredAt.Executor == "" || q.AnsweredAt.Reviewer == "" {
		t.Fatalf("answered-at stamps missing: %+v", q.AnsweredAt)
	}

	// Lookup by generated id also works.
	yes := "Yes"
	res, err := eng.SaveAnswers(ctx, engine.SaveAnswersOptions{
		ProjectID: p.ID, Phase: 1, Role: domain.RoleReviewer, ActorID: "reviewer-1",
		Answers: []engine.AnswerUpdate{{QuestionID: q.ID, Answer: &yes}},
	})
	if err != nil || res.Updated != 1 {
		t.Fatalf("save by id: updated=%d err=%v", res.Updated, err)
	}
}

func TestDefectAccumulation(t *testing.T) {
	eng := newEngine(t, true)
	p := startedProject(t, eng)
	ctx := context.Background()

	// Executor: Yes, No, NA. Reviewer: Yes, Yes, No.
	// Mismatches: "Tests pass" (No/Yes) and "Docs updated" (NA/No).
	saveAnswer(t, eng, p.ID, 1, domain.RoleExecutor, "Code compiles", "Yes")
	saveAnswer(t, eng, p.ID, 1, domain.RoleExecutor, "Tests pass", "No")
	saveAnswer(t, eng, p.ID, 1, domain.RoleExecutor, "Docs updated", "NA")
	saveAnswer(t, eng, p.ID, 1, domain.RoleReviewer, "Code compiles", "Yes")
	saveAnswer(t, eng, p.ID, 1, domain.RoleReviewer, "Tests pass", "Yes")
	saveAnswer(t, eng, p.ID, 1, domain.RoleReviewer, "Docs updated", "No")

	// Executor submits first: reviewer has not submitted, nothing accumulates.
	res, err := eng.Submit(ctx, p.ID, 1, domain.RoleExecutor, "exec-1")
	if err != nil {
		t.Fatalf("executor submit: %v", err)
	}
	if res.Accumulated || res.DefectsAdded != 0 {
		t.Fatalf("executor-first submit must not accumulate: %+v", res)
	}
	if !res.Approval.ExecutorSubmitted || res.Approval.ReviewerSubmitted {
		t.Fatalf("unexpected submission flags: %+v", res.Approval)
	}

	// Reviewer submit always accumulates.
	res, err = eng.Submit(ctx, p.ID, 1, domain.RoleReviewer, "rev-1")
	if err != nil {
		t.Fatalf("reviewer submit: %v", err)
	}
	if !res.Accumulated || res.DefectsAdded != 2 {
		t.Fatalf("reviewer submit should add 2 defects: %+v", res)
	}

	cl, _ := eng.EnsureChecklist(ctx, p.ID, 1)
	if cl.Groups[0].DefectCount != 2 {
		t.Fatalf("group defect count should be 2, got %d", cl.Groups[0].DefectCount)
	}

	// Executor fixes one mismatch; resubmitting with the reviewer already
	// submitted accumulates the remaining mismatch on top, never subtracts.
	saveAnswer(t, eng, p.ID, 1, domain.RoleExecutor, "Tests pass", "Yes")
	res, err = eng.Submit(ctx, p.ID, 1, domain.RoleExecutor, "exec-1")
	if err != nil {
		t.Fatalf("executor resubmit: %v", err)
	}
	if !res.Accumulated || res.DefectsAdded != 1 {
		t.Fatalf("resubmit should add the 1 remaining mismatch: %+v", res)
	}
	cl, _ = eng.EnsureChecklist(ctx, p.ID, 1)
	if cl.Groups[0].DefectCount != 3 {
		t.Fatalf("defect count is cumulative, want 3 got %d", cl.Groups[0].DefectCount)
	}
}

func TestRevertArchivesIteration(t *testing.T) {
	eng := newEngine(t, true)
	p := startedProject(t, eng)
	ctx := context.Background()

	saveAnswer(t, eng, p.ID, 1, domain.RoleExecutor, "Code compiles", "Yes")
	saveAnswer(t, eng, p.ID, 1, domain.RoleReviewer, "Code compiles", "No")
	if _, err := eng.Submit(ctx, p.ID, 1, domain.RoleExecutor, "exec-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.Submit(ctx, p.ID, 1, domain.RoleReviewer, "rev-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res, err := eng.RevertToExecutor(ctx, p.ID, 1, "rev-1", "fix the build answer")
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if res.IterationNumber != 1 || res.CurrentIteration != 2 {
		t.Fatalf("unexpected iteration numbers: %+v", res)
	}
	if res.ConflictCount != 1 {
		t.Fatalf("phase conflict count should be 1, got %d", res.ConflictCount)
	}
	if res.Approval.Status != domain.ApprovalRevertedToExecutor {
		t.Fatalf("approval status: %s", res.Approval.Status)
	}
	if res.Approval.ExecutorSubmitted {
		t.Fatalf("revert must clear the executor submission")
	}
	if res.Approval.RevertCount != 1 {
		t.Fatalf("revert count should be 1, got %d", res.Approval.RevertCount)
	}

	// The snapshot is immutable: changing live answers afterwards must not
	// show up in the archived iteration.
	saveAnswer(t, eng, p.ID, 1, domain.RoleExecutor, "Code compiles", "No")
	hist, err := eng.ListIterations(ctx, p.ID, 1)
	if err != nil {
		t.Fatalf("list iterations: %v", err)
	}
	if hist.CurrentIteration != 2 || len(hist.Iterations) != 1 {
		t.Fatalf("unexpected history: current=%d n=%d", hist.CurrentIteration, len(hist.Iterations))
	}
	it := hist.Iterations[0]
	if it.Number != 1 || it.RevertNotes != "fix the build answer" {
		t.Fatalf("unexpected archived iteration: %+v", it)
	}
	if got := it.Groups[0].Questions[0].ExecutorAnswer; got != "Yes" {
		t.Fatalf("snapshot mutated after revert: %q", got)
	}
	if it.ExecutorSubmittedAt == nil || it.ReviewerSubmittedAt == nil {
		t.Fatalf("snapshot should carry the cycle's submission stamps")
	}

	// A second revert archives iteration 2.
	res, err = eng.RevertToExecutor(ctx, p.ID, 1, "rev-1", "again")
	if err != nil {
		t.Fatalf("second revert: %v", err)
	}
	if res.IterationNumber != 2 || res.CurrentIteration != 3 || res.Approval.RevertCount != 2 {
		t.Fatalf("unexpected second revert: %+v", res)
	}
}

func TestExecutorResubmitAfterRevert(t *testing.T) {
	eng := newEngine(t, true)
	p := startedProject(t, eng)
	ctx := context.Background()

	saveAnswer(t, eng, p.ID, 1, domain.RoleExecutor, "Code compiles", "Yes")
	saveAnswer(t, eng, p.ID, 1, domain.RoleReviewer, "Code compiles", "No")
	if _, err := eng.Submit(ctx, p.ID, 1, domain.RoleReviewer, "rev-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.RevertToExecutor(ctx, p.ID, 1, "rev-1", ""); err != nil {
		t.Fatalf("revert: %v", err)
	}

	// The executor's fresh submission starts a new cycle: the reviewer's
	// stale submission is cleared and no defects accumulate against it.
	res, err := eng.Submit(ctx, p.ID, 1, domain.RoleExecutor, "exec-1")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if res.Accumulated || res.DefectsAdded != 0 {
		t.Fatalf("post-revert executor submit must not accumulate: %+v", res)
	}
	if res.Approval.Status != domain.ApprovalPending {
		t.Fatalf("approval should return to pending, got %s", res.Approval.Status)
	}
	if !res.Approval.ExecutorSubmitted || res.Approval.ReviewerSubmitted {
		t.Fatalf("reviewer submission should be cleared: %+v", res.Approval)
	}
	if res.Approval.RevertCount != 1 {
		t.Fatalf("revert count must survive the reset, got %d", res.Approval.RevertCount)
	}
}

func TestApproveAdvancesPhases(t *testing.T) {
	eng := newEngine(t, true)
	p := startedProject(t, eng)
	ctx := context.Background()

	a, err := eng.Approve(ctx, p.ID, 1, "lead")
	if err != nil {
		t.Fatalf("approve phase 1: %v", err)
	}
	if a.Status != domain.ApprovalApproved {
		t.Fatalf("approval status: %s", a.Status)
	}
	phases, _ := eng.ListPhases(ctx, p.ID)
	if phases[0].Status != domain.StatusCompleted || phases[1].Status != domain.StatusInProgress {
		t.Fatalf("phase statuses after approve: %s / %s", phases[0].Status, phases[1].Status)
	}

	if _, err := eng.Approve(ctx, p.ID, 2, "lead"); err != nil {
		t.Fatalf("approve phase 2: %v", err)
	}
	proj, _ := eng.Project(ctx, p.ID)
	if proj.Status != domain.StatusCompleted {
		t.Fatalf("project should complete with its last phase, got %s", proj.Status)
	}
}

func TestLeaderRevertDisabled(t *testing.T) {
	eng := newEngine(t, true)
	p := startedProject(t, eng)
	err := eng.RevertByLeader(context.Background(), p.ID, 1, "leader-1", "no")
	if !errors.Is(err, engine.ErrLeaderRevertDisabled) {
		t.Fatalf("expected ErrLeaderRevertDisabled, got %v", err)
	}
}

func TestApprovalStatusDefaults(t *testing.T) {
	eng := newEngine(t, true)
	p := startedProject(t, eng)
	ctx := context.Background()

	a, err := eng.ApprovalStatus(ctx, p.ID, 1)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if a.Status != domain.ApprovalPending || a.ExecutorSubmitted || a.RevertCount != 0 {
		t.Fatalf("expected pending zero record, got %+v", a)
	}

	// No checklist yet: history and comparison degrade to empty.
	hist, err := eng.ListIterations(ctx, p.ID, 1)
	if err != nil {
		t.Fatalf("iterations: %v", err)
	}
	if len(hist.Iterations) != 0 {
		t.Fatalf("expected empty history: %+v", hist)
	}
	cmp, err := eng.CompareAnswers(ctx, p.ID, 1)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !cmp.Match || cmp.Compared != 0 {
		t.Fatalf("expected clean comparison: %+v", cmp)
	}
}

func TestCompareAnswers(t *testing.T) {
	eng := newEngine(t, true)
	p := startedProject(t, eng)
	ctx := context.Background()

	saveAnswer(t, eng, p.ID, 1, domain.RoleExecutor, "Code compiles", "Yes")
	saveAnswer(t, eng, p.ID, 1, domain.RoleExecutor, "Tests pass", "No")
	saveAnswer(t, eng, p.ID, 1, domain.RoleReviewer, "Code compiles", "Yes")
	saveAnswer(t, eng, p.ID, 1, domain.RoleReviewer, "Tests pass", "Yes")
	saveAnswer(t, eng, p.ID, 1, domain.RoleReviewer, "Docs updated", "No")

	cmp, err := eng.CompareAnswers(ctx, p.ID, 1)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if cmp.ExecutorAnswered != 2 || cmp.ReviewerAnswered != 3 {
		t.Fatalf("answered counts: %+v", cmp)
	}
	if cmp.Compared != 2 || cmp.Mismatches != 1 || cmp.Match {
		t.Fatalf("comparison: %+v", cmp)
	}
}

func TestImageAttachmentLifecycle(t *testing.T) {
	eng := newEngine(t, true)
	p := startedProject(t, eng)
	ctx := context.Background()

	cl, err := eng.EnsureChecklist(ctx, p.ID, 1)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	qid := cl.Groups[0].Questions[0].ID

	img1, err := eng.SaveImage(ctx, engine.ImageUploadOptions{
		QuestionID: qid, Role: domain.RoleExecutor, Filename: "before.png",
		Data: []byte("png-bytes"), ActorID: "exec-1",
	})
	if err != nil {
		t.Fatalf("save image: %v", err)
	}
	if img1.ContentType != "application/octet-stream" {
		t.Fatalf("default content type: %s", img1.ContentType)
	}

	imgs := []string{img1.ID}
	res, err := eng.SaveAnswers(ctx, engine.SaveAnswersOptions{
		ProjectID: p.ID, Phase: 1, Role: domain.RoleExecutor, ActorID: "exec-1",
		Answers: []engine.AnswerUpdate{{QuestionID: qid, Images: &imgs}},
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(res.RemovedImages) != 0 {
		t.Fatalf("attaching must not drop anything: %v", res.RemovedImages)
	}

	got, err := eng.Image(ctx, img1.ID)
	if err != nil {
		t.Fatalf("fetch image: %v", err)
	}
	if string(got.Data) != "png-bytes" {
		t.Fatalf("blob did not round-trip: %q", got.Data)
	}
	list, err := eng.QuestionImages(ctx, qid, domain.RoleExecutor)
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	if len(list) != 1 || len(list[0].Data) != 0 {
		t.Fatalf("listing should return metadata only: %+v", list)
	}

	// Replacing the list deletes the dropped blob after the save commits.
	img2, err := eng.SaveImage(ctx, engine.ImageUploadOptions{
		QuestionID: qid, Role: domain.RoleExecutor, Filename: "after.png",
		ContentType: "image/png", Data: []byte("png-bytes-2"), ActorID: "exec-1",
	})
	if err != nil {
		t.Fatalf("save second image: %v", err)
	}
	imgs = []string{img2.ID}
	res, err = eng.SaveAnswers(ctx, engine.SaveAnswersOptions{
		ProjectID: p.ID, Phase: 1, Role: domain.RoleExecutor, ActorID: "exec-1",
		Answers: []engine.AnswerUpdate{{QuestionID: qid, Images: &imgs}},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(res.RemovedImages) != 1 || res.RemovedImages[0] != img1.ID {
		t.Fatalf("replaced blob not reported: %v", res.RemovedImages)
	}
	if _, err := eng.Image(ctx, img1.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("dropped blob should be deleted, got %v", err)
	}
	if _, err := eng.Image(ctx, img2.ID); err != nil {
		t.Fatalf("kept blob should survive: %v", err)
	}

	// Dropping an id whose blob is already gone logs and still commits.
	if err := eng.RemoveImage(ctx, img2.ID); err != nil {
		t.Fatalf("remove image: %v", err)
	}
	imgs = nil
	res, err = eng.SaveAnswers(ctx, engine.SaveAnswersOptions{
		ProjectID: p.ID, Phase: 1, Role: domain.RoleExecutor, ActorID: "exec-1",
		Answers: []engine.AnswerUpdate{{QuestionID: qid, Images: &imgs}},
	})
	if err != nil {
		t.Fatalf("save with stale image id must still commit: %v", err)
	}
	if len(res.RemovedImages) != 1 || res.RemovedImages[0] != img2.ID {
		t.Fatalf("stale drop not reported: %v", res.RemovedImages)
	}
	cl, err = eng.EnsureChecklist(ctx, p.ID, 1)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if n := len(cl.Groups[0].Questions[0].ExecutorImages); n != 0 {
		t.Fatalf("image list should be cleared, have %d", n)
	}

	// Validation.
	if _, err := eng.SaveImage(ctx, engine.ImageUploadOptions{
		QuestionID: qid, Role: "manager", Filename: "x", Data: []byte("x"),
	}); !errors.Is(err, engine.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if _, err := eng.SaveImage(ctx, engine.ImageUploadOptions{
		QuestionID: qid, Role: domain.RoleExecutor, Filename: "x",
	}); err == nil {
		t.Fatalf("empty payload should be rejected")
	}
}

func TestEventsUseEngineClock(t *testing.T) {
	eng := newEngine(t, true)
	p := startedProject(t, eng)

	evts, err := eng.Repo.LatestEvents(context.Background(), 10, p.ID, "", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) < 3 {
		t.Fatalf("expected created/started/activated events, got %d", len(evts))
	}
	for _, ev := range evts {
		if ev.TS != "2024-05-01T12:00:00Z" {
			t.Fatalf("event %s timestamp off the engine clock: %s", ev.Type, ev.TS)
		}
	}
}

func TestProjectAnalysis(t *testing.T) {
	eng := newEngine(t, true)
	p := startedProject(t, eng)
	ctx := context.Background()

	// Cycle 1: one mismatch accumulates, then the phase is reverted.
	saveAnswer(t, eng, p.ID, 1, domain.RoleExecutor, "Code compiles", "Yes")
	saveAnswer(t, eng, p.ID, 1, domain.RoleReviewer, "Code compiles", "No")
	if _, err := eng.Submit(ctx, p.ID, 1, domain.RoleReviewer, "rev-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.RevertToExecutor(ctx, p.ID, 1, "rev-1", ""); err != nil {
		t.Fatalf("revert: %v", err)
	}
	// Cycle 2: two more mismatches accumulate.
	saveAnswer(t, eng, p.ID, 1, domain.RoleExecutor, "Tests pass", "No")
	saveAnswer(t, eng, p.ID, 1, domain.RoleReviewer, "Tests pass", "Yes")
	saveAnswer(t, eng, p.ID, 1, domain.RoleExecutor, "Docs updated", "NA")
	saveAnswer(t, eng, p.ID, 1, domain.RoleReviewer, "Docs updated", "No")
	if _, err := eng.Submit(ctx, p.ID, 1, domain.RoleExecutor, "exec-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.Submit(ctx, p.ID, 1, domain.RoleReviewer, "rev-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	an, err := eng.ProjectAnalysis(ctx, p.ID)
	if err != nil {
		t.Fatalf("analysis: %v", err)
	}
	if an.TotalPhases != 2 || an.CompletedPhases != 0 {
		t.Fatalf("phase totals: %+v", an)
	}
	ph := an.Phases[0]
	if ph.Questions != 3 || ph.ConflictCount != 1 || ph.RevertCount != 1 {
		t.Fatalf("phase analysis: %+v", ph)
	}
	// Cycle 1 contributed 1 defect, the live cycle 3 more (the old mismatch
	// plus two new ones, counted again on each accumulation run).
	if len(ph.Iterations) != 2 {
		t.Fatalf("expected 2 iteration rows: %+v", ph.Iterations)
	}
	if ph.Iterations[0].Number != 1 || ph.Iterations[0].NewDefects != 1 {
		t.Fatalf("archived cycle delta: %+v", ph.Iterations[0])
	}
	if !ph.Iterations[1].Live || ph.Iterations[1].Number != 2 {
		t.Fatalf("live cycle row: %+v", ph.Iterations[1])
	}
	if ph.DefectCount != ph.Iterations[0].NewDefects+ph.Iterations[1].NewDefects {
		t.Fatalf("deltas must sum to the cumulative count: %+v", ph)
	}
	if an.TotalDefects != ph.DefectCount {
		t.Fatalf("project total: %+v", an)
	}
}
