package server

import (
	"reviewline/internal/domain"
	"reviewline/internal/engine"
)

type CreateProjectRequest struct {
	ID              string  `json:"id,omitempty"`
	ProjectNo       string  `json:"project_no,omitempty"`
	InternalOrderNo string  `json:"internal_order_no,omitempty"`
	Name            string  `json:"name"`
	Description     *string `json:"description,omitempty"`
	Priority        string  `json:"priority,omitempty" enum:",low,medium,high"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
}

type ProjectResponse struct {
	ID              string `json:"id"`
	ProjectNo       string `json:"project_no,omitempty"`
	InternalOrderNo string `json:"internal_order_no,omitempty"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Status          string `json:"status"`
	Priority        string `json:"priority"`
	CreatedBy       string `json:"created_by,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:              p.ID,
		ProjectNo:       p.ProjectNo,
		InternalOrderNo: p.InternalOrderNo,
		Name:            p.Name,
		Description:     p.Description,
		Status:          p.Status,
		Priority:        p.Priority,
		CreatedBy:       p.CreatedBy,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

type PhaseResponse struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	Number        int    `json:"number"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	ConflictCount int    `json:"conflict_count"`
	CreatedAt     string `json:"created_at"`
}

func phaseResponse(ph domain.Phase) PhaseResponse {
	return PhaseResponse{
		ID:            ph.ID,
		ProjectID:     ph.ProjectID,
		Number:        ph.Number,
		Name:          ph.Name,
		Status:        ph.Status,
		ConflictCount: ph.ConflictCount,
		CreatedAt:     ph.CreatedAt,
	}
}

func mapPhases(items []domain.Phase) []PhaseResponse {
	res := make([]PhaseResponse, 0, len(items))
	for _, ph := range items {
		res = append(res, phaseResponse(ph))
	}
	return res
}

type ChecklistResponse struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"project_id"`
	PhaseID          string         `json:"phase_id"`
	Groups           []domain.Group `json:"groups"`
	CurrentIteration int            `json:"current_iteration"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
}

func checklistResponse(cl domain.Checklist) ChecklistResponse {
	return ChecklistResponse{
		ID:               cl.ID,
		ProjectID:        cl.ProjectID,
		PhaseID:          cl.PhaseID,
		Groups:           cl.Groups,
		CurrentIteration: cl.CurrentIteration,
		CreatedAt:        cl.CreatedAt,
		UpdatedAt:        cl.UpdatedAt,
	}
}

type AnswerUpdateRequest struct {
	QuestionID string    `json:"question_id,omitempty"`
	Question   string    `json:"question,omitempty"`
	Answer     *string   `json:"answer,omitempty"`
	Remark     *string   `json:"remark,omitempty"`
	Status     *string   `json:"status,omitempty"`
	Images     *[]string `json:"images,omitempty"`
	Severity   *string   `json:"severity,omitempty"`
	CategoryID *string   `json:"category_id,omitempty"`
}

type SaveAnswersRequest struct {
	Role    string                `json:"role" enum:"executor,reviewer"`
	Answers []AnswerUpdateRequest `json:"answers"`
}

type SaveAnswersResponse struct {
	Checklist ChecklistResponse `json:"checklist"`
	Updated   int               `json:"updated"`
	Missing   []string          `json:"missing,omitempty"`
}

func answerUpdates(in []AnswerUpdateRequest) []engine.AnswerUpdate {
	res := make([]engine.AnswerUpdate, 0, len(in))
	for _, u := range in {
		res = append(res, engine.AnswerUpdate{
			QuestionID: u.QuestionID,
			Question:   u.Question,
			Answer:     u.Answer,
			Remark:     u.Remark,
			Status:     u.Status,
			Images:     u.Images,
			Severity:   u.Severity,
			CategoryID: u.CategoryID,
		})
	}
	return res
}

type ApprovalResponse struct {
	ProjectID           string  `json:"project_id"`
	Phase               int     `json:"phase"`
	Status              string  `json:"status"`
	RequestedAt         *string `json:"requested_at,omitempty"`
	Notes               string  `json:"notes,omitempty"`
	ExecutorSubmitted   bool    `json:"executor_submitted"`
	ExecutorSubmittedAt *string `json:"executor_submitted_at,omitempty"`
	ReviewerSubmitted   bool    `json:"reviewer_submitted"`
	ReviewerSubmittedAt *string `json:"reviewer_submitted_at,omitempty"`
	RevertCount         int     `json:"revert_count"`
	DecidedBy           *string `json:"decided_by,omitempty"`
	DecidedAt           *string `json:"decided_at,omitempty"`
}

func approvalResponse(a domain.Approval) ApprovalResponse {
	return ApprovalResponse{
		ProjectID:           a.ProjectID,
		Phase:               a.Phase,
		Status:              a.Status,
		RequestedAt:         a.RequestedAt,
		Notes:               a.Notes,
		ExecutorSubmitted:   a.ExecutorSubmitted,
		ExecutorSubmittedAt: a.ExecutorSubmittedAt,
		ReviewerSubmitted:   a.ReviewerSubmitted,
		ReviewerSubmittedAt: a.ReviewerSubmittedAt,
		RevertCount:         a.RevertCount,
		DecidedBy:           a.DecidedBy,
		DecidedAt:           a.DecidedAt,
	}
}

type SubmitRequest struct {
	Role string `json:"role" enum:"executor,reviewer"`
}

type SubmitResponse struct {
	Approval     ApprovalResponse `json:"approval"`
	Accumulated  bool             `json:"accumulated"`
	DefectsAdded int              `json:"defects_added"`
}

type RevertRequest struct {
	Notes string `json:"notes,omitempty"`
}

type RevertResponse struct {
	Approval         ApprovalResponse `json:"approval"`
	IterationNumber  int              `json:"iteration_number"`
	CurrentIteration int              `json:"current_iteration"`
	ConflictCount    int              `json:"conflict_count"`
}

type IterationResponse struct {
	ID                  string         `json:"id"`
	ChecklistID         string         `json:"checklist_id"`
	Number              int            `json:"number"`
	Groups              []domain.Group `json:"groups"`
	RevertedAt          string         `json:"reverted_at"`
	RevertedBy          string         `json:"reverted_by,omitempty"`
	RevertNotes         string         `json:"revert_notes,omitempty"`
	ExecutorSubmittedAt *string        `json:"executor_submitted_at,omitempty"`
	ReviewerSubmittedAt *string        `json:"reviewer_submitted_at,omitempty"`
}

func iterationResponse(it domain.Iteration) IterationResponse {
	return IterationResponse{
		ID:                  it.ID,
		ChecklistID:         it.ChecklistID,
		Number:              it.Number,
		Groups:              it.Groups,
		RevertedAt:          it.RevertedAt,
		RevertedBy:          it.RevertedBy,
		RevertNotes:         it.RevertNotes,
		ExecutorSubmittedAt: it.ExecutorSubmittedAt,
		ReviewerSubmittedAt: it.ReviewerSubmittedAt,
	}
}

type IterationHistoryResponse struct {
	CurrentIteration int                 `json:"current_iteration"`
	Iterations       []IterationResponse `json:"iterations"`
}

func iterationHistoryResponse(h engine.IterationHistory) IterationHistoryResponse {
	res := IterationHistoryResponse{CurrentIteration: h.CurrentIteration, Iterations: []IterationResponse{}}
	for _, it := range h.Iterations {
		res.Iterations = append(res.Iterations, iterationResponse(it))
	}
	return res
}

type ImageResponse struct {
	ID          string `json:"id"`
	QuestionID  string `json:"question_id"`
	Role        string `json:"role"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	CreatedAt   string `json:"created_at"`
}

func imageResponse(img domain.Image) ImageResponse {
	return ImageResponse{
		ID:          img.ID,
		QuestionID:  img.QuestionID,
		Role:        img.Role,
		Filename:    img.Filename,
		ContentType: img.ContentType,
		CreatedAt:   img.CreatedAt,
	}
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID: e.ID, TS: e.TS, Type: e.Type, ProjectID: e.ProjectID,
			EntityKind: e.EntityKind, EntityID: e.EntityID, ActorID: e.ActorID, Payload: e.Payload,
		})
	}
	return res
}
