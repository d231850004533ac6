package domain

// Project statuses drive phase creation: phases are materialized from the
// template when a project moves pending -> in_progress.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Approval statuses for a (project, phase) pair.
const (
	ApprovalPending            = "pending"
	ApprovalApproved           = "approved"
	ApprovalRevertedToExecutor = "reverted_to_executor"
)

// Roles on a checklist.
const (
	RoleExecutor = "executor"
	RoleReviewer = "reviewer"
)

type Project struct {
	ID              string `json:"id"`
	ProjectNo       string `json:"project_no,omitempty"`
	InternalOrderNo string `json:"internal_order_no,omitempty"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Status          string `json:"status" enum:"pending,in_progress,completed"`
	Priority        string `json:"priority,omitempty" enum:"low,medium,high"`
	CreatedBy       string `json:"created_by,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

// Phase is one ordered review step of a project. Number is the explicit
// ordinal; it is never derived from the display name.
type Phase struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	Number        int    `json:"number"`
	Name          string `json:"name"`
	Status        string `json:"status" enum:"pending,in_progress,completed"`
	ConflictCount int    `json:"conflict_count"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// RoleStamp holds per-role audit values (who/when a role last touched a
// question). Empty string means the role has not touched it.
type RoleStamp struct {
	Executor string `json:"executor,omitempty"`
	Reviewer string `json:"reviewer,omitempty"`
}

// Question carries independent executor and reviewer sides. Empty string
// means unanswered; the two sides never overwrite each other.
type Question struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	ExecutorAnswer string    `json:"executor_answer,omitempty"`
	ExecutorRemark string    `json:"executor_remark,omitempty"`
	ExecutorImages []string  `json:"executor_images,omitempty"`
	ReviewerAnswer string    `json:"reviewer_answer,omitempty"`
	ReviewerStatus string    `json:"reviewer_status,omitempty"`
	ReviewerRemark string    `json:"reviewer_remark,omitempty"`
	ReviewerImages []string  `json:"reviewer_images,omitempty"`
	CategoryID     string    `json:"category_id,omitempty"`
	Severity       string    `json:"severity,omitempty"`
	AnsweredBy     RoleStamp `json:"answered_by"`
	AnsweredAt     RoleStamp `json:"answered_at"`
}

type Section struct {
	Name      string     `json:"name"`
	Questions []Question `json:"questions"`
}

// Group nests direct questions plus sections of questions. DefectCount is
// cumulative across review cycles and never decremented.
type Group struct {
	Name        string     `json:"name"`
	DefectCount int        `json:"defect_count"`
	Questions   []Question `json:"questions"`
	Sections    []Section  `json:"sections,omitempty"`
}

// Checklist is the per-phase answer document. Groups only mutate at the
// question level after materialization. CurrentIteration starts at 1 and is
// incremented on every revert.
type Checklist struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	PhaseID          string  `json:"phase_id"`
	Groups           []Group `json:"groups"`
	CurrentIteration int     `json:"current_iteration"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Iteration is an immutable snapshot of the checklist groups taken when the
// reviewer reverts the phase to the executor.
type Iteration struct {
	ID                  string  `json:"id"`
	ChecklistID         string  `json:"checklist_id"`
	Number              int     `json:"number"`
	Groups              []Group `json:"groups"`
	RevertedAt          string  `json:"reverted_at" format:"date-time"`
	RevertedBy          string  `json:"reverted_by,omitempty"`
	RevertNotes         string  `json:"revert_notes,omitempty"`
	ExecutorSubmittedAt *string `json:"executor_submitted_at,omitempty" format:"date-time"`
	ReviewerSubmittedAt *string `json:"reviewer_submitted_at,omitempty" format:"date-time"`
}

// Approval tracks submission flags and the approve/revert decision for one
// (project, phase number) pair.
type Approval struct {
	ProjectID           string  `json:"project_id"`
	Phase               int     `json:"phase"`
	Status              string  `json:"status" enum:"pending,approved,reverted_to_executor"`
	RequestedAt         *string `json:"requested_at,omitempty" format:"date-time"`
	Notes               string  `json:"notes,omitempty"`
	ExecutorSubmitted   bool    `json:"executor_submitted"`
	ExecutorSubmittedAt *string `json:"executor_submitted_at,omitempty" format:"date-time"`
	ReviewerSubmitted   bool    `json:"reviewer_submitted"`
	ReviewerSubmittedAt *string `json:"reviewer_submitted_at,omitempty" format:"date-time"`
	RevertCount         int     `json:"revert_count"`
	DecidedBy           *string `json:"decided_by,omitempty"`
	DecidedAt           *string `json:"decided_at,omitempty" format:"date-time"`
}

// Image is a stored answer attachment.
type Image struct {
	ID          string `json:"id"`
	QuestionID  string `json:"question_id"`
	Role        string `json:"role" enum:"executor,reviewer"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
