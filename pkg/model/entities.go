package model

import "time"

// Scope controls visibility of a definition across projects.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopePublic  Scope = "public"
)

// WorkflowDefinition is a parsed, named workflow spec belonging to a
// project. (name, project_id) is unique.
type WorkflowDefinition struct {
	ID         string
	Name       string
	ProjectID  string
	Scope      Scope
	Definition string // raw DSL source
	Spec       *WorkflowSpec
	Tags       []string
	IsSystem   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ActionDefinition is a named, reusable action (ad-hoc action composed
// from a base action class plus fixed input/attributes).
type ActionDefinition struct {
	ID          string
	Name        string
	ProjectID   string
	Scope       Scope
	Description string
	Input       []string
	ActionClass string
	Attributes  map[string]any
	Tags        []string
	IsSystem    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkflowExecution is one run of a WorkflowDefinition, or of a
// sub-workflow invoked by a task.
type WorkflowExecution struct {
	ID          string
	WorkflowName string
	WorkflowID  string
	Description string
	Spec        *WorkflowSpec
	State       State
	StateInfo   string
	Input       map[string]any
	Output      map[string]any
	Params      map[string]any
	Context     map[string]any // data-flow context accumulated by published vars
	RuntimeContext map[string]any // {"index": <with-items sibling position>}

	// Accepted is true only once State is terminal (SUCCESS/ERROR); it
	// gates whether a parent task may treat this sub-workflow's result
	// as authoritative (Invariant 4).
	Accepted bool

	// TaskExecutionID is non-empty iff this execution is a sub-workflow
	// invoked by a task (Invariant 2).
	TaskExecutionID string

	ProjectID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskExecution is one task instance within a WorkflowExecution.
type TaskExecution struct {
	ID                 string
	Name               string
	WorkflowExecutionID string
	WorkflowName       string
	WorkflowID         string
	Spec               *TaskSpec
	ActionSpec         map[string]any // resolved {name, input} for this instance
	State              State
	StateInfo          string
	InContext          map[string]any // context inherited at task start
	Published          map[string]any // values published by this task on success
	Processed          bool           // consumed by the controller already

	RuntimeContext map[string]any // {"index": with-items sibling position, "with_items_count": N, ...}

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActionExecution is one attempt at running a task's action (or a
// bare start_action call with no owning task).
type ActionExecution struct {
	ID            string
	Name          string
	TaskExecutionID string // empty if not owned by a task
	Input         map[string]any
	Output        map[string]any
	State         State
	StateInfo     string

	// Accepted marks this execution as authoritative for its task: true
	// exactly once the engine has incorporated its result. Retries and
	// with-items branches that are superseded by a rerun-reset stay
	// Accepted=false permanently (Invariant 4).
	Accepted bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DelayedCall is a persisted future invocation. The engine creates one
// only for wait-before/wait-after policies, to track a parked task;
// timeouts, retry delays, cron-trigger firing and sub-workflow result
// delivery do not use DelayedCall rows.
type DelayedCall struct {
	ID                 string
	FactoryMethodPath  string
	TargetMethodName   string
	MethodArguments    map[string]any
	Serializers        map[string]string
	AuthContext        map[string]any
	ExecutionTime      time.Time
	Processing         bool
	ProcessingSince     *time.Time
	CreatedAt          time.Time
}

// CronTrigger periodically starts a workflow.
type CronTrigger struct {
	ID                   string
	Name                 string
	ProjectID            string
	Pattern              string
	FirstExecutionTime   time.Time
	NextExecutionTime    time.Time
	RemainingExecutions  *int
	WorkflowID           string
	WorkflowName         string
	WorkflowInput        map[string]any
	WorkflowParams       map[string]any
	WorkflowInputHash    string
	WorkflowParamsHash   string
	TrustID              string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Environment is a named, reusable set of variables resolvable by name
// from a workflow's start_workflow params.env.
type Environment struct {
	Name        string
	ProjectID   string
	Description string
	Variables   map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
