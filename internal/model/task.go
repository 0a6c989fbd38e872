package model

import (
	"bytes"
	"time"
)

// Task state constants.
const (
	StateNew        = "new"
	StateInProgress = "in_progress"
	StateFinished   = "finished"
	StateFailed     = "failed"
)

// Image generation defaults applied when a request leaves a field unset.
const (
	DefaultIterations     = 20
	DefaultNumberOfImages = 1
)

// validTransitions maps each state to the set of states it may transition to.
// in_progress -> new is only taken by lease reclaim.
var validTransitions = map[string]map[string]bool{
	StateNew: {
		StateInProgress: true,
	},
	StateInProgress: {
		StateInProgress: true,
		StateFinished:   true,
		StateFailed:     true,
		StateNew:        true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transition is permitted from state.
func IsTerminal(state string) bool {
	return state == StateFinished || state == StateFailed
}

// ImageGenerationParams are the parameters of an image generation task.
type ImageGenerationParams struct {
	Prompt         string `json:"prompt" validate:"required,max=2000"`
	Iterations     uint32 `json:"iterations,omitempty" validate:"omitempty,min=1,max=500"`
	NumberOfImages uint32 `json:"number_of_images,omitempty" validate:"omitempty,min=1,max=16"`
}

// Params is a tagged union of task parameters. Exactly one variant is set.
type Params struct {
	ImageGeneration *ImageGenerationParams `json:"image_generation,omitempty" validate:"required"`
}

// PromptParams builds image generation params for a bare text prompt.
func PromptParams(prompt string) Params {
	return Params{ImageGeneration: &ImageGenerationParams{Prompt: prompt}}
}

// WithDefaults returns a copy of p with unset numeric fields filled in.
func (p Params) WithDefaults() Params {
	if p.ImageGeneration == nil {
		return p
	}
	ig := *p.ImageGeneration
	if ig.Iterations == 0 {
		ig.Iterations = DefaultIterations
	}
	if ig.NumberOfImages == 0 {
		ig.NumberOfImages = DefaultNumberOfImages
	}
	return Params{ImageGeneration: &ig}
}

// Prompt returns the text prompt carried by the params, if any.
func (p Params) Prompt() string {
	if p.ImageGeneration == nil {
		return ""
	}
	return p.ImageGeneration.Prompt
}

// TotalSteps returns the number of steps a worker is expected to report.
func (p Params) TotalSteps() uint32 {
	if p.ImageGeneration == nil {
		return 0
	}
	return p.ImageGeneration.Iterations
}

// Status is the current state of a task along with its state-specific details.
type Status struct {
	State       string `json:"state"`
	CurrentStep uint32 `json:"current_step,omitempty"`
	TotalSteps  uint32 `json:"total_steps,omitempty"`
	Result      []byte `json:"result,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// NewStatus returns the status of a freshly created task.
func NewStatus() Status {
	return Status{State: StateNew}
}

// InProgress returns a progress status.
func InProgress(current, total uint32) Status {
	return Status{State: StateInProgress, CurrentStep: current, TotalSteps: total}
}

// Finished returns a terminal status carrying the result payload.
func Finished(result []byte) Status {
	return Status{State: StateFinished, Result: result}
}

// Failed returns a terminal status carrying the failure reason.
func Failed(reason string) Status {
	return Status{State: StateFailed, Reason: reason}
}

// Equal reports whether two statuses are identical, including payloads.
func (s Status) Equal(o Status) bool {
	return s.State == o.State &&
		s.CurrentStep == o.CurrentStep &&
		s.TotalSteps == o.TotalSteps &&
		s.Reason == o.Reason &&
		bytes.Equal(s.Result, o.Result)
}

// Task is a unit of submitted work.
type Task struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner,omitempty"`
	Prompt         string     `json:"prompt"`
	Params         Params     `json:"params"`
	Status         Status     `json:"status"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewTask builds a task in state new for the given owner and params.
// An empty owner marks an anonymous submission.
func NewTask(owner string, params Params) *Task {
	params = params.WithDefaults()
	now := time.Now().UTC()
	return &Task{
		ID:        NewID(),
		Owner:     owner,
		Prompt:    params.Prompt(),
		Params:    params,
		Status:    NewStatus(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
