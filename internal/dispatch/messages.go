package dispatch

import "github.com/seantiz/sandbox/internal/model"

// Messages of the sandbox.v1 services. Field names follow the JSON names of
// the descriptor built in schema.go.

// CreateTaskRequest submits a task with explicit parameters.
type CreateTaskRequest struct {
	Params model.Params `json:"params"`
	Owner  string       `json:"owner,omitempty"`
}

type CreateTaskResponse struct {
	ID string `json:"id"`
}

type GetTaskRequest struct {
	ID string `json:"id"`
}

type GetTaskResponse struct {
	Task *model.Task `json:"task"`
}

// GenerateImageRequest is the anonymous prompt-only submission.
type GenerateImageRequest struct {
	Prompt string `json:"prompt"`
}

type GenerateImageResponse struct {
	ID string `json:"id"`
}

type ListTasksRequest struct {
	Owner string `json:"owner"`
}

type ListTasksResponse struct {
	Tasks []*model.Task `json:"tasks"`
}

type GetTaskToRunRequest struct {
	WorkerID string `json:"worker_id,omitempty"`
}

// TaskToRun is the work handed to a worker by a successful claim.
type TaskToRun struct {
	ID     string       `json:"id"`
	Params model.Params `json:"params"`
}

// GetTaskToRunResponse carries no task when the queue is empty.
type GetTaskToRunResponse struct {
	TaskToRun *TaskToRun `json:"task_to_run,omitempty"`
}

type ProgressUpdate struct {
	CurrentStep uint32 `json:"current_step"`
	TotalSteps  uint32 `json:"total_steps"`
}

type FinishedUpdate struct {
	Result []byte `json:"result"`
}

type FailedUpdate struct {
	Reason string `json:"reason"`
}

// UpdateTaskStatusRequest reports one status change. Exactly one of
// InProgress, Finished and Failed must be set.
type UpdateTaskStatusRequest struct {
	ID         string          `json:"id"`
	WorkerID   string          `json:"worker_id,omitempty"`
	InProgress *ProgressUpdate `json:"in_progress,omitempty"`
	Finished   *FinishedUpdate `json:"finished,omitempty"`
	Failed     *FailedUpdate   `json:"failed,omitempty"`
}

type UpdateTaskStatusResponse struct{}

// ProgressStatus builds an in_progress update.
func ProgressStatus(id, workerID string, current, total uint32) *UpdateTaskStatusRequest {
	return &UpdateTaskStatusRequest{
		ID:         id,
		WorkerID:   workerID,
		InProgress: &ProgressUpdate{CurrentStep: current, TotalSteps: total},
	}
}

// FinishedStatus builds a finished update.
func FinishedStatus(id, workerID string, result []byte) *UpdateTaskStatusRequest {
	return &UpdateTaskStatusRequest{
		ID:       id,
		WorkerID: workerID,
		Finished: &FinishedUpdate{Result: result},
	}
}

// FailedStatus builds a failed update.
func FailedStatus(id, workerID, reason string) *UpdateTaskStatusRequest {
	return &UpdateTaskStatusRequest{
		ID:       id,
		WorkerID: workerID,
		Failed:   &FailedUpdate{Reason: reason},
	}
}

// variants returns how many status variants are set.
func (r *UpdateTaskStatusRequest) variants() int {
	n := 0
	if r.InProgress != nil {
		n++
	}
	if r.Finished != nil {
		n++
	}
	if r.Failed != nil {
		n++
	}
	return n
}
