package domain

// TaskStatus represents the lifecycle status of a Task.
type TaskStatus string

const (
	TaskStatusIdle       TaskStatus = "idle"
	TaskStatusMonitoring TaskStatus = "monitoring"
	TaskStatusCheckout   TaskStatus = "checkout_in_progress"
	TaskStatusDeclined   TaskStatus = "declined"
	TaskStatusSuccess    TaskStatus = "success"
	TaskStatusStopped    TaskStatus = "stopped"
	TaskStatusErrored    TaskStatus = "errored"
)

// Stage is a state of the runner state machine.
type Stage string

const (
	StageIdle          Stage = "idle"
	StageWaitingProxy  Stage = "waiting_proxy"
	StageMonitoring    Stage = "monitoring"
	StageCheckout      Stage = "checkout"
	StageSwappingProxy Stage = "swapping_proxy"
	StageDelaying      Stage = "delaying"
	StageSuccess       Stage = "success"
	StageDeclined      Stage = "declined"
	StageUnknownError  Stage = "unknown_error"
	StageErrored       Stage = "errored"
	StageAborted       Stage = "aborted"
)

// Terminal reports whether the runner loop ends in this stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageSuccess, StageDeclined, StageUnknownError, StageErrored, StageAborted:
		return true
	}
	return false
}

// TaskStatus maps a runner stage onto the task lifecycle status.
func (s Stage) TaskStatus() TaskStatus {
	switch s {
	case StageIdle:
		return TaskStatusIdle
	case StageCheckout:
		return TaskStatusCheckout
	case StageSuccess:
		return TaskStatusSuccess
	case StageDeclined:
		return TaskStatusDeclined
	case StageAborted:
		return TaskStatusStopped
	case StageUnknownError, StageErrored:
		return TaskStatusErrored
	default:
		return TaskStatusMonitoring
	}
}
