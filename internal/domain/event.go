package domain

import "time"

// StatusEvent is emitted by a runner on every stage transition.
type StatusEvent struct {
	TaskID    string    `json:"task_id"`
	RunnerID  string    `json:"runner_id"`
	Message   string    `json:"message"`
	Stage     Stage     `json:"stage"`
	Timestamp time.Time `json:"timestamp"`

	// Outcome is set on the terminal event only.
	Outcome *Outcome `json:"outcome,omitempty"`
}

// Outcome is the record kept for a runner that reached a terminal stage.
type Outcome struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	RunnerID  string    `json:"runner_id"`
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Product   string    `json:"product,omitempty"`
	VariantID string    `json:"variant_id,omitempty"`
	Price     string    `json:"price,omitempty"`
	ProxyID   string    `json:"proxy_id,omitempty"`
	Receipt   string    `json:"receipt,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
