package domain

// BulkTaskRequest selects tasks for start/stop. An empty list means all tasks.
type BulkTaskRequest struct {
	TaskIDs []string `json:"task_ids" validate:"dive,required"`
}

// RegisterProxiesRequest is the body of a proxy list import.
type RegisterProxiesRequest struct {
	Proxies []string `json:"proxies" validate:"required,min=1,dive,proxy_addr"`
}

// TaskResponse represents a Task together with its runtime state.
type TaskResponse struct {
	Task    *Task `json:"task"`
	Running bool  `json:"running"`
}

// ProxiesResponse represents the proxy pool for display.
type ProxiesResponse struct {
	Occupancy Occupancy   `json:"occupancy"`
	Proxies   []ProxyInfo `json:"proxies"`
}
