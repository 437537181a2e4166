package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
	"github.com/veranemoloko/drop-runner/internal/orchestrator"
	"github.com/veranemoloko/drop-runner/internal/validation"
)

// TaskServiceI defines the task and proxy operations the API exposes.
type TaskServiceI interface {
	CreateTask(task *domain.Task) (*domain.Task, error)
	GetTask(id string) (*domain.TaskResponse, error)
	ListTasks() []domain.TaskResponse
	DeleteTask(id string) error
	StartTask(id string, wait *bool) (bool, error)
	StartTasks(ids []string, wait *bool) error
	StopTask(id string) (bool, error)
	StopTasks(ids []string) int
	IsRunning(id string) bool
	Events(id string) ([]domain.StatusEvent, error)
	Outcomes(ctx context.Context, taskID string, limit int) ([]*domain.Outcome, error)
	Proxies() domain.ProxiesResponse
	RegisterProxies(addrs []string) (int, error)
	DeregisterProxy(id string) error
}

// TaskHandler handles HTTP requests for tasks and proxies.
type TaskHandler struct {
	taskService TaskServiceI
	validator   *validation.Validator
	logger      *slog.Logger
}

func NewTaskHandler(taskService TaskServiceI, v *validation.Validator, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		taskService: taskService,
		validator:   v,
		logger:      logger,
	}
}

// CreateTask handles POST /tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var task domain.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	if err := h.validator.Task(&task); err != nil {
		h.logger.Warn("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.taskService.CreateTask(&task)
	if err != nil {
		h.logger.Error("failed to create task", "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"task_id": created.ID,
	})
}

// ListTasks handles GET /tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.taskService.ListTasks())
}

// GetTask handles GET /tasks/{taskID}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.taskService.GetTask(chi.URLParam(r, "taskID"))
	if err != nil {
		h.fail(w, "failed to get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// DeleteTask handles DELETE /tasks/{taskID}.
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.taskService.DeleteTask(chi.URLParam(r, "taskID")); err != nil {
		h.fail(w, "failed to delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartTask handles POST /tasks/{taskID}/start. The optional wait query
// parameter overrides the configured wait-for-proxy behaviour.
func (h *TaskHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	wait, err := waitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid wait parameter")
		return
	}

	taskID := chi.URLParam(r, "taskID")
	started, err := h.taskService.StartTask(taskID, wait)
	if err != nil {
		h.fail(w, "failed to start task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "started": started})
}

// StopTask handles POST /tasks/{taskID}/stop.
func (h *TaskHandler) StopTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	stopped, err := h.taskService.StopTask(taskID)
	if err != nil {
		h.fail(w, "failed to stop task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "stopped": stopped})
}

// StartTasks handles POST /tasks/start.
func (h *TaskHandler) StartTasks(w http.ResponseWriter, r *http.Request) {
	req, ok := h.bulkRequest(w, r)
	if !ok {
		return
	}
	wait, err := waitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid wait parameter")
		return
	}

	if err := h.taskService.StartTasks(req.TaskIDs, wait); err != nil {
		h.logger.Warn("some tasks failed to start", "error", err)
		writeJSON(w, http.StatusMultiStatus, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": true})
}

// StopTasks handles POST /tasks/stop.
func (h *TaskHandler) StopTasks(w http.ResponseWriter, r *http.Request) {
	req, ok := h.bulkRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": h.taskService.StopTasks(req.TaskIDs)})
}

// Events handles GET /tasks/{taskID}/events.
func (h *TaskHandler) Events(w http.ResponseWriter, r *http.Request) {
	events, err := h.taskService.Events(chi.URLParam(r, "taskID"))
	if err != nil {
		h.fail(w, "failed to get events", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Running handles GET /tasks/{taskID}/running.
func (h *TaskHandler) Running(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "running": h.taskService.IsRunning(taskID)})
}

// Outcomes handles GET /outcomes?task_id=&limit=.
func (h *TaskHandler) Outcomes(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	outcomes, err := h.taskService.Outcomes(r.Context(), r.URL.Query().Get("task_id"), limit)
	if err != nil {
		h.fail(w, "failed to list outcomes", err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

// Proxies handles GET /proxies.
func (h *TaskHandler) Proxies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.taskService.Proxies())
}

// RegisterProxies handles POST /proxies.
func (h *TaskHandler) RegisterProxies(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterProxiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	added, err := h.taskService.RegisterProxies(req.Proxies)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"added": added})
}

// DeregisterProxy handles DELETE /proxies/{proxyID}.
func (h *TaskHandler) DeregisterProxy(w http.ResponseWriter, r *http.Request) {
	if err := h.taskService.DeregisterProxy(chi.URLParam(r, "proxyID")); err != nil {
		h.fail(w, "failed to deregister proxy", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) bulkRequest(w http.ResponseWriter, r *http.Request) (domain.BulkTaskRequest, bool) {
	var req domain.BulkTaskRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return req, false
		}
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

func (h *TaskHandler) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	h.logger.Warn(msg, "error", err)
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, errpkg.ErrTaskNotFound), errors.Is(err, errpkg.ErrProxyNotFound):
		return http.StatusNotFound
	case errors.Is(err, errpkg.ErrRunnerActive):
		return http.StatusConflict
	case errors.Is(err, errpkg.ErrProfileNotFound), errors.Is(err, errpkg.ErrInvalidLocator),
		errors.As(err, &verrs):
		return http.StatusUnprocessableEntity
	case orchestrator.IsNoProxy(err), errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func waitParam(r *http.Request) (*bool, error) {
	s := r.URL.Query().Get("wait")
	if s == "" {
		return nil, nil
	}
	wait, err := strconv.ParseBool(s)
	if err != nil {
		return nil, err
	}
	return &wait, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
