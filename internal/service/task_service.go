package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
	"github.com/veranemoloko/drop-runner/internal/metrics"
	"github.com/veranemoloko/drop-runner/internal/orchestrator"
	"github.com/veranemoloko/drop-runner/internal/repository"
	"github.com/veranemoloko/drop-runner/internal/storage"
)

// TaskService is the control surface over stored tasks and the runners
// working on them. A single event processor consumes the merged runner
// stream: it persists task status, records outcomes and keeps a bounded
// journal of recent events per task.
type TaskService struct {
	tasks    *storage.TaskStorage
	orch     *orchestrator.Orchestrator
	outcomes repository.OutcomeRepo
	logger   *slog.Logger

	waitForProxy bool
	journalSize  int

	jmu     sync.RWMutex
	journal map[string][]domain.StatusEvent

	wg sync.WaitGroup
}

// Options tunes a TaskService.
type Options struct {
	WaitForProxy bool
	JournalSize  int
}

func NewTaskService(
	tasks *storage.TaskStorage,
	orch *orchestrator.Orchestrator,
	outcomes repository.OutcomeRepo,
	opts Options,
	logger *slog.Logger,
) *TaskService {
	if opts.JournalSize <= 0 {
		opts.JournalSize = 200
	}
	s := &TaskService{
		tasks:        tasks,
		orch:         orch,
		outcomes:     outcomes,
		logger:       logger,
		waitForProxy: opts.WaitForProxy,
		journalSize:  opts.JournalSize,
		journal:      make(map[string][]domain.StatusEvent),
	}

	s.wg.Add(1)
	go s.eventProcessor()

	return s
}

// CreateTask stores a new idle task. An empty ID is generated.
func (s *TaskService) CreateTask(task *domain.Task) (*domain.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	} else if _, err := s.tasks.Get(task.ID); err == nil {
		return nil, fmt.Errorf("task %s already exists", task.ID)
	}

	now := time.Now().UTC()
	task.Status = domain.TaskStatusIdle
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := s.tasks.Save(task); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}

	metrics.TasksCreated.Inc()
	s.logger.Info("task created", "task_id", task.ID, "site", task.Site.Name)
	return task, nil
}

func (s *TaskService) GetTask(id string) (*domain.TaskResponse, error) {
	task, err := s.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	return &domain.TaskResponse{Task: task, Running: s.orch.IsRunning(id)}, nil
}

func (s *TaskService) ListTasks() []domain.TaskResponse {
	tasks := s.tasks.GetAll()
	out := make([]domain.TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, domain.TaskResponse{Task: t, Running: s.orch.IsRunning(t.ID)})
	}
	return out
}

// DeleteTask removes a task that is not running.
func (s *TaskService) DeleteTask(id string) error {
	if s.orch.IsRunning(id) {
		return errpkg.ErrRunnerActive
	}
	if err := s.tasks.Delete(id); err != nil {
		return err
	}

	s.jmu.Lock()
	delete(s.journal, id)
	s.jmu.Unlock()

	s.logger.Info("task deleted", "task_id", id)
	return nil
}

// StartTask launches a runner for the task. wait overrides the configured
// wait-for-proxy behaviour when set.
func (s *TaskService) StartTask(id string, wait *bool) (bool, error) {
	task, err := s.tasks.Get(id)
	if err != nil {
		return false, err
	}
	return s.orch.Start(*task, s.wait(wait))
}

// StartTasks starts the given tasks, or all stored tasks when ids is empty.
func (s *TaskService) StartTasks(ids []string, wait *bool) error {
	var (
		tasks []domain.Task
		errs  []error
	)
	if len(ids) == 0 {
		for _, t := range s.tasks.GetAll() {
			tasks = append(tasks, *t)
		}
	} else {
		for _, id := range ids {
			t, err := s.tasks.Get(id)
			if err != nil {
				errs = append(errs, fmt.Errorf("task %s: %w", id, err))
				continue
			}
			tasks = append(tasks, *t)
		}
	}

	errs = append(errs, s.orch.StartAll(tasks, s.wait(wait)))
	return errors.Join(errs...)
}

// StopTask signals the task's runner to stop. It reports false when no
// runner was active.
func (s *TaskService) StopTask(id string) (bool, error) {
	if _, err := s.tasks.Get(id); err != nil {
		return false, err
	}
	return s.orch.Stop(id), nil
}

// StopTasks stops the given tasks, or every running task when ids is empty.
func (s *TaskService) StopTasks(ids []string) int {
	return s.orch.StopAll(ids)
}

func (s *TaskService) IsRunning(id string) bool {
	return s.orch.IsRunning(id)
}

// Events returns the journal of recent events for a task, oldest first.
func (s *TaskService) Events(id string) ([]domain.StatusEvent, error) {
	if _, err := s.tasks.Get(id); err != nil {
		return nil, err
	}
	s.jmu.RLock()
	defer s.jmu.RUnlock()
	return append([]domain.StatusEvent(nil), s.journal[id]...), nil
}

func (s *TaskService) Outcomes(ctx context.Context, taskID string, limit int) ([]*domain.Outcome, error) {
	return s.outcomes.ListOutcomes(ctx, taskID, limit)
}

func (s *TaskService) Proxies() domain.ProxiesResponse {
	pool := s.orch.Pool()
	return domain.ProxiesResponse{Occupancy: pool.Occupancy(), Proxies: pool.List()}
}

// RegisterProxies adds proxies to the pool and returns how many were new.
func (s *TaskService) RegisterProxies(addrs []string) (int, error) {
	proxies := make([]domain.Proxy, 0, len(addrs))
	for _, addr := range addrs {
		p, err := domain.NewProxy(addr)
		if err != nil {
			return 0, err
		}
		proxies = append(proxies, p)
	}

	added := 0
	for _, p := range proxies {
		if s.orch.Pool().Register(p) {
			added++
		}
	}
	s.logger.Info("proxies registered", "added", added, "submitted", len(addrs))
	return added, nil
}

func (s *TaskService) DeregisterProxy(id string) error {
	return s.orch.Pool().Deregister(id)
}

func (s *TaskService) wait(override *bool) bool {
	if override != nil {
		return *override
	}
	return s.waitForProxy
}

func (s *TaskService) eventProcessor() {
	defer s.wg.Done()

	for event := range s.orch.Events() {
		s.record(event)

		if err := s.tasks.UpdateStatus(event.TaskID, event.Stage.TaskStatus()); err != nil {
			s.logger.Error("failed to save task status",
				"error", err,
				"task_id", event.TaskID,
				"stage", event.Stage,
			)
		}

		if event.Outcome == nil {
			s.logger.Debug("runner event",
				"task_id", event.TaskID,
				"stage", event.Stage,
				"message", event.Message,
			)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.outcomes.SaveOutcome(ctx, event.Outcome); err != nil {
			s.logger.Error("failed to record outcome",
				"error", err,
				"task_id", event.TaskID,
				"stage", event.Stage,
			)
		}
		cancel()

		s.logOutcome(event)
	}
}

func (s *TaskService) record(event domain.StatusEvent) {
	s.jmu.Lock()
	defer s.jmu.Unlock()

	entries := append(s.journal[event.TaskID], event)
	if len(entries) > s.journalSize {
		entries = entries[len(entries)-s.journalSize:]
	}
	s.journal[event.TaskID] = entries
}

func (s *TaskService) logOutcome(event domain.StatusEvent) {
	attrs := []any{
		"task_id", event.TaskID,
		"runner_id", event.RunnerID,
		"stage", event.Stage,
		"message", event.Message,
	}
	switch event.Stage {
	case domain.StageSuccess, domain.StageAborted:
		s.logger.Info("runner finished", attrs...)
	case domain.StageDeclined:
		s.logger.Warn("runner finished", attrs...)
	default:
		s.logger.Error("runner finished", attrs...)
	}
}

// Shutdown stops every runner, drains the event stream and closes the
// outcome history.
func (s *TaskService) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down task service")

	if err := s.orch.Shutdown(ctx); err != nil {
		s.logger.Warn("task service shutdown timed out")
		return err
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("task service shutdown timed out")
		return ctx.Err()
	}

	if err := s.outcomes.Close(); err != nil {
		return fmt.Errorf("close outcome history: %w", err)
	}
	s.logger.Info("task service shutdown completed")
	return nil
}
