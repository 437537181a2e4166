package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
)

// TaskStorage keeps tasks in memory and mirrors each one to <dir>/<id>.json.
type TaskStorage struct {
	mu    sync.RWMutex
	dir   string
	tasks map[string]*domain.Task
}

func NewTaskStorage(dir string) (*TaskStorage, error) {
	storage := &TaskStorage{
		dir:   dir,
		tasks: make(map[string]*domain.Task),
	}

	if err := storage.loadTasks(); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	return storage, nil
}

func (s *TaskStorage) loadTasks() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read task file: %w", err)
		}

		var task domain.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return fmt.Errorf("unmarshal task %s: %w", entry.Name(), err)
		}

		// A task cannot be active across a restart.
		if task.Status == domain.TaskStatusMonitoring || task.Status == domain.TaskStatusCheckout {
			task.Status = domain.TaskStatusStopped
		}
		s.tasks[task.ID] = &task
	}

	return nil
}

// Save stores a copy of task.
func (s *TaskStorage) Save(task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *task
	s.tasks[task.ID] = &cp
	return s.persist(&cp)
}

// Get returns a copy of the task.
func (s *TaskStorage) Get(id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, errpkg.ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

// GetAll returns copies of every task, oldest first.
func (s *TaskStorage) GetAll() []*domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*domain.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		cp := *task
		tasks = append(tasks, &cp)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// UpdateStatus sets the lifecycle status of a stored task.
func (s *TaskStorage) UpdateStatus(id string, status domain.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[id]
	if !exists {
		return errpkg.ErrTaskNotFound
	}
	if task.Status == status {
		return nil
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return s.persist(task)
}

// Delete removes the task and its file.
func (s *TaskStorage) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; !exists {
		return errpkg.ErrTaskNotFound
	}
	delete(s.tasks, id)

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove task file: %w", err)
	}
	return nil
}

func (s *TaskStorage) persist(task *domain.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	tmp := s.path(task.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}
	if err := os.Rename(tmp, s.path(task.ID)); err != nil {
		return fmt.Errorf("rename task file: %w", err)
	}

	return nil
}

func (s *TaskStorage) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
