package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
)

func TestTaskStorage_SaveAndGet(t *testing.T) {
	dir := makeTempDir(t)
	storage, err := NewTaskStorage(dir)
	if err != nil {
		t.Fatalf("NewTaskStorage error: %v", err)
	}

	task := &domain.Task{
		ID:      "task1",
		Status:  domain.TaskStatusIdle,
		Locator: domain.Locator{Positive: []string{"dunk"}},
		Sizes:   []string{"9"},
	}

	if err := storage.Save(task); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	path := filepath.Join(dir, "task1.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected file %s to exist, got error: %v", path, err)
	}

	got, err := storage.Get("task1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.ID != task.ID {
		t.Errorf("expected ID %q, got %q", task.ID, got.ID)
	}

	got.Status = domain.TaskStatusErrored
	again, _ := storage.Get("task1")
	if again.Status != domain.TaskStatusIdle {
		t.Errorf("Get must return a copy, stored status changed to %q", again.Status)
	}
}

func TestTaskStorage_LoadTasksResetsActiveStatus(t *testing.T) {
	dir := makeTempDir(t)

	task := domain.Task{ID: "preloaded", Status: domain.TaskStatusMonitoring}
	data, _ := json.MarshalIndent(task, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "preloaded.json"), data, 0o644); err != nil {
		t.Fatalf("failed to write preload file: %v", err)
	}

	storage, err := NewTaskStorage(dir)
	if err != nil {
		t.Fatalf("NewTaskStorage error: %v", err)
	}

	got, err := storage.Get("preloaded")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != domain.TaskStatusStopped {
		t.Errorf("expected status %q after restart, got %q", domain.TaskStatusStopped, got.Status)
	}
}

func TestTaskStorage_UpdateStatusAndDelete(t *testing.T) {
	dir := makeTempDir(t)
	storage, _ := NewTaskStorage(dir)

	_ = storage.Save(&domain.Task{ID: "a", Status: domain.TaskStatusIdle})
	if err := storage.UpdateStatus("a", domain.TaskStatusSuccess); err != nil {
		t.Fatalf("UpdateStatus error: %v", err)
	}

	reloaded, _ := NewTaskStorage(dir)
	got, err := reloaded.Get("a")
	if err != nil {
		t.Fatalf("Get after reload error: %v", err)
	}
	if got.Status != domain.TaskStatusSuccess {
		t.Errorf("expected persisted status success, got %q", got.Status)
	}

	if err := storage.Delete("a"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := storage.Get("a"); !errors.Is(err, errpkg.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.json")); !os.IsNotExist(err) {
		t.Errorf("expected task file to be removed")
	}
	if err := storage.UpdateStatus("a", domain.TaskStatusIdle); !errors.Is(err, errpkg.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTaskStorage_GetAllOrdered(t *testing.T) {
	storage, _ := NewTaskStorage(makeTempDir(t))
	now := time.Now()

	_ = storage.Save(&domain.Task{ID: "late", CreatedAt: now.Add(time.Minute)})
	_ = storage.Save(&domain.Task{ID: "early", CreatedAt: now})

	all := storage.GetAll()
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(all))
	}
	if all[0].ID != "early" || all[1].ID != "late" {
		t.Errorf("unexpected order: %s, %s", all[0].ID, all[1].ID)
	}
}
