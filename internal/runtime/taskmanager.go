package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TaskStatus describes the lifecycle state of a background task.
type TaskStatus string

const (
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusStopped  TaskStatus = "stopped"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// Task is a snapshot of one background task.
type Task struct {
	Name      string     `json:"name"`
	StartTime time.Time  `json:"start_time"`
	Status    TaskStatus `json:"status"`
	Error     string     `json:"error,omitempty"`

	cancel context.CancelFunc
}

// TaskFunc runs until its context is canceled or it returns.
type TaskFunc func(ctx context.Context) error

// TaskManager owns the server's background goroutines: the rate-limit
// recovery sweep, the config watcher bridge, and anything else that must
// stop cleanly on shutdown.
type TaskManager struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewTaskManager(ctx context.Context) *TaskManager {
	ctx, cancel := context.WithCancel(ctx)
	return &TaskManager{
		tasks:  make(map[string]*Task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches a named task. Names are unique for the manager's
// lifetime.
func (tm *TaskManager) Start(name string, fn TaskFunc) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.tasks[name]; exists {
		return fmt.Errorf("task %q already exists", name)
	}

	taskCtx, taskCancel := context.WithCancel(tm.ctx)
	task := &Task{
		Name:      name,
		StartTime: time.Now(),
		Status:    TaskStatusRunning,
		cancel:    taskCancel,
	}
	tm.tasks[name] = task

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{"task": name, "panic": r}).Error("task panicked")
				tm.setStatus(task, TaskStatusFailed, fmt.Sprintf("panic: %v", r))
			}
		}()

		log.WithField("task", name).Info("task started")
		err := fn(taskCtx)

		switch {
		case err == nil:
			tm.setStatus(task, TaskStatusStopped, "")
			log.WithField("task", name).Info("task stopped")
		case taskCtx.Err() == context.Canceled:
			tm.setStatus(task, TaskStatusCanceled, "")
		default:
			tm.setStatus(task, TaskStatusFailed, err.Error())
			log.WithFields(log.Fields{"task": name, "error": err}).Error("task failed")
		}
	}()

	return nil
}

func (tm *TaskManager) setStatus(task *Task, status TaskStatus, errText string) {
	tm.mu.Lock()
	task.Status = status
	task.Error = errText
	tm.mu.Unlock()
}

// Stop cancels a single running task.
func (tm *TaskManager) Stop(name string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, exists := tm.tasks[name]
	if !exists {
		return fmt.Errorf("task %q not found", name)
	}
	if task.Status != TaskStatusRunning {
		return fmt.Errorf("task %q is not running", name)
	}
	task.cancel()
	return nil
}

// StopAll cancels every task. Pair with Wait during shutdown.
func (tm *TaskManager) StopAll() {
	tm.cancel()
}

// Wait blocks until all tasks have exited.
func (tm *TaskManager) Wait() {
	tm.wg.Wait()
}

// Snapshot lists all tasks for the health and admin endpoints.
func (tm *TaskManager) Snapshot() []Task {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	out := make([]Task, 0, len(tm.tasks))
	for _, task := range tm.tasks {
		out = append(out, Task{
			Name:      task.Name,
			StartTime: task.StartTime,
			Status:    task.Status,
			Error:     task.Error,
		})
	}
	return out
}
