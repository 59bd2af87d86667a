package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrInvalidStatus   = errors.New("invalid task status")
)

// TaskStatus is the progress state of a task
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskBlocked    TaskStatus = "blocked"
)

// ParseTaskStatus normalizes s; empty means todo
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return TaskTodo, nil
	case TaskTodo, TaskInProgress, TaskDone, TaskBlocked:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Evidence is a piece of context cited while working a session
type Evidence struct {
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	Note      string    `json:"note,omitempty"`
	LineStart int       `json:"line_start,omitempty"`
	LineEnd   int       `json:"line_end,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is an entry in a session's task list
type Task struct {
	ID        int        `json:"id"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	Note      string     `json:"note,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Session is a unit of working context
type Session struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Format    string         `json:"format,omitempty"`
	Context   string         `json:"context,omitempty"`
	Evidence  []Evidence     `json:"evidence,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Tasks     []Task         `json:"tasks,omitempty"`
}

// Clone returns a copy that shares no slices or maps with s. Variable
// values are copied shallowly.
func (s *Session) Clone() *Session {
	c := *s
	c.Evidence = append([]Evidence(nil), s.Evidence...)
	c.Tasks = append([]Task(nil), s.Tasks...)
	if s.Variables != nil {
		c.Variables = make(map[string]any, len(s.Variables))
		for k, v := range s.Variables {
			c.Variables[k] = v
		}
	}
	return &c
}

func (s *Session) nextTaskID() int {
	next := 1
	for _, t := range s.Tasks {
		if t.ID >= next {
			next = t.ID + 1
		}
	}
	return next
}
