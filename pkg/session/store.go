package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/aleph/internal/observability"
)

// Store owns the sessions of one server instance
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	version  uint64
	now      func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	observability.EnsureRegistered()
	return &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// placeholderID requires s.mu
func (s *Store) placeholderID() string {
	return fmt.Sprintf("session_%d", len(s.sessions)+1)
}

// Get returns a copy of session id
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// GetOrCreate returns session id, creating it when absent. An empty id
// creates a session under a generated placeholder id.
func (s *Store) GetOrCreate(id string) (*Session, bool) {
	id = strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = s.placeholderID()
	}
	if sess, ok := s.sessions[id]; ok {
		return sess.Clone(), false
	}

	sess := &Session{ID: id, CreatedAt: s.now().UTC(), Variables: map[string]any{}}
	s.insert(sess)
	return sess.Clone(), true
}

// Register inserts sess unless its id is taken and reports the id used.
// An empty id is replaced with a placeholder. The store keeps its own copy.
func (s *Store) Register(sess *Session) (string, bool) {
	if sess == nil {
		return "", false
	}
	c := sess.Clone()
	c.ID = strings.TrimSpace(c.ID)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	if c.Variables == nil {
		c.Variables = map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = s.placeholderID()
	}
	if _, exists := s.sessions[c.ID]; exists {
		return c.ID, false
	}
	s.insert(c)
	return c.ID, true
}

// insert requires s.mu
func (s *Store) insert(sess *Session) {
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)
	s.version++
	observability.SetSessions(len(s.sessions))
}

// IDs returns session ids in insertion order
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Len returns the number of sessions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Version increases on every change to the store
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns copies of all sessions in insertion order
func (s *Store) Snapshot() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id].Clone())
	}
	return out
}

func (s *Store) update(id string, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := fn(sess); err != nil {
		return err
	}
	s.version++
	return nil
}

// AddEvidence appends ev to session id
func (s *Store) AddEvidence(id string, ev Evidence) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	return s.update(id, func(sess *Session) error {
		sess.Evidence = append(sess.Evidence, ev)
		return nil
	})
}

// SetVariable binds name to value in session id
func (s *Store) SetVariable(id, name string, value any) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("variable name is required")
	}
	return s.update(id, func(sess *Session) error {
		if sess.Variables == nil {
			sess.Variables = map[string]any{}
		}
		sess.Variables[name] = value
		return nil
	})
}

// AddTask appends a todo task to session id
func (s *Store) AddTask(id, title, note string) (Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Task{}, fmt.Errorf("task title is required")
	}

	var added Task
	err := s.update(id, func(sess *Session) error {
		now := s.now().UTC()
		added = Task{
			ID:        sess.nextTaskID(),
			Title:     title,
			Status:    TaskTodo,
			Note:      note,
			CreatedAt: now,
			UpdatedAt: now,
		}
		sess.Tasks = append(sess.Tasks, added)
		return nil
	})
	return added, err
}

// UpdateTask sets the status of a task and replaces its note when note is
// non-empty.
func (s *Store) UpdateTask(id string, taskID int, status TaskStatus, note string) (Task, error) {
	status, err := ParseTaskStatus(string(status))
	if err != nil {
		return Task{}, err
	}

	var updated Task
	err = s.update(id, func(sess *Session) error {
		for i := range sess.Tasks {
			if sess.Tasks[i].ID != taskID {
				continue
			}
			sess.Tasks[i].Status = status
			if note != "" {
				sess.Tasks[i].Note = note
			}
			sess.Tasks[i].UpdatedAt = s.now().UTC()
			updated = sess.Tasks[i]
			return nil
		}
		return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	})
	return updated, err
}
