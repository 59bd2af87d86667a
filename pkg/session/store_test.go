package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetOrCreate(t *testing.T) {
	store := NewStore()

	sess, created := store.GetOrCreate("alpha")
	require.True(t, created)
	assert.Equal(t, "alpha", sess.ID)
	assert.False(t, sess.CreatedAt.IsZero())

	again, created := store.GetOrCreate("alpha")
	assert.False(t, created)
	assert.Equal(t, sess.CreatedAt, again.CreatedAt)

	generated, created := store.GetOrCreate("")
	require.True(t, created)
	assert.Equal(t, "session_2", generated.ID)
	assert.Equal(t, []string{"alpha", "session_2"}, store.IDs())
}

func TestStore_RegisterFirstWins(t *testing.T) {
	store := NewStore()

	id, ok := store.Register(&Session{ID: "doc", Context: "first"})
	require.True(t, ok)
	assert.Equal(t, "doc", id)

	id, ok = store.Register(&Session{ID: "doc", Context: "second"})
	assert.False(t, ok)
	assert.Equal(t, "doc", id)

	got, found := store.Get("doc")
	require.True(t, found)
	assert.Equal(t, "first", got.Context)
	assert.Equal(t, 1, store.Len())
}

func TestStore_RegisterPlaceholder(t *testing.T) {
	store := NewStore()
	store.Register(&Session{ID: "a"})

	id, ok := store.Register(&Session{})
	require.True(t, ok)
	assert.Equal(t, "session_2", id)

	_, ok = store.Register(nil)
	assert.False(t, ok)
}

func TestStore_ConcurrentRegister(t *testing.T) {
	store := NewStore()

	var wg sync.WaitGroup
	results := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := store.Register(&Session{ID: "shared"})
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	inserted := 0
	for ok := range results {
		if ok {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)
	assert.Equal(t, 1, store.Len())
}

func TestStore_GetReturnsCopy(t *testing.T) {
	store := NewStore()
	store.GetOrCreate("s")
	require.NoError(t, store.SetVariable("s", "x", 1))

	got, _ := store.Get("s")
	got.Variables["x"] = 99
	got.Evidence = append(got.Evidence, Evidence{Source: "mutated"})

	fresh, _ := store.Get("s")
	assert.Equal(t, 1, fresh.Variables["x"])
	assert.Empty(t, fresh.Evidence)
}

func TestStore_Mutations(t *testing.T) {
	store := NewStore()
	store.GetOrCreate("s")
	v0 := store.Version()

	require.NoError(t, store.AddEvidence("s", Evidence{Source: "file.go", Content: "func main()", LineStart: 1, LineEnd: 3}))
	require.NoError(t, store.SetVariable("s", "answer", 42))

	task, err := store.AddTask("s", "read the code", "")
	require.NoError(t, err)
	assert.Equal(t, 1, task.ID)
	assert.Equal(t, TaskTodo, task.Status)

	second, err := store.AddTask("s", "write the summary", "later")
	require.NoError(t, err)
	assert.Equal(t, 2, second.ID)

	updated, err := store.UpdateTask("s", 1, "IN_PROGRESS", "started")
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, updated.Status)
	assert.Equal(t, "started", updated.Note)

	got, _ := store.Get("s")
	require.Len(t, got.Evidence, 1)
	assert.False(t, got.Evidence[0].CreatedAt.IsZero())
	assert.Equal(t, 42, got.Variables["answer"])
	require.Len(t, got.Tasks, 2)
	assert.Greater(t, store.Version(), v0)
}

func TestStore_MutationErrors(t *testing.T) {
	store := NewStore()
	store.GetOrCreate("s")

	assert.ErrorIs(t, store.AddEvidence("missing", Evidence{}), ErrSessionNotFound)
	assert.ErrorIs(t, store.SetVariable("missing", "x", 1), ErrSessionNotFound)
	assert.Error(t, store.SetVariable("s", " ", 1))

	_, err := store.AddTask("s", "", "")
	assert.Error(t, err)

	_, err = store.UpdateTask("s", 7, TaskDone, "")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = store.UpdateTask("s", 1, "finished", "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestParseTaskStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    TaskStatus
		wantErr bool
	}{
		{"", TaskTodo, false},
		{"todo", TaskTodo, false},
		{" Done ", TaskDone, false},
		{"blocked", TaskBlocked, false},
		{"in_progress", TaskInProgress, false},
		{"cancelled", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTaskStatus(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
