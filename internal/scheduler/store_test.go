package scheduler

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushgate/internal/model"
)

func TestStore_Create_ConcurrentInserts(t *testing.T) {
	store := NewStore()
	const clients = 50

	ids := make(chan uuid.UUID, clients)

	var wg sync.WaitGroup
	wg.Add(clients)
	for i := 0; i < clients; i++ {
		go func() {
			defer wg.Done()
			task := store.Create("u1", time.Now().Add(time.Hour), json.RawMessage(`{}`))
			ids <- task.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uuid.UUID]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	require.Len(t, seen, clients)
	assert.Len(t, store.List(), clients)
}

func TestStore_Sweep_CollectsOnlyDuePending(t *testing.T) {
	store := NewStore()
	now := time.Now().UTC()

	due := store.Create("u1", now.Add(-time.Second), json.RawMessage(`{}`))
	exact := store.Create("u2", now, json.RawMessage(`{}`))
	future := store.Create("u3", now.Add(time.Hour), json.RawMessage(`{}`))

	collected := store.Sweep(now)
	require.Len(t, collected, 2)

	for _, task := range collected {
		assert.NotEqual(t, future.ID, task.ID)
		assert.Equal(t, model.StatusProcessing, task.Status)
	}

	got, err := store.Get(due.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)

	got, err = store.Get(exact.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)

	got, err = store.Get(future.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestStore_Sweep_DoesNotCollectTwice(t *testing.T) {
	store := NewStore()
	now := time.Now().UTC()

	store.Create("u1", now.Add(-time.Minute), json.RawMessage(`{}`))

	require.Len(t, store.Sweep(now), 1)
	assert.Empty(t, store.Sweep(now), "processing task collected again")
}

func TestStore_Sweep_IgnoresTerminalStatuses(t *testing.T) {
	store := NewStore()
	now := time.Now().UTC()

	sent := store.Create("u1", now.Add(-time.Minute), json.RawMessage(`{}`))
	failed := store.Create("u2", now.Add(-time.Minute), json.RawMessage(`{}`))

	require.Len(t, store.Sweep(now), 2)
	require.NoError(t, store.MarkSent(sent.ID))
	require.NoError(t, store.MarkFailed(failed.ID))

	assert.Empty(t, store.Sweep(now))

	got, err := store.Get(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, got.Status)

	got, err = store.Get(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
}

func TestStore_Get_Unknown(t *testing.T) {
	store := NewStore()

	_, err := store.Get(uuid.New())
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
	assert.ErrorIs(t, store.MarkSent(uuid.New()), model.ErrTaskNotFound)
}
