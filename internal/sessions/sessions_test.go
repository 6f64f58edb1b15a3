package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	session := &Session{
		ID:         uuid.New(),
		ClientAddr: "10.0.0.1:50000",
		ServerAddr: "10.0.0.2:3389",
		State:      StateNegotiating,
		StartedAt:  time.Now(),
	}

	require.NoError(t, store.Put(ctx, session))

	got, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, StateNegotiating, got.State)
	require.Equal(t, "10.0.0.1:50000", got.ClientAddr)

	// updating the record replaces it
	session.State = StateActive
	session.Credentials = &Credentials{Username: "alice", Password: "hunter2"}
	require.NoError(t, store.Put(ctx, session))

	got, err = store.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, StateActive, got.State)
	require.Equal(t, "alice", got.Credentials.Username)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.Delete(ctx, session.ID))

	_, err = store.Get(ctx, session.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Close())
}

func TestMemoryStoreCopiesRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	session := &Session{ID: uuid.New(), State: StateActive}
	require.NoError(t, store.Put(ctx, session))

	// mutating the caller's struct must not leak into the store
	session.State = StateClosed

	got, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, StateActive, got.State)

	// mutating a returned record must not leak either
	got.BytesToServer = 999

	again, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Zero(t, again.BytesToServer)
}

func TestMemoryStoreGetUnknown(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}
