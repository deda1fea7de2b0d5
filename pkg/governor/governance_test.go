package governor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roastfabric/kernel/pkg/governor"
)

func TestGovernanceStoreGetCreatesDefaultL3State(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	store := governor.NewGovernanceStore(conn)

	gs, err := store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, governor.PhaseL3, gs.CurrentPhase)
	require.Empty(t, gs.CommandWhitelist)
	require.Empty(t, gs.PausedCommandTypes)
}

func TestGovernanceStoreGetIsIdempotent(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	store := governor.NewGovernanceStore(conn)

	first, err := store.Get(ctx)
	require.NoError(t, err)
	second, err := store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, first.PhaseStartDate.Unix(), second.PhaseStartDate.Unix())
}

func TestGovernanceStorePauseCommandTypeIsReflectedInIsCommandTypePaused(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	store := governor.NewGovernanceStore(conn)

	paused, err := store.IsCommandTypePaused(ctx, "SET_POWER")
	require.NoError(t, err)
	require.False(t, paused)

	require.NoError(t, store.PauseCommandType(ctx, "SET_POWER"))

	paused, err = store.IsCommandTypePaused(ctx, "SET_POWER")
	require.NoError(t, err)
	require.True(t, paused)

	// Idempotent: pausing twice does not duplicate the entry.
	require.NoError(t, store.PauseCommandType(ctx, "SET_POWER"))
	gs, err := store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"SET_POWER"}, gs.PausedCommandTypes)
}

func TestGovernanceStoreRevertToL3ClearsWhitelist(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	store := governor.NewGovernanceStore(conn)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.ApplyScopeExpansion(ctx, governor.PhaseL3P, []string{"SET_POWER", "SET_FAN"}, now))
	gs, err := store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, governor.PhaseL3P, gs.CurrentPhase)
	require.Len(t, gs.CommandWhitelist, 2)

	later := now.Add(time.Hour)
	require.NoError(t, store.RevertToL3(ctx, later))

	gs, err = store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, governor.PhaseL3, gs.CurrentPhase)
	require.Empty(t, gs.CommandWhitelist)
	require.Equal(t, later.Unix(), gs.PhaseStartDate.Unix())
}

func TestGovernanceStoreApplyScopeExpansionDoesNotDuplicateWhitelistEntries(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	store := governor.NewGovernanceStore(conn)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.ApplyScopeExpansion(ctx, governor.PhaseL3P, []string{"SET_POWER"}, now))
	require.NoError(t, store.ApplyScopeExpansion(ctx, governor.PhaseL4, []string{"SET_POWER", "SET_DRUM"}, now.Add(time.Hour)))

	gs, err := store.Get(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"SET_POWER", "SET_DRUM"}, gs.CommandWhitelist)
}

func TestGovernanceStoreSatisfiesCommandGovernanceReader(t *testing.T) {
	conn := newTestConn(t)
	store := governor.NewGovernanceStore(conn)

	var _ interface {
		CommandWhitelist(ctx context.Context) ([]string, error)
		IsCommandTypePaused(ctx context.Context, commandType string) (bool, error)
	} = store
}
