package spool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errand/internal/domain"
)

func spoolTransaction(t *testing.T, st *Store, id, status string, started time.Time) {
	t.Helper()
	md := validMetadata()
	md["transaction_id"] = id
	md["status"] = status
	md["start"] = started.UTC().Format(time.RFC3339)
	require.NoError(t, st.InitializeMetadata(id, md))
}

func TestPurgeRemovesOldTerminalTransactions(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()

	spoolTransaction(t, st, "old-done", domain.ActionStatusSuccess, now.Add(-48*time.Hour))
	spoolTransaction(t, st, "old-failed", domain.ActionStatusFailure, now.Add(-48*time.Hour))
	spoolTransaction(t, st, "fresh-done", domain.ActionStatusSuccess, now.Add(-time.Hour))
	spoolTransaction(t, st, "old-running", domain.ActionStatusRunning, now.Add(-48*time.Hour))

	removed, err := st.Purge(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.False(t, st.Find("old-done"))
	assert.False(t, st.Find("old-failed"))
	assert.True(t, st.Find("fresh-done"), "recent transactions stay")
	assert.True(t, st.Find("old-running"), "running transactions stay")
}

func TestPurgeSkipsMalformedTransactions(t *testing.T) {
	st := newTestStore(t)

	// Undecodable metadata: left alone for diagnosis.
	dir, err := NewDir(st.dir.Root()).Ensure("broken")
	require.NoError(t, err)
	require.NoError(t, writeFileAtomic(dir, "metadata", []byte("BLAH")))

	// Terminal but with a free-form start timestamp.
	md := validMetadata()
	md["transaction_id"] = "odd-start"
	md["status"] = domain.ActionStatusSuccess
	md["start"] = "5:60"
	require.NoError(t, st.InitializeMetadata("odd-start", md))

	removed, err := st.Purge(0)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.True(t, st.Find("broken"))
	assert.True(t, st.Find("odd-start"))
}

func TestPurgeMissingRoot(t *testing.T) {
	st := newTestStore(t) // root not created yet
	removed, err := st.Purge(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
