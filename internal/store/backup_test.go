package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupPath(t *testing.T) {
	s := &Store{path: filepath.Join("/data", "work.sqlite")}
	at := time.Date(2026, 10, 14, 8, 30, 5, 0, time.FixedZone("x", 2*3600))
	assert.Equal(t,
		filepath.Join("/data", "backups", "work-20261014T063005Z.sqlite"),
		s.BackupPath(at))
}

func TestMakeBackup(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newTestStore(t, WithRegisterer(reg), WithClock(fixedClock(start)))
	p := mustProject(t, s, "P1", "")
	mustPhase(t, s, p.ID(), "Ph")

	path, err := s.MakeBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(s.Path()), "backups", "domain-20260102T030407Z.sqlite"), path)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	copyStore, err := Open(path)
	require.NoError(t, err)
	defer copyStore.Close()

	got, err := copyStore.ProjectByName(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, got)
	phases, err := got.Phases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ph"}, names(phases))

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.operations.WithLabelValues("backup", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(s.metrics.backup))
}

func TestMakeBackup_LaterWritesNotInCopy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustProject(t, s, "Before", "")

	path, err := s.MakeBackup(ctx)
	require.NoError(t, err)
	mustProject(t, s, "After", "")

	copyStore, err := Open(path)
	require.NoError(t, err)
	defer copyStore.Close()

	all, err := copyStore.Projects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Before"}, names(all))
}
