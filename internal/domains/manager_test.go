package domains

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/dpm/internal/backup"
	"github.com/mesh-intelligence/dpm/pkg/types"
)

const twoDomains = `{
  "databases": {
    "work": {"path": "./work.sqlite", "description": "day job"},
    "home": {"path": "./home.sqlite", "description": "house"}
  }
}`

func newTestManager(t *testing.T, dir string, opts ...Option) (*Manager, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	path := filepath.Join(dir, "dpm.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		writeFile(t, dir, "dpm.json", twoDomains)
	}
	m, err := LoadManager(path, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown() })
	return m, hook
}

func TestManager_DefaultDomain(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	assert.Equal(t, []string{"home", "work"}, m.Domains())
	assert.Equal(t, "", m.LastDomain())

	d, err := m.DefaultDomain()
	require.NoError(t, err)
	assert.Equal(t, "home", d)

	require.NoError(t, m.SetLastDomain("work"))
	d, err = m.DefaultDomain()
	require.NoError(t, err)
	assert.Equal(t, "work", d)

	assert.ErrorIs(t, m.SetLastDomain("nope"), types.ErrNoSuchDomain)
	assert.ErrorIs(t, m.SetLastDomain("nope"), types.ErrNotFound)
}

func TestManager_DefaultDomainEmptyRegistry(t *testing.T) {
	m := NewManager(NewCatalog(t.TempDir(), nil), filepath.Join(t.TempDir(), StateFileName))
	_, err := m.DefaultDomain()
	assert.ErrorIs(t, err, types.ErrNoSuchDomain)
}

func TestManager_DBForDomain(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, dir)

	s1, err := m.DBForDomain("work")
	require.NoError(t, err)
	s2, err := m.DBForDomain("work")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, filepath.Join(dir, "work.sqlite"), s1.Path())

	_, err = m.DBForDomain("missing")
	assert.ErrorIs(t, err, types.ErrNoSuchDomain)

	require.NoError(t, m.Shutdown())
	_, err = s1.Projects(context.Background())
	assert.ErrorIs(t, err, types.ErrStoreClosed)

	s3, err := m.DBForDomain("work")
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
}

func TestManager_StateSurvivesReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, _ := newTestManager(t, dir)

	s, err := m.DBForDomain("work")
	require.NoError(t, err)
	proj, err := s.AddProject(ctx, "Launch", "", "")
	require.NoError(t, err)
	phase, err := s.AddPhase(ctx, proj.ID(), "Design", "", "")
	require.NoError(t, err)
	task, err := s.AddTask(ctx, types.Task{Name: "Sketch", PhaseID: types.OptionalID(phase.ID())})
	require.NoError(t, err)

	require.NoError(t, m.SetLastTask(ctx, "work", task.ID()))
	require.NoError(t, m.Shutdown())

	m2, _ := newTestManager(t, dir)
	assert.Equal(t, "work", m2.LastDomain())

	gotTask, err := m2.LastTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, gotTask)
	assert.Equal(t, task.ID(), gotTask.ID())

	gotPhase, err := m2.LastPhase(ctx)
	require.NoError(t, err)
	require.NotNil(t, gotPhase)
	assert.Equal(t, phase.ID(), gotPhase.ID())

	gotProject, err := m2.LastProject(ctx)
	require.NoError(t, err)
	require.NotNil(t, gotProject)
	assert.Equal(t, proj.ID(), gotProject.ID())
}

func TestManager_SetLastCascades(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, t.TempDir())
	s, err := m.DBForDomain("home")
	require.NoError(t, err)

	a, err := s.AddProject(ctx, "A", "", "")
	require.NoError(t, err)
	b, err := s.AddProject(ctx, "B", "", "")
	require.NoError(t, err)
	phase, err := s.AddPhase(ctx, b.ID(), "P", "", "")
	require.NoError(t, err)
	direct, err := s.AddTask(ctx, types.Task{Name: "direct", ProjectID: types.OptionalID(a.ID())})
	require.NoError(t, err)

	require.NoError(t, m.SetLastProject(ctx, "home", a.ID()))
	assert.Equal(t, "home", m.LastDomain())

	require.NoError(t, m.SetLastPhase(ctx, "home", phase.ID()))
	p, err := m.LastProject(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID(), p.ID(), "phase sets its project")

	require.NoError(t, m.SetLastTask(ctx, "home", direct.ID()))
	p, err = m.LastProject(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), p.ID(), "task sets its project")
	ph, err := m.LastPhase(ctx)
	require.NoError(t, err)
	require.NotNil(t, ph)
	assert.Equal(t, phase.ID(), ph.ID(), "task without phase keeps last phase")
}

func TestManager_SetLastValidates(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, t.TempDir())

	assert.ErrorIs(t, m.SetLastProject(ctx, "work", "nope"), types.ErrProjectNotFound)
	assert.ErrorIs(t, m.SetLastPhase(ctx, "work", "nope"), types.ErrPhaseNotFound)
	assert.ErrorIs(t, m.SetLastTask(ctx, "work", "nope"), types.ErrTaskNotFound)
	assert.ErrorIs(t, m.SetLastProject(ctx, "gone", "x"), types.ErrNoSuchDomain)
	assert.Equal(t, "", m.LastDomain())
	assert.NoFileExists(t, m.StatePath())
}

func TestManager_StateFileFormat(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, t.TempDir())
	s, err := m.DBForDomain("work")
	require.NoError(t, err)
	p, err := s.AddProject(ctx, "P", "", "")
	require.NoError(t, err)
	require.NoError(t, m.SetLastProject(ctx, "work", p.ID()))

	data, err := os.ReadFile(m.StatePath())
	require.NoError(t, err)
	var st types.State
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, "work", st.LastDomain)
	assert.Equal(t, p.ID(), st.Domains["work"].LastProjectID)

	entries, err := os.ReadDir(filepath.Dir(m.StatePath()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestManager_CorruptState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, StateFileName, "{not json")

	m, hook := newTestManager(t, dir)
	assert.Equal(t, "", m.LastDomain())
	p, err := m.LastProject(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestManager_StalePointers(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, t.TempDir())
	s, err := m.DBForDomain("work")
	require.NoError(t, err)
	p, err := s.AddProject(ctx, "P", "", "")
	require.NoError(t, err)
	require.NoError(t, m.SetLastProject(ctx, "work", p.ID()))
	require.NoError(t, s.DeleteProject(ctx, p.ID()))

	got, err := m.LastProject(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestManager_RejectedEntriesLogged(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dpm.json", `{"databases": {"ok": {"path": "./ok.sqlite", "description": ""}, "bad": {"description": "x"}}}`)
	m, hook := newTestManager(t, dir)
	assert.Equal(t, []string{"ok"}, m.Domains())

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Data["domain"] == "bad" && e.Level == logrus.WarnLevel {
			found = true
		}
	}
	assert.True(t, found)
}

func TestManager_BackupDomain(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := backup.NewFS(filepath.Join(dir, "offsite"))
	require.NoError(t, err)
	m, _ := newTestManager(t, dir, WithBackupSink(sink))

	s, err := m.DBForDomain("work")
	require.NoError(t, err)
	_, err = s.AddProject(ctx, "P", "", "")
	require.NoError(t, err)

	res, err := m.BackupDomain(ctx, "work")
	require.NoError(t, err)
	assert.FileExists(t, res.Path)
	require.NotNil(t, res.Upload)
	assert.Equal(t, backup.Key("work", res.Path), res.Upload.Key)

	listed, err := sink.List(ctx, "work/")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	local, err := os.Stat(res.Path)
	require.NoError(t, err)
	assert.Equal(t, local.Size(), listed[0].Size)

	_, err = m.BackupDomain(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrNoSuchDomain)
}

func TestManager_BackupWithoutSink(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	res, err := m.BackupDomain(context.Background(), "home")
	require.NoError(t, err)
	assert.Nil(t, res.Upload)
	assert.FileExists(t, res.Path)
}

func TestManager_OverlayForDomain(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "dpm.json", `{"databases": {
  "sw": {"path": "./sw.sqlite", "description": "product", "domain_mode": "software"},
  "plain": {"path": "./plain.sqlite", "description": "chores"}
}}`)
	m, _ := newTestManager(t, dir)

	ov, err := m.OverlayForDomain(ctx, "sw")
	require.NoError(t, err)
	again, err := m.OverlayForDomain(ctx, "sw")
	require.NoError(t, err)
	assert.Same(t, ov, again)

	_, err = m.OverlayForDomain(ctx, "plain")
	assert.ErrorIs(t, err, types.ErrConfiguration)
	_, err = m.OverlayForDomain(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNoSuchDomain)
}

func TestManager_FailedStateWriteKeepsMemory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, _ := newTestManager(t, dir)

	s, err := m.DBForDomain("work")
	require.NoError(t, err)
	first, err := s.AddProject(ctx, "First", "", "")
	require.NoError(t, err)
	second, err := s.AddProject(ctx, "Second", "", "")
	require.NoError(t, err)
	require.NoError(t, m.SetLastProject(ctx, "work", first.ID()))

	// A non-empty directory where the state file belongs makes the rename fail.
	require.NoError(t, os.Remove(m.StatePath()))
	require.NoError(t, os.MkdirAll(filepath.Join(m.StatePath(), "blocker"), 0o755))

	require.Error(t, m.SetLastProject(ctx, "work", second.ID()))
	p, err := m.LastProject(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, first.ID(), p.ID())

	require.Error(t, m.SetLastDomain("home"))
	assert.Equal(t, "work", m.LastDomain())
}
