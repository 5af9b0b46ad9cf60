package domains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/dpm/internal/backup"
	"github.com/mesh-intelligence/dpm/internal/overlay"
	"github.com/mesh-intelligence/dpm/internal/store"
	"github.com/mesh-intelligence/dpm/pkg/types"
)

// StateFileName is the last-accessed state file kept beside the registry.
const StateFileName = ".dpm_state.json"

// Manager owns the open store of each domain and the persisted
// last-accessed pointers. It is safe for concurrent use.
type Manager struct {
	catalog   *Catalog
	statePath string
	log       logrus.FieldLogger
	storeOpts []store.Option
	sink      backup.Store

	mu       sync.Mutex
	state    types.State
	stores   map[string]*store.Store
	overlays map[string]*overlay.Overlay
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the manager and the stores it opens.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

// WithStoreOptions appends options passed to every store.Open call.
func WithStoreOptions(opts ...store.Option) Option {
	return func(m *Manager) { m.storeOpts = append(m.storeOpts, opts...) }
}

// WithBackupSink uploads domain backups to sink after they are written.
func WithBackupSink(sink backup.Store) Option {
	return func(m *Manager) { m.sink = sink }
}

// NewManager returns a manager over catalog. State is read from statePath;
// a missing or unreadable file yields empty state.
func NewManager(catalog *Catalog, statePath string, opts ...Option) *Manager {
	m := &Manager{
		catalog:   catalog,
		statePath: statePath,
		log:       logrus.StandardLogger(),
		stores:    make(map[string]*store.Store),
		overlays:  make(map[string]*overlay.Overlay),
	}
	for _, opt := range opts {
		opt(m)
	}
	for name, err := range catalog.Rejected {
		m.log.WithField("domain", name).WithError(err).Warn("domain entry rejected")
	}
	m.state = m.loadState()
	return m
}

// LoadManager reads the registry at configPath and keeps state in
// StateFileName in the same directory.
func LoadManager(configPath string, opts ...Option) (*Manager, error) {
	catalog, err := FromConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConfiguration, err)
	}
	return NewManager(catalog, filepath.Join(filepath.Dir(abs), StateFileName), opts...), nil
}

// Catalog returns the loaded catalog.
func (m *Manager) Catalog() *Catalog { return m.catalog }

// StatePath returns the state file location.
func (m *Manager) StatePath() string { return m.statePath }

// Domains returns the domain names in sorted order.
func (m *Manager) Domains() []string { return m.catalog.Names() }

func (m *Manager) loadState() types.State {
	empty := types.State{Domains: map[string]types.DomainState{}}
	data, err := os.ReadFile(m.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return empty
	}
	if err != nil {
		m.log.WithField("path", m.statePath).WithError(err).Warn("state file unreadable, starting empty")
		return empty
	}
	var st types.State
	if err := json.Unmarshal(data, &st); err != nil {
		m.log.WithField("path", m.statePath).WithError(err).Warn("state file corrupt, starting empty")
		return empty
	}
	if st.Domains == nil {
		st.Domains = map[string]types.DomainState{}
	}
	return st
}

// saveState replaces the state file. Callers hold m.mu.
func (m *Manager) saveState() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := filepath.Dir(m.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".dpm_state-*.tmp")
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.statePath); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// DBForDomain returns the store for name, opening it on first use.
func (m *Manager) DBForDomain(name string) (*store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeLocked(name)
}

func (m *Manager) storeLocked(name string) (*store.Store, error) {
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	entry, ok := m.catalog.Entry(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrNoSuchDomain, name)
	}
	opts := append([]store.Option{store.WithLogger(m.log.WithField("domain", name))}, m.storeOpts...)
	s, err := store.Open(entry.Path, opts...)
	if err != nil {
		return nil, fmt.Errorf("open domain %s: %w", name, err)
	}
	m.stores[name] = s
	m.log.WithField("domain", name).WithField("path", entry.Path).Debug("domain store opened")
	return s, nil
}

// OverlayForDomain returns the software overlay of a domain registered
// with domain_mode software.
func (m *Manager) OverlayForDomain(ctx context.Context, name string) (*overlay.Overlay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ov, ok := m.overlays[name]; ok {
		return ov, nil
	}
	if entry, ok := m.catalog.Entry(name); ok && entry.EffectiveMode() != types.DomainModeSoftware {
		return nil, fmt.Errorf("%w: domain %s is not in software mode", types.ErrConfiguration, name)
	}
	s, err := m.storeLocked(name)
	if err != nil {
		return nil, err
	}
	ov, err := overlay.New(ctx, s, overlay.WithLogger(m.log.WithField("domain", name)))
	if err != nil {
		return nil, err
	}
	m.overlays[name] = ov
	return ov, nil
}

// DefaultDomain returns the last used domain when it is still registered,
// otherwise the first domain by name.
func (m *Manager) DefaultDomain() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.catalog.Entry(m.state.LastDomain); ok {
		return m.state.LastDomain, nil
	}
	names := m.catalog.Names()
	if len(names) == 0 {
		return "", fmt.Errorf("%w: registry has no domains", types.ErrNoSuchDomain)
	}
	return names[0], nil
}

// LastDomain returns the last used domain, or "" when none is recorded.
func (m *Manager) LastDomain() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LastDomain
}

// SetLastDomain records name as the last used domain.
func (m *Manager) SetLastDomain(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.catalog.Entry(name); !ok {
		return fmt.Errorf("%w: %q", types.ErrNoSuchDomain, name)
	}
	next := cloneState(m.state)
	next.LastDomain = name
	return m.replaceState(next)
}

// SetLastProject records projectID as the last project of domain and makes
// domain the last domain.
func (m *Manager) SetLastProject(ctx context.Context, domain, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.storeLocked(domain)
	if err != nil {
		return err
	}
	p, err := s.ProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: %s", types.ErrProjectNotFound, projectID)
	}
	ds := m.state.Domains[domain]
	ds.LastProjectID = p.ID()
	return m.commit(domain, ds)
}

// SetLastPhase records phaseID and its project as last used in domain.
func (m *Manager) SetLastPhase(ctx context.Context, domain, phaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.storeLocked(domain)
	if err != nil {
		return err
	}
	ph, err := s.PhaseByID(ctx, phaseID)
	if err != nil {
		return err
	}
	if ph == nil {
		return fmt.Errorf("%w: %s", types.ErrPhaseNotFound, phaseID)
	}
	ds := m.state.Domains[domain]
	ds.LastPhaseID = ph.ID()
	ds.LastProjectID = ph.ProjectID()
	return m.commit(domain, ds)
}

// SetLastTask records taskID as last used in domain, along with its
// effective project and, when it has one, its phase.
func (m *Manager) SetLastTask(ctx context.Context, domain, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.storeLocked(domain)
	if err != nil {
		return err
	}
	t, err := s.TaskByID(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	projectID, err := t.EffectiveProjectID(ctx)
	if err != nil {
		return err
	}
	ds := m.state.Domains[domain]
	ds.LastTaskID = t.ID()
	ds.LastProjectID = projectID
	if t.PhaseID() != "" {
		ds.LastPhaseID = t.PhaseID()
	}
	return m.commit(domain, ds)
}

// commit records ds for domain, makes domain the last domain and writes the
// state file. Callers hold m.mu.
func (m *Manager) commit(domain string, ds types.DomainState) error {
	next := cloneState(m.state)
	next.Domains[domain] = ds
	next.LastDomain = domain
	return m.replaceState(next)
}

// replaceState installs next and persists it. On a write failure the
// previous state is restored, so memory always matches the file.
func (m *Manager) replaceState(next types.State) error {
	prev := m.state
	m.state = next
	if err := m.saveState(); err != nil {
		m.state = prev
		return err
	}
	return nil
}

func cloneState(st types.State) types.State {
	out := types.State{LastDomain: st.LastDomain, Domains: make(map[string]types.DomainState, len(st.Domains)+1)}
	for name, ds := range st.Domains {
		out.Domains[name] = ds
	}
	return out
}

// lastState returns the store and pointer set of the last domain. The store
// is nil when no domain is recorded or it is no longer registered.
func (m *Manager) lastState() (*store.Store, types.DomainState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := m.state.LastDomain
	if _, ok := m.catalog.Entry(name); !ok {
		return nil, types.DomainState{}, nil
	}
	s, err := m.storeLocked(name)
	if err != nil {
		return nil, types.DomainState{}, err
	}
	return s, m.state.Domains[name], nil
}

// LastProject returns the last used project of the last domain, or nil
// when none is recorded or it no longer exists.
func (m *Manager) LastProject(ctx context.Context) (*store.ProjectRecord, error) {
	s, ds, err := m.lastState()
	if err != nil || s == nil || ds.LastProjectID == "" {
		return nil, err
	}
	return s.ProjectByID(ctx, ds.LastProjectID)
}

// LastPhase returns the last used phase of the last domain, or nil.
func (m *Manager) LastPhase(ctx context.Context) (*store.PhaseRecord, error) {
	s, ds, err := m.lastState()
	if err != nil || s == nil || ds.LastPhaseID == "" {
		return nil, err
	}
	return s.PhaseByID(ctx, ds.LastPhaseID)
}

// LastTask returns the last used task of the last domain, or nil.
func (m *Manager) LastTask(ctx context.Context) (*store.TaskRecord, error) {
	s, ds, err := m.lastState()
	if err != nil || s == nil || ds.LastTaskID == "" {
		return nil, err
	}
	return s.TaskByID(ctx, ds.LastTaskID)
}

// BackupResult reports where a domain backup was written.
type BackupResult struct {
	Domain string       `json:"domain"`
	Path   string       `json:"path"`
	Upload *backup.Info `json:"upload,omitempty"`
}

// BackupDomain writes a backup of the domain database and uploads it to
// the configured sink, if any, under <domain>/<file>.
func (m *Manager) BackupDomain(ctx context.Context, name string) (BackupResult, error) {
	s, err := m.DBForDomain(name)
	if err != nil {
		return BackupResult{}, err
	}
	path, err := s.MakeBackup(ctx)
	if err != nil {
		return BackupResult{}, err
	}
	res := BackupResult{Domain: name, Path: path}
	if m.sink == nil {
		return res, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()
	info, err := m.sink.Put(ctx, backup.Key(name, path), f)
	if err != nil {
		return res, fmt.Errorf("upload backup: %w", err)
	}
	res.Upload = &info
	m.log.WithField("domain", name).WithField("key", info.Key).
		WithField("driver", m.sink.Driver()).Info("backup uploaded")
	return res, nil
}

// Shutdown closes every open store. The manager may be reused afterwards;
// stores reopen on demand.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, s := range m.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close domain %s: %w", name, err))
		}
		delete(m.stores, name)
		delete(m.overlays, name)
	}
	return errors.Join(errs...)
}
