package types

import "fmt"

// DomainMode selects how a domain's entities are presented.
type DomainMode string

// Supported domain modes.
const (
	DomainModeDefault  DomainMode = "default"
	DomainModeSoftware DomainMode = "software" // vision, subsystem, deliverable, epic, story, task overlay
)

// knownModes lists the modes that Validate accepts.
var knownModes = map[DomainMode]bool{
	DomainModeDefault:  true,
	DomainModeSoftware: true,
}

// Registry is the persisted domain registry consumed by the catalog.
type Registry struct {
	Databases map[string]DomainEntry `json:"databases" yaml:"databases"`
}

// DomainEntry describes one domain in the registry.
type DomainEntry struct {
	Path        string     `json:"path" yaml:"path"`
	Description string     `json:"description" yaml:"description"`
	Mode        DomainMode `json:"domain_mode,omitempty" yaml:"domain_mode,omitempty"`
}

// Validate checks that the entry is well-formed. An empty mode is accepted
// and means DomainModeDefault.
func (e DomainEntry) Validate() error {
	if e.Path == "" {
		return fmt.Errorf("%w: domain path must not be empty", ErrConfiguration)
	}
	if e.Mode != "" && !knownModes[e.Mode] {
		return fmt.Errorf("%w: unknown domain mode %q", ErrConfiguration, e.Mode)
	}
	return nil
}

// EffectiveMode returns the entry's mode with the default applied.
func (e DomainEntry) EffectiveMode() DomainMode {
	if e.Mode == "" {
		return DomainModeDefault
	}
	return e.Mode
}

// State is the persisted last-accessed pointer set.
type State struct {
	LastDomain string                 `json:"last_domain,omitempty"`
	Domains    map[string]DomainState `json:"domains,omitempty"`
}

// DomainState holds the last-accessed ids within one domain.
type DomainState struct {
	LastProjectID string `json:"last_project_id,omitempty"`
	LastPhaseID   string `json:"last_phase_id,omitempty"`
	LastTaskID    string `json:"last_task_id,omitempty"`
}
