package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/dpm/internal/domains"
	"github.com/mesh-intelligence/dpm/internal/paths"
	"github.com/mesh-intelligence/dpm/internal/store"
	"github.com/mesh-intelligence/dpm/pkg/types"
)

// defaultDomain names the domain written to a fresh registry.
const defaultDomain = "default"

func newInitCmd(a *app) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create the config directory, registry and default domain",
		Long:        "Create config.yaml and a registry with one domain if they are missing, then create that domain's database.",
		Annotations: map[string]string{"skipSetup": "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runInit(cmd, types.DomainMode(mode))
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(types.DomainModeDefault), "domain_mode of the default domain (default or software)")
	return cmd
}

func (a *app) runInit(cmd *cobra.Command, mode types.DomainMode) error {
	configDir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	v, err := loadConfig(configDir)
	if err != nil {
		return err
	}
	if err := a.initLogger(cmd, v); err != nil {
		return err
	}
	dataDir, err := paths.ResolveDataDir(a.flags.dataDir, v.GetString(cfgKeyDataDir))
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	registry := paths.RegistryPath(configDir, v.GetString(cfgKeyRegistry))
	entry := types.DomainEntry{
		Path:        filepath.Join(dataDir, defaultDomain+".sqlite"),
		Description: "default domain",
		Mode:        mode,
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := writeRegistryIfMissing(registry, entry); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}

	m, err := domains.LoadManager(registry, domains.WithLogger(a.log), domains.WithStoreOptions(store.WithLogger(a.log)))
	if err != nil {
		return err
	}
	a.manager = m
	for _, name := range m.Domains() {
		if _, err := m.DBForDomain(name); err != nil {
			return err
		}
	}
	fmt.Fprintf(a.out(cmd), "dpm initialized: %s (%d domains)\n", registry, len(m.Domains()))
	return nil
}

// writeRegistryIfMissing writes a JSON registry holding only entry. An
// existing registry is left alone.
func writeRegistryIfMissing(path string, entry types.DomainEntry) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	reg := types.Registry{Databases: map[string]types.DomainEntry{defaultDomain: entry}}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
