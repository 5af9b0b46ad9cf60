// Package cli implements the dpm command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mesh-intelligence/dpm/internal/backup"
	"github.com/mesh-intelligence/dpm/internal/domains"
	"github.com/mesh-intelligence/dpm/internal/paths"
	"github.com/mesh-intelligence/dpm/internal/store"
	"github.com/mesh-intelligence/dpm/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	domain    string
	jsonMode  bool
}

// app is the state shared by one command invocation.
type app struct {
	flags   rootFlags
	cfg     *viper.Viper
	log     *logrus.Logger
	manager *domains.Manager
	sink    backup.Store
}

// NewRootCmd creates the top-level "dpm" command with global flags and all
// subcommands registered. Stores opened by a command stay open until the
// process exits; use Run to release them.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "dpm",
		Short: "Hierarchical project, phase and task manager",
		Long: "dpm keeps projects, ordered phases and tasks in one SQLite database\n" +
			"per domain. Domains are listed in a registry file in the config directory.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["skipSetup"] == "true" {
				return nil
			}
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: platform config dir, or $"+paths.EnvConfigDir+")")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "directory for the default domain database (default: platform data dir, or $"+paths.EnvDataDir+")")
	pf.StringVarP(&a.flags.domain, "domain", "d", "", "domain to operate on (default: last used domain)")
	pf.BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(a),
		newDomainsCmd(a),
		newProjectCmd(a),
		newPhaseCmd(a),
		newTaskCmd(a),
		newLastCmd(a),
		newBackupCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newSWCmd(a),
	)
	return root
}

// Run executes one invocation with args and closes every store it opened.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Execute runs the CLI with the process arguments and exits with the
// appropriate code.
func Execute() {
	if err := Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "dpm:", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}

// exitCode maps classified errors to exitUserError and everything else to
// exitSysError.
func exitCode(err error) int {
	for _, class := range []error{types.ErrValidation, types.ErrIntegrity, types.ErrNotFound, types.ErrConfiguration, errUsage} {
		if errors.Is(err, class) {
			return exitUserError
		}
	}
	return exitSysError
}

var errUsage = errors.New("usage error")

// setup loads config.yaml, configures logging and the backup sink, and
// opens the domain manager.
func (a *app) setup(cmd *cobra.Command) error {
	configDir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	a.cfg, err = loadConfig(configDir)
	if err != nil {
		return err
	}

	if err := a.initLogger(cmd, a.cfg); err != nil {
		return err
	}

	if a.cfg.GetString(cfgKeyBackupDriver) != "" {
		bc, err := backupConfig(a.cfg, configDir)
		if err != nil {
			return err
		}
		if a.sink, err = backup.Open(cmd.Context(), bc); err != nil {
			return fmt.Errorf("%w: backup sink: %v", types.ErrConfiguration, err)
		}
	}

	registry := paths.RegistryPath(configDir, a.cfg.GetString(cfgKeyRegistry))
	opts := []domains.Option{
		domains.WithLogger(a.log),
		domains.WithStoreOptions(store.WithLogger(a.log)),
	}
	if a.sink != nil {
		opts = append(opts, domains.WithBackupSink(a.sink))
	}
	a.manager, err = domains.LoadManager(registry, opts...)
	if err != nil {
		return fmt.Errorf("%w (run \"dpm init\" to create a registry)", err)
	}
	return nil
}

// initLogger builds the command logger on stderr at the configured level.
func (a *app) initLogger(cmd *cobra.Command, v *viper.Viper) error {
	level, err := logrus.ParseLevel(v.GetString(cfgKeyLogLevel))
	if err != nil {
		return fmt.Errorf("%w: log_level: %v", types.ErrConfiguration, err)
	}
	a.log = logrus.New()
	a.log.SetOutput(cmd.ErrOrStderr())
	a.log.SetLevel(level)
	return nil
}

func (a *app) close() error {
	if a.manager == nil {
		return nil
	}
	return a.manager.Shutdown()
}

// domainName returns the --domain flag or the manager's default domain.
func (a *app) domainName() (string, error) {
	if a.flags.domain != "" {
		return a.flags.domain, nil
	}
	return a.manager.DefaultDomain()
}

// store returns the store of the selected domain.
func (a *app) store() (string, *store.Store, error) {
	name, err := a.domainName()
	if err != nil {
		return "", nil, err
	}
	s, err := a.manager.DBForDomain(name)
	if err != nil {
		return "", nil, err
	}
	return name, s, nil
}

// remember records a last-used pointer. Failures are only logged.
func (a *app) remember(ctx context.Context, set func(context.Context, string, string) error, domain, id string) {
	if err := set(ctx, domain, id); err != nil {
		a.log.WithError(err).Warn("could not update last-used state")
	}
}

func (a *app) out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
