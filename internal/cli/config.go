package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/dpm/internal/backup"
	"github.com/mesh-intelligence/dpm/internal/paths"
	"github.com/mesh-intelligence/dpm/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"

	cfgKeyRegistry     = "registry"
	cfgKeyDataDir      = "data_dir"
	cfgKeyLogLevel     = "log_level"
	cfgKeyBackupDriver = "backup.driver"
	cfgKeyBackupDir    = "backup.dir"
	cfgKeyBackupS3     = "backup.s3"

	defaultLogLevel = "warn"
)

// defaultConfigYAML is written to config.yaml on first run.
const defaultConfigYAML = `# dpm configuration

# Domain registry, relative to this directory.
registry: dpm.json

# Directory for the domain created by "dpm init" (optional; overridable by --data-dir).
# data_dir:

# panic, fatal, error, warn, info, debug, trace
log_level: warn

# Off-box copies of "dpm backup". Leave driver empty to keep local backups only.
backup:
  driver: ""
  # dir: backups         # fs driver root, relative to this directory
  # s3:
  #   bucket: dpm-backups
  #   region: us-east-1
  #   prefix: laptop
  #   endpoint: http://localhost:9000   # MinIO
  #   path_style: true
`

// loadConfig reads config.yaml from configDir using Viper, creating the
// directory and a default file on first run. Environment variables prefixed
// DPM_ override file values.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyRegistry, paths.RegistryFileName)
	v.SetDefault(cfgKeyLogLevel, defaultLogLevel)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("DPM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("%w: read config: %v", types.ErrConfiguration, err)
	}
	return v, nil
}

func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, paths.ConfigFileName)
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

// backupConfig reads the backup section. A relative fs dir resolves against
// configDir.
func backupConfig(v *viper.Viper, configDir string) (backup.Config, error) {
	cfg := backup.Config{
		Driver: backup.Driver(v.GetString(cfgKeyBackupDriver)),
		Dir:    v.GetString(cfgKeyBackupDir),
	}
	if err := v.UnmarshalKey(cfgKeyBackupS3, &cfg.S3); err != nil {
		return backup.Config{}, fmt.Errorf("%w: backup.s3: %v", types.ErrConfiguration, err)
	}
	if cfg.Driver == backup.DriverFS && cfg.Dir == "" {
		cfg.Dir = "backups"
	}
	if cfg.Dir != "" && !filepath.IsAbs(cfg.Dir) {
		cfg.Dir = filepath.Join(configDir, cfg.Dir)
	}
	return cfg, nil
}
