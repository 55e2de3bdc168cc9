// Package cfg binds the opaque key/value configuration source spec
// section 6 leaves external to flags plus environment variables, the
// way gcsfuse's own cfg package binds its mount options: pflag
// registers the flags, viper merges the env/flag layers, and BindFlags
// wires the two together. No configuration file is read.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the root of the on-disk/CLI configuration. Logger and
// HelperSocket are ambient-stack concerns; FetchEnabled/WatchEnabled/
// ReportRate/WatchPaths/TrustedPIDs seed the driverconfig.Store at
// startup, and the mode, rate and paths can be replaced later over the
// helper protocol's set_* commands (the trusted-pid set has no such
// command).
type Config struct {
	AppName string `yaml:"app-name"`

	Logger LoggerConfig `yaml:"logger"`

	HelperSocket string `yaml:"helper-socket"`

	FetchEnabled bool `yaml:"fetch-enabled"`

	WatchEnabled bool `yaml:"watch-enabled"`

	ReportRate uint32 `yaml:"report-rate"`

	WatchPaths []string `yaml:"watch-paths"`

	TrustedPIDs []uint32 `yaml:"trusted-pids"`

	RemoteBackend string `yaml:"remote-backend"` // "direct" or "gcs"

	GCSBucket string `yaml:"gcs-bucket"`
}

// LoggerConfig mirrors logger.Config's fields so they can be bound
// through the same viper/pflag layer as everything else.
type LoggerConfig struct {
	Format    string `yaml:"format"`
	FilePath  string `yaml:"file-path"`
	MaxSizeMB int    `yaml:"max-size-mb"`
	Severity  string `yaml:"severity"`
}

// BindFlags registers every flag this binary accepts and binds each one
// to its viper key, following gcsfuse's cfg.BindFlags pattern of one
// flagSet.XxxP call immediately followed by one viper.BindPFlag call.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("app-name", "", "lazycopyd", "Application name; stored in the config, not sent to the helper.")
	if err = viper.BindPFlag("app-name", flagSet.Lookup("app-name")); err != nil {
		return err
	}

	flagSet.StringP("helper-socket", "", "/run/lazycopy/helper.sock", "Unix domain socket the helper listens on.")
	if err = viper.BindPFlag("helper-socket", flagSet.Lookup("helper-socket")); err != nil {
		return err
	}

	flagSet.BoolP("fetch-enabled", "", true, "Enable lazy materialization.")
	if err = viper.BindPFlag("fetch-enabled", flagSet.Lookup("fetch-enabled")); err != nil {
		return err
	}

	flagSet.BoolP("watch-enabled", "", false, "Emit file-access observation events.")
	if err = viper.BindPFlag("watch-enabled", flagSet.Lookup("watch-enabled")); err != nil {
		return err
	}

	flagSet.Uint32P("report-rate", "", 0, "Observation-event probability, in ten-thousandths.")
	if err = viper.BindPFlag("report-rate", flagSet.Lookup("report-rate")); err != nil {
		return err
	}

	flagSet.StringSliceP("watch-paths", "", nil, "Directory prefixes to watch for file access.")
	if err = viper.BindPFlag("watch-paths", flagSet.Lookup("watch-paths")); err != nil {
		return err
	}

	flagSet.UintSliceP("trusted-pids", "", nil, "Process IDs exempt from materialization.")
	if err = viper.BindPFlag("trusted-pids", flagSet.Lookup("trusted-pids")); err != nil {
		return err
	}

	flagSet.StringP("remote-backend", "", "direct", "Remote opener backend: direct or gcs.")
	if err = viper.BindPFlag("remote-backend", flagSet.Lookup("remote-backend")); err != nil {
		return err
	}

	flagSet.StringP("gcs-bucket", "", "", "GCS bucket name, when remote-backend is gcs.")
	if err = viper.BindPFlag("gcs-bucket", flagSet.Lookup("gcs-bucket")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log format: text or json.")
	if err = viper.BindPFlag("logger.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Log file path; empty logs to stderr.")
	if err = viper.BindPFlag("logger.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "info", "Minimum log severity.")
	if err = viper.BindPFlag("logger.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	return nil
}

// Load reads the bound viper state into a Config.
func Load() (*Config, error) {
	var c Config
	if err := viper.Unmarshal(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
