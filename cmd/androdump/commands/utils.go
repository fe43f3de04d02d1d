// Package commands implements the androdump subcommands.
package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"androdump/dexscan"
	"androdump/dumper"
	"androdump/process"
	"androdump/process_blob"
	"androdump/process_linux"
	"androdump/soinfo"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func init() {
	SetDefaults()
}

// SetDefaults registers the default of every configuration key.
func SetDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("output", "./androdump_out")
	viper.SetDefault("freeze", string(process_linux.FreezePtrace))
	viper.SetDefault("read_method", string(process_linux.ReadVM))
	viper.SetDefault("chunk_size", 64*1024)
	viper.SetDefault("workers", 4)

	viper.SetDefault("so.auto_fix", true)
	viper.SetDefault("so.use_soinfo", true)
	viper.SetDefault("so.linker_path", soinfo.DefaultLinkerPath)
	viper.SetDefault("so.only_shared_objects", true)

	dex := dexscan.DefaultOptions()
	viper.SetDefault("dex.min_region_size", dex.MinRegionSize)
	viper.SetDefault("dex.skip_prefixes", dex.SkipPrefixes)
	viper.SetDefault("dex.anonymous_only", dex.AnonymousOnly)
	viper.SetDefault("dex.repair_headers", dex.RepairHeaders)
}

// LoadConfig loads configuration from file and environment
func LoadConfig() error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.SetEnvPrefix("ANDRODUMP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	return nil
}

// SetupLogging configures the logging system
func SetupLogging() error {
	level, err := logrus.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return nil
}

// DumperConfig builds the library configuration from the loaded keys.
func DumperConfig() (dumper.Config, error) {
	cfg := dumper.DefaultConfig()

	freeze, err := process_linux.ParseFreezeMethod(viper.GetString("freeze"))
	if err != nil {
		return cfg, err
	}
	read, err := process_linux.ParseReadMethod(viper.GetString("read_method"))
	if err != nil {
		return cfg, err
	}
	cfg.Freeze = freeze
	cfg.Read = read
	cfg.ChunkSize = viper.GetInt("chunk_size")
	cfg.Workers = viper.GetInt("workers")

	cfg.AutoFix = viper.GetBool("so.auto_fix")
	cfg.UseSoinfo = viper.GetBool("so.use_soinfo")
	cfg.LinkerPath = viper.GetString("so.linker_path")
	cfg.OnlySharedObjects = viper.GetBool("so.only_shared_objects")

	cfg.Dex.MinRegionSize = viper.GetUint64("dex.min_region_size")
	cfg.Dex.SkipPrefixes = viper.GetStringSlice("dex.skip_prefixes")
	cfg.Dex.AnonymousOnly = viper.GetBool("dex.anonymous_only")
	cfg.Dex.RepairHeaders = viper.GetBool("dex.repair_headers")
	cfg.Dex.Workers = cfg.Workers

	return cfg, nil
}

// Target builds the dumper for this run and resolves the target pid, from the
// snapshot when one is given, else from --pid or --name.
func Target() (*dumper.Dumper, process.ProcessID, error) {
	cfg, err := DumperConfig()
	if err != nil {
		return nil, 0, err
	}

	if dir := viper.GetString("snapshot"); dir != "" {
		dump, err := process_blob.Load(dir)
		if err != nil {
			return nil, 0, err
		}
		logrus.WithFields(logrus.Fields{
			"snapshot": dir,
			"pid":      dump.PID,
			"session":  dump.SessionID,
		}).Info("Using snapshot")
		return dumper.New(cfg, dumper.FromSnapshot(dump)), dump.PID, nil
	}

	pid := process.ProcessID(viper.GetInt("pid"))
	if pid == 0 {
		name := viper.GetString("name")
		if name == "" {
			return nil, 0, fmt.Errorf("--pid or --name is required")
		}
		p, err := process_linux.OneByName(name)
		if err != nil {
			return nil, 0, fmt.Errorf("process %q: %w", name, err)
		}
		pid = process.ProcessID(p.PID)
		logrus.WithFields(logrus.Fields{"name": name, "pid": pid}).Info("Resolved target")
	}
	return dumper.New(cfg), pid, nil
}

// outputDir creates and returns the configured output directory.
func outputDir() (string, error) {
	dir := viper.GetString("output")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	return dir, nil
}

func writeArtifact(dir, name string, data []byte) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{"file": path, "size": len(data)}).Info("Saved")
	return nil
}
