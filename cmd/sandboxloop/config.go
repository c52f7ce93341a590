package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// cliConfig is the configuration for the run command. It may be loaded
// from a YAML file, with flags taking precedence.
type cliConfig struct {
	Backend      string        `yaml:"backend"`
	LogLevel     string        `yaml:"log_level"`
	Duration     time.Duration `yaml:"duration"`
	Tick         time.Duration `yaml:"tick"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func defaultConfig() cliConfig {
	return cliConfig{
		Backend:      "auto",
		LogLevel:     "info",
		Duration:     time.Second,
		Tick:         100 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

// loadConfig decodes path over cfg. Unknown keys are rejected.
func loadConfig(path string, cfg *cliConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// mergeFlags copies the flags set on the command line over file.
func mergeFlags(cmd *cobra.Command, flags, file cliConfig) cliConfig {
	changed := cmd.Flags().Changed
	if changed("backend") {
		file.Backend = flags.Backend
	}
	if changed("log-level") {
		file.LogLevel = flags.LogLevel
	}
	if changed("duration") {
		file.Duration = flags.Duration
	}
	if changed("tick") {
		file.Tick = flags.Tick
	}
	if changed("poll-interval") {
		file.PollInterval = flags.PollInterval
	}
	return file
}
