// Package config loads and validates the job table configuration file:
// a JSON document with a top-level "jobs" array. Loading goes through
// viper + go-viper/mapstructure/v2, producing a configuration error
// taxonomy (exit code 2) on any problem.
package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/ocelotmarkets/botsup/internal/jobtable"
)

// JobConfig is the raw, as-written shape of one entry in the config
// file's "jobs" array.
type JobConfig struct {
	Name                   string            `mapstructure:"name"`
	Enabled                *bool             `mapstructure:"enabled"`
	Command                []string          `mapstructure:"command"`
	Program                string            `mapstructure:"program"`
	Args                   []string          `mapstructure:"args"`
	Cwd                    string            `mapstructure:"cwd"`
	Env                    map[string]string `mapstructure:"env"`
	LogFile                string            `mapstructure:"log_file"`
	Restart                string            `mapstructure:"restart"`
	MaxConsecutiveFailures int               `mapstructure:"max_consecutive_failures"`
	CooldownBaseSec        float64           `mapstructure:"cooldown_base_sec"`
	CooldownCapSec         float64           `mapstructure:"cooldown_cap_sec"`
	MaxRunSeconds          int               `mapstructure:"max_run_seconds"`
}

// rawConfig is the top-level config file shape.
type rawConfig struct {
	Jobs []JobConfig `mapstructure:"jobs"`
}

// Error is a configuration error surfaced at startup (exit code 2).
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "config: " + e.Msg }

func configErrorf(format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Load reads and validates the config file at path, returning the
// decoded job table. poll_interval is validated separately by
// ValidatePollInterval (it is a CLI flag, not part of the config file).
func Load(path string) ([]jobtable.JobSpec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, configErrorf("read %s: %v", path, err)
	}

	var raw rawConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &raw,
	})
	if err != nil {
		return nil, configErrorf("build decoder: %v", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, configErrorf("decode %s: %v", path, err)
	}

	return validateAndConvert(raw.Jobs)
}

func validateAndConvert(jobs []JobConfig) ([]jobtable.JobSpec, error) {
	if len(jobs) == 0 {
		return nil, configErrorf("jobs array must not be empty")
	}

	seen := make(map[string]bool, len(jobs))
	out := make([]jobtable.JobSpec, 0, len(jobs))

	for i, jc := range jobs {
		name := strings.TrimSpace(jc.Name)
		if name == "" {
			return nil, configErrorf("jobs[%d]: name is required", i)
		}
		if seen[name] {
			return nil, configErrorf("duplicate job name %q", name)
		}
		seen[name] = true

		program, args, err := resolveCommand(jc)
		if err != nil {
			return nil, configErrorf("job %q: %v", name, err)
		}

		restart, err := resolveRestart(jc.Restart)
		if err != nil {
			return nil, configErrorf("job %q: %v", name, err)
		}

		enabled := true
		if jc.Enabled != nil {
			enabled = *jc.Enabled
		}

		logFile := jc.LogFile
		if logFile == "" {
			logFile = fmt.Sprintf("logs/%s.log", name)
		}

		if jc.MaxConsecutiveFailures < 0 {
			return nil, configErrorf("job %q: max_consecutive_failures must be >= 0", name)
		}

		out = append(out, jobtable.JobSpec{
			Name:                   name,
			Enabled:                enabled,
			Program:                program,
			Args:                   args,
			Env:                    jc.Env,
			Cwd:                    jc.Cwd,
			LogFile:                logFile,
			Restart:                restart,
			MaxConsecutiveFailures: jc.MaxConsecutiveFailures,
			CooldownBaseSec:        jc.CooldownBaseSec,
			CooldownCapSec:         jc.CooldownCapSec,
			MaxRunSeconds:          jc.MaxRunSeconds,
		})
	}

	return out, nil
}

func resolveCommand(jc JobConfig) (string, []string, error) {
	if len(jc.Command) > 0 {
		return jc.Command[0], jc.Command[1:], nil
	}
	if jc.Program != "" {
		return jc.Program, jc.Args, nil
	}
	return "", nil, fmt.Errorf("requires either command or program")
}

func resolveRestart(s string) (jobtable.Restart, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return jobtable.RestartOnFailure, nil
	case "always":
		return jobtable.RestartAlways, nil
	case "on-failure":
		return jobtable.RestartOnFailure, nil
	case "never":
		return jobtable.RestartNever, nil
	default:
		return "", fmt.Errorf("unknown restart policy %q", s)
	}
}

// ValidatePollInterval rejects a non-positive poll interval (CLI
// --poll-sec feeds this).
func ValidatePollInterval(seconds float64) error {
	if seconds <= 0 {
		return configErrorf("poll-sec must be > 0")
	}
	return nil
}
