package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Settings are the tool-wide defaults that do not belong to one policy:
// credentials location, logging and the rule-tree template.
type Settings struct {
	Edgerc                string
	Section               string
	Account               string
	LogLevel              string
	LogFormat             string
	Template              string
	MaxActivationAttempts int
}

// settingsEnvPrefix prefixes every environment override, e.g. ERBULK_SECTION.
const settingsEnvPrefix = "ERBULK"

// defaultSettingsFiles lists the optional settings files, first found wins.
func defaultSettingsFiles() []string {
	files := []string{"erbulk.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".erbulk.yaml"))
	}
	return files
}

// LoadSettings reads defaults, the first settings file of candidates that
// exists, and ERBULK_* environment variables, in increasing precedence.
// Command-line flags are applied on top by the caller.
func LoadSettings(candidates ...string) (Settings, error) {
	v := viper.New()
	v.SetDefault("edgerc", "~/.edgerc")
	v.SetDefault("section", "default")
	v.SetDefault("account", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("template", "")
	v.SetDefault("max_activation_attempts", defaultMaxActivateTry)

	v.SetEnvPrefix(settingsEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Settings{}, newRunError(KindConfig, "reading settings", err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, newRunError(KindConfig, "reading settings", fmt.Errorf("%s: %w", path, err))
		}
		break
	}

	s := Settings{
		Edgerc:                v.GetString("edgerc"),
		Section:               v.GetString("section"),
		Account:               v.GetString("account"),
		LogLevel:              v.GetString("log_level"),
		LogFormat:             v.GetString("log_format"),
		Template:              v.GetString("template"),
		MaxActivationAttempts: v.GetInt("max_activation_attempts"),
	}
	if s.MaxActivationAttempts < 1 {
		return Settings{}, configErrorf("reading settings", "max_activation_attempts must be at least 1, got %d", s.MaxActivationAttempts)
	}
	return s, nil
}

// applyFlags overrides settings with the values given on the command line.
func (s Settings) applyFlags(f cliFlags) Settings {
	if f.edgerc != "" {
		s.Edgerc = f.edgerc
	}
	if f.section != "" {
		s.Section = f.section
	}
	if f.account != "" {
		s.Account = f.account
	}
	if f.logLevel != "" {
		s.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		s.LogFormat = f.logFormat
	}
	return s
}
