package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// PolicyRef points at the policy version generated for one bucket, plus the
// IDs of the last activation requested per network.
type PolicyRef struct {
	PolicyID             int64      `json:"policyId" validate:"required"`
	Version              int64      `json:"version" validate:"required"`
	ActivationStaging    flexibleID `json:"activation_STAGING,omitempty"`
	ActivationProduction flexibleID `json:"activation_PRODUCTION,omitempty"`
}

// Activation returns the recorded activation ID for network.
func (p PolicyRef) Activation(network string) flexibleID {
	switch network {
	case NetworkStaging:
		return p.ActivationStaging
	case NetworkProduction:
		return p.ActivationProduction
	}
	return ""
}

// withActivation returns a copy of p with the activation ID for network set.
func (p PolicyRef) withActivation(network string, id flexibleID) PolicyRef {
	switch network {
	case NetworkStaging:
		p.ActivationStaging = id
	case NetworkProduction:
		p.ActivationProduction = id
	}
	return p
}

// RunConfig is the state one invocation hands to the next: which policy
// versions the last parse produced and how they were generated. Values are
// treated as immutable; the With* helpers return modified copies.
type RunConfig struct {
	PolicyName string      `json:"policyname" validate:"required"`
	Buckets    int         `json:"buckets" validate:"min=1"`
	Template   string      `json:"template,omitempty"`
	InputFile  string      `json:"inputfile,omitempty"`
	RunID      string      `json:"runId,omitempty"`
	Policies   []PolicyRef `json:"policies,omitempty" validate:"dive"`
}

func (c RunConfig) clone() RunConfig {
	c.Policies = append([]PolicyRef(nil), c.Policies...)
	return c
}

// WithPolicies returns a copy of c holding refs.
func (c RunConfig) WithPolicies(refs []PolicyRef) RunConfig {
	out := c.clone()
	out.Policies = append([]PolicyRef(nil), refs...)
	return out
}

// WithParse returns a copy of c recording a completed parse step.
func (c RunConfig) WithParse(refs []PolicyRef, inputFile, runID string) RunConfig {
	out := c.WithPolicies(refs)
	out.InputFile = inputFile
	out.RunID = runID
	return out
}

// WithTemplate returns a copy of c using the given rule-tree template path.
func (c RunConfig) WithTemplate(path string) RunConfig {
	out := c.clone()
	out.Template = path
	return out
}

// ─── Config Store ───────────────────────────────────────────────────

// ConfigStore reads and writes the JSON sidecar holding a RunConfig.
// Concurrent runs against the same file are not supported.
type ConfigStore struct {
	filePath string
	log      *logrus.Logger
}

// NewConfigStore creates a store for the config file at filePath.
func NewConfigStore(filePath string, log *logrus.Logger) *ConfigStore {
	return &ConfigStore{filePath: filePath, log: log}
}

// Path returns the config file location.
func (s *ConfigStore) Path() string { return s.filePath }

// defaultRunConfig returns the config used when no file exists yet.
func defaultRunConfig(policyName string) RunConfig {
	return RunConfig{PolicyName: policyName, Buckets: DefaultBuckets}
}

// Load reads the config for policyName. A missing file yields defaults; a
// file written for another policy is a configuration error. buckets > 0
// overrides the stored bucket count.
func (s *ConfigStore) Load(policyName string, buckets int) (RunConfig, error) {
	cfg := defaultRunConfig(policyName)

	data, err := os.ReadFile(s.filePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.log.WithField("config", s.filePath).Debug("config file not found, using defaults")
	case err != nil:
		return RunConfig{}, newRunError(KindConfig, "reading config", err)
	default:
		var stored RunConfig
		if err := json.Unmarshal(data, &stored); err != nil {
			return RunConfig{}, newRunError(KindConfig, "parsing config", fmt.Errorf("%s: %w", s.filePath, err))
		}
		if stored.PolicyName != policyName {
			return RunConfig{}, configErrorf("loading config",
				"configuration mismatch, policyname %q in %s is different from %q", stored.PolicyName, s.filePath, policyName)
		}
		if stored.Buckets == 0 {
			stored.Buckets = DefaultBuckets
		}
		cfg = stored
		s.log.WithFields(logrus.Fields{
			"config":   s.filePath,
			"buckets":  cfg.Buckets,
			"policies": len(cfg.Policies),
		}).Debug("loaded config")
	}

	if buckets > 0 {
		cfg.Buckets = buckets
	}
	if err := validate.Struct(cfg); err != nil {
		return RunConfig{}, newRunError(KindConfig, "validating config", err)
	}
	return cfg, nil
}

// Save writes cfg to disk atomically.
func (s *ConfigStore) Save(cfg RunConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return newRunError(KindConfig, "validating config", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := atomicWriteFile(s.filePath, append(data, '\n'), 0644); err != nil {
		return newRunError(KindConfig, "writing config", err)
	}
	s.log.WithFields(logrus.Fields{"config": s.filePath, "policies": len(cfg.Policies)}).Info("saved config")
	return nil
}

// atomicWriteFile writes data to a temporary file in the same directory and
// renames it over path, so a crash never leaves a half-written config.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", path, err)
	}

	success = true
	return nil
}
