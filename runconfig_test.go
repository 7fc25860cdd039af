package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfigStore(t *testing.T) *ConfigStore {
	t.Helper()
	return NewConfigStore(filepath.Join(t.TempDir(), "bulk.json"), testLogger())
}

// --- Config Store tests ---

func TestConfigStoreDefaults(t *testing.T) {
	s := newTestConfigStore(t)
	cfg, err := s.Load("bulk", 0)
	require.NoError(t, err)
	assert.Equal(t, RunConfig{PolicyName: "bulk", Buckets: DefaultBuckets}, cfg)

	cfg, err = s.Load("bulk", 8)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Buckets)

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "Load must not create the file")
}

func TestConfigStoreRoundTrip(t *testing.T) {
	s := newTestConfigStore(t)
	want := RunConfig{
		PolicyName: "bulk",
		Buckets:    2,
		Template:   "/opt/erbulk/er_bulk_template.json",
		InputFile:  "redirects.csv",
		RunID:      "8c6f5a9e-0000-4000-8000-000000000000",
		Policies: []PolicyRef{
			{PolicyID: 11, Version: 2, ActivationStaging: "901"},
			{PolicyID: 12, Version: 5, ActivationStaging: "902", ActivationProduction: "atv_7"},
		},
	}
	require.NoError(t, s.Save(want))

	got, err := s.Load("bulk", 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"policyname": "bulk"`)
	assert.Contains(t, string(data), `"activation_STAGING": 901`)
	assert.Contains(t, string(data), `"activation_PRODUCTION": "atv_7"`)
	assert.NotContains(t, string(data), `"activation_PRODUCTION": ""`)
}

func TestConfigStoreReadsLegacyFile(t *testing.T) {
	s := newTestConfigStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{
  "policyname": "bulk",
  "template": "er_bulk_template.json",
  "inputfile": "in.csv",
  "policies": [{"policyId": 11, "version": 2, "activation_STAGING": 1234}]
}`), 0644))

	cfg, err := s.Load("bulk", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultBuckets, cfg.Buckets)
	require.Len(t, cfg.Policies, 1)
	assert.Equal(t, flexibleID("1234"), cfg.Policies[0].Activation(NetworkStaging))
	assert.Equal(t, flexibleID(""), cfg.Policies[0].Activation(NetworkProduction))
}

func TestConfigStoreMismatch(t *testing.T) {
	s := newTestConfigStore(t)
	require.NoError(t, s.Save(RunConfig{PolicyName: "other", Buckets: 4}))

	_, err := s.Load("bulk", 0)
	require.Error(t, err)
	assert.Equal(t, KindConfig, errorKind(err))
	assert.Contains(t, err.Error(), "configuration mismatch")
}

func TestConfigStoreBucketOverride(t *testing.T) {
	s := newTestConfigStore(t)
	require.NoError(t, s.Save(RunConfig{PolicyName: "bulk", Buckets: 4}))

	cfg, err := s.Load("bulk", 16)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Buckets)
}

func TestConfigStoreInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"policyname":`},
		{"negative buckets", `{"policyname":"bulk","buckets":-1}`},
		{"policy without id", `{"policyname":"bulk","buckets":1,"policies":[{"version":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestConfigStore(t)
			require.NoError(t, os.WriteFile(s.Path(), []byte(tt.data), 0644))
			_, err := s.Load("bulk", 0)
			require.Error(t, err)
			assert.Equal(t, KindConfig, errorKind(err))
		})
	}
}

func TestConfigStoreSaveRejectsInvalid(t *testing.T) {
	s := newTestConfigStore(t)
	assert.Error(t, s.Save(RunConfig{Buckets: 1}))
	assert.Error(t, s.Save(RunConfig{PolicyName: "bulk"}))
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestAtomicWriteFileLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, atomicWriteFile(path, []byte("one"), 0644))
	require.NoError(t, atomicWriteFile(path, []byte("two"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunConfigIsCopyOnWrite(t *testing.T) {
	refs := []PolicyRef{{PolicyID: 1, Version: 1}}
	base := RunConfig{PolicyName: "bulk", Buckets: 1}.WithPolicies(refs)
	refs[0].Version = 99

	next := base.WithPolicies([]PolicyRef{base.Policies[0].withActivation(NetworkProduction, "42")})
	assert.Equal(t, int64(1), base.Policies[0].Version)
	assert.Equal(t, flexibleID(""), base.Policies[0].ActivationProduction)
	assert.Equal(t, flexibleID("42"), next.Policies[0].ActivationProduction)

	parsed := base.WithParse(nil, "in.csv", "run-1")
	assert.Equal(t, "in.csv", parsed.InputFile)
	assert.Equal(t, "run-1", parsed.RunID)
	assert.Empty(t, parsed.Policies)
	assert.Len(t, base.Policies, 1)
}
