package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/instance-scheduler/internal/config"
	"github.com/terrpan/instance-scheduler/internal/instance"
	"github.com/terrpan/instance-scheduler/internal/provider"
)

// ---------------------------------------------------------------------------
// Fake provider
// ---------------------------------------------------------------------------

type fakeProvider struct {
	mu       sync.Mutex
	statuses map[string]provider.Status
	applied  []string
	closed   bool
}

func (f *fakeProvider) Status(_ context.Context, id string) (provider.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		return provider.Status{}, &provider.RemoteError{Op: "get instance", InstanceID: id, Err: errors.New("instance not found")}
	}
	return st, nil
}

func (f *fakeProvider) Apply(_ context.Context, id string, action instance.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, id+":"+action.String())
	return nil
}

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type CLISuite struct {
	suite.Suite
	out, errOut *bytes.Buffer
	provider    *fakeProvider
	env         map[string]string
}

func (s *CLISuite) SetupTest() {
	s.out, s.errOut = &bytes.Buffer{}, &bytes.Buffer{}
	s.provider = &fakeProvider{statuses: map[string]provider.Status{
		"0757_a": {State: instance.StateRunning, Name: "web-a"},
		"0757_b": {State: instance.StateStopped, Name: "web-b"},
	}}
	s.env = map[string]string{}

	stdout, stderr = s.out, s.errOut
	newProviderFor = func(context.Context, *config.Config, *slog.Logger) (provider.Provider, error) {
		return s.provider, nil
	}
	cfgPath = filepath.Join(s.T().TempDir(), "missing.yaml")
	flagOverrides = config.Config{}
	flagIDs = ""
	flagContinue = true
}

func (s *CLISuite) TearDownTest() {
	stdout, stderr = os.Stdout, os.Stderr
	newProviderFor = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
		return cfg.NewProvider(ctx, logger)
	}
}

func TestCLISuite(t *testing.T) {
	suite.Run(t, new(CLISuite))
}

func (s *CLISuite) newCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().BoolVar(&flagContinue, "continue-on-error", true, "")
	return cmd
}

// applyEnv exposes s.env, and nothing else, to config.ApplyEnv.
func (s *CLISuite) applyEnv() {
	for _, name := range config.EnvVars() {
		s.T().Setenv(name, "")
	}
	for k, v := range s.env {
		s.T().Setenv(k, v)
	}
}

func (s *CLISuite) load() *config.Config {
	s.applyEnv()
	cfg, err := loadConfig(s.newCmd())
	require.NoError(s.T(), err)
	return cfg
}

func (s *CLISuite) TestRun_LegacyEnvironment() {
	s.env = map[string]string{
		"IBM_API_KEY":  "key",
		"INSTANCE_IDS": "0757_a, 0757_b",
		"ACTION":       "start",
	}
	cfg := s.load()
	require.NoError(s.T(), cfg.ValidateJob())

	require.NoError(s.T(), run(context.Background(), cfg))

	assert.Equal(s.T(), []string{"0757_b:start"}, s.provider.applied)
	assert.True(s.T(), s.provider.closed)
	assert.Contains(s.T(), s.out.String(), "Total: 2  Succeeded: 2  Failed: 0")
	assert.Contains(s.T(), s.errOut.String(), "job finished")
}

func (s *CLISuite) TestRun_FailureExitsNonZero() {
	s.env = map[string]string{
		"IBM_API_KEY":  "key",
		"INSTANCE_IDS": "0757_a,0757_b,0757_c",
		"ACTION":       "start",
	}
	cfg := s.load()
	require.NoError(s.T(), cfg.ValidateJob())

	err := run(context.Background(), cfg)
	require.ErrorIs(s.T(), err, errFailedInstances)
	assert.Contains(s.T(), err.Error(), "1 of 3")
	assert.Contains(s.T(), s.out.String(), "Total: 3  Succeeded: 2  Failed: 1")
}

func (s *CLISuite) TestRun_HaltOnFirstError() {
	s.env = map[string]string{
		"IBM_API_KEY":       "key",
		"INSTANCE_IDS":      "0757_c,0757_a,0757_b",
		"ACTION":            "start",
		"CONTINUE_ON_ERROR": "false",
	}
	cfg := s.load()
	require.NoError(s.T(), cfg.ValidateJob())

	err := run(context.Background(), cfg)
	require.ErrorIs(s.T(), err, errFailedInstances)
	assert.Contains(s.T(), s.out.String(), "Total: 1  Succeeded: 0  Failed: 1")
	assert.Empty(s.T(), s.provider.applied)
}

func (s *CLISuite) TestRun_MixedCaseEnvironment() {
	s.env = map[string]string{
		"IBM_API_KEY":    "key",
		"INSTANCE_IDS":   "0757_b",
		"ACTION":         "START",
		"EXECUTION_MODE": "Parallel",
	}
	cfg := s.load()
	require.NoError(s.T(), cfg.ValidateJob())

	require.NoError(s.T(), run(context.Background(), cfg))
	assert.Equal(s.T(), []string{"0757_b:start"}, s.provider.applied)
	assert.Contains(s.T(), s.out.String(), "concurrent")
}

func (s *CLISuite) TestRun_JSONReport() {
	s.env = map[string]string{
		"IBM_API_KEY":  "key",
		"INSTANCE_IDS": "0757_a",
		"OUTPUT":       "json",
	}
	cfg := s.load()
	require.NoError(s.T(), cfg.ValidateJob())

	require.NoError(s.T(), run(context.Background(), cfg))

	var rep struct {
		Job struct {
			Action string `json:"action"`
		} `json:"job"`
		ExitCode int `json:"exit_code"`
	}
	require.NoError(s.T(), json.Unmarshal(s.out.Bytes(), &rep))
	assert.Equal(s.T(), "status", rep.Job.Action, "status is the default action")
	assert.Equal(s.T(), 0, rep.ExitCode)
	assert.Empty(s.T(), s.provider.applied)
}

func (s *CLISuite) TestRun_ProviderError() {
	newProviderFor = func(context.Context, *config.Config, *slog.Logger) (provider.Provider, error) {
		return nil, errors.New("iam: invalid api key")
	}
	s.env = map[string]string{"IBM_API_KEY": "key", "INSTANCE_IDS": "0757_a"}
	cfg := s.load()
	require.NoError(s.T(), cfg.ValidateJob())

	err := run(context.Background(), cfg)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "initializing provider")
	assert.Empty(s.T(), s.out.String())
}

func (s *CLISuite) TestLoadConfig_Precedence() {
	cfgPath = filepath.Join(s.T().TempDir(), "config.yaml")
	require.NoError(s.T(), os.WriteFile(cfgPath, []byte(`
job:
  action: stop
  instance_ids: [from-file]
  mode: sequential
provider:
  vpc:
    api_key: file-key
    region: us-south
`), 0o600))
	s.env = map[string]string{"REGION": "eu-de", "EXECUTION_MODE": "parallel"}
	flagOverrides.Job.Mode = "sequential"
	flagIDs = "from-flag-1, from-flag-2"

	cfg := s.load()

	assert.Equal(s.T(), "stop", cfg.Job.Action, "file")
	assert.Equal(s.T(), "file-key", cfg.Provider.VPC.APIKey, "file")
	assert.Equal(s.T(), "eu-de", cfg.Provider.VPC.Region, "env over file")
	assert.Equal(s.T(), "sequential", cfg.Job.Mode, "flag over env")
	assert.Equal(s.T(), []string{"from-flag-1", "from-flag-2"}, cfg.Job.InstanceIDs, "flag over file")
}

func (s *CLISuite) TestLoadConfig_ContinueOnErrorFlag() {
	s.applyEnv()
	cmd := s.newCmd()
	require.NoError(s.T(), cmd.Flags().Set("continue-on-error", "false"))

	cfg, err := loadConfig(cmd)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), cfg.Job.ContinueOnError)
	assert.False(s.T(), *cfg.Job.ContinueOnError)

	cfg = s.load()
	assert.Nil(s.T(), cfg.Job.ContinueOnError, "unset flag keeps the config value")
}

func (s *CLISuite) TestLoadConfig_BadEnvironment() {
	s.env = map[string]string{"MAX_WORKERS": "many"}
	s.applyEnv()
	_, err := loadConfig(s.newCmd())
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "MAX_WORKERS")
}

func (s *CLISuite) TestFlagHelpListsChoices() {
	assert.Contains(s.T(), rootCmd.Flags().Lookup("action").Usage, "start, stop, status")
	assert.Contains(s.T(), rootCmd.Flags().Lookup("output").Usage, "text, json")
}

func (s *CLISuite) TestVersionCommand() {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(s.T(), buf.String(), "instance-scheduler dev")
}
