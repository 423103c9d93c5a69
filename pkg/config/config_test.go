package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thufschmitt/hydra/pkg/config"
)

const validYAML = `
log_dir: /var/lib/queue-runner/logs
store_dir: /var/lib/queue-runner/store
max_output_size: 2147483648
retry_interval: 30s
retry_backoff: 3.0
build:
  max_silent_time: 20m
  build_timeout: 4h
  max_log_size: 1048576
  repeats: 0
  enforce_determinism: true
machines:
  - ssh_name: builder1
    ssh_key: /etc/queue-runner/id_ed25519
    supported_features: ["kvm", "big-parallel"]
  - ssh_name: ""
    is_localhost: true
`

func writeFile(t *testing.T, contents string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFileParsesAndValidates(t *testing.T) {
	path := writeFile(t, validYAML)

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/queue-runner/logs", cfg.LogDir)
	require.Equal(t, uint64(2147483648), cfg.MaxOutputSize)
	require.Len(t, cfg.Machines, 2)

	opts := cfg.StoreBuildOptions()
	require.Equal(t, uint64(1048576), opts.MaxLogSize)
	require.True(t, opts.EnforceDeterminism)

	machines := cfg.StoreMachines()
	require.Len(t, machines, 2)
	require.Equal(t, "builder1", machines[0].SSHName)
	require.True(t, machines[1].IsLocalhost)
}

func TestLoadFileRejectsMissingLogDir(t *testing.T) {
	path := writeFile(t, `
retry_interval: 30s
retry_backoff: 3.0
build:
  max_silent_time: 0s
  build_timeout: 0s
machines:
  - is_localhost: true
`)

	_, err := config.LoadFile(path)
	require.Error(t, err)
	require.ErrorContains(t, err, "log_dir")
}

func TestLoadFileRejectsMissingStoreDir(t *testing.T) {
	path := writeFile(t, `
log_dir: /var/lib/queue-runner/logs
retry_interval: 30s
retry_backoff: 3.0
build:
  max_silent_time: 0s
  build_timeout: 0s
machines:
  - is_localhost: true
`)

	_, err := config.LoadFile(path)
	require.Error(t, err)
	require.ErrorContains(t, err, "store_dir")
}

func TestLoadFileRejectsEmptyMachinePool(t *testing.T) {
	path := writeFile(t, `
log_dir: /var/lib/queue-runner/logs
store_dir: /var/lib/queue-runner/store
retry_interval: 30s
retry_backoff: 3.0
build:
  max_silent_time: 0s
  build_timeout: 0s
machines: []
`)

	_, err := config.LoadFile(path)
	require.Error(t, err)
	require.ErrorContains(t, err, "machines")
}

func TestLoadRequiresEnvVar(t *testing.T) {
	require.NoError(t, os.Unsetenv(config.EnvVar))

	_, err := config.Load()
	require.Error(t, err)
	require.ErrorContains(t, err, config.EnvVar)
}

func TestLoadFileRejectsBadBackoff(t *testing.T) {
	path := writeFile(t, `
log_dir: /var/lib/queue-runner/logs
store_dir: /var/lib/queue-runner/store
retry_interval: 30s
retry_backoff: 1.0
build:
  max_silent_time: 0s
  build_timeout: 0s
machines:
  - is_localhost: true
`)

	_, err := config.LoadFile(path)
	require.Error(t, err)
	require.ErrorContains(t, err, "retry_backoff")
}
