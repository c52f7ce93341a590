package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func TestProbe_Sandbox(t *testing.T) {
	out, _, err := execute(t, "probe", "--backend", "sandbox", "lo", "eth0")
	require.NoError(t, err)

	for _, want := range []string{
		"backend: sandbox\n",
		"capabilities: readiness=false wakeup=false change_watch=false\n",
		"checkfd(-1): ok\n",
		"fork: sandboxloop: operation not supported on this platform\n",
		"interface(lo): absent\n",
		"interface(eth0): absent\n",
		"args: [",
	} {
		assert.Contains(t, out, want)
	}
}

func TestProbe_UnknownBackend(t *testing.T) {
	_, _, err := execute(t, "probe", "--backend", "nope")
	assert.ErrorContains(t, err, `unknown backend "nope"`)
}

func TestRun_Sandbox(t *testing.T) {
	out, logs, err := execute(t, "run",
		"--backend", "sandbox",
		"--duration", "60ms",
		"--tick", "10ms",
		"--poll-interval", "1ms",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "backend:      sandbox\n")
	assert.Contains(t, out, "timer ticks:")
	assert.Contains(t, logs, `"msg":"loop running"`)
	assert.Contains(t, logs, `"msg":"loop terminated"`)
}

func TestRun_InvalidFlags(t *testing.T) {
	_, _, err := execute(t, "run", "--backend", "sandbox", "--log-level", "loud")
	assert.ErrorContains(t, err, "unknown log level")

	_, _, err = execute(t, "run", "--backend", "sandbox", "--tick", "0s")
	assert.ErrorContains(t, err, "tick must be positive")

	_, _, err = execute(t, "run", "--backend", "sandbox", "--poll-interval", "1us")
	assert.ErrorContains(t, err, "invalid option")
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"backend: sandbox",
		"log_level: debug",
		"duration: 250ms",
		"poll_interval: 2ms",
	}, "\n")), 0o600))

	cfg := defaultConfig()
	require.NoError(t, loadConfig(path, &cfg))
	assert.Equal(t, cliConfig{
		Backend:      "sandbox",
		LogLevel:     "debug",
		Duration:     250 * time.Millisecond,
		Tick:         100 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	}, cfg)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	cfg := defaultConfig()
	assert.ErrorIs(t, loadConfig(filepath.Join(dir, "missing.yaml"), &cfg), os.ErrNotExist)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("backends: sandbox\n"), 0o600))
	assert.Error(t, loadConfig(unknown, &cfg))

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	cfg = defaultConfig()
	require.NoError(t, loadConfig(empty, &cfg))
	assert.Equal(t, defaultConfig(), cfg)
}

func TestRun_ConfigFileWithFlagOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: sandbox\nduration: 10s\ntick: 5ms\nlog_level: off\n"), 0o600))

	// the flag wins, or this would run for 10s
	out, logs, err := execute(t, "run", "--config", path, "--duration", "30ms")
	require.NoError(t, err)
	assert.Contains(t, out, "backend:      sandbox\n")
	assert.Empty(t, logs)
}
