package unitfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeUnit(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "t.service")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseBasicService(t *testing.T) {
	path := writeUnit(t, `
[Unit]
RefuseManualStart=yes
StartLimitBurst=3
StartLimitInterval=10s

[Service]
Type=notify
ExecStart=/usr/bin/notifier --flag
ExecStartPre=-/usr/bin/precheck
Restart=on-failure
RestartSec=100ms
WatchdogSec=1s
`)

	cfg, err := Parse(path)
	require.NoError(t, err)

	require.True(t, cfg.RefuseManualStart)
	require.Equal(t, 3, cfg.StartLimitBurst)
	require.Equal(t, 10*time.Second, cfg.StartLimitInterval)
	require.Equal(t, TypeNotify, cfg.Type)
	require.Len(t, cfg.ExecStart, 1)
	require.Equal(t, "/usr/bin/notifier", cfg.ExecStart[0].Path)
	require.Equal(t, []string{"--flag"}, cfg.ExecStart[0].Args)
	require.False(t, cfg.ExecStart[0].IgnoreFailure)
	require.Len(t, cfg.ExecStartPre, 1)
	require.True(t, cfg.ExecStartPre[0].IgnoreFailure)
	require.Equal(t, RestartOnFailure, cfg.Restart)
	require.Equal(t, 100*time.Millisecond, cfg.RestartSec)
	require.Equal(t, time.Second, cfg.WatchdogSec)
}

func TestParseDefaultsWhenSectionsAbsent(t *testing.T) {
	path := writeUnit(t, "[Service]\nExecStart=/bin/true\n")
	cfg, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, TypeSimple, cfg.Type)
	require.Equal(t, RestartNo, cfg.Restart)
}

func TestDecodeTransientUnit(t *testing.T) {
	data := []byte(`
name: foo.service
mode: replace
properties:
  ExecStart: /bin/true
aux:
  - name: foo.socket
    mode: fail
`)
	tu, err := DecodeTransientUnit(data)
	require.NoError(t, err)
	require.Equal(t, "foo.service", tu.Name)
	require.Equal(t, "replace", tu.Mode)
	require.Equal(t, "/bin/true", tu.Properties["ExecStart"])
	require.Len(t, tu.Aux, 1)
	require.Equal(t, "foo.socket", tu.Aux[0].Name)
}
