// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
realms:
  - name: realm1
  - name: realm2
proxy:
  connections:
    - id: w1
      transport: {type: rawsocket, endpoint: {type: unix, path: /run/w1.sock}}
      auth: {anonymous-proxy: {}}
  routes:
    - {id: r1, realm: realm1, roles: {user: w1}}
`), 0o600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("realms: [{name: r1}, {name: r1}]"), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"check", "--config", good})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "2 realms, 0 transports, 1 connections, 1 routes")

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"check", "--config", bad})
	assert.Error(t, cmd.Execute())
}

func TestSetupLogger(t *testing.T) {
	cases := []struct {
		level string
		debug bool
		info  bool
	}{
		{level: "debug", debug: true, info: true},
		{level: "info", info: true},
		{level: "warn"},
		{level: "bogus", info: true},
	}
	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			logger := setupLogger(tc.level, "text", &bytes.Buffer{})
			ctx := context.Background()
			assert.Equal(t, tc.debug, logger.Enabled(ctx, slog.LevelDebug))
			assert.Equal(t, tc.info, logger.Enabled(ctx, slog.LevelInfo))
		})
	}

	var buf bytes.Buffer
	setupLogger("info", "json", &buf).Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestLogOutput(t *testing.T) {
	w, closeLog := logOutput(appConfig{})
	assert.Equal(t, os.Stdout, w)
	closeLog()

	path := filepath.Join(t.TempDir(), "wampd.log")
	w, closeLog = logOutput(appConfig{LogFile: path, LogMaxSizeMB: 1, LogMaxBackups: 1})
	setupLogger("info", "json", w).Info("rotated")
	closeLog()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "rotated")
}
