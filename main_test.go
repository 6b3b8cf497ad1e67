package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credwrap/internal/childproc"
	"credwrap/internal/config"
	"credwrap/internal/control"
	"credwrap/internal/vault"
)

const childModeEnv = "CREDWRAP_TEST_CHILD"

func TestMain(m *testing.M) {
	if mode := os.Getenv(childModeEnv); mode != "" {
		os.Exit(childMain(mode))
	}
	os.Exit(m.Run())
}

func childMain(mode string) int {
	if code, ok := strings.CutPrefix(mode, "exit:"); ok {
		n, _ := strconv.Atoi(code)
		return n
	}
	if mode != "save" {
		return 99
	}
	c, err := control.NewClientFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := c.Save("token", "abc"); err != nil {
		return 3
	}
	got, err := c.Prompt("token", "", false)
	if err != nil || got == nil {
		return 4
	}
	alias, err := c.Alias("acct-1")
	if err != nil {
		return 5
	}
	fmt.Printf("token=%s alias=%s\n", *got, alias)
	return 0
}

// testEnv isolates config and supplies the passphrase.
func testEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv(config.PassphraseEnv, "correct horse")
	return filepath.Join(t.TempDir(), "store.db")
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd(&app{})
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--log-level", "error", "-m", "1M", "-i", "1"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func self(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"64", 64 * 1024, false},
		{"64M", 64 * 1024, false},
		{"64mb", 64 * 1024, false},
		{"1G", 1024 * 1024, false},
		{"2048K", 2048, false},
		{"512K", 0, true},
		{"lots", 0, true},
		{"8192G", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseMemory(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVersionCmd(t *testing.T) {
	testEnv(t)
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "credwrap version dev\n", out)
}

func TestStoreCmd(t *testing.T) {
	path := testEnv(t)

	_, _, err := execute(t, "--store", path, "store", "put", "alice", "password", "hunter2")
	require.NoError(t, err)
	_, _, err = execute(t, "--store", path, "store", "put", "alice", "pin", "1234")
	require.NoError(t, err)

	out, _, err := execute(t, "--store", path, "store", "get", "alice", "password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2\n", out)

	_, _, err = execute(t, "--store", path, "store", "delete", "alice", "password")
	require.NoError(t, err)
	_, _, err = execute(t, "--store", path, "store", "get", "alice", "password")
	assert.ErrorContains(t, err, "not found")

	out, _, err = execute(t, "--store", path, "store", "get", "alice", "pin")
	require.NoError(t, err)
	assert.Equal(t, "1234\n", out)

	_, _, err = execute(t, "--store", path, "store", "delete", "alice")
	require.NoError(t, err)
	_, _, err = execute(t, "--store", path, "store", "get", "alice", "pin")
	assert.Error(t, err)
}

func TestStoreCmd_WrongPassphrase(t *testing.T) {
	path := testEnv(t)
	_, _, err := execute(t, "--store", path, "store", "put", "alice", "password", "hunter2")
	require.NoError(t, err)

	t.Setenv(config.PassphraseEnv, "wrong")
	_, _, err = execute(t, "--store", path, "store", "get", "alice", "password")
	assert.ErrorIs(t, err, vault.ErrWrongSecret)
}

func TestStoreCmd_NeedsStore(t *testing.T) {
	testEnv(t)
	_, _, err := execute(t, "store", "get", "alice", "password")
	assert.ErrorContains(t, err, "no store configured")
}

func TestRunCmd_ExitCode(t *testing.T) {
	testEnv(t)
	for _, code := range []int{0, 7} {
		t.Setenv(childModeEnv, "exit:"+strconv.Itoa(code))
		_, _, err := execute(t, "run", self(t))
		if code == 0 {
			assert.NoError(t, err)
			continue
		}
		var exitErr *childproc.ExitError
		require.True(t, errors.As(err, &exitErr), "got %v", err)
		assert.Equal(t, code, exitErr.Code)
	}
}

func TestRun_ClosesLoggerWhenChildFails(t *testing.T) {
	testEnv(t)
	t.Setenv(childModeEnv, "exit:7")
	a := &app{}

	err := run(context.Background(), a, []string{"--log-level", "error", "run", self(t)})

	var exitErr *childproc.ExitError
	require.True(t, errors.As(err, &exitErr), "got %v", err)
	assert.Equal(t, 7, exitErr.Code)
	assert.NotNil(t, a.cfg, "setup ran")
	assert.Nil(t, a.logger, "logger was not flushed and released")
}

func TestRunCmd_WithStore(t *testing.T) {
	path := testEnv(t)
	textfile := filepath.Join(t.TempDir(), "credwrap.prom")
	t.Setenv("CREDWRAP_METRICS_TEXTFILE", textfile)
	t.Setenv(childModeEnv, "save")

	out, _, err := execute(t, "--store", path, "run", self(t))
	require.NoError(t, err)
	assert.Regexp(t, `^token=abc alias=[0-9a-f]{64}\n$`, out)

	// No _login was asked for, so values are filed under the empty login.
	stored, _, err := execute(t, "--store", path, "store", "get", "", "token")
	require.NoError(t, err)
	assert.Equal(t, "abc\n", stored)

	// The alias is remembered across runs.
	again, _, err := execute(t, "--store", path, "run", self(t))
	require.NoError(t, err)
	assert.Equal(t, out, again)

	metrics, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `credwrap_control_requests_total{action="save",outcome="ok"} 1`)
	assert.Contains(t, string(metrics), "credwrap_child_exit_code 0")
}
