package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdouchement/s3cache/internal/cacheerror"
)

type cli struct {
	t     *testing.T
	store string
}

func newCLI(t *testing.T) *cli {
	t.Helper()

	t.Setenv("S3CACHE_BACKEND", "")
	t.Setenv("S3CACHE_PREFIX", "")

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() {
		os.Chdir(wd)
	})

	return &cli{
		t:     t,
		store: filepath.Join(t.TempDir(), "store"),
	}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs(append([]string{
		"--env-file", filepath.Join(c.t.TempDir(), "none.env"),
		"--backend", "filesystem",
		"--path", c.store,
		"--create-bucket",
		"--log-level", "error",
	}, args...))

	err := cmd.Execute()
	return stdout.String(), err
}

func write(t *testing.T, name, content string, mode os.FileMode) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, []byte(content), mode))
	require.NoError(t, os.Chmod(name, mode))
}

func TestCommands(t *testing.T) {
	c := newCLI(t)
	write(t, "hello.sh", "#!/bin/sh\necho hello\n", 0o755)
	write(t, "text.txt", "some text", 0o644)
	write(t, "dir/text.txt", "other text", 0o644)

	_, err := c.run("upload", "--name", "test-1", "hello.sh", "text.txt", "dir/text.txt")
	require.NoError(t, err)

	out, err := c.run("list")
	require.NoError(t, err)
	assert.Equal(t, "test-1\n", out)

	out, err = c.run("list", "--name", "test-1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Regexp(t, `^dir/text.txt\s+10$`, lines[0])
	assert.Regexp(t, `^hello.sh\s+21$`, lines[1])
	assert.Regexp(t, `^text.txt\s+9$`, lines[2])

	_, err = c.run("download", "--name", "test-1", "--outpath", "out")
	require.NoError(t, err)

	payload, err := os.ReadFile(filepath.Join("out", "hello.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho hello\n", string(payload))
	info, err := os.Stat(filepath.Join("out", "hello.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	assert.FileExists(t, filepath.Join("out", "dir", "text.txt"))

	_, err = c.run("delete", "--name", "test-1")
	require.NoError(t, err)

	out, err = c.run("list")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRecursiveUpload(t *testing.T) {
	c := newCLI(t)
	write(t, "dir/a.txt", "a", 0o644)
	write(t, "dir/nested/b.txt", "b", 0o600)

	_, err := c.run("upload", "--name", "flat", "dir")
	require.Error(t, err)
	assert.Equal(t, 4, cacheerror.ExitCode(err))

	_, err = c.run("upload", "-r", "--name", "tree", "dir")
	require.NoError(t, err)

	out, err := c.run("list", "--name", "tree")
	require.NoError(t, err)
	assert.Contains(t, out, "dir/nested/b.txt")
}

func TestExitCodes(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("download", "--name", "missing", "--outpath", "out")
	require.Error(t, err)
	assert.Equal(t, 6, cacheerror.ExitCode(err))

	_, err = c.run("delete", "--name", "missing")
	require.Error(t, err)
	assert.Equal(t, 6, cacheerror.ExitCode(err))

	_, err = c.run("delete", "--name", "missing", "--force")
	assert.NoError(t, err)

	_, err = c.run("upload", "--name", "x", "nope.txt")
	require.Error(t, err)
	assert.Equal(t, 3, cacheerror.ExitCode(err))

	_, err = c.run("upload", "--name", "../x", "nope.txt")
	require.Error(t, err)
	assert.Equal(t, 2, cacheerror.ExitCode(err))

	_, err = c.run("list", "--digest", "md5")
	require.Error(t, err)
	assert.Equal(t, 2, cacheerror.ExitCode(err))
}

func TestEnvFile(t *testing.T) {
	c := newCLI(t)
	write(t, "a.txt", "a", 0o644)

	t.Setenv("S3CACHE_PREFIX", "")
	os.Unsetenv("S3CACHE_PREFIX")
	envFile := filepath.Join(t.TempDir(), "cache.env")
	write(t, envFile, "S3CACHE_PREFIX=team-a\n", 0o600)

	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs([]string{"--env-file", envFile, "--backend", "filesystem", "--path", c.store, "--create-bucket", "upload", "--name", "n", "a.txt"})
	require.NoError(t, cmd.Execute())

	assert.DirExists(t, filepath.Join(c.store, "team-a", "snapshots"))
}

func TestVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, stdout.String(), "dev - build none")
}
