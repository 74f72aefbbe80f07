package main

import (
	"bytes"
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	jbencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Setenv("HOME", t.TempDir())
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := run(context.Background(), args, stdout, stderr)
	return code, stdout.String(), stderr.String()
}

// writeTorrent stores data both as the downloaded file and as the
// .torrent describing it.
func writeTorrent(t *testing.T, dir string, data []byte) string {
	h := sha1.Sum(data)
	meta := map[string]interface{}{
		"announce": "http://127.0.0.1:1/announce",
		"info": map[string]interface{}{
			"name":         "hello.txt",
			"piece length": 16384,
			"length":       len(data),
			"pieces":       string(h[:]),
		},
	}
	b := &bytes.Buffer{}
	require.NoError(t, jbencode.Marshal(b, meta))
	path := filepath.Join(dir, "hello.torrent")
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), data, 0644))
	return path
}

func TestVersion(t *testing.T) {
	for _, flag := range []string{"-V", "--version"} {
		code, stdout, _ := runCLI(t, flag)
		assert.Equal(t, 0, code)
		assert.Equal(t, "tori v0.4.0\n", stdout)
	}
}

func TestUsageErrors(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no torrent", []string{"-o", dir}, "Torrent file was not given"},
		{"two torrents", []string{"-o", dir, "a.torrent", "b.torrent"}, "Torrent file was not given"},
		{"unknown flag", []string{"--bogus"}, "unknown flag"},
		{"missing output", []string{"-o", filepath.Join(dir, "missing"), "a.torrent"}, "does not exist"},
		{"output is a file", []string{"-o", file, "a.torrent"}, "not a directory"},
		{"unreadable torrent", []string{"-o", dir, filepath.Join(dir, "none.torrent")}, "none.torrent"},
		{"bad strategy", []string{"-o", dir, "--strategy", "fastest", "a.torrent"}, "unknown strategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, tt.args...)
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestMagnetRejected(t *testing.T) {
	dir := t.TempDir()

	code, _, stderr := runCLI(t, "-o", dir, "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=ubuntu.iso")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "magnet links are not supported, ubuntu.iso")

	code, _, stderr = runCLI(t, "-o", dir, "magnet:?xt=urn:sha1:0123")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not supported")
	assert.NotContains(t, stderr, "magnet links")

	code, _, stderr = runCLI(t, "-o", dir, "magnet:?xt=urn:btih:xyz")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "info hash")
}

func TestAlreadyDownloaded(t *testing.T) {
	dir := t.TempDir()
	path := writeTorrent(t, dir, []byte("hello, tori\n"))

	code, stdout, stderr := runCLI(t, "-o", dir, path)
	assert.Equal(t, 0, code, stderr)
	assert.Equal(t, "hello.txt is already downloaded\n", stdout)
}
