package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mirrors = ["http://a.example.com/repo", "http://b.example.com/repo"]
roots = ["core/os/$arch", "extra/os/$arch"]
arch = "x86_64"
bwlimit = "2MB"
multithread = true
pause = "250ms"
probe_size = true
listen = "127.0.0.1:8380"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Len(t, cfg.Mirrors, 2)
	assert.Len(t, cfg.Roots, 2)
	require.NotNil(t, cfg.Arch)
	assert.Equal(t, "x86_64", *cfg.Arch)
	require.NotNil(t, cfg.BWLimit)
	assert.Equal(t, "2MB", *cfg.BWLimit)
	require.NotNil(t, cfg.Multithread)
	assert.True(t, *cfg.Multithread)
	require.NotNil(t, cfg.ProbeSize)
	assert.True(t, *cfg.ProbeSize)
	require.NotNil(t, cfg.Listen)
	assert.Equal(t, "127.0.0.1:8380", *cfg.Listen)
}

func TestLoadMissingDefaultIsEmpty(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Mirrors)
	assert.Nil(t, cfg.BWLimit)
}

func TestLoadMissingExplicitFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("mirrors = [[["), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{input: "", want: 0},
		{input: "1024", want: 1024},
		{input: "512K", want: 512 * 1024},
		{input: "512KB", want: 512 * 1024},
		{input: "2M", want: 2 * 1024 * 1024},
		{input: "2MB", want: 2 * 1024 * 1024},
		{input: "1.5G", want: 3 * 512 * 1024 * 1024},
		{input: "1T", want: 1 << 40},
		{input: " 10k ", want: 10 * 1024},
		{input: "abc", wantErr: true},
		{input: "-5M", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeMirrors(t *testing.T) {
	got := NormalizeMirrors([]string{
		"http://a.example.com/repo/",
		"  http://b.example.com ",
		"",
	})
	assert.Equal(t, []string{"http://a.example.com/repo", "http://b.example.com"}, got)
}

func TestExpandArch(t *testing.T) {
	got := ExpandArch([]string{"core/os/$arch", "pool"}, "aarch64")
	assert.Equal(t, []string{"core/os/aarch64", "pool"}, got)
}

func TestPathUsesXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdgtest")
	assert.Equal(t, "/tmp/xdgtest/repomirror/config.toml", Path())
}
