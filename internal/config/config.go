package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// File represents the optional repomirror configuration file. Every field
// is optional; command-line flags win over file values.
type File struct {
	// Mirrors is the ordered mirror list; the first entry is the
	// discovery source.
	Mirrors []string `toml:"mirrors"`

	// Roots are the top-level repository folders to mirror.
	Roots []string `toml:"roots"`

	// Arch replaces the $arch placeholder in root names.
	Arch *string `toml:"arch"`

	// BWLimit is the global bandwidth cap, e.g. "2MB" or "512K".
	BWLimit *string `toml:"bwlimit"`

	// Multithread runs one download worker per mirror.
	Multithread *bool `toml:"multithread"`

	// Pause is the delay between downloads, e.g. "250ms".
	Pause *string `toml:"pause"`

	// Timeout bounds one directory listing, e.g. "7s".
	Timeout *string `toml:"timeout"`

	// ProbeSize enables the HEAD pass that projects download volume.
	ProbeSize *bool `toml:"probe_size"`

	// Listen is the control channel address, e.g. "127.0.0.1:8380".
	Listen *string `toml:"listen"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "repomirror", "config.toml")
}

// Load reads the config file at path, falling back to the XDG path when
// path is empty. Returns a zero File (no error) if the file does not
// exist. Config is always optional.
func Load(path string) (File, error) {
	explicit := path != ""
	if !explicit {
		path = Path()
	}
	if path == "" {
		return File{}, nil
	}

	var cfg File
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return File{}, nil
		}
		return File{}, err
	}
	return cfg, nil
}

// ParseSize parses a human byte-rate or byte-count value: "1024",
// "512K", "2MB", "1.5G". Units are binary (K = 1024).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	upper := strings.ToUpper(s)
	upper = strings.TrimSuffix(upper, "B")

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(upper, "K"):
		multiplier = 1 << 10
		upper = strings.TrimSuffix(upper, "K")
	case strings.HasSuffix(upper, "M"):
		multiplier = 1 << 20
		upper = strings.TrimSuffix(upper, "M")
	case strings.HasSuffix(upper, "G"):
		multiplier = 1 << 30
		upper = strings.TrimSuffix(upper, "G")
	case strings.HasSuffix(upper, "T"):
		multiplier = 1 << 40
		upper = strings.TrimSuffix(upper, "T")
	}

	val, err := strconv.ParseFloat(upper, 64)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(val * float64(multiplier)), nil
}

// NormalizeMirrors trims trailing slashes so URL joining is uniform.
func NormalizeMirrors(mirrors []string) []string {
	out := make([]string, 0, len(mirrors))
	for _, m := range mirrors {
		m = strings.TrimRight(strings.TrimSpace(m), "/")
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

// ExpandArch substitutes the $arch placeholder in each root name.
func ExpandArch(roots []string, arch string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		out = append(out, strings.ReplaceAll(r, "$arch", arch))
	}
	return out
}
