// Package manifest handles fnbridge.toml project configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "fnbridge.toml"

// Manifest represents an fnbridge.toml project configuration.
type Manifest struct {
	Project Project       `toml:"project"`
	Loader  LoaderConfig  `toml:"loader"`
	Rewrite RewriteConfig `toml:"rewrite"`
	Target  TargetConfig  `toml:"target"`
	Log     LogConfig     `toml:"log"`

	// Dir is the directory containing the fnbridge.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// LoaderConfig configures unit lookup.
type LoaderConfig struct {
	Units    []string `toml:"units"`
	Skip     []string `toml:"skip"`
	Packages []string `toml:"packages"`
}

// RewriteConfig configures stub generation and the output container.
type RewriteConfig struct {
	CheckPolicy string `toml:"check-policy"`
	Format      string `toml:"format"`
	Compress    bool   `toml:"compress"`
}

// TargetConfig selects the presenter.
type TargetConfig struct {
	Kind    string   `toml:"kind"`
	URL     string   `toml:"url"`
	Timeout Duration `toml:"timeout"`
	Scripts []string `toml:"scripts"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Duration is a time.Duration written as a string ("250ms", "5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Target kinds.
const (
	TargetJS     = "js"
	TargetRemote = "remote"
)

// Default returns the configuration used when no fnbridge.toml exists.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

// Parse decodes manifest text. dir becomes the manifest's Dir.
func Parse(data, dir string) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(data, &m)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}
	m.Dir = dir
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load parses a fnbridge.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m, err := Parse(string(data), abs)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a fnbridge.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) applyDefaults() {
	if len(m.Loader.Units) == 0 {
		m.Loader.Units = []string{"units"}
	}
	if m.Rewrite.CheckPolicy == "" {
		m.Rewrite.CheckPolicy = "cold"
	}
	if m.Rewrite.Format == "" {
		m.Rewrite.Format = "cbor"
	}
	if m.Target.Kind == "" {
		m.Target.Kind = TargetJS
	}
}

// Validate checks the settings that have a closed set of values.
func (m *Manifest) Validate() error {
	var errs []error
	switch m.Rewrite.CheckPolicy {
	case "cold", "every-call":
	default:
		errs = append(errs, fmt.Errorf("rewrite.check-policy: unknown policy %q", m.Rewrite.CheckPolicy))
	}
	switch m.Rewrite.Format {
	case "cbor", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("rewrite.format: unknown format %q", m.Rewrite.Format))
	}
	switch m.Target.Kind {
	case TargetJS:
	case TargetRemote:
		if m.Target.URL == "" {
			errs = append(errs, errors.New("target.url is required for a remote target"))
		}
	default:
		errs = append(errs, fmt.Errorf("target.kind: unknown kind %q", m.Target.Kind))
	}
	if m.Target.Timeout.Duration < 0 {
		errs = append(errs, errors.New("target.timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// UnitDirPaths returns absolute paths for the configured unit directories.
func (m *Manifest) UnitDirPaths() []string {
	var paths []string
	for _, d := range m.Loader.Units {
		if filepath.IsAbs(d) {
			paths = append(paths, d)
			continue
		}
		paths = append(paths, filepath.Join(m.Dir, d))
	}
	return paths
}

// ScriptPaths returns absolute paths for the configured startup scripts.
func (m *Manifest) ScriptPaths() []string {
	var paths []string
	for _, s := range m.Target.Scripts {
		if filepath.IsAbs(s) {
			paths = append(paths, s)
			continue
		}
		paths = append(paths, filepath.Join(m.Dir, s))
	}
	return paths
}
