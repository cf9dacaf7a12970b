package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/fnbridge/compiler"
	"github.com/chazu/fnbridge/loader"
	"github.com/chazu/fnbridge/rewrite"
	"github.com/chazu/fnbridge/target"
	"github.com/chazu/fnbridge/target/jsctx"
	"github.com/chazu/fnbridge/target/remote"
	"github.com/chazu/fnbridge/unit"
)

// RewriteOptions converts the [rewrite] section.
func (m *Manifest) RewriteOptions() (rewrite.Options, error) {
	policy, err := compiler.ParsePolicy(m.Rewrite.CheckPolicy)
	if err != nil {
		return rewrite.Options{}, err
	}
	format, err := unit.ParseFormat(m.Rewrite.Format)
	if err != nil {
		return rewrite.Options{}, err
	}
	return rewrite.Options{
		Policy: policy,
		Encode: &unit.EncodeOptions{Format: format, Compress: m.Rewrite.Compress},
	}, nil
}

// Finder returns a finder over the unit directories, searched in order.
func (m *Manifest) Finder() loader.Finder {
	var finders loader.MultiFinder
	for _, dir := range m.UnitDirPaths() {
		finders = append(finders, loader.NewFSFinder(os.DirFS(dir), filepath.Base(dir)))
	}
	return finders
}

// LoaderOptions converts the [loader] and [rewrite] sections. The presenter
// is left for the caller to set.
func (m *Manifest) LoaderOptions() (loader.Options, error) {
	ro, err := m.RewriteOptions()
	if err != nil {
		return loader.Options{}, err
	}
	return loader.Options{
		Skip:     m.Loader.Skip,
		Packages: m.Loader.Packages,
		Rewrite:  ro,
	}, nil
}

// Presenter is a target.Presenter that must be closed after use.
type Presenter interface {
	target.Presenter
	Close() error
}

// NewPresenter builds the presenter selected by [target]. Resource
// markers of a JS presenter are served by res.
func (m *Manifest) NewPresenter(res jsctx.ResourceOpener) (Presenter, error) {
	switch m.Target.Kind {
	case TargetRemote:
		return remote.New(nil, m.Target.URL, remote.Options{}), nil
	case TargetJS:
		var scripts []string
		for _, path := range m.ScriptPaths() {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("target.scripts: %w", err)
			}
			scripts = append(scripts, string(data))
		}
		p, err := jsctx.New(jsctx.Options{
			Timeout:   m.Target.Timeout.Duration,
			Resources: res,
			Scripts:   scripts,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("target.kind: unknown kind %q", m.Target.Kind)
}
