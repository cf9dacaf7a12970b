// Package loader resolves managed types by name: it finds their binary
// units through a Finder, rewrites marked members into call stubs, and
// defines the result in a vm.VM.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/chazu/fnbridge/rewrite"
	"github.com/chazu/fnbridge/target"
	"github.com/chazu/fnbridge/unit"
	"github.com/chazu/fnbridge/vm"
)

var log = commonlog.GetLogger("fnbridge.loader")

// ErrModuleNotFound matches every *ModuleNotFoundError.
var ErrModuleNotFound = errors.New("module not found")

// ErrNoPresenter is returned by DefineHandle and RunScript when the loader
// has no associated presenter.
var ErrNoPresenter = errors.New("loader has no presenter")

// ModuleNotFoundError reports a type that could not be resolved. Err is
// the underlying I/O failure, if any.
type ModuleNotFoundError struct {
	Name string
	Err  error
}

func (e *ModuleNotFoundError) Error() string {
	if e.Err == nil {
		return "module not found: " + e.Name
	}
	return fmt.Sprintf("cannot load %s: %v", e.Name, e.Err)
}

func (e *ModuleNotFoundError) Unwrap() error { return e.Err }

func (e *ModuleNotFoundError) Is(target error) bool { return target == ErrModuleNotFound }

// frameworkPrefixes are never loaded from units.
var frameworkPrefixes = []string{"fnbridge."}

// Parent resolves names the loader does not handle itself.
type Parent interface {
	Resolve(ctx context.Context, name string) (*vm.Class, error)
}

// Options configures a Loader.
type Options struct {
	// Skip lists extra name prefixes delegated to the parent.
	Skip []string

	// Packages restricts rewriting to these package prefixes. Units from
	// other packages are defined as is. Empty means every package.
	Packages []string

	Rewrite   rewrite.Options
	Presenter target.Presenter
	Parent    Parent
}

// Loader resolves and defines types.
type Loader struct {
	vm     *vm.VM
	finder Finder
	opts   Options
	group  singleflight.Group
}

// New returns a loader defining into machine. The loader becomes the
// machine's resolver.
func New(machine *vm.VM, finder Finder, opts Options) *Loader {
	l := &Loader{vm: machine, finder: finder, opts: opts}
	machine.SetResolver(l)
	return l
}

// VM returns the machine the loader defines into.
func (l *Loader) VM() *vm.VM { return l.vm }

// Presenter returns the associated presenter, or nil.
func (l *Loader) Presenter() target.Presenter { return l.opts.Presenter }

// Resolve returns the class called name, loading it if needed.
// Concurrent resolutions of one name share a single load.
func (l *Loader) Resolve(ctx context.Context, name string) (*vm.Class, error) {
	if c := l.vm.Lookup(name); c != nil {
		return c, nil
	}
	if l.skipped(name) {
		return l.parent(ctx, name)
	}
	v, err, shared := l.group.Do(name, func() (any, error) {
		return l.load(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debugf("shared resolution of %s", name)
	}
	return v.(*vm.Class), nil
}

// ResolveAll resolves names in parallel and stops at the first failure.
func (l *Loader) ResolveAll(ctx context.Context, names ...string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, name := range names {
		g.Go(func() error {
			_, err := l.Resolve(gctx, name)
			return err
		})
	}
	return g.Wait()
}

func (l *Loader) load(ctx context.Context, name string) (*vm.Class, error) {
	if c := l.vm.Lookup(name); c != nil {
		return c, nil
	}
	locs, err := l.finder.Find(unit.PathOf(name), false)
	if err != nil {
		return nil, &ModuleNotFoundError{Name: name, Err: err}
	}
	if len(locs) == 0 {
		return l.parent(ctx, name)
	}

	data, err := readAll(locs[0])
	if err != nil {
		return nil, &ModuleNotFoundError{Name: name, Err: err}
	}
	if l.eligible(name) {
		if data, err = rewrite.Transform(data, l.opts.Rewrite); err != nil {
			return nil, err
		}
	}
	u, err := unit.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", locs[0].Name(), err)
	}
	if u.Name != name {
		return nil, fmt.Errorf("%s: unit defines %s, want %s", locs[0].Name(), u.Name, name)
	}

	c, err := l.vm.Define(u)
	if errors.Is(err, vm.ErrAlreadyDefined) {
		return l.vm.Lookup(name), nil
	}
	if err != nil {
		return nil, err
	}
	log.Infof("loaded %s from %s", name, locs[0].Name())
	return c, nil
}

func (l *Loader) parent(ctx context.Context, name string) (*vm.Class, error) {
	if l.opts.Parent != nil {
		return l.opts.Parent.Resolve(ctx, name)
	}
	return nil, &ModuleNotFoundError{Name: name}
}

func (l *Loader) skipped(name string) bool {
	for _, p := range frameworkPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, p := range l.opts.Skip {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (l *Loader) eligible(name string) bool {
	if len(l.opts.Packages) == 0 {
		return true
	}
	pkg := unit.PackageOf(name)
	for _, p := range l.opts.Packages {
		if pkg == p || strings.HasPrefix(pkg, p+".") {
			return true
		}
	}
	return false
}

// FindResource returns the first resource at path, or nil.
func (l *Loader) FindResource(path string) (Locator, error) {
	locs, err := l.finder.Find(path, false)
	if err != nil || len(locs) == 0 {
		return nil, err
	}
	return locs[0], nil
}

// FindResources returns every resource at path.
func (l *Loader) FindResources(path string) ([]Locator, error) {
	return l.finder.Find(path, true)
}

// OpenResource opens the first resource at path.
func (l *Loader) OpenResource(path string) (io.ReadCloser, error) {
	loc, err := l.FindResource(path)
	if err != nil {
		return nil, &ModuleNotFoundError{Name: path, Err: err}
	}
	if loc == nil {
		return nil, &ModuleNotFoundError{Name: path}
	}
	return loc.Open()
}

// ReadResource returns the content of the first resource at path.
func (l *Loader) ReadResource(path string) ([]byte, error) {
	loc, err := l.FindResource(path)
	if err != nil {
		return nil, &ModuleNotFoundError{Name: path, Err: err}
	}
	if loc == nil {
		return nil, &ModuleNotFoundError{Name: path}
	}
	return readAll(loc)
}

// DefineHandle defines a function in the associated presenter.
func (l *Loader) DefineHandle(def target.Definition) (target.Handle, error) {
	if l.opts.Presenter == nil {
		return nil, ErrNoPresenter
	}
	return l.opts.Presenter.CreateHandle(def)
}

// RunScript runs text in the associated presenter.
func (l *Loader) RunScript(ctx context.Context, text string) error {
	if l.opts.Presenter == nil {
		return ErrNoPresenter
	}
	return l.opts.Presenter.RunScript(ctx, text)
}

func readAll(loc Locator) ([]byte, error) {
	rc, err := loc.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
