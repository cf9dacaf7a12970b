package loader

import (
	"errors"
	"io"
	"io/fs"
	"path"
)

// Locator points at one resource found by a Finder.
type Locator interface {
	// Name identifies the resource in logs, e.g. "units:demo/Calc.fnu".
	Name() string

	// Open returns the resource's content.
	Open() (io.ReadCloser, error)
}

// Finder looks up resources by slash-separated path. With collectAll
// false it may stop at the first hit. A missing resource is not an error:
// Find returns no locators.
type Finder interface {
	Find(name string, collectAll bool) ([]Locator, error)
}

// FSFinder finds resources in a file system.
type FSFinder struct {
	FS    fs.FS
	Label string
}

// NewFSFinder returns a finder over fsys; label prefixes locator names.
func NewFSFinder(fsys fs.FS, label string) *FSFinder {
	return &FSFinder{FS: fsys, Label: label}
}

func (f *FSFinder) Find(name string, _ bool) ([]Locator, error) {
	name = path.Clean(name)
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "find", Path: name, Err: fs.ErrInvalid}
	}
	info, err := fs.Stat(f.FS, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, nil
	}
	return []Locator{&fsLocator{fsys: f.FS, path: name, label: f.Label}}, nil
}

type fsLocator struct {
	fsys  fs.FS
	path  string
	label string
}

func (l *fsLocator) Name() string {
	if l.label == "" {
		return l.path
	}
	return l.label + ":" + l.path
}

func (l *fsLocator) Open() (io.ReadCloser, error) {
	return l.fsys.Open(l.path)
}

// MultiFinder searches several finders in order.
type MultiFinder []Finder

func (m MultiFinder) Find(name string, collectAll bool) ([]Locator, error) {
	var out []Locator
	for _, f := range m {
		locs, err := f.Find(name, collectAll)
		if err != nil {
			return nil, err
		}
		out = append(out, locs...)
		if len(out) > 0 && !collectAll {
			return out[:1], nil
		}
	}
	return out, nil
}
