package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/chazu/fnbridge/unit"
)

var (
	headerColor = color.New(color.FgYellow, color.Bold)
	memberColor = color.New(color.FgGreen, color.Bold)
	noteColor   = color.New(color.FgBlue)
)

func configureColor(mode string) error {
	switch mode {
	case "auto":
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	default:
		return fail("unknown color mode %q (want auto, on or off)", mode)
	}
	return nil
}

func header(w io.Writer, format string, args ...any) {
	_, _ = headerColor.Fprintf(w, format, args...)
	_, _ = fmt.Fprintln(w)
}

func readUnit(path string) (*unit.Unit, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	u, err := unit.Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return u, data, nil
}

// outputPath returns the -o flag, or in with its extension replaced.
func outputPath(out, in string) string {
	if out != "" {
		return out
	}
	return strings.TrimSuffix(in, filepath.Ext(in)) + unit.Extension
}
