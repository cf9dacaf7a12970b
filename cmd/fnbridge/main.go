package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/fnbridge/manifest"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fnbridge",
	Short: "Binary-unit rewriter and call-stub toolkit",
	Long: `fnbridge rewrites members marked for a scripting target into call
stubs, and runs rewritten units against an embedded or remote presenter.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.Version = version

	rootCmd.AddCommand(assembleCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(rewriteCmd)
	rootCmd.AddCommand(disasmCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(serveCmd)

	rootCmd.PersistentFlags().CountP("verbose", "v", "increase log verbosity (repeatable)")
	rootCmd.PersistentFlags().String("project", ".", "directory to search for "+manifest.FileName)
	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// project is the configuration of the current invocation, loaded by setup.
var project *manifest.Manifest

func setup(cmd *cobra.Command, _ []string) error {
	dir, _ := cmd.Flags().GetString("project")
	m, err := manifest.FindAndLoad(dir)
	if err != nil {
		return err
	}
	if m == nil {
		m = manifest.Default(dir)
	}
	project = m

	verbosity := m.Log.Verbosity
	if v, _ := cmd.Flags().GetCount("verbose"); v > 0 {
		verbosity = v
	}
	var path *string
	if m.Log.File != "" {
		path = &m.Log.File
	}
	commonlog.Configure(verbosity, path)

	mode, _ := cmd.Flags().GetString("color")
	if err := configureColor(mode); err != nil {
		return err
	}
	return nil
}

func fail(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
