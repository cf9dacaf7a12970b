package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/fnbridge/compiler"
	"github.com/chazu/fnbridge/rewrite"
	"github.com/chazu/fnbridge/unit"
)

var assembleCmd = &cobra.Command{
	Use:   "assemble desc.toml",
	Short: "Build a binary unit from a TOML description",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssemble,
}

var scanCmd = &cobra.Command{
	Use:   "scan unit.fnu",
	Short: "Print the marked members and slots a rewrite would produce",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

var rewriteCmd = &cobra.Command{
	Use:   "rewrite unit.fnu",
	Short: "Replace marked members with call stubs",
	Args:  cobra.ExactArgs(1),
	RunE:  runRewrite,
}

var disasmCmd = &cobra.Command{
	Use:   "disasm unit.fnu",
	Short: "List a unit's members, markers and code",
	Args:  cobra.ExactArgs(1),
	RunE:  runDisasm,
}

func init() {
	for _, c := range []*cobra.Command{assembleCmd, rewriteCmd} {
		c.Flags().StringP("output", "o", "", "output file (default: input with "+unit.Extension+")")
		c.Flags().String("format", "", "container codec: cbor or msgpack (default from the project)")
		c.Flags().Bool("compress", false, "wrap the container in an LZ4 frame")
	}
	rewriteCmd.Flags().String("policy", "", "presenter check policy: cold or every-call")
}

func encodeOptions(cmd *cobra.Command) (unit.EncodeOptions, error) {
	name, _ := cmd.Flags().GetString("format")
	if name == "" {
		name = project.Rewrite.Format
	}
	format, err := unit.ParseFormat(name)
	if err != nil {
		return unit.EncodeOptions{}, err
	}
	compress := project.Rewrite.Compress
	if cmd.Flags().Changed("compress") {
		compress, _ = cmd.Flags().GetBool("compress")
	}
	return unit.EncodeOptions{Format: format, Compress: compress}, nil
}

func runAssemble(cmd *cobra.Command, args []string) error {
	d, err := unit.LoadDescription(args[0])
	if err != nil {
		return err
	}
	u, err := d.Build()
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	opts, err := encodeOptions(cmd)
	if err != nil {
		return err
	}
	data, err := unit.Encode(u, opts)
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("output")
	out = outputPath(out, args[0])
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, %d members, %d bytes)\n", out, u.Name, len(u.Members), len(data))
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	u, _, err := readUnit(args[0])
	if err != nil {
		return err
	}
	tab, err := rewrite.Scan(u)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	header(w, "%s", tab.Type)
	if tab.Resource != "" {
		_, _ = noteColor.Fprintf(w, "  resource %s\n", tab.Resource)
	}
	if u.Rewritten {
		_, _ = noteColor.Fprintln(w, "  already rewritten")
	}
	if tab.Empty() {
		_, _ = fmt.Fprintln(w, "  no marked members")
		return nil
	}
	for _, e := range tab.Entries {
		m := e.Member.Marker
		var flags []string
		if !m.Synchronous {
			flags = append(flags, "async")
		}
		if m.CallbackMode {
			flags = append(flags, "callback")
		}
		if !m.Retained {
			flags = append(flags, "not-retained")
		}
		_, _ = memberColor.Fprintf(w, "  %s%s", e.Member.Name, e.Member.Desc)
		_, _ = fmt.Fprintf(w, "  slot %s  args (%s)", e.Site.Slot(), strings.Join(m.Args, ", "))
		if len(flags) > 0 {
			_, _ = fmt.Fprintf(w, "  [%s]", strings.Join(flags, " "))
		}
		_, _ = fmt.Fprintln(w)
	}
	return nil
}

func runRewrite(cmd *cobra.Command, args []string) error {
	_, data, err := readUnit(args[0])
	if err != nil {
		return err
	}
	policyName, _ := cmd.Flags().GetString("policy")
	if policyName == "" {
		policyName = project.Rewrite.CheckPolicy
	}
	policy, err := compiler.ParsePolicy(policyName)
	if err != nil {
		return err
	}
	enc, err := encodeOptions(cmd)
	if err != nil {
		return err
	}
	out, err := rewrite.Transform(data, rewrite.Options{Policy: policy, Encode: &enc})
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("output")
	if path == "" {
		path = args[0]
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", path, len(out))
	return nil
}

func runDisasm(cmd *cobra.Command, args []string) error {
	u, data, err := readUnit(args[0])
	if err != nil {
		return err
	}
	opts, err := unit.Inspect(data)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	header(w, "%s", u.Name)
	_, _ = noteColor.Fprintf(w, "  format %s, compressed %t, rewritten %t\n", opts.Format, opts.Compress, u.Rewritten)
	if u.Resource != nil {
		_, _ = noteColor.Fprintf(w, "  resource %s\n", u.Resource.Path)
	}
	for _, s := range u.Slots {
		_, _ = fmt.Fprintf(w, "  slot %s -> %s\n", s.Name, s.Site)
	}
	for _, cb := range u.Callbacks {
		_, _ = fmt.Fprintf(w, "  callback %s -> %s::%s%s\n", cb.Mangled, cb.Type, cb.Method, cb.Desc)
	}
	for _, m := range u.Members {
		_, _ = fmt.Fprintln(w)
		static := ""
		if m.Static {
			static = "static "
		}
		_, _ = memberColor.Fprintf(w, "%s%s%s\n", static, m.Name, m.Desc)
		if m.Marker != nil {
			_, _ = noteColor.Fprintf(w, "  marker (%s) %q\n", strings.Join(m.Marker.Args, ", "), m.Marker.Body)
		}
		if m.Code == nil {
			_, _ = fmt.Fprintln(w, "  no code")
			continue
		}
		c, err := m.Chunk()
		if err != nil {
			return fmt.Errorf("%s%s: %w", m.Name, m.Desc, err)
		}
		_, _ = fmt.Fprint(w, c.Disassemble())
		if m.Fallback != nil {
			fb, err := m.FallbackChunk()
			if err != nil {
				return fmt.Errorf("%s%s fallback: %w", m.Name, m.Desc, err)
			}
			_, _ = noteColor.Fprintln(w, "  fallback:")
			_, _ = fmt.Fprint(w, fb.Disassemble())
		}
	}
	return nil
}
