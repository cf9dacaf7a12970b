package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/fnbridge/loader"
	"github.com/chazu/fnbridge/manifest"
	"github.com/chazu/fnbridge/pkg/descriptor"
	"github.com/chazu/fnbridge/server"
	"github.com/chazu/fnbridge/target"
	"github.com/chazu/fnbridge/vm"
)

var callCmd = &cobra.Command{
	Use:   "call Type.member [args...]",
	Short: "Load a type, rewrite it, and call a static member",
	Long: `call resolves Type through the project's unit directories, rewrites its
marked members, activates the configured presenter and calls member with the
given arguments, parsed according to the member's descriptor.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a JavaScript presenter over Connect",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	callCmd.Flags().String("desc", "", "member descriptor, required when the member is overloaded")
	callCmd.Flags().StringSlice("units", nil, "unit directories (default from the project)")
	serveCmd.Flags().String("addr", ":7755", "listen address")
	serveCmd.Flags().StringSlice("units", nil, "directories serving script resources (default from the project)")
}

func newLoader(cmd *cobra.Command) (*loader.Loader, error) {
	if dirs, _ := cmd.Flags().GetStringSlice("units"); len(dirs) > 0 {
		project.Loader.Units = dirs
	}
	opts, err := project.LoaderOptions()
	if err != nil {
		return nil, err
	}
	return loader.New(vm.New(), project.Finder(), opts), nil
}

func runCall(cmd *cobra.Command, args []string) error {
	dot := strings.LastIndexByte(args[0], '.')
	if dot <= 0 || dot == len(args[0])-1 {
		return fail("%q is not of the form Type.member", args[0])
	}
	typeName, member := args[0][:dot], args[0][dot+1:]

	l, err := newLoader(cmd)
	if err != nil {
		return err
	}
	p, err := project.NewPresenter(l)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var result any
	var ret descriptor.Type
	err = target.Execute(ctx, p, func(ctx context.Context) error {
		c, err := l.Resolve(ctx, typeName)
		if err != nil {
			return err
		}
		desc, _ := cmd.Flags().GetString("desc")
		m, err := pickMethod(c, member, desc)
		if err != nil {
			return err
		}
		if !m.Static {
			return fail("%s is an instance member", m)
		}
		values, err := parseArgs(m.Sig.Params, args[1:])
		if err != nil {
			return err
		}
		ret = m.Sig.Return
		result, err = l.VM().Invoke(ctx, m, nil, values)
		return err
	})
	if err != nil {
		return err
	}
	if ret.Kind != descriptor.Void {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), formatResult(result))
	}
	return nil
}

func pickMethod(c *vm.Class, name, desc string) (*vm.Method, error) {
	if desc != "" {
		if m := c.Lookup(name, desc); m != nil {
			return m, nil
		}
		return nil, fmt.Errorf("%w: %s.%s%s", vm.ErrMethodNotFound, c.Name, name, desc)
	}
	overloads := c.Overloads(name)
	switch len(overloads) {
	case 0:
		return nil, fmt.Errorf("%w: %s.%s", vm.ErrMethodNotFound, c.Name, name)
	case 1:
		return overloads[0], nil
	}
	var descs []string
	for _, m := range overloads {
		descs = append(descs, m.Desc)
	}
	return nil, fail("%s.%s is overloaded, pass --desc (one of %s)", c.Name, name, strings.Join(descs, ", "))
}

// parseArgs converts command-line text to managed values.
func parseArgs(params []descriptor.Type, args []string) ([]any, error) {
	if len(args) != len(params) {
		return nil, fail("%d arguments for %d parameters", len(args), len(params))
	}
	out := make([]any, len(args))
	for i, p := range params {
		v, err := parseArg(p, args[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func parseArg(t descriptor.Type, s string) (any, error) {
	switch t.Kind {
	case descriptor.Bool:
		return strconv.ParseBool(s)
	case descriptor.Byte:
		n, err := strconv.ParseInt(s, 0, 8)
		return int8(n), err
	case descriptor.Char:
		if r := []rune(s); len(r) == 1 && r[0] <= 0xffff {
			return uint16(r[0]), nil
		}
		return nil, fail("%q is not a single char", s)
	case descriptor.Short:
		n, err := strconv.ParseInt(s, 0, 16)
		return int16(n), err
	case descriptor.Int:
		n, err := strconv.ParseInt(s, 0, 32)
		return int32(n), err
	case descriptor.Long:
		return strconv.ParseInt(s, 0, 64)
	case descriptor.Float:
		f, err := strconv.ParseFloat(s, 32)
		return float32(f), err
	case descriptor.Double:
		return strconv.ParseFloat(s, 64)
	case descriptor.Object:
		switch t.Class {
		case "java/lang/String", "java.lang.String", "java/lang/Object", "java.lang.Object":
			return s, nil
		}
	}
	return nil, fail("cannot pass command-line text as %s", t)
}

func formatResult(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(x)
	case uint16:
		return strconv.QuoteRune(rune(x))
	}
	return fmt.Sprint(v)
}

func runServe(cmd *cobra.Command, _ []string) error {
	l, err := newLoader(cmd)
	if err != nil {
		return err
	}
	project.Target.Kind = manifest.TargetJS
	p, err := project.NewPresenter(l)
	if err != nil {
		return err
	}
	defer p.Close()

	srv := server.New(p)
	defer srv.Stop()
	addr, _ := cmd.Flags().GetString("addr")
	return srv.ListenAndServe(addr)
}
