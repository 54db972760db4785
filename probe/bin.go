package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"

	. "github.com/ZenLiuCN/dynlib"
	"github.com/ZenLiuCN/dynlib/pool"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Usage = "dynamic module probe"
	app.Name = "probe"
	app.Description = "probe loads plugin modules and checks them against an expected set of symbols"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, EnvVars: []string{"DYNLIB_DEBUG"}},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "check",
			Action: check,
			Usage:  "load a plugin by path or logical name and report its capabilities",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "api", Aliases: []string{"a"}, Usage: "api identifier"},
				&cli.StringFlag{Name: "manifest", Aliases: []string{"m"}, Usage: "plugin manifest, replaces the plugin argument"},
				&cli.StringSliceFlag{Name: "require", Aliases: []string{"r"}, Usage: "required symbols"},
				&cli.StringSliceFlag{Name: "optional", Aliases: []string{"o"}, Usage: "optional symbols"},
				&cli.StringFlag{Name: "version-symbol", Usage: "symbol holding the module version"},
				&cli.StringFlag{Name: "min", Usage: "minimum module version, with --version-symbol"},
				&cli.BoolFlag{Name: "strict", Usage: "fail modules without a version symbol"},
				&cli.StringSliceFlag{Name: "path", Aliases: []string{"p"}, Usage: "plugin search directories, before " + pool.EnvSearchPath},
				&cli.BoolFlag{Name: "dump", Usage: "dump the registry after loading"},
			},
			Args: true,
		},
		{
			Name:   "symbols",
			Action: symbols,
			Usage:  "list exported symbols of shared libraries or Go objects",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"k"}, Usage: "package path of Go objects or default main"},
			},
			Args: true,
		},
		{
			Name:   "prepare",
			Action: prepare,
			Usage:  "copy compiler internals of go sdk, needed to build hosts of Go objects",
			Flags:  []cli.Flag{gorootFlag},
		},
		{
			Name:   "clean",
			Action: clean,
			Usage:  "remove copied compiler internals of go sdk",
			Flags:  []cli.Flag{gorootFlag},
		},
		{
			Name:   "imports",
			Action: imports,
			Usage:  "display imports of Go objfile or archive",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"k"}, Usage: "package path or default main"},
			},
			Args: true,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func logger(ctx *cli.Context) zerolog.Logger {
	level := zerolog.InfoLevel
	if ctx.Bool("debug") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

var gorootFlag = &cli.StringFlag{Name: "goroot", EnvVars: []string{"GOROOT"}, Usage: "go sdk root, or the one of go env"}

func goroot(ctx *cli.Context) (string, error) {
	if v := ctx.String("goroot"); v != "" {
		return v, nil
	}
	out, err := exec.Command("go", "env", "GOROOT").Output()
	if err != nil {
		return "", fmt.Errorf("locate go sdk: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func prepare(ctx *cli.Context) error {
	l := logger(ctx)
	root, err := goroot(ctx)
	if err != nil {
		return err
	}
	l.Debug().Str("goroot", root).Msg("prepare go sdk")
	done, err := PrepareSDK(root)
	if err != nil {
		return err
	}
	if done {
		l.Info().Str("goroot", root).Msg("copied compiler internals")
	} else {
		l.Debug().Str("goroot", root).Msg("already prepared, did nothing")
	}
	return nil
}

func clean(ctx *cli.Context) error {
	l := logger(ctx)
	root, err := goroot(ctx)
	if err != nil {
		return err
	}
	done, err := CleanSDK(root)
	if err != nil {
		return err
	}
	if done {
		l.Info().Str("goroot", root).Msg("removed copied compiler internals")
	} else {
		l.Debug().Str("goroot", root).Msg("nothing to clean")
	}
	return nil
}

type expectation struct {
	api           string
	required      []string
	optional      []string
	versionSymbol string
	min           string
	strict        bool
}

// descriptor declares every expected symbol as a presence probe, the probe can not know signatures.
func (e expectation) descriptor() (Descriptor, error) {
	var entries []Entry
	for _, s := range e.required {
		entries = append(entries, Probe(s))
	}
	for _, s := range e.optional {
		entries = append(entries, Optional(Probe(s)))
	}
	if e.versionSymbol != "" {
		floor := Version{}
		if e.min != "" {
			v, err := ParseVersion(e.min)
			if err != nil {
				return Descriptor{}, err
			}
			floor = v
		}
		entries = append(entries, MinVersion(e.versionSymbol, floor))
		if e.strict {
			entries = append(entries, StrictVersion())
		}
	} else if e.min != "" {
		return Descriptor{}, fmt.Errorf("--min requires --version-symbol")
	}
	return NewDescriptor(e.api, entries...)
}

func report(w io.Writer, b *Binding) {
	fmt.Fprintf(w, "%s\n", b.Module().Path())
	if v, ok := b.Version(); ok {
		fmt.Fprintf(w, "\tversion: %s\n", v)
	}
	fmt.Fprintf(w, "\tcapabilities: %s\n", strings.Join(b.Capabilities(), ", "))
	if absent := b.Absent(); len(absent) > 0 {
		fmt.Fprintf(w, "\tabsent: %s\n", strings.Join(absent, ", "))
	}
}

func check(ctx *cli.Context) (err error) {
	l := logger(ctx)
	d, err := expectation{
		api:           ctx.String("api"),
		required:      ctx.StringSlice("require"),
		optional:      ctx.StringSlice("optional"),
		versionSymbol: ctx.String("version-symbol"),
		min:           ctx.String("min"),
		strict:        ctx.Bool("strict"),
	}.descriptor()
	if err != nil {
		return
	}
	p := pool.New(pool.Config{SearchPaths: ctx.StringSlice("path"), Logger: &l})
	defer func() {
		if cerr := p.Close(); cerr != nil {
			l.Warn().Err(cerr).Msg("close registry")
		}
	}()
	var b *Binding
	if m := ctx.String("manifest"); m != "" {
		b, err = p.LoadManifest(m, d)
	} else if ctx.Args().Len() != 1 {
		return fmt.Errorf("need exactly one plugin path or name")
	} else {
		b, err = p.Load(ctx.Args().First(), d)
	}
	if err != nil {
		return
	}
	defer func() { _ = b.Release() }()
	report(os.Stdout, b)
	if ctx.Bool("dump") {
		sp := spew.NewDefaultConfig()
		sp.MaxDepth = 3
		sp.Fdump(os.Stdout, p.Stats())
	}
	return
}

func symbols(ctx *cli.Context) (err error) {
	if ctx.Args().Len() == 0 {
		return fmt.Errorf("missing module files")
	}
	for _, s := range ctx.Args().Slice() {
		var v []string
		if v, err = Inspect(s, ctx.String("pkg")); err != nil {
			return
		}
		fmt.Printf("%s\n\t%s\n", s, strings.Join(v, "\n\t"))
	}
	return
}

func imports(ctx *cli.Context) (err error) {
	for _, s := range ctx.Args().Slice() {
		var v *Info
		if v, err = Imports(s, ctx.String("pkg")); err != nil {
			return
		}
		log.Printf("\n%s", v.String())
	}
	return
}
