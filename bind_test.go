package dynlib_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/ZenLiuCN/dynlib"
	"github.com/ZenLiuCN/dynlib/dynlibtest"
	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const pluginPath = "example_plugin"

var numberOfSystems int32 = 3

func examplePlugin() dynlibtest.Module {
	return dynlibtest.Module{
		Funcs: map[string]any{
			"init_plugin":         func() {},
			"shutdown_plugin":     func() {},
			"update":              func(dt float32) {},
			"add":                 func(a, b int32) int32 { return a + b },
			"get_graphics_engine": func() string { return "graphics" },
			"get_debug_renderer":  func() string { return "debug" },
		},
		Data: map[string]any{
			"number_of_systems":  &numberOfSystems,
			"plugin_api_version": dynlibtest.VersionData(dynlib.MustVersion("1.0.0")),
		},
	}
}

func openPlugin(t *testing.T, m dynlibtest.Module) (*dynlibtest.Loader, *dynlib.Module) {
	t.Helper()
	l := dynlibtest.NewLoader()
	l.Add(pluginPath, m)
	mod := fn.Panic1(dynlib.Open(l, pluginPath))
	t.Cleanup(func() { _ = mod.Close() })
	return l, mod
}

func TestBindCallsThrough(t *testing.T) {
	_, m := openPlugin(t, examplePlugin())
	api := dynlib.MustDescriptor("system",
		dynlib.Fn[func()]("init_plugin"),
		dynlib.Fn[func(int32, int32) int32]("add"),
		dynlib.Var[int32]("number_of_systems"),
		dynlib.MinVersion("plugin_api_version", dynlib.MustVersion("1.0")),
	)
	b, err := dynlib.Bind(m, api)
	require.NoError(t, err)
	defer b.Release()

	assert.Equal(t, int32(5), dynlib.MustAs[func(int32, int32) int32](b, "add")(2, 3))
	n, err := dynlib.Ptr[int32](b, "number_of_systems")
	require.NoError(t, err)
	assert.Equal(t, int32(3), *n)
	*n = 4
	assert.Equal(t, int32(4), numberOfSystems)
	*n = 3

	v, ok := b.Version()
	require.True(t, ok)
	assert.Equal(t, dynlib.Version{Major: 1}, v)
	assert.Equal(t, "system", b.API())
	assert.Same(t, m, b.Module())
}

func TestBindReportsEveryMissingSymbol(t *testing.T) {
	p := examplePlugin()
	delete(p.Funcs, "shutdown_plugin")
	delete(p.Funcs, "add")
	_, m := openPlugin(t, p)
	api := dynlib.MustDescriptor("system",
		dynlib.Fn[func()]("init_plugin"),
		dynlib.Fn[func()]("shutdown_plugin"),
		dynlib.Optional(dynlib.Fn[func(float32)]("update")),
		dynlib.Fn[func(int32, int32) int32]("add"),
	)
	b, err := dynlib.Bind(m, api)
	require.Nil(t, b)
	require.ErrorIs(t, err, dynlib.ErrMissingSymbols)
	var be *dynlib.BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, []string{"shutdown_plugin", "add"}, be.Missing)
	assert.Equal(t, pluginPath, be.Path)
	assert.Equal(t, 0, m.Refs())
}

func TestBindChecksVersionFirst(t *testing.T) {
	l, m := openPlugin(t, examplePlugin())
	api := dynlib.MustDescriptor("system",
		dynlib.Fn[func()]("init_plugin"),
		dynlib.Fn[func()]("missing_too"),
		dynlib.MinVersion("plugin_api_version", dynlib.MustVersion("2.0")),
	)
	_, err := dynlib.Bind(m, api)
	require.ErrorIs(t, err, dynlib.ErrIncompatibleVersion)
	assert.NotErrorIs(t, err, dynlib.ErrMissingSymbols)
	var be *dynlib.BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, dynlib.VersionDelta{Have: dynlib.MustVersion("1.0.0"), Want: dynlib.MustVersion("2.0.0")}, *be.Version)
	assert.Equal(t, []string{"plugin_api_version"}, l.Lookups(pluginPath))
	assert.Equal(t, 0, m.Refs())
}

func TestBindUnversionedModule(t *testing.T) {
	p := examplePlugin()
	delete(p.Data, "plugin_api_version")
	_, m := openPlugin(t, p)
	lax := dynlib.MustDescriptor("system",
		dynlib.Fn[func()]("init_plugin"),
		dynlib.MinVersion("plugin_api_version", dynlib.MustVersion("1.0")),
	)
	b, err := dynlib.Bind(m, lax)
	require.NoError(t, err)
	_, ok := b.Version()
	assert.False(t, ok)
	require.NoError(t, b.Release())

	strict := dynlib.MustDescriptor("system",
		dynlib.Fn[func()]("init_plugin"),
		dynlib.MinVersion("plugin_api_version", dynlib.MustVersion("1.0")),
		dynlib.StrictVersion(),
	)
	_, err = dynlib.Bind(m, strict)
	var be *dynlib.BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, []string{"plugin_api_version"}, be.Missing)

	// a missing version symbol is reported alongside the other missing names
	strict = dynlib.MustDescriptor("system",
		dynlib.Fn[func()]("init_plugin"),
		dynlib.Fn[func()]("shutdown"),
		dynlib.Fn[func()]("process"),
		dynlib.MinVersion("plugin_api_version", dynlib.MustVersion("1.0")),
		dynlib.StrictVersion(),
	)
	_, err = dynlib.Bind(m, strict)
	require.ErrorIs(t, err, dynlib.ErrMissingSymbols)
	require.ErrorAs(t, err, &be)
	assert.Equal(t, []string{"plugin_api_version", "shutdown", "process"}, be.Missing)
	assert.Nil(t, be.Version)
	assert.Equal(t, 0, m.Refs())
}

func TestBindCapabilities(t *testing.T) {
	_, m := openPlugin(t, examplePlugin())
	api := dynlib.MustDescriptor("system",
		dynlib.Fn[func()]("init_plugin"),
		dynlib.Optional(dynlib.Fn[func()]("render")),
		dynlib.Optional(dynlib.Fn[func(float32)]("update")),
		dynlib.Optional(dynlib.Probe("shutdown_plugin")),
	)
	b, err := dynlib.Bind(m, api)
	require.NoError(t, err)
	defer b.Release()
	assert.Equal(t, []string{"update", "shutdown_plugin"}, b.Capabilities())
	assert.Equal(t, []string{"render"}, b.Absent())
	assert.True(t, b.Has("init_plugin"))
	assert.True(t, b.Has("shutdown_plugin"))
	assert.False(t, b.Has("render"))

	_, err = dynlib.As[func()](b, "render")
	assert.ErrorIs(t, err, dynlib.ErrMissingSymbol)
	_, err = dynlib.As[func()](b, "shutdown_plugin")
	assert.ErrorIs(t, err, dynlib.ErrMissingSymbol)
}

func TestBindSignatureMismatch(t *testing.T) {
	_, m := openPlugin(t, examplePlugin())
	api := dynlib.MustDescriptor("system",
		dynlib.Fn[func()]("init_plugin"),
		dynlib.Fn[func(int64) int64]("add"),
		dynlib.Fn[func(float64)]("update"),
	)
	_, err := dynlib.Bind(m, api)
	require.ErrorIs(t, err, dynlib.ErrSignatureMismatch)
	var be *dynlib.BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, []string{"add", "update"}, be.Mismatched)
	assert.Equal(t, 0, m.Refs())
}

func TestBindSignatureTable(t *testing.T) {
	p := examplePlugin()
	p.Data["signatures"] = dynlibtest.CString("# exported functions\nadd = func(int32, int32) int32\nupdate=func(float32)\n")
	l, m := openPlugin(t, p)

	good := dynlib.MustDescriptor("system",
		dynlib.Fn[func(int32, int32) int32]("add"),
		dynlib.Fn[func(float32)]("update"),
		dynlib.Signatures("signatures"),
	)
	b, err := dynlib.Bind(m, good)
	require.NoError(t, err)
	require.NoError(t, b.Release())

	bad := dynlib.MustDescriptor("system",
		dynlib.Fn[func(int32) int32]("add"),
		dynlib.Fn[func(float32)]("update"),
		dynlib.Signatures("signatures"),
	)
	before := len(l.Lookups(pluginPath))
	_, err = dynlib.Bind(m, bad)
	var be *dynlib.BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, []string{"add"}, be.Mismatched)
	assert.Equal(t, []string{"signatures", "add", "update"}, l.Lookups(pluginPath)[before:])
}

func TestBindFailureKeepsRefs(t *testing.T) {
	_, m := openPlugin(t, examplePlugin())
	ok := dynlib.MustDescriptor("a", dynlib.Fn[func()]("init_plugin"))
	b, err := dynlib.Bind(m, ok)
	require.NoError(t, err)
	defer b.Release()
	require.Equal(t, 1, m.Refs())

	_, err = dynlib.Bind(m, dynlib.MustDescriptor("b", dynlib.Fn[func()]("nope")))
	require.Error(t, err)
	assert.Equal(t, 1, m.Refs())
}

func TestBindFuncList(t *testing.T) {
	_, m := openPlugin(t, examplePlugin())
	api := dynlib.MustDescriptor("system",
		dynlib.FnList[func() string]("system_getters", "get_graphics_engine", "get_debug_renderer"),
	)
	b, err := dynlib.Bind(m, api)
	require.NoError(t, err)
	defer b.Release()
	getters, err := dynlib.AsList[func() string](b, "system_getters")
	require.NoError(t, err)
	require.Len(t, getters, 2)
	assert.Equal(t, "graphics", getters[0]())
	assert.Equal(t, "debug", getters[1]())

	_, err = dynlib.Bind(m, dynlib.MustDescriptor("system",
		dynlib.FnList[func() string]("system_getters", "get_graphics_engine", "add", "init_plugin"),
	))
	require.ErrorIs(t, err, dynlib.ErrSignatureMismatch)
	var be *dynlib.BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, []string{"add", "init_plugin"}, be.Mismatched)
	assert.Equal(t, 1, m.Refs())
}

func TestBindingFetchTypes(t *testing.T) {
	_, m := openPlugin(t, examplePlugin())
	b := fn.Panic1(dynlib.Bind(m, dynlib.MustDescriptor("x",
		dynlib.Fn[func(int32, int32) int32]("add"),
		dynlib.Var[int32]("number_of_systems"),
	)))
	defer b.Release()
	_, err := dynlib.As[func(int, int) int](b, "add")
	assert.ErrorIs(t, err, dynlib.ErrSignatureMismatch)
	_, err = dynlib.Ptr[int64](b, "number_of_systems")
	assert.ErrorIs(t, err, dynlib.ErrSignatureMismatch)
	_, err = dynlib.AsList[func(int32, int32) int32](b, "add")
	assert.ErrorIs(t, err, dynlib.ErrSignatureMismatch)
	assert.Panics(t, func() { dynlib.MustAs[func()](b, "absent") })
}

func TestBindingRelease(t *testing.T) {
	l, m := openPlugin(t, examplePlugin())
	api := dynlib.MustDescriptor("x", dynlib.Fn[func(int32, int32) int32]("add"))
	b := fn.Panic1(dynlib.Bind(m, api))
	c, err := b.Clone()
	require.NoError(t, err)
	assert.Equal(t, 2, m.Refs())

	require.NoError(t, b.Release())
	require.NoError(t, b.Release())
	assert.True(t, b.Released())
	assert.Equal(t, 1, m.Refs())
	_, err = dynlib.As[func(int32, int32) int32](b, "add")
	assert.ErrorIs(t, err, dynlib.ErrReleased)
	_, err = b.Clone()
	assert.ErrorIs(t, err, dynlib.ErrReleased)

	assert.Equal(t, int32(3), dynlib.MustAs[func(int32, int32) int32](c, "add")(1, 2))
	require.NoError(t, m.Close())
	assert.Equal(t, 0, l.Closes(pluginPath))
	require.NoError(t, c.Release())
	assert.Equal(t, 1, l.Closes(pluginPath))
}

func TestUse(t *testing.T) {
	_, m := openPlugin(t, examplePlugin())
	b := fn.Panic1(dynlib.Bind(m, dynlib.MustDescriptor("x", dynlib.Fn[func(int32, int32) int32]("add"))))
	use := dynlib.Use[func(int32, int32) int32](b, "add")
	called := false
	use(func(add func(int32, int32) int32, err error) {
		require.NoError(t, err)
		assert.Equal(t, 2, m.Refs())
		assert.Equal(t, int32(7), add(3, 4))
		called = true
	})
	assert.True(t, called)
	assert.Equal(t, 1, m.Refs())

	require.NoError(t, b.Release())
	use(func(add func(int32, int32) int32, err error) {
		assert.ErrorIs(t, err, dynlib.ErrReleased)
		assert.Nil(t, add)
	})
}

// Capabilities are exactly the optional symbols a module exports, and a failed
// bind lists exactly the required symbols it lacks.
func TestBindProperty(t *testing.T) {
	names := []string{"init", "shutdown", "process", "update", "render", "reload"}
	rapid.Check(t, func(t *rapid.T) {
		exported := map[string]any{}
		var entries []dynlib.Entry
		var wantMissing, wantCaps []string
		for _, n := range names {
			has := rapid.Bool().Draw(t, n+" exported")
			required := rapid.Bool().Draw(t, n+" required")
			if has {
				exported[n] = func() {}
			}
			s := dynlib.Fn[func()](n)
			switch {
			case required && !has:
				wantMissing = append(wantMissing, n)
			case !required:
				s = dynlib.Optional(s)
				if has {
					wantCaps = append(wantCaps, n)
				}
			}
			entries = append(entries, s)
		}
		l := dynlibtest.NewLoader()
		l.Add("m", dynlibtest.Module{Funcs: exported})
		m, err := dynlib.Open(l, "m")
		if err != nil {
			t.Fatal(err)
		}
		defer m.Close()
		b, err := dynlib.Bind(m, dynlib.MustDescriptor("p", entries...))
		if len(wantMissing) > 0 {
			var be *dynlib.BindError
			if !errors.As(err, &be) {
				t.Fatalf("want BindError, got %v", err)
			}
			if !slices.Equal(be.Missing, wantMissing) {
				t.Fatalf("missing %v, want %v", be.Missing, wantMissing)
			}
			if m.Refs() != 0 {
				t.Fatalf("failed bind left %d refs", m.Refs())
			}
			return
		}
		if err != nil {
			t.Fatal(err)
		}
		defer b.Release()
		if got := b.Capabilities(); !slices.Equal(got, wantCaps) {
			t.Fatalf("capabilities %v, want %v", got, wantCaps)
		}
		if m.Refs() != 1 {
			t.Fatalf("refs %d, want 1", m.Refs())
		}
	})
}
