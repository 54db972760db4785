/*
Package dynlib loads native shared libraries and Go object files at runtime and binds their exported symbols to typed Go values.

# License

Source codes are under Apache License Version 2.0.

# Underwater

 1. A [Loader] opens a module file into a [Library]: [Native] goes through the platform dynamic linker
    (dlopen on unix via [purego], LoadLibrary on windows), [GoObjects] links Go relocatable objects with [goloader].
 2. A [Module] owns the Library. It is pinned by [Open] and referenced once by every live [Binding], and is
    closed exactly once when neither is left.
 3. A [Descriptor] declares the symbols an API needs: functions, function lists, variables, optional
    members, a minimum version and a signature table. [Bind] checks them all in one pass: either a Binding is
    returned, or a [BindError] listing every missing symbol, and no reference is left behind.
 4. The plugin registry with load coalescing and unload protection lives in package pool.

# Notes

 1. A shared library can carry no type information. The signature of a function is a promise of the caller:
    a wrong one is undefined behavior at call time. Modules should export a version symbol (three int32:
    major, minor, patch) checked by [MinVersion], and may export a signature table checked by [Signatures].
 2. Opening a module runs its static initializers on the calling goroutine. That code can not be stopped
    or undone by this package.
 3. Values fetched from a Binding are only valid until [Binding.Release]. Use [Use] or [Binding.Clone] to keep
    the module alive across goroutines.
 4. Open, Close and symbol lookups are synchronous calls into the operating system and may block.

# Use Go objects on develop stage or compile distribution binaries

[goloader] builds against compiler internals of the go sdk, so a host linking [GoObjects] needs:

  - 1. Prepare GO sdk

    use the probe cli tool via `probe prepare`, or [PrepareSDK] from a build script.

  - 2. Build the host and work around with the dynamics

  - 3. Restore the GO SDK

    use the probe cli tool via `probe clean`, or [CleanSDK].

The probe tool can be installed by:

	go install github.com/ZenLiuCN/dynlib/probe@latest

# Samples

	api := dynlib.MustDescriptor("system",
		dynlib.Fn[func()]("init_plugin"),
		dynlib.Fn[func()]("shutdown_plugin"),
		dynlib.Optional(dynlib.Fn[func(float32)]("update")),
		dynlib.Var[int32]("number_of_systems"),
		dynlib.MinVersion("plugin_api_version", dynlib.MustVersion("1.0.0")),
	)
	m, err := dynlib.Open(dynlib.Native(), "./libexample_plugin.so")
	...
	defer m.Close()
	b, err := dynlib.Bind(m, api)
	...
	defer b.Release()
	dynlib.MustAs[func()](b, "init_plugin")()

See testdata and tests.

[purego]: https://github.com/ebitengine/purego
[goloader]: https://github.com/pkujhd/goloader
*/
package dynlib
