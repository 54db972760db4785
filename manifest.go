package dynlib

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

type (
	// Manifest describes a plugin next to its library, in YAML or JSON.
	//
	//	library: ../lib/example_plugin
	//	name: Example Plugin
	//	version: 0.0.1
	//	api: ExampleApi
	//	api_version: 0.0.1
	//	members:
	//	  init_plugin: init_plugin
	//	  systems_count: null
	//	  system_getters: [get_graphics_engine, get_debug_renderer]
	//
	// Members map logical symbol names to the names the library exports. A null
	// member keeps its own name, a list feeds a FnList.
	Manifest struct {
		Library    string            `yaml:"library" validate:"required"`
		Name       string            `yaml:"name" validate:"required"`
		Version    string            `yaml:"version" validate:"omitempty,semver"`
		API        string            `yaml:"api"`
		APIVersion string            `yaml:"api_version" validate:"omitempty,semver"`
		Members    map[string]Member `yaml:"members"`
		dir        string
	}
	// Member is the exported names of one manifest member. Empty means the member's own name.
	Member struct {
		Exports []string
		list    bool // written as a sequence, even of one name
	}
)

func (m *Member) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		var s string
		if err := n.Decode(&s); err != nil {
			return err
		}
		m.Exports = []string{s}
	case yaml.SequenceNode:
		m.list = true
		return n.Decode(&m.Exports)
	default:
		return fmt.Errorf("line %d: member must be null, a name or a list of names", n.Line)
	}
	return nil
}

// ParseManifest decodes and validates a manifest. Relative library paths are resolved against dir.
func ParseManifest(data []byte, dir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}
	m.dir = dir
	return &m, nil
}

// ReadManifest reads the manifest file path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data, filepath.Dir(path))
}

// LibraryPath is the library location, relative paths joined to the manifest directory.
// Platform decorations are left to the caller, see Decorate.
func (m *Manifest) LibraryPath() string {
	if filepath.IsAbs(m.Library) || m.dir == "" {
		return m.Library
	}
	return filepath.Join(m.dir, m.Library)
}

// Apply renames the exports of d after the manifest members.
//
// It fails on members d does not declare, on an api other than d's, and on an
// api_version below the MinVersion of d.
func (m *Manifest) Apply(d Descriptor) (Descriptor, error) {
	if m.API != "" && d.api != "" && m.API != d.api {
		return Descriptor{}, fmt.Errorf("manifest %s: api %s, want %s", m.Name, m.API, d.api)
	}
	if m.APIVersion != "" && d.version != nil {
		v, err := ParseVersion(m.APIVersion)
		if err != nil {
			return Descriptor{}, fmt.Errorf("manifest %s: %w", m.Name, err)
		}
		if !v.AtLeast(d.version.min) {
			return Descriptor{}, &BindError{API: d.api, Path: m.LibraryPath(), Version: &VersionDelta{Have: v, Want: d.version.min}}
		}
	}
	var err error
	for name, member := range m.Members {
		if len(member.Exports) == 0 {
			if _, ok := d.Symbol(name); !ok {
				return Descriptor{}, fmt.Errorf("manifest %s: unknown member %s", m.Name, name)
			}
			continue
		}
		if d, err = d.withExports(name, member.Exports, member.list); err != nil {
			return Descriptor{}, fmt.Errorf("manifest %s: %w", m.Name, err)
		}
	}
	return d, nil
}
