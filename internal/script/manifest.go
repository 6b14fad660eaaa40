package script

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest declares a scripted library: its types, their member signatures
// and the Lua sources holding the member bodies.
type Manifest struct {
	Name         string     `yaml:"name"`
	Dependencies []string   `yaml:"dependencies"`
	Sources      []string   `yaml:"sources"` // relative to the manifest
	Source       string     `yaml:"source"`  // inline chunk, compiled after Sources
	Types        []TypeDecl `yaml:"types"`

	// dir is the directory Sources are resolved against.
	dir string
}

// TypeDecl declares one scripted type. Base may name a type from this
// manifest or from a dependency, native or scripted.
type TypeDecl struct {
	Name       string         `yaml:"name"`
	Base       string         `yaml:"base"`
	Properties []PropertyDecl `yaml:"properties"`
	Methods    []MethodDecl   `yaml:"methods"`
}

// PropertyDecl declares a field. Static properties live in per-state storage.
type PropertyDecl struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Static  bool   `yaml:"static"`
	Default any    `yaml:"default"`
}

// ParamDecl is one named, typed parameter.
type ParamDecl struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// MethodDecl declares a function whose body is the Lua function Type.Body
// (Body defaults to Name).
type MethodDecl struct {
	Name     string      `yaml:"name"`
	Params   []ParamDecl `yaml:"params"`
	Returns  string      `yaml:"returns"` // empty means Void
	Static   bool        `yaml:"static"`
	Virtual  bool        `yaml:"virtual"`
	Override bool        `yaml:"override"`
	Body     string      `yaml:"body"`
}

// BodyName returns the Lua field holding the method body.
func (m MethodDecl) BodyName() string {
	if m.Body != "" {
		return m.Body
	}
	return m.Name
}

// LoadManifest reads and parses the manifest at path.
//
// Postcondition: returns a validated manifest whose sources resolve relative to path's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %q: %w", path, err)
	}
	m, err := ParseManifest(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("parsing manifest %q: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes a manifest. Unknown fields are rejected.
func ParseManifest(data []byte, dir string) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	m.dir = dir
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Dir returns the directory sources are resolved against.
func (m *Manifest) Dir() string { return m.dir }

// Validate checks the manifest's structural invariants.
//
// Postcondition: Returns nil if the manifest is valid, or an error describing all violations.
func (m *Manifest) Validate() error {
	var errs []string
	if m.Name == "" {
		errs = append(errs, "name must not be empty")
	}
	if len(m.Sources) == 0 && strings.TrimSpace(m.Source) == "" {
		errs = append(errs, "sources or source must be given")
	}
	seen := make(map[string]bool)
	for i, t := range m.Types {
		if t.Name == "" {
			errs = append(errs, fmt.Sprintf("types[%d].name must not be empty", i))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Sprintf("type %s declared twice", t.Name))
		}
		seen[t.Name] = true
		for j, p := range t.Properties {
			if p.Name == "" || p.Type == "" {
				errs = append(errs, fmt.Sprintf("%s.properties[%d] needs a name and a type", t.Name, j))
			}
		}
		for j, fn := range t.Methods {
			if fn.Name == "" {
				errs = append(errs, fmt.Sprintf("%s.methods[%d].name must not be empty", t.Name, j))
			}
			if fn.Static && (fn.Virtual || fn.Override) {
				errs = append(errs, fmt.Sprintf("%s.%s: static methods cannot be virtual", t.Name, fn.Name))
			}
			for k, p := range fn.Params {
				if p.Type == "" {
					errs = append(errs, fmt.Sprintf("%s.%s.params[%d].type must not be empty", t.Name, fn.Name, k))
				}
			}
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
