// Package catalog implements the external agent catalog the Agent Runner
// resolves slugs against: a Kind (mag/sag), descriptive metadata, and for
// SAGs an Entrypoint. MAGs carry no Entrypoint of their own — the Runner's
// orchestration pattern is generic (spec.md §4.8), so a MAG descriptor is
// pure metadata (default_sag, task_type) the pattern consults.
//
// Grounded on cli_catalog.py's catalog/agents/**/agent.yaml + JSON Schema
// validation pattern (read in full), adapted from a CLI validation command
// into a loader the Runner can resolve against directly. Schema validation
// uses github.com/santhosh-tekuri/jsonschema/v6, the same library
// cli_catalog.py defers to (there, optionally, via `pip install jsonschema`;
// here it's an always-available dependency rather than an optional extra).
package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Kind is the agent class a Descriptor belongs to.
type Kind string

const (
	KindMAG Kind = "mag"
	KindSAG Kind = "sag"
)

// Entrypoint is a SAG's executable unit: input in, output out. MAGs have no
// Entrypoint — their execution is the Runner's generic orchestration
// pattern, not per-agent code.
type Entrypoint func(ctx context.Context, input map[string]any) (map[string]any, error)

// Descriptor is one catalog entry.
type Descriptor struct {
	Slug       string
	Kind       Kind
	Name       string
	Version    string
	Entrypoint Entrypoint     // required when Kind == KindSAG, nil for KindMAG
	Metadata   map[string]any // e.g. {"default_sag": "...", "task_type": "..."}
}

func (d Descriptor) validate() error {
	if d.Slug == "" {
		return fmt.Errorf("catalog: descriptor has no slug")
	}
	if d.Kind != KindMAG && d.Kind != KindSAG {
		return fmt.Errorf("catalog: descriptor %s has unknown kind %q", d.Slug, d.Kind)
	}
	if d.Kind == KindSAG && d.Entrypoint == nil {
		return fmt.Errorf("catalog: sag descriptor %s has no entrypoint", d.Slug)
	}
	return nil
}

// Catalog resolves a slug to the Descriptor the Runner should execute.
type Catalog interface {
	Resolve(slug string) (Descriptor, bool)
}

// InMemoryCatalog is the default Catalog: a registered, process-local set of
// Descriptors. Production deployments load metadata from YAML via
// LoadYAMLDescriptors and attach Entrypoints programmatically (Go has no
// analogue of importing an arbitrary Python module by catalog path), then
// Register the merged Descriptor here.
type InMemoryCatalog struct {
	mu     sync.RWMutex
	agents map[string]Descriptor
}

// NewInMemoryCatalog returns an empty catalog.
func NewInMemoryCatalog() *InMemoryCatalog {
	return &InMemoryCatalog{agents: make(map[string]Descriptor)}
}

// Register validates and adds d, overwriting any existing entry with the
// same slug.
func (c *InMemoryCatalog) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[d.Slug] = d
	return nil
}

// Resolve implements Catalog.
func (c *InMemoryCatalog) Resolve(slug string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.agents[slug]
	return d, ok
}

// List returns every registered Descriptor, ordered by slug.
func (c *InMemoryCatalog) List() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Descriptor, 0, len(c.agents))
	for _, d := range c.agents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// yamlAgent mirrors the fields of a catalog/agents/**/agent.yaml document
// that matter for resolution. Only the document's own `metadata` mapping is
// carried into Descriptor.Metadata; other top-level fields (owner,
// description, tags, ...) are not decoded.
type yamlAgent struct {
	Slug     string         `yaml:"slug"`
	Kind     string         `yaml:"kind"`
	Name     string         `yaml:"name"`
	Version  string         `yaml:"version"`
	Metadata map[string]any `yaml:"metadata"`
}

// LoadYAMLDescriptors walks dir for agent.yaml files (mirroring
// cli_catalog.py's `catalog_dir.glob("agents/**/*.yaml")` restricted to
// files named agent.yaml), validating each against schemaPath when
// schemaPath is non-empty, and returns the decoded Descriptors. Returned
// Descriptors never carry an Entrypoint — SAG entries must have their
// Entrypoint field set by the caller before Register.
func LoadYAMLDescriptors(dir, schemaPath string) ([]Descriptor, error) {
	var schema *jsonschema.Schema
	if schemaPath != "" {
		compiled, err := compileSchema(schemaPath)
		if err != nil {
			return nil, fmt.Errorf("catalog: compile schema: %w", err)
		}
		schema = compiled
	}

	var out []Descriptor
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "agent.yaml" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("catalog: read %s: %w", path, err)
		}

		if schema != nil {
			var instance any
			if err := yaml.Unmarshal(data, &instance); err != nil {
				return fmt.Errorf("catalog: parse %s: %w", path, err)
			}
			if err := schema.Validate(instance); err != nil {
				return fmt.Errorf("catalog: %s failed schema validation: %w", path, err)
			}
		}

		var doc yamlAgent
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("catalog: decode %s: %w", path, err)
		}
		out = append(out, Descriptor{
			Slug: doc.Slug, Kind: Kind(doc.Kind), Name: doc.Name,
			Version: doc.Version, Metadata: doc.Metadata,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// compileSchema compiles the JSON Schema at path. jsonschema/v6's default
// loader resolves plain filesystem paths directly, the same way
// cli_catalog.py's jsonschema.validate reads schema.json straight off disk.
func compileSchema(path string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	return c.Compile(path)
}

