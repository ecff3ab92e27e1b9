// Package definition loads workflow definitions from YAML and PlantUML
// activity diagrams, validates their graph invariants, and provides a
// fast-lookup registry with atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/waypoint/model"
)

// Loader scans directories for definition files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

func supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".puml", ".plantuml":
		return true
	}
	return false
}

// LoadAll recursively scans directories for *.yaml, *.yml and *.puml files.
// Results are ordered by definition ID.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !supported(path) {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	sort.SliceStable(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// LoadFile loads and parses a single definition file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var def model.WorkflowDefinition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".puml", ".plantuml":
		def, err = fromDiagram(string(data), strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	default:
		def, err = fromYAML(data)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = path
	return def, nil
}

// Parse builds a definition from YAML bytes.
func Parse(data []byte) (model.WorkflowDefinition, error) {
	def, err := fromYAML(data)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return def, nil
}

func fromYAML(data []byte) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.WorkflowDefinition{}, err
	}
	if def.Diagram == "" {
		return def, nil
	}
	if len(def.Nodes) > 0 || len(def.Edges) > 0 {
		return model.WorkflowDefinition{}, fmt.Errorf("definition %q declares both diagram and nodes", def.ID)
	}
	d, err := ParseDiagram(def.Diagram)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("diagram: %w", err)
	}
	def.Nodes, def.Edges = d.Nodes, d.Edges
	if def.Name == "" {
		def.Name = d.Title
	}
	return def, nil
}

func fromDiagram(src, id string) (model.WorkflowDefinition, error) {
	d, err := ParseDiagram(src)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	name := d.Title
	if name == "" {
		name = id
	}
	return model.WorkflowDefinition{
		ID:      id,
		Name:    name,
		Diagram: src,
		Nodes:   d.Nodes,
		Edges:   d.Edges,
	}, nil
}

// Describe renders a definition's graph as stable, line-oriented text.
func Describe(def model.WorkflowDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow %s %q\n", def.ID, def.Name)
	for _, n := range def.Nodes {
		if n.Text != "" {
			fmt.Fprintf(&b, "node %s %s %q\n", n.ID, n.Kind, n.Text)
		} else {
			fmt.Fprintf(&b, "node %s %s\n", n.ID, n.Kind)
		}
		if n.Action != nil {
			fmt.Fprintf(&b, "  action %s", n.Action.Name)
			keys := make([]string, 0, len(n.Action.Params))
			for k := range n.Action.Params {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%q", k, n.Action.Params[k])
			}
			b.WriteString("\n")
		}
	}
	for _, e := range def.Edges {
		if e.Label != "" {
			fmt.Fprintf(&b, "edge %s -> %s [%s]\n", e.From, e.To, e.Label)
		} else {
			fmt.Fprintf(&b, "edge %s -> %s\n", e.From, e.To)
		}
	}
	return b.String()
}
