// Package workflow loads pipeline definitions from YAML.
//
// A definition lists the tasks under "nodes" and, optionally, the output
// schemas they reference under "schemas":
//
//	nodes:
//	  - id: research
//	    fn: do_research
//	    complexity: 0.8
//	    description: Research the topic
//	  - id: spec
//	    fn: write_spec
//	    depends_on: [research]
//	    output_schema: spec
//	schemas:
//	  spec:
//	    fields:
//	      - {name: title, type: string, required: true}
package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/avi3tal/dagpipe/pkg/constrained"
	"github.com/avi3tal/dagpipe/pkg/pipeline"
	"github.com/avi3tal/dagpipe/pkg/router"
)

// MaxFileSize bounds the size of a definition file.
const MaxFileSize = 4 << 20

// ErrInvalidDefinition is returned for documents that parse but cannot be used.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

type nodeYAML struct {
	ID              string   `yaml:"id"`
	Fn              string   `yaml:"fn"`
	DependsOn       []string `yaml:"depends_on"`
	Complexity      *float64 `yaml:"complexity"`
	IsDeterministic bool     `yaml:"is_deterministic"`
	Description     string   `yaml:"description"`
	OutputSchema    string   `yaml:"output_schema"`
}

type schemaYAML struct {
	Description string              `yaml:"description"`
	Fields      []constrained.Field `yaml:"fields"`
}

type document struct {
	Nodes   []nodeYAML            `yaml:"nodes"`
	Schemas map[string]schemaYAML `yaml:"schemas"`
}

// Definition is a validated workflow document.
type Definition struct {
	tasks   []pipeline.Task
	schemas map[string]*constrained.Schema
	graph   *pipeline.Graph
}

// ParseOption configures Parse, Load and LoadFile.
type ParseOption func(*parseConfig)

type parseConfig struct {
	estimateComplexity bool
}

// WithComplexityEstimate scores tasks that omit complexity with
// router.ClassifyComplexity over their description instead of using
// pipeline.DefaultComplexity. Explicit values are kept.
func WithComplexityEstimate() ParseOption {
	return func(c *parseConfig) {
		c.estimateComplexity = true
	}
}

// LoadFile reads and validates a definition file.
func LoadFile(path string, opts ...ParseOption) (*Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "stat workflow file")
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", ErrInvalidDefinition, path, info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read workflow file")
	}
	def, err := Parse(data, opts...)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "load %s", path)
	}
	return def, nil
}

// Load reads and validates a definition.
func Load(r io.Reader, opts ...ParseOption) (*Definition, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read workflow")
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidDefinition, MaxFileSize)
	}
	return Parse(data, opts...)
}

// Parse decodes a YAML document. Unknown keys are rejected so that typos
// such as "depends-on" do not silently drop dependencies.
func Parse(data []byte, opts ...ParseOption) (*Definition, error) {
	var cfg parseConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
		}
		return nil, pkgerrors.Wrap(err, "decode workflow YAML")
	}
	if len(doc.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidDefinition)
	}

	def := &Definition{
		tasks:   make([]pipeline.Task, 0, len(doc.Nodes)),
		schemas: make(map[string]*constrained.Schema, len(doc.Schemas)),
	}
	for name, s := range doc.Schemas {
		schema := &constrained.Schema{Name: name, Description: s.Description, Fields: s.Fields}
		if err := schema.Check(); err != nil {
			return nil, pkgerrors.Wrapf(err, "schema %s", name)
		}
		def.schemas[name] = schema
	}

	for _, n := range doc.Nodes {
		complexity := pipeline.DefaultComplexity
		switch {
		case n.Complexity != nil:
			complexity = *n.Complexity
		case cfg.estimateComplexity:
			complexity = router.ClassifyComplexity(n.Description, router.EstimateTokens(n.Description))
		}
		t := pipeline.Task{
			ID:            n.ID,
			Function:      n.Fn,
			DependsOn:     n.DependsOn,
			Complexity:    complexity,
			Deterministic: n.IsDeterministic,
			Description:   n.Description,
			OutputSchema:  n.OutputSchema,
		}
		if t.OutputSchema != "" {
			if _, ok := def.schemas[t.OutputSchema]; !ok {
				return nil, fmt.Errorf("%w: task %q references %q", pipeline.ErrUnknownSchema, t.ID, t.OutputSchema)
			}
		}
		def.tasks = append(def.tasks, t)
	}

	g, err := pipeline.NewGraph(def.tasks)
	if err != nil {
		return nil, err
	}
	def.graph = g
	return def, nil
}

// Tasks returns the tasks in document order.
func (d *Definition) Tasks() []pipeline.Task {
	return append([]pipeline.Task(nil), d.tasks...)
}

// Schemas returns the declared schemas by name.
func (d *Definition) Schemas() map[string]*constrained.Schema {
	out := make(map[string]*constrained.Schema, len(d.schemas))
	for k, v := range d.schemas {
		out[k] = v
	}
	return out
}

// SchemaNames returns the declared schema names, sorted.
func (d *Definition) SchemaNames() []string {
	names := make([]string, 0, len(d.schemas))
	for name := range d.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Graph returns the validated task graph.
func (d *Definition) Graph() *pipeline.Graph {
	return d.graph
}

// Functions returns the distinct function names the definition needs, sorted.
func (d *Definition) Functions() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range d.tasks {
		if !seen[t.Function] {
			seen[t.Function] = true
			out = append(out, t.Function)
		}
	}
	sort.Strings(out)
	return out
}

// Pipeline binds the definition to handlers. The declared schemas are
// registered before opts are applied.
func (d *Definition) Pipeline(registry pipeline.Registry, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	all := append([]pipeline.Option{pipeline.WithSchemas(d.schemas)}, opts...)
	return pipeline.New(d.tasks, registry, all...)
}
