// Package catalog parses the declared tensor contracts of every compiled
// artifact in a model directory into model.ComponentSpec values.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// ShapesFile is the sidecar that declares tensors per artifact.
const ShapesFile = "shapes.json"

type TensorDecl struct {
	Shape []int        `json:"shape"`
	DType tensor.DType `json:"dtype"`
}

type FunctionDecl struct {
	Inputs     map[string]TensorDecl `json:"inputs"`
	Outputs    map[string]TensorDecl `json:"outputs"`
	InputOrder []string              `json:"input_order,omitempty"`
}

// ArtifactDecl declares either a single default function (top-level inputs
// and outputs) or several named functions.
type ArtifactDecl struct {
	FunctionDecl
	Functions map[string]FunctionDecl `json:"functions,omitempty"`
}

type Sidecar struct {
	Components map[string]ArtifactDecl `json:"components"`
}

type function struct {
	inputs  map[string]tensor.Spec
	outputs map[string]tensor.Spec
	order   []string
}

type artifact struct {
	name      string
	functions map[string]function
}

// Catalog is the parsed, validated sidecar. It is read-only after Parse.
type Catalog struct {
	artifacts map[string]*artifact
	stems     map[string]*artifact
}

// Load reads dir/shapes.json.
func Load(dir string) (*Catalog, error) {
	data, err := os.ReadFile(filepath.Join(dir, ShapesFile))
	if err != nil {
		return nil, fmt.Errorf("read tensor sidecar: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse tensor sidecar: %w", err)
	}
	if len(sc.Components) == 0 {
		return nil, fmt.Errorf("tensor sidecar declares no components")
	}

	c := &Catalog{
		artifacts: make(map[string]*artifact, len(sc.Components)),
		stems:     make(map[string]*artifact, len(sc.Components)),
	}
	for name, decl := range sc.Components {
		a := &artifact{name: name, functions: make(map[string]function)}
		if len(decl.Functions) > 0 {
			for fn, fd := range decl.Functions {
				f, err := buildFunction(name, fn, fd)
				if err != nil {
					return nil, err
				}
				a.functions[fn] = f
			}
		} else {
			f, err := buildFunction(name, "", decl.FunctionDecl)
			if err != nil {
				return nil, err
			}
			a.functions[""] = f
		}
		c.artifacts[name] = a
		c.stems[stem(name)] = a
	}
	return c, nil
}

func buildFunction(artifact, fn string, fd FunctionDecl) (function, error) {
	where := artifact
	if fn != "" {
		where = artifact + ":" + fn
	}
	if len(fd.Inputs) == 0 {
		return function{}, fmt.Errorf("%s: no inputs declared", where)
	}
	f := function{
		inputs:  make(map[string]tensor.Spec, len(fd.Inputs)),
		outputs: make(map[string]tensor.Spec, len(fd.Outputs)),
		order:   fd.InputOrder,
	}
	for name, td := range fd.Inputs {
		s, err := tensor.NewSpec(name, td.DType, td.Shape...)
		if err != nil {
			return function{}, fmt.Errorf("%s input: %w", where, err)
		}
		f.inputs[name] = s
	}
	for name, td := range fd.Outputs {
		s, err := tensor.NewSpec(name, td.DType, td.Shape...)
		if err != nil {
			return function{}, fmt.Errorf("%s output: %w", where, err)
		}
		f.outputs[name] = s
	}
	for _, name := range fd.InputOrder {
		if _, ok := f.inputs[name]; !ok {
			return function{}, fmt.Errorf("%s: input_order names undeclared input %q", where, name)
		}
	}
	return f, nil
}

// lookup matches an artifact path by base name, then by base name without
// extension, so one declaration covers both compiled and source packages.
func (c *Catalog) lookup(path string) (*artifact, bool) {
	base := filepath.Base(path)
	if a, ok := c.artifacts[base]; ok {
		return a, true
	}
	a, ok := c.stems[stem(base)]
	return a, ok
}

// Functions returns the sorted function names an artifact declares; a
// single-function artifact returns nil.
func (c *Catalog) Functions(path string) []string {
	a, ok := c.lookup(path)
	if !ok {
		return nil
	}
	var fns []string
	for fn := range a.functions {
		if fn != "" {
			fns = append(fns, fn)
		}
	}
	sort.Strings(fns)
	return fns
}

// Has reports whether the artifact is declared at all.
func (c *Catalog) Has(path string) bool {
	_, ok := c.lookup(path)
	return ok
}

// Tensors returns the declared inputs and outputs of one function.
func (c *Catalog) Tensors(path, fn string) (inputs, outputs map[string]tensor.Spec, ok bool) {
	a, ok := c.lookup(path)
	if !ok {
		return nil, nil, false
	}
	f, ok := a.functions[fn]
	if !ok {
		return nil, nil, false
	}
	return f.inputs, f.outputs, true
}

// Component builds the spec of one role served by the artifact at path.
// An empty fn selects the single default function; if the artifact only has
// named functions, fn must name one of them.
func (c *Catalog) Component(role model.Role, path, fn string, chunk int) (model.ComponentSpec, error) {
	a, ok := c.lookup(path)
	if !ok {
		return model.ComponentSpec{}, fmt.Errorf("%s: no tensor declaration for %s", role, filepath.Base(path))
	}
	f, ok := a.functions[fn]
	if !ok {
		return model.ComponentSpec{}, fmt.Errorf("%s: %s does not declare function %q (has %v)", role, a.name, fn, c.Functions(path))
	}
	return model.ComponentSpec{
		Role:       role,
		Path:       path,
		Function:   fn,
		Chunk:      chunk,
		Inputs:     f.inputs,
		Outputs:    f.outputs,
		Functions:  c.Functions(path),
		InputOrder: f.order,
	}, nil
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
