package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-quiver/internal/catalog"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// mockModulus bounds every value the mock emits so it stays exact in fp16.
const mockModulus = 2039

// mockCacheLen is the cache length when a component declares no mask.
const mockCacheLen = 4096

// MockEngine runs the graphs declared in a tensor sidecar with a small
// deterministic arithmetic model instead of a neural network:
//
//   - embeddings: row s of the hidden state carries the token id in feature 0.
//   - ffn: each non-pad row writes feature 0 into the KV slot of its position
//     in the cache of the artifact's chunk, then emits the position-weighted
//     sum of every slot its mask row attends to. Attending an unwritten slot
//     fails the call.
//   - lm_head: one-hot logits at feature 0 of row 0, split across the
//     declared shards.
//
// Inputs must match the declared tensors exactly; names in Lenient may also
// arrive as length-1 vectors.
type MockEngine struct {
	mu      sync.Mutex
	cat     *catalog.Catalog
	names   model.TensorNames
	Lenient []string

	failures   map[string]error
	failCreate error
	calls      map[string]int
	shapes     map[string][]int
	states     map[string]*mockState
	closed     bool
}

type mockComponent struct {
	path     string
	function string
	inputs   map[string]tensor.Spec
	outputs  map[string]tensor.Spec
	closed   bool
}

func (c *mockComponent) Path() string     { return c.path }
func (c *mockComponent) Function() string { return c.function }
func (c *mockComponent) Close() error {
	c.closed = true
	return nil
}

type mockState struct {
	id       string
	owner    string
	kv       map[string]*kvCache
	released bool
}

func (s *mockState) ID() string { return s.id }

func NewMock(cat *catalog.Catalog, names model.TensorNames) *MockEngine {
	return &MockEngine{
		cat:      cat,
		names:    names,
		Lenient:  []string{names.PositionIDs},
		failures: make(map[string]error),
		calls:    make(map[string]int),
		shapes:   make(map[string][]int),
		states:   make(map[string]*mockState),
	}
}

func callKey(path, fn string) string { return path + "#" + fn }

var chunkMarker = regexp.MustCompile(`_chunk_\d+of\d+`)

// kvKey names the layer block an artifact computes. Prefill and infer
// artifacts of the same chunk share one cache.
func kvKey(path string) string {
	if m := chunkMarker.FindString(filepath.Base(path)); m != "" {
		return m
	}
	return "layers"
}

// FailOn makes every Run of path/fn return err.
func (m *MockEngine) FailOn(path, fn string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[callKey(path, fn)] = err
}

// FailCreateState makes CreateState fail with err.
func (m *MockEngine) FailCreateState(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreate = err
}

// Calls returns the number of Run calls made on path/fn.
func (m *MockEngine) Calls(path, fn string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[callKey(path, fn)]
}

// InputShape is the shape of the named input on the last accepted Run of
// path/fn, or nil.
func (m *MockEngine) InputShape(path, fn, name string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shapes[callKey(path, fn)+"/"+name]
}

// LiveStates returns the number of created, unreleased states.
func (m *MockEngine) LiveStates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// Written returns the number of KV slots path has written in s.
func (m *MockEngine) Written(s State, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := s.(*mockState)
	if !ok {
		return 0
	}
	if c := ms.kv[kvKey(path)]; c != nil {
		return c.Size()
	}
	return 0
}

func (m *MockEngine) LoadComponent(ctx context.Context, path, function string) (Component, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("mock engine closed")
	}
	if err, ok := m.failures[callKey(path, "load")]; ok {
		return nil, err
	}
	in, out, ok := m.cat.Tensors(path, function)
	if !ok {
		return nil, fmt.Errorf("%s: no function %q (declared %v)", path, function, m.cat.Functions(path))
	}
	return &mockComponent{path: path, function: function, inputs: in, outputs: out}, nil
}

func (m *MockEngine) CreateState(ctx context.Context, c Component) (State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return nil, &StateCreationError{Path: c.Path(), Err: m.failCreate}
	}
	s := &mockState{id: uuid.NewString(), owner: c.Path(), kv: make(map[string]*kvCache)}
	m.states[s.id] = s
	return s, nil
}

func (m *MockEngine) ReleaseState(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := s.(*mockState)
	if !ok || ms.released {
		return fmt.Errorf("release of unknown or released state")
	}
	ms.released = true
	delete(m.states, ms.id)
	return nil
}

func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.states {
		s.released = true
		delete(m.states, id)
	}
	m.closed = true
	return nil
}

func (m *MockEngine) Run(ctx context.Context, c Component, inputs tensor.Map, s State) (tensor.Map, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	comp, ok := c.(*mockComponent)
	if !ok || comp.closed {
		return nil, fmt.Errorf("run of unknown or closed component")
	}
	m.calls[callKey(comp.path, comp.function)]++
	if err, ok := m.failures[callKey(comp.path, comp.function)]; ok {
		return nil, err
	}
	if err := m.checkInputs(comp, inputs); err != nil {
		return nil, err
	}
	for name, t := range inputs {
		m.shapes[callKey(comp.path, comp.function)+"/"+name] = slices.Clone(t.Shape)
	}

	_, isEmbed := comp.inputs[m.names.InputIDs]
	_, hasPos := comp.inputs[m.names.PositionIDs]
	_, hasMask := comp.inputs[m.names.CausalMask]
	switch {
	case isEmbed:
		return m.embed(comp, inputs)
	case hasPos || hasMask:
		ms, ok := s.(*mockState)
		if !ok || ms == nil {
			return nil, fmt.Errorf("%s: stateful component run without state", comp.path)
		}
		if ms.released {
			return nil, fmt.Errorf("%s: run with released state %s", comp.path, ms.id)
		}
		return m.ffn(comp, inputs, ms)
	default:
		return m.head(comp, inputs)
	}
}

func (m *MockEngine) checkInputs(comp *mockComponent, inputs tensor.Map) error {
	for name := range inputs {
		if _, ok := comp.inputs[name]; !ok {
			return fmt.Errorf("%s: unexpected input %q", comp.path, name)
		}
	}
	for name, want := range comp.inputs {
		got, ok := inputs[name]
		if !ok {
			return fmt.Errorf("%s: missing input %q", comp.path, name)
		}
		if err := got.Validate(); err != nil {
			return fmt.Errorf("%s: %w", comp.path, err)
		}
		if got.DType != want.DType {
			return fmt.Errorf("%s: input %q is %s, declared %s", comp.path, name, got.DType, want.DType)
		}
		if slices.Equal(got.Shape, want.Shape) {
			continue
		}
		if slices.Contains(m.Lenient, name) && len(got.Shape) == 1 && got.Shape[0] == 1 {
			continue
		}
		return &tensor.ShapeMismatchError{Tensor: name, Expected: want.Shape, Actual: got.Shape, Reason: "engine rejected input"}
	}
	return nil
}

func (m *MockEngine) output(comp *mockComponent, name string, rows [][]float32) (*tensor.Tensor, error) {
	spec, ok := comp.outputs[name]
	if !ok {
		return nil, fmt.Errorf("%s: output %q not declared", comp.path, name)
	}
	out := tensor.Full(spec, 0)
	dst := out.Rows()
	for i := range min(len(dst), len(rows)) {
		copy(dst[i], rows[i])
	}
	for i, v := range out.Float {
		out.Float[i] = spec.DType.Round(v)
	}
	return out, nil
}

func (m *MockEngine) embed(comp *mockComponent, inputs tensor.Map) (tensor.Map, error) {
	ids := inputs[m.names.InputIDs]
	spec, ok := comp.outputs[m.names.HiddenStates]
	if !ok {
		return nil, fmt.Errorf("%s: output %q not declared", comp.path, m.names.HiddenStates)
	}
	h := spec.Dim(-1)
	rows := make([][]float32, len(ids.Int32))
	for i, id := range ids.Int32 {
		rows[i] = make([]float32, h)
		rows[i][0] = float32(id)
	}
	out, err := m.output(comp, m.names.HiddenStates, rows)
	if err != nil {
		return nil, err
	}
	return tensor.Map{m.names.HiddenStates: out}, nil
}

func masked(v float32) bool { return v <= -1e4 }

func (m *MockEngine) ffn(comp *mockComponent, inputs tensor.Map, s *mockState) (tensor.Map, error) {
	hidden := inputs[m.names.HiddenStates].Rows()
	pos := inputs[m.names.PositionIDs]
	cur := inputs[m.names.CurrentPos]
	var mask [][]float32
	keys := mockCacheLen
	if mt, ok := inputs[m.names.CausalMask]; ok {
		mask = mt.Rows()
		keys = mt.Shape[3]
	}

	cache := s.kv[kvKey(comp.path)]
	if cache == nil {
		cache = newKVCache(keys)
		s.kv[kvKey(comp.path)] = cache
	}

	type row struct{ q, p int }
	var live []row
	for q := range hidden {
		p := q
		switch {
		case pos != nil && len(pos.Int32) == len(hidden):
			p = int(pos.Int32[q])
		case pos != nil && len(pos.Int32) == 1:
			p = int(pos.Int32[0]) + q
		case cur != nil:
			p = int(cur.Int32[0]) + q
		}
		if p < 0 {
			continue
		}
		if mask != nil && q < len(mask) && !slices.ContainsFunc(mask[q], func(v float32) bool { return !masked(v) }) {
			continue
		}
		live = append(live, row{q, p})
	}
	if cur != nil && len(live) > 0 && int(cur.Int32[0]) != live[0].p {
		return nil, fmt.Errorf("%s: current_pos %d disagrees with first position %d", comp.path, cur.Int32[0], live[0].p)
	}

	for _, r := range live {
		if err := cache.Update(r.p, hidden[r.q][0]); err != nil {
			return nil, fmt.Errorf("%s: %w", comp.path, err)
		}
	}
	out := make([][]float32, len(hidden))
	for i := range out {
		out[i] = make([]float32, len(hidden[i]))
	}
	for _, r := range live {
		acc := 0.0
		for k := range keys {
			attend := k <= r.p
			if mask != nil {
				attend = !masked(mask[r.q][k])
			}
			if !attend {
				continue
			}
			v, err := cache.Get(k)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", comp.path, err)
			}
			acc += float64(v) * float64(k+1)
		}
		out[r.q][0] = float32(math.Mod(acc, mockModulus))
	}

	name := m.names.OutputHidden
	if _, ok := comp.outputs[name]; !ok {
		name = m.names.HiddenStates
	}
	t, err := m.output(comp, name, out)
	if err != nil {
		return nil, err
	}
	return tensor.Map{name: t}, nil
}

func (m *MockEngine) head(comp *mockComponent, inputs tensor.Map) (tensor.Map, error) {
	rows := inputs[m.names.HiddenStates].Rows()
	shards := model.ComponentSpec{Outputs: comp.outputs}.LogitOutputs(m.names.LogitsPrefix)
	if len(shards) == 0 {
		return nil, fmt.Errorf("%s: no logits outputs declared", comp.path)
	}
	vocab := 0
	for _, s := range shards {
		vocab += s.Dim(-1)
	}
	target := int(math.Round(float64(rows[0][0]))) % vocab
	second := (target + 1) % vocab

	out := tensor.Map{}
	offset := 0
	for _, s := range shards {
		w := s.Dim(-1)
		logits := make([]float32, w)
		if target >= offset && target < offset+w {
			logits[target-offset] = 10
		}
		if second >= offset && second < offset+w {
			logits[second-offset] = 5
		}
		t, err := m.output(comp, s.Name, [][]float32{logits})
		if err != nil {
			return nil, err
		}
		out[s.Name] = t
		offset += w
	}
	return out, nil
}
