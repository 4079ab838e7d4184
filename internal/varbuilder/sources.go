package varbuilder

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/born-ml/tensorcore/internal/safetensors"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// MapSource serves tensors from memory.
type MapSource map[string]*tensor.Tensor

// Get implements Source. init is ignored.
func (m MapSource) Get(shape tensor.Shape, name string, _ Init, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	t, err := m.GetUnchecked(name, dtype, b)
	return checked(shape, name, t, err)
}

// GetUnchecked implements Source.
func (m MapSource) GetUnchecked(name string, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	t, ok := m[name]
	if !ok {
		return nil, notFound(name)
	}
	return convert(t, dtype, b)
}

// Contains implements Source.
func (m MapSource) Contains(name string) bool {
	_, ok := m[name]
	return ok
}

// VarMap holds trainable Variables, creating each on its first Get.
// It is safe for concurrent use.
type VarMap struct {
	mu   sync.Mutex
	vars map[string]*tensor.Tensor
	rng  *rand.Rand
}

// NewVarMap returns an empty VarMap with a randomly seeded generator.
func NewVarMap() *VarMap {
	return NewVarMapSeeded(rand.Uint64()) //nolint:gosec // weight init, not security
}

// NewVarMapSeeded returns an empty VarMap whose random initializers are
// reproducible for a given seed.
func NewVarMapSeeded(seed uint64) *VarMap {
	return &VarMap{
		vars: make(map[string]*tensor.Tensor),
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), //nolint:gosec // weight init, not security
	}
}

// Get implements Source. An existing variable is returned as is when its
// dtype and device match; otherwise a converted, untracked copy is returned.
func (vm *VarMap) Get(shape tensor.Shape, name string, init Init, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if v, ok := vm.vars[name]; ok {
		t, err := convert(v, dtype, b)
		return checked(shape, name, t, err)
	}
	t, err := init.build(shape, dtype, b, vm.rng)
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", name, err)
	}
	v, err := tensor.NewVar(t)
	if err != nil {
		return nil, err
	}
	vm.vars[name] = v
	return v, nil
}

// GetUnchecked implements Source. Only existing variables are returned.
func (vm *VarMap) GetUnchecked(name string, dtype tensor.DType, b tensor.Backend) (*tensor.Tensor, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	v, ok := vm.vars[name]
	if !ok {
		return nil, notFound(name)
	}
	return convert(v, dtype, b)
}

// Contains implements Source.
func (vm *VarMap) Contains(name string) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	_, ok := vm.vars[name]
	return ok
}

// Names returns the variable names in sorted order.
func (vm *VarMap) Names() []string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return slices.Sorted(maps.Keys(vm.vars))
}

// Vars returns the variables in name order.
func (vm *VarMap) Vars() []*tensor.Tensor {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]*tensor.Tensor, 0, len(vm.vars))
	for _, name := range slices.Sorted(maps.Keys(vm.vars)) {
		out = append(out, vm.vars[name])
	}
	return out
}

// Save writes every variable to a safetensors file.
func (vm *VarMap) Save(path string) error {
	vm.mu.Lock()
	snapshot := maps.Clone(vm.vars)
	vm.mu.Unlock()
	return safetensors.WriteFile(path, snapshot, nil)
}

// Load overwrites every variable with the tensor of the same name in the
// safetensors file at path. Every variable must be present in the file.
func (vm *VarMap) Load(path string) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, name := range slices.Sorted(maps.Keys(vm.vars)) {
		v := vm.vars[name]
		t, err := f.Tensor(name, v.Backend())
		if err != nil {
			return fmt.Errorf("varmap: %w", err)
		}
		if !t.Shape().Equal(v.Shape()) {
			return tensor.ShapeMismatchErrorf("varmap", "%s has shape %v in %s, variable has %v", name, t.Shape(), path, v.Shape())
		}
		if t, err = t.ToDType(v.DType()); err != nil {
			return fmt.Errorf("varmap: %s: %w", name, err)
		}
		if err := v.Assign(t); err != nil {
			return fmt.Errorf("varmap: %s: %w", name, err)
		}
	}
	return nil
}
