// Package rmemory implements the Memory Orchestrator: the narrow layer
// that guarantees every tensor the interpreter touches lives on the
// device the callee expects, migrating it there when it doesn't. The
// allocators themselves, and the kernels that actually move bytes
// between real devices, are external collaborators (§1); this package
// only defines the interface they must satisfy and the orchestration
// logic that calls them.
package rmemory

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"relaxvm/internal/rtensor"
	"relaxvm/internal/rvalue"
)

// Allocator is the narrow interface an out-of-scope tensor-memory
// allocator must expose: empty-tensor construction on one device, and
// enough to copy bytes into it. Pool/arena strategy is entirely up to
// the implementation.
type Allocator interface {
	Empty(shape []int64, dtype rtensor.DType, device rtensor.Device) (*rtensor.Tensor, error)
}

// Manager is the process-wide memory manager: it hands out allocators
// keyed by (device, kind), owns them, and is shared (by reference,
// never by value) across every VM instance that requests from it.
type Manager struct {
	mu         sync.Mutex
	allocators map[key]Allocator
	factories  map[string]func() Allocator
}

type key struct {
	device rtensor.Device
	kind   string
}

// NewManager constructs an empty process-wide manager.
func NewManager() *Manager {
	return &Manager{
		allocators: make(map[key]Allocator),
		factories:  make(map[string]func() Allocator),
	}
}

// RegisterKind installs a factory for an allocator kind (e.g. "naive",
// "pooled"); Acquire lazily instantiates one per distinct device the
// first time it's requested.
func (m *Manager) RegisterKind(kind string, factory func() Allocator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[kind] = factory
}

// Acquire returns the allocator for (device, kind), creating it via the
// registered factory on first use.
func (m *Manager) Acquire(device rtensor.Device, kind string) (Allocator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{device: device, kind: kind}
	if a, ok := m.allocators[k]; ok {
		return a, nil
	}
	factory, ok := m.factories[kind]
	if !ok {
		return nil, fmt.Errorf("rmemory: unknown allocator kind %q", kind)
	}
	a := factory()
	m.allocators[k] = a
	return a, nil
}

// Orchestrator performs the device-migration logic of §4.1 against one
// Manager. It holds no VM state of its own; every VM instance owns one
// Orchestrator bound to its own allocator set.
type Orchestrator struct {
	mgr *Manager
}

func NewOrchestrator(mgr *Manager) *Orchestrator { return &Orchestrator{mgr: mgr} }

// copyTensor allocates a fresh tensor on target via alloc and copies src's
// bytes into it. Real device backends would issue an async
// host<->device or device<->device transfer here; the bytewise copy is
// the host-visible stand-in this module is allowed to assume (kernel
// libraries are an out-of-scope collaborator per §1).
func copyTensor(src *rtensor.Tensor, target rtensor.Device, alloc Allocator) (*rtensor.Tensor, error) {
	dst, err := alloc.Empty(src.Shape(), src.DType(), target)
	if err != nil {
		return nil, fmt.Errorf("rmemory: allocate on %s: %w", target, err)
	}
	copy(dst.Buffer().Bytes(), src.Buffer().Bytes())
	return dst, nil
}

// ConvertArgToDevice implements convert_arg_to_device: external raw
// tensor views are always deep-copied into a freshly allocated tensor
// (never aliased — their lifetime is unknown to the VM); managed
// tensors on a different device are copied; ordered lists recurse
// element-wise; everything else passes through unchanged.
func (o *Orchestrator) ConvertArgToDevice(v rvalue.Value, target rtensor.Device, alloc Allocator) (rvalue.Value, error) {
	switch v.Code() {
	case rvalue.CodeExternalTensorView:
		view := v.ExternalTensor()
		dst, err := alloc.Empty(view.Shape, view.DType, target)
		if err != nil {
			return rvalue.Value{}, fmt.Errorf("rmemory: materialize external view on %s: %w", target, err)
		}
		copy(dst.Buffer().Bytes(), view.Data)
		return rvalue.Tensor(dst), nil
	case rvalue.CodeTensor:
		t := v.Tensor()
		if t.Device().Equal(target) {
			return v, nil
		}
		dst, err := copyTensor(t, target, alloc)
		if err != nil {
			return rvalue.Value{}, err
		}
		return rvalue.Tensor(dst), nil
	case rvalue.CodeList:
		items := v.List()
		out := make([]rvalue.Value, len(items))
		for i, item := range items {
			conv, err := o.ConvertArgToDevice(item, target, alloc)
			if err != nil {
				return rvalue.Value{}, err
			}
			out[i] = conv
		}
		return rvalue.List(out), nil
	default:
		return v, nil
	}
}

// ConvertRegToDevice implements convert_reg_to_device: identical to
// ConvertArgToDevice except it assumes every tensor it sees is already
// managed — registers never hold a raw external view by invariant, so
// there is no raw-view branch to force a copy through.
func (o *Orchestrator) ConvertRegToDevice(v rvalue.Value, target rtensor.Device, alloc Allocator) (rvalue.Value, error) {
	switch v.Code() {
	case rvalue.CodeTensor:
		t := v.Tensor()
		if t.Device().Equal(target) {
			return v, nil
		}
		dst, err := copyTensor(t, target, alloc)
		if err != nil {
			return rvalue.Value{}, err
		}
		return rvalue.Tensor(dst), nil
	case rvalue.CodeList:
		items := v.List()
		out := make([]rvalue.Value, len(items))
		for i, item := range items {
			conv, err := o.ConvertRegToDevice(item, target, alloc)
			if err != nil {
				return rvalue.Value{}, err
			}
			out[i] = conv
		}
		return rvalue.List(out), nil
	default:
		return v, nil
	}
}

// LogAllocation is a debug helper that formats a tensor together with
// its human-scaled byte count; humanize gives the same kind of count the
// teacher logs for other subsystems' sizes. Nothing in the VM calls it.
func LogAllocation(label string, t *rtensor.Tensor) string {
	return fmt.Sprintf("%s: %s (%s)", label, t, humanize.Bytes(uint64(t.NumBytes())))
}
