// Package rvm assembles the Memory Orchestrator, function pool,
// interpreter, stateful-inference state and segment runner behind the
// module operation table described in §6: the single object a host
// binding talks to.
package rvm

import (
	"log"

	"relaxvm/internal/rclosure"
	"relaxvm/internal/rerrors"
	"relaxvm/internal/rexec"
	"relaxvm/internal/rframe"
	"relaxvm/internal/rinterp"
	"relaxvm/internal/rmemory"
	"relaxvm/internal/rsegment"
	"relaxvm/internal/rstateful"
	"relaxvm/internal/rstore"
	"relaxvm/internal/rtensor"
	"relaxvm/internal/rvalue"
)

// DeviceSpec is one (device_kind, device_id, alloc_kind) triple as
// passed to vm_initialization.
type DeviceSpec struct {
	Kind      rtensor.DeviceKind
	ID        int32
	AllocKind string
}

// VirtualMachine is the facade. It implements rclosure.Host so a
// closure can recover it through the context-pointer value it hands
// out at construction time.
type VirtualMachine struct {
	exec       *rexec.Executable
	devices    []rtensor.Device
	allocators []rmemory.Allocator
	orch       *rmemory.Orchestrator

	consts   []rvalue.Value
	funcPool []any

	interp *rinterp.Interpreter
	saved  *rclosure.SavedTable
	errs   *rerrors.Channel
	ctx    rvalue.Value

	tirEntries map[string]rclosure.TIREntry

	store *rstore.Store

	Stateful *rstateful.State
	Segments *rsegment.Runner
}

// SetStore attaches an optional persistence ledger: once set,
// save_function calls are additionally recorded there so they survive a
// process restart. A VM with no store attached behaves identically,
// just without that durability (mirrors SetInstrument's nil-clears
// pattern).
func (vm *VirtualMachine) SetStore(store *rstore.Store) { vm.store = store }

// Init implements vm_initialization: acquires allocators, materializes
// the constant pool (migrating tensor constants to device[0]), and
// builds the function pool.
func Init(exec *rexec.Executable, mgr *rmemory.Manager, specs []DeviceSpec, entryFunc string, nativeRegistry map[string]rclosure.Callable, tirEntries map[string]rclosure.TIREntry) (*VirtualMachine, error) {
	if len(specs) == 0 {
		return nil, rerrors.New(rerrors.Arity, "vm_initialization requires at least one device")
	}

	vm := &VirtualMachine{exec: exec, tirEntries: tirEntries}
	vm.ctx = rvalue.Handle(rclosure.Host(vm))

	devices := make([]rtensor.Device, len(specs))
	allocators := make([]rmemory.Allocator, len(specs))
	for i, spec := range specs {
		dev := rtensor.Device{Kind: spec.Kind, ID: spec.ID}
		alloc, err := mgr.Acquire(dev, spec.AllocKind)
		if err != nil {
			return nil, err
		}
		devices[i] = dev
		allocators[i] = alloc
	}
	vm.devices = devices
	vm.allocators = allocators
	vm.orch = rmemory.NewOrchestrator(mgr)

	consts := make([]rvalue.Value, len(exec.Consts))
	for i, c := range exec.Consts {
		conv, err := vm.orch.ConvertArgToDevice(c, devices[0], allocators[0])
		if err != nil {
			return nil, err
		}
		consts[i] = conv
	}
	vm.consts = consts

	pool, err := rclosure.BuildFunctionPool(exec, nativeRegistry)
	if err != nil {
		return nil, err
	}
	vm.funcPool = pool

	vm.interp = &rinterp.Interpreter{
		Exec:     exec,
		FuncPool: pool,
		FreeList: &rframe.FreeList{},
		Ctx:      vm.ctx,
	}
	vm.saved = rclosure.NewSavedTable()
	vm.errs = &rerrors.Channel{}

	vm.Stateful = rstateful.New(vm.orch, devices[0], allocators[0], exec, vm.Resolve, vm.ctx)
	if entryFunc != "" {
		vm.Segments = rsegment.New(exec, entryFunc, pool, vm.ctx)
	}

	return vm, nil
}

// --- rclosure.Host ---

func (vm *VirtualMachine) RunBytecode(funcIdx int, args []rvalue.Value) (rvalue.Value, error) {
	ret, err := vm.interp.Run(funcIdx, args)
	if err != nil {
		if verr, ok := err.(*rerrors.VMError); ok {
			vm.errs.Set(verr.WithStack(vm.interp.StackTrace()))
		}
	}
	return ret, err
}

func (vm *VirtualMachine) TIREntry(symbol string) (rclosure.TIREntry, bool) {
	e, ok := vm.tirEntries[symbol]
	return e, ok
}

func (vm *VirtualMachine) Consts() []rvalue.Value { return vm.consts }
func (vm *VirtualMachine) FuncPool() []any        { return vm.funcPool }

// --- name resolution / invocation surface ---

// Resolve looks name up in the saved-closure table first, then the
// executable's function table, matching save_function's retrieval rule.
func (vm *VirtualMachine) Resolve(name string) (any, error) {
	if target, ok := vm.saved.Lookup(name); ok {
		return target, nil
	}
	idx := vm.exec.FuncByName(name)
	if idx < 0 {
		return nil, rerrors.New(rerrors.Lookup, "unknown function %q", name)
	}
	return vm.funcPool[idx], nil
}

// InvokeClosure implements invoke_closure: target is either a callable
// value already in hand or a name to resolve first.
func (vm *VirtualMachine) InvokeClosure(target any, args []rvalue.Value) (rvalue.Value, error) {
	if name, ok := target.(string); ok {
		resolved, err := vm.Resolve(name)
		if err != nil {
			return rvalue.Value{}, err
		}
		target = resolved
	}
	ret, err := rclosure.InvokePacked(vm.ctx, target, args)
	if err != nil {
		if verr, ok := err.(*rerrors.VMError); ok {
			vm.errs.Set(verr.WithStack(vm.interp.StackTrace()))
		}
		return rvalue.Value{}, err
	}
	return ret, nil
}

// SaveFunction implements save_function.
func (vm *VirtualMachine) SaveFunction(funcName, saveName string, includeReturn bool, boundArgs []rvalue.Value) error {
	target, err := vm.Resolve(funcName)
	if err != nil {
		return err
	}
	migrated := make([]rvalue.Value, len(boundArgs))
	for i, a := range boundArgs {
		conv, err := vm.orch.ConvertArgToDevice(a, vm.devices[0], vm.allocators[0])
		if err != nil {
			return err
		}
		migrated[i] = conv
	}
	wrapped, err := rclosure.BindLastArgs(target, migrated)
	if err != nil {
		return err
	}
	if !includeReturn {
		wrapped, err = rclosure.DiscardReturn(wrapped)
		if err != nil {
			return err
		}
	}
	vm.saved.Save(saveName, wrapped)

	if vm.store != nil {
		if err := vm.store.RecordSavedFunction(saveName, funcName, includeReturn, migrated); err != nil {
			log.Printf("warning: failed to record saved function %q: %v", saveName, err)
		}
	}
	return nil
}

// GetFunctionArity reads num_args from the function table.
func (vm *VirtualMachine) GetFunctionArity(funcName string) (int, error) {
	idx := vm.exec.FuncByName(funcName)
	if idx < 0 {
		return 0, rerrors.New(rerrors.Lookup, "unknown function %q", funcName)
	}
	return vm.exec.Funcs[idx].NumArgs, nil
}

// GetFunctionParamName reads a parameter name from the function table.
func (vm *VirtualMachine) GetFunctionParamName(funcName string, idx int) (string, error) {
	fidx := vm.exec.FuncByName(funcName)
	if fidx < 0 {
		return "", rerrors.New(rerrors.Lookup, "unknown function %q", funcName)
	}
	names := vm.exec.Funcs[fidx].ParamNames
	if idx < 0 || idx >= len(names) {
		return "", rerrors.New(rerrors.Bounds, "parameter index %d out of range for %q", idx, funcName)
	}
	return names[idx], nil
}

// SetInstrument installs target (a packed callable) as the
// instrumentation hook wrapped around every Call, per §4.5/§6.
func (vm *VirtualMachine) SetInstrument(target any) {
	if target == nil {
		vm.interp.Instrument = nil
		if vm.Segments != nil {
			vm.Segments.SetInstrument(nil)
		}
		return
	}
	hook := func(callable any, funcName string, before bool, ret rvalue.Value, args []rvalue.Value) int {
		packed := make([]rvalue.Value, 0, len(args)+4)
		packed = append(packed, rvalue.Callable(callable), rvalue.Str(funcName), rvalue.Bool(before), ret)
		packed = append(packed, args...)
		result, err := rclosure.InvokePacked(vm.ctx, target, packed)
		if err != nil {
			log.Printf("instrumentation callback error: %v", err)
			return rinterp.ActionNoOp
		}
		if result.Code() == rvalue.CodeInt {
			return int(result.Int())
		}
		return rinterp.ActionNoOp
	}
	vm.interp.Instrument = hook
	if vm.Segments != nil {
		vm.Segments.SetInstrument(hook)
	}
}

// LastError returns the most recent fatal error surfaced through the
// host boundary's last-error channel, or nil.
func (vm *VirtualMachine) LastError() *rerrors.VMError { return vm.errs.Last() }

// DropLastError implements drop_last_error.
func (vm *VirtualMachine) DropLastError() { vm.errs.Drop() }

// Devices exposes the device list vm_initialization built, mainly for
// tests asserting device[0] migration invariants.
func (vm *VirtualMachine) Devices() []rtensor.Device { return vm.devices }

// Context returns the context-pointer value handed to closures.
func (vm *VirtualMachine) Context() rvalue.Value { return vm.ctx }
