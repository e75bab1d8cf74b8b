// Package rstateful implements the stateful inference API (§4.6):
// set_input, invoke_stateful, and nested-output navigation.
package rstateful

import (
	"sync"

	"relaxvm/internal/rclosure"
	"relaxvm/internal/rerrors"
	"relaxvm/internal/rexec"
	"relaxvm/internal/rmemory"
	"relaxvm/internal/rtensor"
	"relaxvm/internal/rvalue"
)

// Resolver looks a name up against the saved-closure table first, then
// the executable's function table — the same order save_function's
// retrieval rule uses.
type Resolver func(name string) (any, error)

// State holds the per-VM inputs_/outputs_ maps described in §5's
// resource model: mutable, per-VM, and not to be accessed concurrently
// from more than one goroutine (guarded here defensively with an
// RWMutex rather than left undefined, since a host binding may poll
// get_output from a different goroutine than the one driving inference).
type State struct {
	orchestrator *rmemory.Orchestrator
	device0      rtensor.Device
	alloc0       rmemory.Allocator
	exec         *rexec.Executable
	resolve      Resolver
	ctx          rvalue.Value

	mu      sync.RWMutex
	inputs  map[string][]rvalue.Value
	outputs map[string]rvalue.Value
}

func New(orchestrator *rmemory.Orchestrator, device0 rtensor.Device, alloc0 rmemory.Allocator, exec *rexec.Executable, resolve Resolver, ctx rvalue.Value) *State {
	return &State{
		orchestrator: orchestrator,
		device0:      device0,
		alloc0:       alloc0,
		exec:         exec,
		resolve:      resolve,
		ctx:          ctx,
		inputs:       make(map[string][]rvalue.Value),
		outputs:      make(map[string]rvalue.Value),
	}
}

// SetInput validates arity and migrates every arg to device[0] before
// storing it under funcName. When withParamModule is true, the last
// element of args is treated as a module value whose get_params
// callable is invoked with no arguments to produce the tail of the
// argument vector.
func (s *State) SetInput(funcName string, args []rvalue.Value, withParamModule bool) error {
	idx := s.exec.FuncByName(funcName)
	if idx < 0 {
		return rerrors.New(rerrors.Lookup, "unknown function %q", funcName)
	}
	info := s.exec.Funcs[idx]

	if withParamModule {
		if len(args) == 0 {
			return rerrors.New(rerrors.Arity, "set_input_with_param_module requires a trailing module arg")
		}
		moduleArg := args[len(args)-1]
		userArgs := args[:len(args)-1]
		params, err := getParams(s.ctx, moduleArg)
		if err != nil {
			return err
		}
		merged := make([]rvalue.Value, 0, len(userArgs)+len(params))
		merged = append(merged, userArgs...)
		merged = append(merged, params...)
		args = merged
	}

	if len(args) != info.NumArgs {
		return rerrors.New(rerrors.Arity, "function %q expects %d args %v, got %d",
			funcName, info.NumArgs, info.ParamNames, len(args))
	}

	migrated := make([]rvalue.Value, len(args))
	for i, a := range args {
		conv, err := s.orchestrator.ConvertArgToDevice(a, s.device0, s.alloc0)
		if err != nil {
			return err
		}
		migrated[i] = conv
	}

	s.mu.Lock()
	s.inputs[funcName] = migrated
	s.mu.Unlock()
	return nil
}

func getParams(ctx, moduleVal rvalue.Value) ([]rvalue.Value, error) {
	if moduleVal.Code() != rvalue.CodeCallable {
		return nil, rerrors.New(rerrors.Arity, "param module argument is not callable")
	}
	ret, err := rclosure.InvokePacked(ctx, moduleVal.Callable(), nil)
	if err != nil {
		return nil, err
	}
	if ret.Code() != rvalue.CodeList {
		return nil, rerrors.New(rerrors.Arity, "module get_params must return a list of tensors")
	}
	return ret.List(), nil
}

// InvokeStateful runs funcName against its previously set_input inputs
// and records the result.
func (s *State) InvokeStateful(funcName string) (rvalue.Value, error) {
	s.mu.RLock()
	args, ok := s.inputs[funcName]
	s.mu.RUnlock()
	if !ok {
		return rvalue.Value{}, rerrors.New(rerrors.Lookup, "no input set for function %q", funcName)
	}
	target, err := s.resolve(funcName)
	if err != nil {
		return rvalue.Value{}, err
	}
	ret, err := rclosure.InvokeInternal(s.ctx, target, args)
	if err != nil {
		return rvalue.Value{}, err
	}
	s.mu.Lock()
	s.outputs[funcName] = ret
	s.mu.Unlock()
	return ret, nil
}

func (s *State) navigate(funcName string, idxPath []int) (rvalue.Value, error) {
	s.mu.RLock()
	obj, ok := s.outputs[funcName]
	s.mu.RUnlock()
	if !ok {
		return rvalue.Value{}, rerrors.New(rerrors.Lookup, "no output available for function %q", funcName)
	}
	for _, idx := range idxPath {
		if obj.Code() != rvalue.CodeList {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "index path exceeds nesting depth of output")
		}
		items := obj.List()
		if idx < 0 || idx >= len(items) {
			return rvalue.Value{}, rerrors.New(rerrors.Bounds, "output index %d out of range", idx)
		}
		obj = items[idx]
	}
	return obj, nil
}

// GetOutputArity returns the size of the list at idxPath, or -1 if the
// resolved object is not a list.
func (s *State) GetOutputArity(funcName string, idxPath ...int) (int, error) {
	obj, err := s.navigate(funcName, idxPath)
	if err != nil {
		return 0, err
	}
	if obj.Code() != rvalue.CodeList {
		return -1, nil
	}
	return len(obj.List()), nil
}

// GetOutput returns the value at idxPath; it fails if that value is
// still a list (the caller must index further).
func (s *State) GetOutput(funcName string, idxPath ...int) (rvalue.Value, error) {
	obj, err := s.navigate(funcName, idxPath)
	if err != nil {
		return rvalue.Value{}, err
	}
	if obj.Code() == rvalue.CodeList {
		return rvalue.Value{}, rerrors.New(rerrors.Arity, "output at this index path is still a list, index further")
	}
	return obj, nil
}
