package rvm

import (
	"relaxvm/internal/rerrors"
	"relaxvm/internal/rvalue"
)

// Dispatch is the name-indexed module operation table of §6: every
// externally reachable operation, invoked uniformly with packed
// rvalue.Value arguments and returning a single packed rvalue.Value.
// vm_initialization itself is not listed here — a VM must already exist
// to dispatch anything, so it is reached through Init instead.
func (vm *VirtualMachine) Dispatch(op string, args []rvalue.Value) (rvalue.Value, error) {
	switch op {
	case "invoke_closure":
		if len(args) == 0 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "invoke_closure requires a callable argument")
		}
		return vm.InvokeClosure(closureTarget(args[0]), args[1:])

	case "save_function":
		if len(args) < 3 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "save_function requires (func_name, save_name, include_return, ...bound_args)")
		}
		err := vm.SaveFunction(args[0].Str(), args[1].Str(), args[2].Bool(), args[3:])
		return rvalue.Null(), err

	case "invoke_stateful":
		if len(args) != 1 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "invoke_stateful requires (func_name)")
		}
		return vm.Stateful.InvokeStateful(args[0].Str())

	case "set_input":
		if len(args) < 1 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "set_input requires (func_name, ...args)")
		}
		return rvalue.Null(), vm.Stateful.SetInput(args[0].Str(), args[1:], false)

	case "set_input_with_param_module":
		if len(args) < 1 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "set_input_with_param_module requires (func_name, ...args)")
		}
		return rvalue.Null(), vm.Stateful.SetInput(args[0].Str(), args[1:], true)

	case "get_output_arity":
		if len(args) < 1 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "get_output_arity requires (func_name, ...idx_path)")
		}
		n, err := vm.Stateful.GetOutputArity(args[0].Str(), toIntPath(args[1:])...)
		if err != nil {
			return rvalue.Value{}, err
		}
		return rvalue.Int(int64(n)), nil

	case "get_output":
		if len(args) < 1 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "get_output requires (func_name, ...idx_path)")
		}
		return vm.Stateful.GetOutput(args[0].Str(), toIntPath(args[1:])...)

	case "get_function_arity":
		if len(args) != 1 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "get_function_arity requires (func_name)")
		}
		n, err := vm.GetFunctionArity(args[0].Str())
		if err != nil {
			return rvalue.Value{}, err
		}
		return rvalue.Int(int64(n)), nil

	case "get_function_param_name":
		if len(args) != 2 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "get_function_param_name requires (func_name, idx)")
		}
		name, err := vm.GetFunctionParamName(args[0].Str(), int(args[1].Int()))
		if err != nil {
			return rvalue.Value{}, err
		}
		return rvalue.Str(name), nil

	case "set_instrument":
		if len(args) != 1 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "set_instrument requires (callable)")
		}
		if args[0].IsNull() {
			vm.SetInstrument(nil)
		} else {
			vm.SetInstrument(closureTarget(args[0]))
		}
		return rvalue.Null(), nil

	case "segment_runner.get_skeleton":
		if vm.Segments == nil {
			return rvalue.Value{}, rerrors.New(rerrors.Lookup, "segment runner has no entry function configured")
		}
		text, err := vm.Segments.GetSkeleton()
		if err != nil {
			return rvalue.Value{}, err
		}
		return rvalue.Str(text), nil

	case "segment_runner.load":
		if vm.Segments == nil || len(args) != 1 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "segment_runner.load requires (segment_map_text)")
		}
		return rvalue.Int(int64(vm.Segments.Load(args[0].Str()))), nil

	case "segment_runner.set_input":
		if vm.Segments == nil || len(args) < 1 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "segment_runner.set_input requires (input_tensor, ...params)")
		}
		return rvalue.Null(), vm.Segments.SetInput(args[0], args[1:]...)

	case "segment_runner.run":
		if vm.Segments == nil || len(args) != 1 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "segment_runner.run requires (segment_id)")
		}
		return rvalue.Null(), vm.Segments.Execute(int(args[0].Int()))

	case "segment_runner.get_output":
		if vm.Segments == nil {
			return rvalue.Value{}, rerrors.New(rerrors.Lookup, "segment runner has no entry function configured")
		}
		outputs, err := vm.Segments.GetOutput()
		if err != nil {
			return rvalue.Value{}, err
		}
		return rvalue.List(outputs), nil

	default:
		return rvalue.Value{}, rerrors.New(rerrors.Lookup, "unknown operation %q", op)
	}
}

// closureTarget accepts either a callable-handle value or a bare
// function-name string as the first argument to an invocation op.
func closureTarget(v rvalue.Value) any {
	if v.Code() == rvalue.CodeString {
		return v.Str()
	}
	return v.Callable()
}

func toIntPath(args []rvalue.Value) []int {
	out := make([]int, len(args))
	for i, a := range args {
		out[i] = int(a.Int())
	}
	return out
}
