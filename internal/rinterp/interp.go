// Package rinterp implements the bytecode dispatch loop: Call, Ret,
// Goto, If, and the instrumentation hook wrapped around every Call.
package rinterp

import (
	"relaxvm/internal/rclosure"
	"relaxvm/internal/rerrors"
	"relaxvm/internal/rexec"
	"relaxvm/internal/rframe"
	"relaxvm/internal/rvalue"
)

// Instrumentation action codes are an open-ended int, not a closed Go
// enum, so a forward-compatible code an older build doesn't recognize
// still decodes safely (as NoOp) instead of failing to build a switch.
const (
	ActionNoOp   = 0
	ActionSkipRun = 1
)

// InstrumentFunc is the packed callable installed via set_instrument.
// It is invoked once before and (unless it vetoes) once after every
// Call, and its return is interpreted as an action code.
type InstrumentFunc func(target any, funcName string, before bool, ret rvalue.Value, args []rvalue.Value) int

// Interpreter runs the Call/Ret/Goto/If loop against one executable's
// function pool. It is owned by internal/rvm, which also implements
// rclosure.Host so a BYTECODE closure invoked from outside a running
// loop (e.g. through invoke_closure, or a NATIVE callback that calls
// back into the VM) re-enters Run recursively.
type Interpreter struct {
	Exec     *rexec.Executable
	FuncPool []any
	FreeList *rframe.FreeList
	Frames   []*rframe.Frame
	PC       int

	ReturnValue rvalue.Value
	Instrument  InstrumentFunc

	// Ctx is the context-pointer value handed to every closure impl.
	Ctx rvalue.Value
}

// StackTrace snapshots the active frame stack, most-recent call first
// (the order rerrors.VMError.WithStack expects), for attaching to a
// fatal rerrors.VMError.
func (in *Interpreter) StackTrace() []rerrors.Frame {
	out := make([]rerrors.Frame, 0, len(in.Frames))
	for i := len(in.Frames) - 1; i >= 0; i-- {
		f := in.Frames[i]
		out = append(out, rerrors.Frame{Function: f.FuncName, PC: f.ReturnPC})
	}
	return out
}

// Run executes BYTECODE function funcIdx with args to completion and
// returns its result. It pushes exactly one frame onto the shared
// frame stack and pops it before returning, so nested calls (whether
// driven by another Run, or by a NATIVE function calling back through
// invoke_closure) compose correctly and the frame-stack-size invariant
// in §8 holds across the whole call tree, not just one level.
func (in *Interpreter) Run(funcIdx int, args []rvalue.Value) (rvalue.Value, error) {
	if funcIdx < 0 || funcIdx >= len(in.Exec.Funcs) {
		return rvalue.Value{}, rerrors.New(rerrors.Bounds, "function index %d out of range", funcIdx)
	}
	info := in.Exec.Funcs[funcIdx]
	if info.Kind != rexec.Bytecode {
		return rvalue.Value{}, rerrors.New(rerrors.Lookup, "%q is not a bytecode function", info.Name)
	}
	if len(args) != info.NumArgs {
		return rvalue.Value{}, rerrors.New(rerrors.Arity,
			"function %q expects %d args %v, got %d", info.Name, info.NumArgs, info.ParamNames, len(args))
	}

	frame := in.FreeList.Acquire(in.PC, info.RegisterFileSize)
	frame.CallerReturnRegister = rframe.VoidRegister
	frame.FuncName = info.Name
	copy(frame.Registers, args)
	in.Frames = append(in.Frames, frame)
	depthBase := len(in.Frames) - 1

	savedPC := in.PC
	in.PC = info.StartInstr
	err := in.loop(depthBase)
	in.PC = savedPC
	if err != nil {
		return rvalue.Value{}, err
	}
	return in.ReturnValue, nil
}

// loop runs instructions until the frame pushed at depthBase is popped.
func (in *Interpreter) loop(depthBase int) error {
	for len(in.Frames) > depthBase {
		frame := in.Frames[len(in.Frames)-1]
		instr, ok := in.Exec.InstrAt(in.PC)
		if !ok {
			return rerrors.New(rerrors.Bounds, "pc %d outside instruction stream", in.PC)
		}
		switch instr.Op {
		case rexec.OpCall:
			if err := in.dispatchCall(frame, instr); err != nil {
				return err
			}
			in.PC++
		case rexec.OpRet:
			val, ok := frame.Read(instr.Src)
			if !ok {
				return rerrors.New(rerrors.Bounds, "register %d out of range on Ret", instr.Src)
			}
			in.ReturnValue = val
			returnPC := frame.ReturnPC
			in.Frames = in.Frames[:len(in.Frames)-1]
			in.FreeList.Release(frame)
			in.PC = returnPC
		case rexec.OpGoto:
			in.PC += instr.Offset
		case rexec.OpIf:
			cond, ok := frame.Read(instr.Cond)
			if !ok {
				return rerrors.New(rerrors.Bounds, "register %d out of range on If", instr.Cond)
			}
			if cond.Int() != 0 {
				in.PC++
			} else {
				in.PC += instr.Offset
			}
		default:
			return rerrors.New(rerrors.Bounds, "unknown opcode at pc %d", in.PC)
		}
	}
	return nil
}

func (in *Interpreter) dispatchCall(frame *rframe.Frame, instr rexec.Instruction) error {
	return DispatchCall(frame, instr, in.Exec, in.FuncPool, in.Ctx, in.Instrument)
}

// DispatchCall resolves and invokes the callee of a single Call
// instruction against frame, running the before/after instrumentation
// hook around it. It touches no PC state, so internal/rsegment reuses
// it verbatim while driving its own persistent-frame PC bookkeeping.
func DispatchCall(frame *rframe.Frame, instr rexec.Instruction, exec *rexec.Executable, funcPool []any, ctx rvalue.Value, instrument InstrumentFunc) error {
	funcIdx := instr.Func
	if funcIdx < 0 || funcIdx >= len(funcPool) {
		return rerrors.New(rerrors.Bounds, "function-pool index %d out of range", funcIdx)
	}
	info := exec.Funcs[funcIdx]
	target := funcPool[funcIdx]

	argVals, err := MaterializeArgs(frame, exec.Consts, funcPool, instr.Args)
	if err != nil {
		return err
	}

	if instrument != nil {
		action := instrument(target, info.Name, true, rvalue.Null(), stringifyDTypes(argVals))
		if action == ActionSkipRun {
			return nil
		}
	}

	ret, err := rclosure.InvokePacked(ctx, target, argVals)
	if err != nil {
		return err
	}

	if instrument != nil {
		instrument(target, info.Name, false, ret, stringifyDTypes(argVals))
	}

	if !frame.Write(instr.Dst, ret) {
		return rerrors.New(rerrors.Bounds, "register %d out of range on Call destination", instr.Dst)
	}
	return nil
}

// stringifyDTypes replaces dtype arguments with their string form before
// they reach instrumentation, per §4.5.
func stringifyDTypes(args []rvalue.Value) []rvalue.Value {
	out := make([]rvalue.Value, len(args))
	for i, a := range args {
		if a.Code() == rvalue.CodeDType {
			out[i] = rvalue.Str(a.DType().String())
		} else {
			out[i] = a
		}
	}
	return out
}

// MaterializeArgs resolves a Call instruction's argument slots into
// interpreter-native values: register reads, literal integers,
// constant-pool slots, or function-pool entries wrapped as callable
// values. Writes into frame's reusable Call-argument scratch buffer
// (Frame.ScratchArgs) rather than allocating fresh on every Call, the
// same reuse-across-the-frame's-lifetime the original runtime gets from
// VMFrame's call_arg_values vector. Shared with internal/rsegment, which
// dispatches instructions against a persistent frame using the same
// semantics outside of Run.
func MaterializeArgs(frame *rframe.Frame, consts []rvalue.Value, funcPool []any, args []rexec.Arg) ([]rvalue.Value, error) {
	out := frame.ScratchArgs(len(args))
	for i, a := range args {
		switch a.Kind {
		case rexec.ArgRegister:
			v, ok := frame.Read(int(a.Value))
			if !ok {
				return nil, rerrors.New(rerrors.Bounds, "register %d out of range in call args", a.Value)
			}
			out[i] = v
		case rexec.ArgImmediate:
			out[i] = rvalue.Int(a.Value)
		case rexec.ArgConstIdx:
			idx := int(a.Value)
			if idx < 0 || idx >= len(consts) {
				return nil, rerrors.New(rerrors.Bounds, "constant index %d out of range", idx)
			}
			out[i] = consts[idx]
		case rexec.ArgFuncIdx:
			idx := int(a.Value)
			if idx < 0 || idx >= len(funcPool) {
				return nil, rerrors.New(rerrors.Bounds, "function-pool index %d out of range", idx)
			}
			out[i] = rvalue.Callable(funcPool[idx])
		default:
			return nil, rerrors.New(rerrors.Bounds, "unknown call-arg kind %d", a.Kind)
		}
	}
	return out, nil
}
