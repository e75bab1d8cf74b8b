// Package rclosure resolves every function-table entry to a uniform
// callable and implements the invocation surface (§4.3/§4.4): argument
// marshalling, partial application via bind-last-args, and the
// name-indexed table that save_function populates.
package rclosure

import (
	"fmt"
	"sync"

	"relaxvm/internal/rerrors"
	"relaxvm/internal/rexec"
	"relaxvm/internal/rvalue"
)

// Callable is a resolved NATIVE function: called directly, with no
// context-pointer injection.
type Callable func(args []rvalue.Value) (rvalue.Value, error)

// TIREntry is an externally compiled `__vmtir__<name>` entry point. It
// receives the context pointer, a register file already holding the
// user args in 0..num_args-1, the constant pool, and the function pool,
// and writes its result into register num_args before returning.
type TIREntry func(ctx rvalue.Value, registers []rvalue.Value, consts []rvalue.Value, funcPool []any) error

// Host is the minimal surface a closure's impl needs from the VM it was
// given a context-pointer handle to, at call time. Closures never hold
// a reference to the VM directly (§9's cyclic-reference note) — they
// recover one through ctx.Handle().(Host) on every invocation.
type Host interface {
	RunBytecode(funcIdx int, args []rvalue.Value) (rvalue.Value, error)
	TIREntry(symbol string) (TIREntry, bool)
	Consts() []rvalue.Value
	FuncPool() []any
}

// Closure is a named callable whose impl expects the context pointer as
// its hidden first argument.
type Closure struct {
	FuncName string
	Impl     func(ctx rvalue.Value, args []rvalue.Value) (rvalue.Value, error)
}

func hostFromCtx(ctx rvalue.Value) (Host, error) {
	h, ok := ctx.Handle().(Host)
	if !ok {
		return nil, rerrors.New(rerrors.Lookup, "context pointer does not carry a VM host handle")
	}
	return h, nil
}

// ForBytecode builds the closure for a BYTECODE function: impl captures
// only the function-pool index, never the VM itself.
func ForBytecode(name string, funcIdx int) *Closure {
	return &Closure{
		FuncName: name,
		Impl: func(ctx rvalue.Value, args []rvalue.Value) (rvalue.Value, error) {
			host, err := hostFromCtx(ctx)
			if err != nil {
				return rvalue.Value{}, err
			}
			return host.RunBytecode(funcIdx, args)
		},
	}
}

// ForTIR builds the closure for a TIR function: impl allocates a
// register file sized per info, places args in 0..num_args-1, invokes
// the native entry, and reads the result back out of register num_args.
func ForTIR(info rexec.FuncInfo) *Closure {
	symbol := rexec.TIRSymbol(info.Name)
	return &Closure{
		FuncName: info.Name,
		Impl: func(ctx rvalue.Value, args []rvalue.Value) (rvalue.Value, error) {
			host, err := hostFromCtx(ctx)
			if err != nil {
				return rvalue.Value{}, err
			}
			entry, ok := host.TIREntry(symbol)
			if !ok {
				return rvalue.Value{}, rerrors.New(rerrors.Lookup, "unresolved TIR symbol %q", symbol)
			}
			regs := make([]rvalue.Value, info.RegisterFileSize)
			copy(regs, args)
			if err := entry(ctx, regs, host.Consts(), host.FuncPool()); err != nil {
				return rvalue.Value{}, err
			}
			return regs[info.NumArgs], nil
		},
	}
}

// ResolveNative looks up name first in the executable's imports, then
// in the process-wide registry, per §4.2 step 3.
func ResolveNative(name string, imports map[string]any, registry map[string]Callable) (Callable, error) {
	if raw, ok := imports[name]; ok {
		if fn, ok := raw.(Callable); ok {
			return fn, nil
		}
		return nil, rerrors.New(rerrors.Lookup, "import %q is not a native callable", name)
	}
	if fn, ok := registry[name]; ok {
		return fn, nil
	}
	return nil, rerrors.New(rerrors.Lookup, "unresolved native function %q", name)
}

// BuildFunctionPool resolves every function-table entry to a pool slot:
// a bare Callable for NATIVE entries, a *Closure for BYTECODE/TIR.
func BuildFunctionPool(exec *rexec.Executable, registry map[string]Callable) ([]any, error) {
	pool := make([]any, len(exec.Funcs))
	for i, fn := range exec.Funcs {
		switch fn.Kind {
		case rexec.Native:
			callable, err := ResolveNative(fn.Name, exec.Imports, registry)
			if err != nil {
				return nil, fmt.Errorf("function pool slot %d (%s): %w", i, fn.Name, err)
			}
			pool[i] = callable
		case rexec.TIR:
			pool[i] = ForTIR(fn)
		case rexec.Bytecode:
			pool[i] = ForBytecode(fn.Name, i)
		default:
			return nil, rerrors.New(rerrors.Lookup, "function %q has unknown kind", fn.Name)
		}
	}
	return pool, nil
}

// BindLastArgs produces a new callable that appends captured after
// whatever args it is invoked with — ordering matters, captured args
// always go last.
func BindLastArgs(target any, captured []rvalue.Value) (any, error) {
	switch t := target.(type) {
	case Callable:
		return Callable(func(args []rvalue.Value) (rvalue.Value, error) {
			return t(concat(args, captured))
		}), nil
	case *Closure:
		inner := t.Impl
		return &Closure{
			FuncName: t.FuncName,
			Impl: func(ctx rvalue.Value, args []rvalue.Value) (rvalue.Value, error) {
				return inner(ctx, concat(args, captured))
			},
		}, nil
	default:
		return nil, rerrors.New(rerrors.Lookup, "cannot bind args onto a non-callable value")
	}
}

// DiscardReturn wraps target so its result is always null — used by
// save_function when include_return is false.
func DiscardReturn(target any) (any, error) {
	switch t := target.(type) {
	case Callable:
		return Callable(func(args []rvalue.Value) (rvalue.Value, error) {
			if _, err := t(args); err != nil {
				return rvalue.Value{}, err
			}
			return rvalue.Null(), nil
		}), nil
	case *Closure:
		inner := t.Impl
		return &Closure{
			FuncName: t.FuncName,
			Impl: func(ctx rvalue.Value, args []rvalue.Value) (rvalue.Value, error) {
				if _, err := inner(ctx, args); err != nil {
					return rvalue.Value{}, err
				}
				return rvalue.Null(), nil
			},
		}, nil
	default:
		return nil, rerrors.New(rerrors.Lookup, "cannot discard the return of a non-callable value")
	}
}

func concat(a, b []rvalue.Value) []rvalue.Value {
	out := make([]rvalue.Value, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

// InvokePacked implements invoke_closure_packed: a bare Callable is
// called directly; a *Closure has the context pointer prepended (i.e.
// passed through to Impl, whose signature already carries ctx
// separately) before Impl runs.
func InvokePacked(ctx rvalue.Value, target any, args []rvalue.Value) (rvalue.Value, error) {
	switch t := target.(type) {
	case Callable:
		return t(args)
	case *Closure:
		return t.Impl(ctx, args)
	default:
		return rvalue.Value{}, rerrors.New(rerrors.Lookup, "value is not callable")
	}
}

// InvokeInternal implements invoke_closure_internal: identical wire
// behavior to InvokePacked — the distinction in the original design is
// that callers already hold interpreter-native register Values rather
// than boundary-marshalled ones, which in this Go port is the same type.
func InvokeInternal(ctx rvalue.Value, target any, args []rvalue.Value) (rvalue.Value, error) {
	return InvokePacked(ctx, target, args)
}

// SavedTable is the save_function/name lookup table (§4.4): retrieval
// by name checks here before falling back to the executable's function
// table.
type SavedTable struct {
	mu    sync.RWMutex
	table map[string]any
}

func NewSavedTable() *SavedTable {
	return &SavedTable{table: make(map[string]any)}
}

func (s *SavedTable) Save(name string, target any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table[name] = target
}

func (s *SavedTable) Lookup(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.table[name]
	return t, ok
}
