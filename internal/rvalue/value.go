// Package rvalue defines the VM's tagged runtime value: the single type
// that flows through registers, the constant pool, and calling
// conventions. It deliberately does not NaN-box (the teacher's
// internal/vmregister does) because tensors, devices and dtypes need
// real typed payloads, not a 64-bit pointer/number encoding.
package rvalue

import (
	"fmt"

	"github.com/google/uuid"

	"relaxvm/internal/rtensor"
)

// Code tags the case a Value holds, one per calling-convention type code
// named in the module's argument-marshalling table.
type Code uint8

const (
	CodeNull Code = iota
	CodeInt
	CodeFloat
	CodeBool
	CodeString
	CodeBytes
	CodeDType
	CodeDevice
	CodeTensor
	CodeExternalTensorView
	CodeList
	CodeHandle
	CodeCallable
	CodeRValueRef
)

func (c Code) String() string {
	switch c {
	case CodeNull:
		return "null"
	case CodeInt:
		return "int"
	case CodeFloat:
		return "float"
	case CodeBool:
		return "bool"
	case CodeString:
		return "string"
	case CodeBytes:
		return "bytes"
	case CodeDType:
		return "dtype"
	case CodeDevice:
		return "device"
	case CodeTensor:
		return "tensor"
	case CodeExternalTensorView:
		return "external_tensor_view"
	case CodeList:
		return "list"
	case CodeHandle:
		return "handle"
	case CodeCallable:
		return "callable"
	case CodeRValueRef:
		return "rvalue_ref"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// ExternalTensorView is a borrowed, externally-owned tensor view (e.g. a
// DLPack import) that has not yet been adopted by the Memory
// Orchestrator. Per the migration invariant, the orchestrator must copy
// out of it rather than ever stash it directly in a Value that outlives
// the call.
type ExternalTensorView struct {
	Shape  []int64
	DType  rtensor.DType
	Device rtensor.Device
	Data   []byte
}

// Value is the tagged union. Exactly one of the typed fields is
// meaningful at a time, selected by Code. Handle and Callable are kept
// as `any` rather than concrete types to avoid an import cycle with
// internal/rclosure (a Closure's arguments and return value are
// themselves Values).
type Value struct {
	code     Code
	i        int64
	f        float64
	b        bool
	s        string
	by       []byte
	dt       rtensor.DType
	dev      rtensor.Device
	ten      *rtensor.Tensor
	extView  *ExternalTensorView
	list     []Value
	handle   any
	callable any
}

func (v Value) Code() Code { return v.code }
func (v Value) IsNull() bool { return v.code == CodeNull }

func Null() Value { return Value{code: CodeNull} }

func Int(i int64) Value { return Value{code: CodeInt, i: i} }
func (v Value) Int() int64 { return v.i }

func Float(f float64) Value { return Value{code: CodeFloat, f: f} }
func (v Value) Float() float64 { return v.f }

func Bool(b bool) Value { return Value{code: CodeBool, b: b} }
func (v Value) Bool() bool { return v.b }

func Str(s string) Value { return Value{code: CodeString, s: s} }
func (v Value) Str() string { return v.s }

func Bytes(b []byte) Value { return Value{code: CodeBytes, by: b} }
func (v Value) Bytes() []byte { return v.by }

func DType(dt rtensor.DType) Value { return Value{code: CodeDType, dt: dt} }
func (v Value) DType() rtensor.DType { return v.dt }

func DeviceVal(d rtensor.Device) Value { return Value{code: CodeDevice, dev: d} }
func (v Value) Device() rtensor.Device { return v.dev }

func Tensor(t *rtensor.Tensor) Value { return Value{code: CodeTensor, ten: t} }
func (v Value) Tensor() *rtensor.Tensor { return v.ten }

func ExternalTensor(view *ExternalTensorView) Value {
	return Value{code: CodeExternalTensorView, extView: view}
}
func (v Value) ExternalTensor() *ExternalTensorView { return v.extView }

func List(items []Value) Value { return Value{code: CodeList, list: items} }
func (v Value) List() []Value { return v.list }

// Handle wraps an opaque pointer value — including the VM-context
// pointer register's payload — with a fresh identity tag so two
// unrelated handles never compare equal by accident.
func Handle(payload any) Value {
	return Value{code: CodeHandle, handle: payload, s: uuid.NewString()}
}
func (v Value) Handle() any { return v.handle }

// HandleID returns the identity tag minted when this handle was created,
// useful for logging/instrumentation without exposing the payload type.
func (v Value) HandleID() string { return v.s }

// Callable wraps a closure or native function handle. internal/rclosure
// is responsible for type-asserting the payload back to its own types.
func Callable(payload any) Value { return Value{code: CodeCallable, callable: payload} }
func (v Value) Callable() any { return v.callable }

// RValueRef marks a pass-by-move argument slot in a calling-convention
// argument list. The Go implementation has no move semantics, so this
// exists only so arg-type-code arrays can round-trip the original
// runtime's convention: the inner payload is kept and only the Code is
// changed.
func RValueRef(inner Value) Value {
	inner.code = CodeRValueRef
	return inner
}

// Equal compares two Values structurally. Tensors and handles compare by
// identity (pointer/handle-id), never by contents, matching the "never
// alias" migration invariant: two copies of the same logical tensor on
// different devices are not Equal.
func Equal(a, b Value) bool {
	if a.code != b.code {
		return false
	}
	switch a.code {
	case CodeNull:
		return true
	case CodeInt:
		return a.i == b.i
	case CodeFloat:
		return a.f == b.f
	case CodeBool:
		return a.b == b.b
	case CodeString:
		return a.s == b.s
	case CodeBytes:
		return string(a.by) == string(b.by)
	case CodeDType:
		return a.dt == b.dt
	case CodeDevice:
		return a.dev.Equal(b.dev)
	case CodeTensor:
		return a.ten == b.ten
	case CodeExternalTensorView:
		return a.extView == b.extView
	case CodeHandle:
		return a.s == b.s
	case CodeCallable:
		return a.callable == b.callable
	case CodeList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.code {
	case CodeNull:
		return "null"
	case CodeInt:
		return fmt.Sprintf("%d", v.i)
	case CodeFloat:
		return fmt.Sprintf("%g", v.f)
	case CodeBool:
		return fmt.Sprintf("%t", v.b)
	case CodeString:
		return v.s
	case CodeBytes:
		return fmt.Sprintf("bytes[%d]", len(v.by))
	case CodeDType:
		return v.dt.String()
	case CodeDevice:
		return v.dev.String()
	case CodeTensor:
		if v.ten == nil {
			return "tensor(nil)"
		}
		return v.ten.String()
	case CodeExternalTensorView:
		return fmt.Sprintf("external_tensor_view(shape=%v)", v.extView.Shape)
	case CodeList:
		return fmt.Sprintf("list[%d]", len(v.list))
	case CodeHandle:
		return fmt.Sprintf("handle(%s)", v.s)
	case CodeCallable:
		return "callable"
	case CodeRValueRef:
		return "rvalue_ref"
	default:
		return "?"
	}
}
