// Package rkernels is a tiny native compute kernel library: add, sub,
// mul and matmul over float32 host tensors. Real kernel libraries
// (device backends, BLAS-like primitives) are an out-of-scope external
// collaborator per the module's scope — this package exists only to
// give NATIVE function resolution and the CLI demo something real to
// call, not to be a kernel library in the sense the module scopes out.
package rkernels

import (
	"encoding/binary"
	"math"

	"relaxvm/internal/rclosure"
	"relaxvm/internal/rerrors"
	"relaxvm/internal/rmemory"
	"relaxvm/internal/rtensor"
	"relaxvm/internal/rvalue"
)

// HostBuffer is a plain host-memory backing store, the narrow
// rtensor.Buffer implementation used by tests and the CLI demo.
type HostBuffer struct {
	data   []byte
	device rtensor.Device
}

func (b *HostBuffer) Bytes() []byte          { return b.data }
func (b *HostBuffer) Device() rtensor.Device { return b.device }

// HostAllocator satisfies rmemory.Allocator by handing out zeroed
// HostBuffers; it owns no pools and never fails.
type HostAllocator struct{}

func (HostAllocator) Empty(shape []int64, dtype rtensor.DType, device rtensor.Device) (*rtensor.Tensor, error) {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	buf := &HostBuffer{data: make([]byte, n*int64(dtype.ByteWidth())), device: device}
	return rtensor.New(shape, dtype, device, buf), nil
}

var _ rmemory.Allocator = HostAllocator{}

func readFloat32s(t *rtensor.Tensor) []float32 {
	raw := t.Buffer().Bytes()
	out := make([]float32, len(raw)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func writeFloat32s(t *rtensor.Tensor, vals []float32) {
	raw := t.Buffer().Bytes()
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
}

func shapesEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func asTensor(v rvalue.Value) (*rtensor.Tensor, error) {
	if v.Code() != rvalue.CodeTensor {
		return nil, rerrors.New(rerrors.Arity, "expected a tensor argument, got %s", v.Code())
	}
	return v.Tensor(), nil
}

func binaryElementwise(alloc rmemory.Allocator, op func(a, b float32) float32) rclosure.Callable {
	return func(args []rvalue.Value) (rvalue.Value, error) {
		if len(args) != 2 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "kernel expects 2 args, got %d", len(args))
		}
		a, err := asTensor(args[0])
		if err != nil {
			return rvalue.Value{}, err
		}
		b, err := asTensor(args[1])
		if err != nil {
			return rvalue.Value{}, err
		}
		if !shapesEqual(a.Shape(), b.Shape()) {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "shape mismatch: %v vs %v", a.Shape(), b.Shape())
		}
		out, err := alloc.Empty(a.Shape(), a.DType(), a.Device())
		if err != nil {
			return rvalue.Value{}, err
		}
		av, bv := readFloat32s(a), readFloat32s(b)
		ov := make([]float32, len(av))
		for i := range av {
			ov[i] = op(av[i], bv[i])
		}
		writeFloat32s(out, ov)
		return rvalue.Tensor(out), nil
	}
}

func matmul(alloc rmemory.Allocator) rclosure.Callable {
	return func(args []rvalue.Value) (rvalue.Value, error) {
		if len(args) != 2 {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "matmul expects 2 args, got %d", len(args))
		}
		a, err := asTensor(args[0])
		if err != nil {
			return rvalue.Value{}, err
		}
		b, err := asTensor(args[1])
		if err != nil {
			return rvalue.Value{}, err
		}
		if len(a.Shape()) != 2 || len(b.Shape()) != 2 || a.Shape()[1] != b.Shape()[0] {
			return rvalue.Value{}, rerrors.New(rerrors.Arity, "matmul shape mismatch: %v x %v", a.Shape(), b.Shape())
		}
		m, k, n := a.Shape()[0], a.Shape()[1], b.Shape()[1]
		out, err := alloc.Empty([]int64{m, n}, a.DType(), a.Device())
		if err != nil {
			return rvalue.Value{}, err
		}
		av, bv := readFloat32s(a), readFloat32s(b)
		ov := make([]float32, m*n)
		for i := int64(0); i < m; i++ {
			for j := int64(0); j < n; j++ {
				var sum float32
				for kk := int64(0); kk < k; kk++ {
					sum += av[i*k+kk] * bv[kk*n+j]
				}
				ov[i*n+j] = sum
			}
		}
		writeFloat32s(out, ov)
		return rvalue.Tensor(out), nil
	}
}

// NewRegistry builds the process-wide native-function registry (§4.2
// step 3's fallback lookup) with an allocator every kernel uses for its
// output tensor.
func NewRegistry(alloc rmemory.Allocator) map[string]rclosure.Callable {
	return map[string]rclosure.Callable{
		"add":    binaryElementwise(alloc, func(a, b float32) float32 { return a + b }),
		"sub":    binaryElementwise(alloc, func(a, b float32) float32 { return a - b }),
		"mul":    binaryElementwise(alloc, func(a, b float32) float32 { return a * b }),
		"matmul": matmul(alloc),
	}
}
