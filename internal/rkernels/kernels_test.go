package rkernels

import (
	"encoding/binary"
	"math"
	"testing"

	"relaxvm/internal/rtensor"
	"relaxvm/internal/rvalue"
)

func tensorOf(t *testing.T, alloc HostAllocator, shape []int64, vals []float32) rvalue.Value {
	t.Helper()
	dev := rtensor.Device{Kind: rtensor.KindCPU, ID: 0}
	tn, err := alloc.Empty(shape, rtensor.Float32, dev)
	if err != nil {
		t.Fatalf("Empty: %v", err)
	}
	raw := tn.Buffer().Bytes()
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return rvalue.Tensor(tn)
}

func floatsOf(t *testing.T, v rvalue.Value) []float32 {
	t.Helper()
	return readFloat32s(v.Tensor())
}

func TestAddKernel(t *testing.T) {
	alloc := HostAllocator{}
	reg := NewRegistry(alloc)
	a := tensorOf(t, alloc, []int64{3}, []float32{1, 2, 3})
	b := tensorOf(t, alloc, []int64{3}, []float32{10, 20, 30})

	out, err := reg["add"]([]rvalue.Value{a, b})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	got := floatsOf(t, out)
	want := []float32{11, 22, 33}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("add()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestAddKernelShapeMismatch(t *testing.T) {
	alloc := HostAllocator{}
	reg := NewRegistry(alloc)
	a := tensorOf(t, alloc, []int64{3}, []float32{1, 2, 3})
	b := tensorOf(t, alloc, []int64{2}, []float32{1, 2})

	if _, err := reg["add"]([]rvalue.Value{a, b}); err == nil {
		t.Fatal("expected a shape-mismatch error")
	}
}

func TestMatmulKernel(t *testing.T) {
	alloc := HostAllocator{}
	reg := NewRegistry(alloc)
	// [[1,2],[3,4]] x [[5,6],[7,8]] = [[19,22],[43,50]]
	a := tensorOf(t, alloc, []int64{2, 2}, []float32{1, 2, 3, 4})
	b := tensorOf(t, alloc, []int64{2, 2}, []float32{5, 6, 7, 8})

	out, err := reg["matmul"]([]rvalue.Value{a, b})
	if err != nil {
		t.Fatalf("matmul: %v", err)
	}
	got := floatsOf(t, out)
	want := []float32{19, 22, 43, 50}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("matmul()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if !shapesEqual(out.Tensor().Shape(), []int64{2, 2}) {
		t.Fatalf("matmul output shape = %v, want [2 2]", out.Tensor().Shape())
	}
}

func TestHostAllocatorZeroesMemory(t *testing.T) {
	alloc := HostAllocator{}
	dev := rtensor.Device{Kind: rtensor.KindCPU, ID: 0}
	tn, err := alloc.Empty([]int64{4}, rtensor.Float32, dev)
	if err != nil {
		t.Fatalf("Empty: %v", err)
	}
	for _, v := range readFloat32s(tn) {
		if v != 0 {
			t.Fatalf("freshly allocated tensor should be zeroed, got %v", v)
		}
	}
}
