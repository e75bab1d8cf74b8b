package rframe

import (
	"testing"

	"relaxvm/internal/rvalue"
)

func TestVoidRegisterReadsNullWritesDiscarded(t *testing.T) {
	f := New(2)
	f.Write(0, rvalue.Int(5))

	if ok := f.Write(VoidRegister, rvalue.Int(99)); !ok {
		t.Fatal("writing the void register should report ok")
	}
	v, ok := f.Read(VoidRegister)
	if !ok || !v.IsNull() {
		t.Fatalf("reading the void register should yield null, got %v (ok=%v)", v, ok)
	}
	// a write to the void register must not alias into register 0
	v0, _ := f.Read(0)
	if v0.Int() != 5 {
		t.Fatalf("void-register write leaked into register 0: got %d", v0.Int())
	}
}

func TestReadWriteOutOfBounds(t *testing.T) {
	f := New(2)
	if _, ok := f.Read(5); ok {
		t.Fatal("reading an out-of-range register should report !ok")
	}
	if ok := f.Write(5, rvalue.Int(1)); ok {
		t.Fatal("writing an out-of-range register should report !ok")
	}
}

func TestFreeListAcquireReleaseRoundTrip(t *testing.T) {
	fl := &FreeList{}
	if fl.Len() != 0 {
		t.Fatalf("new FreeList should be empty, got Len() = %d", fl.Len())
	}

	f := fl.Acquire(42, 3)
	f.Write(0, rvalue.Int(1))
	f.Write(1, rvalue.Int(2))
	fl.Release(f)

	if fl.Len() != 1 {
		t.Fatalf("Release should return the frame to the pool, got Len() = %d", fl.Len())
	}

	reused := fl.Acquire(7, 2)
	if reused != f {
		t.Fatal("Acquire should reuse the most recently released frame")
	}
	if reused.ReturnPC != 7 {
		t.Fatalf("ResetForRecycle should update ReturnPC, got %d", reused.ReturnPC)
	}
	v0, _ := reused.Read(0)
	if !v0.IsNull() {
		t.Fatal("a recycled frame must have its registers cleared")
	}
	if fl.Len() != 0 {
		t.Fatalf("Acquire should drain the pool, got Len() = %d", fl.Len())
	}
}

func TestResetForRecycleReusesBackingArrayWhenLargeEnough(t *testing.T) {
	f := New(4)
	orig := f.Registers
	f.ResetForRecycle(1, 2)
	if cap(f.Registers) != cap(orig) {
		t.Fatal("ResetForRecycle should not reallocate when the existing capacity is sufficient")
	}
	if len(f.Registers) != 2 {
		t.Fatalf("ResetForRecycle should resize to the requested length, got %d", len(f.Registers))
	}
}

func TestScratchArgsReusesBackingArrayAcrossCalls(t *testing.T) {
	f := New(1)
	buf := f.ScratchArgs(3)
	if len(buf) != 3 {
		t.Fatalf("ScratchArgs(3) should return a 3-element slice, got %d", len(buf))
	}
	buf[0] = rvalue.Int(1)
	orig := &buf[0]

	smaller := f.ScratchArgs(1)
	if len(smaller) != 1 {
		t.Fatalf("ScratchArgs(1) should shrink the visible length to 1, got %d", len(smaller))
	}
	if &smaller[0] != orig {
		t.Fatal("ScratchArgs should reuse the same backing array when capacity already suffices")
	}

	grown := f.ScratchArgs(8)
	if len(grown) != 8 {
		t.Fatalf("ScratchArgs(8) should grow to 8 elements, got %d", len(grown))
	}
}
