package rtensor

import "testing"

type fakeBuffer struct {
	data   []byte
	device Device
}

func (b *fakeBuffer) Bytes() []byte  { return b.data }
func (b *fakeBuffer) Device() Device { return b.device }

func TestTensorNumBytes(t *testing.T) {
	dev := Device{Kind: KindCPU, ID: 0}
	buf := &fakeBuffer{data: make([]byte, 4*8), device: dev}
	tn := New([]int64{2, 4}, Float32, dev, buf)

	if got := tn.NumElements(); got != 8 {
		t.Fatalf("NumElements() = %d, want 8", got)
	}
	if got := tn.NumBytes(); got != 32 {
		t.Fatalf("NumBytes() = %d, want 32", got)
	}
}

func TestTensorRefCount(t *testing.T) {
	dev := Device{Kind: KindCPU, ID: 0}
	buf := &fakeBuffer{data: make([]byte, 4), device: dev}
	tn := New([]int64{1}, Float32, dev, buf)

	if got := tn.RefCount(); got != 1 {
		t.Fatalf("initial RefCount() = %d, want 1", got)
	}
	tn.Retain()
	if got := tn.RefCount(); got != 2 {
		t.Fatalf("RefCount() after Retain = %d, want 2", got)
	}
	tn.Release()
	if got := tn.RefCount(); got != 1 {
		t.Fatalf("RefCount() after Release = %d, want 1", got)
	}
}

func TestTensorWithBufferPreservesShapeAndDType(t *testing.T) {
	devA := Device{Kind: KindCPU, ID: 0}
	devB := Device{Kind: KindCUDA, ID: 0}
	buf := &fakeBuffer{data: make([]byte, 16), device: devA}
	tn := New([]int64{4}, Int64, devA, buf)

	moved := tn.WithBuffer(devB, &fakeBuffer{data: make([]byte, 32), device: devB})

	if moved.DType() != Int64 {
		t.Fatalf("WithBuffer changed dtype: got %v", moved.DType())
	}
	if !moved.Device().Equal(devB) {
		t.Fatalf("WithBuffer did not update device: got %v", moved.Device())
	}
	if moved.RefCount() != 1 {
		t.Fatalf("WithBuffer should start a fresh refcount, got %d", moved.RefCount())
	}
}

func TestDeviceEqual(t *testing.T) {
	a := Device{Kind: KindCPU, ID: 0}
	b := Device{Kind: KindCPU, ID: 0}
	c := Device{Kind: KindCPU, ID: 1}
	if !a.Equal(b) {
		t.Fatalf("expected %v == %v", a, b)
	}
	if a.Equal(c) {
		t.Fatalf("expected %v != %v", a, c)
	}
}

func TestDTypeByteWidth(t *testing.T) {
	if Float32.ByteWidth() != 4 {
		t.Fatalf("Float32.ByteWidth() = %d, want 4", Float32.ByteWidth())
	}
	if Int64.ByteWidth() != 8 {
		t.Fatalf("Int64.ByteWidth() = %d, want 8", Int64.ByteWidth())
	}
}
