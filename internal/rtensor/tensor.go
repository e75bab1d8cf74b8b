// Package rtensor defines the VM's tensor handle: shape, dtype, device
// and a ref-counted data buffer owned by an allocator. The buffer itself
// is a narrow interface (see Buffer) so that real device backends and
// BLAS-like kernel libraries — explicitly out of scope for this module —
// can be plugged in without the VM depending on them.
package rtensor

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// DTypeCode enumerates the coarse kind of a dtype, mirroring a DLPack
// data type code.
type DTypeCode uint8

const (
	DTypeInt DTypeCode = iota
	DTypeUInt
	DTypeFloat
	DTypeBFloat
	DTypeBool
	DTypeOpaqueHandle
)

// DType is the (code, bits, lanes) triple from §3/§6.
type DType struct {
	Code  DTypeCode
	Bits  uint8
	Lanes uint16
}

func (d DType) String() string {
	lanes := ""
	if d.Lanes > 1 {
		lanes = fmt.Sprintf("x%d", d.Lanes)
	}
	switch d.Code {
	case DTypeInt:
		return fmt.Sprintf("int%d%s", d.Bits, lanes)
	case DTypeUInt:
		return fmt.Sprintf("uint%d%s", d.Bits, lanes)
	case DTypeFloat:
		return fmt.Sprintf("float%d%s", d.Bits, lanes)
	case DTypeBFloat:
		return fmt.Sprintf("bfloat%d%s", d.Bits, lanes)
	case DTypeBool:
		return "bool"
	default:
		return fmt.Sprintf("handle%d%s", d.Bits, lanes)
	}
}

// ByteWidth returns the size in bytes of one element of this dtype,
// all of its lanes included.
func (d DType) ByteWidth() int {
	return int(d.Bits) / 8 * int(d.Lanes)
}

var (
	Float32 = DType{Code: DTypeFloat, Bits: 32, Lanes: 1}
	Int64   = DType{Code: DTypeInt, Bits: 64, Lanes: 1}
	Bool8   = DType{Code: DTypeBool, Bits: 8, Lanes: 1}
)

// DeviceKind extends the DLPack device-kind enumeration.
type DeviceKind int32

const (
	KindCPU         DeviceKind = 1
	KindCUDA        DeviceKind = 2
	KindCUDAHost    DeviceKind = 3
	KindOpenCL      DeviceKind = 4
	KindVulkan      DeviceKind = 7
	KindMetal       DeviceKind = 8
	KindROCM        DeviceKind = 10
	KindExtDev      DeviceKind = 12
	KindCUDAManaged DeviceKind = 13
)

func (k DeviceKind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindCUDA:
		return "cuda"
	case KindCUDAHost:
		return "cuda_host"
	case KindOpenCL:
		return "opencl"
	case KindVulkan:
		return "vulkan"
	case KindMetal:
		return "metal"
	case KindROCM:
		return "rocm"
	case KindExtDev:
		return "ext_dev"
	case KindCUDAManaged:
		return "cuda_managed"
	default:
		return fmt.Sprintf("device_kind(%d)", int32(k))
	}
}

// Device is the (device-kind, device-id) descriptor from §3.
type Device struct {
	Kind DeviceKind
	ID   int32
}

func (d Device) String() string { return fmt.Sprintf("%s:%d", d.Kind, d.ID) }

func (d Device) Equal(o Device) bool { return d.Kind == o.Kind && d.ID == o.ID }

// Buffer is the narrow interface a per-device allocator hands back for a
// tensor's backing storage. Real implementations (pinned host memory,
// CUDA device memory, ...) live in a kernel/device-backend library that
// is out of scope for this module; tests and the CLI demo use a plain
// host-memory buffer (see rkernels).
type Buffer interface {
	// Bytes exposes the raw storage. Kernels out of scope for this
	// module are expected to reinterpret it per the tensor's DType.
	Bytes() []byte
	// Device reports where this storage actually lives.
	Device() Device
}

// Tensor is a shareable, ref-counted handle: shape, dtype, device, and a
// buffer owned by some allocator. Copies between devices are explicit,
// always performed by the Memory Orchestrator (internal/rmemory), never
// implicit inside a Tensor method.
type Tensor struct {
	shape  []int64
	dtype  DType
	device Device
	buf    Buffer
	refs   *int32
}

// New wraps an allocated buffer into a Tensor with an initial refcount of 1.
func New(shape []int64, dtype DType, device Device, buf Buffer) *Tensor {
	refs := int32(1)
	return &Tensor{
		shape:  append([]int64(nil), shape...),
		dtype:  dtype,
		device: device,
		buf:    buf,
		refs:   &refs,
	}
}

func (t *Tensor) Shape() []int64  { return t.shape }
func (t *Tensor) DType() DType    { return t.dtype }
func (t *Tensor) Device() Device  { return t.device }
func (t *Tensor) Buffer() Buffer  { return t.buf }

func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, s := range t.shape {
		n *= s
	}
	return n
}

func (t *Tensor) NumBytes() int64 {
	return t.NumElements() * int64(t.dtype.ByteWidth())
}

// Retain increments the shared refcount; Release decrements it. These
// mirror the ref-counted NDArray container the spec describes — Go's GC
// reclaims the underlying buffer regardless, but the count lets the
// Memory Orchestrator and allocator pools reason about liveness the same
// way the original runtime does (e.g. to decide whether a copy is safe
// to elide).
func (t *Tensor) Retain() int32 { return atomic.AddInt32(t.refs, 1) }
func (t *Tensor) Release() int32 { return atomic.AddInt32(t.refs, -1) }
func (t *Tensor) RefCount() int32 { return atomic.LoadInt32(t.refs) }

// WithBuffer returns a new Tensor with t's shape and dtype, backed by a
// different buffer and device and starting at a refcount of 1.
func (t *Tensor) WithBuffer(device Device, buf Buffer) *Tensor {
	return New(t.shape, t.dtype, device, buf)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, size=%s)",
		t.shape, t.dtype, t.device, humanize.Bytes(uint64(t.NumBytes())))
}
