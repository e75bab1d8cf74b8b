package rvm

import (
	"path/filepath"
	"testing"

	"relaxvm/internal/rclosure"
	"relaxvm/internal/rerrors"
	"relaxvm/internal/rexec"
	"relaxvm/internal/rinterp"
	"relaxvm/internal/rmemory"
	"relaxvm/internal/rstore"
	"relaxvm/internal/rtensor"
	"relaxvm/internal/rvalue"
)

type fakeBuffer struct {
	data   []byte
	device rtensor.Device
}

func (b *fakeBuffer) Bytes() []byte          { return b.data }
func (b *fakeBuffer) Device() rtensor.Device { return b.device }

type fakeAllocator struct{}

func (fakeAllocator) Empty(shape []int64, dtype rtensor.DType, device rtensor.Device) (*rtensor.Tensor, error) {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	buf := &fakeBuffer{data: make([]byte, n*int64(dtype.ByteWidth())), device: device}
	return rtensor.New(shape, dtype, device, buf), nil
}

func newTestManager() *rmemory.Manager {
	mgr := rmemory.NewManager()
	mgr.RegisterKind("fake", func() rmemory.Allocator { return fakeAllocator{} })
	return mgr
}

func cpu0() DeviceSpec { return DeviceSpec{Kind: rtensor.KindCPU, ID: 0, AllocKind: "fake"} }

func TestInitMigratesConstantsToDeviceZero(t *testing.T) {
	otherDevice := rtensor.Device{Kind: rtensor.KindCUDA, ID: 0}
	rawConst := rtensor.New([]int64{2}, rtensor.Float32, otherDevice, &fakeBuffer{data: make([]byte, 8), device: otherDevice})

	exec := &rexec.Executable{
		Consts: []rvalue.Value{rvalue.Tensor(rawConst)},
		Funcs:  []rexec.FuncInfo{},
	}
	vm, err := Init(exec, newTestManager(), []DeviceSpec{cpu0()}, "", nil, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	migrated := vm.Consts()[0].Tensor()
	if !migrated.Device().Equal(vm.Devices()[0]) {
		t.Fatalf("constant should be migrated to device[0] (%v), got %v", vm.Devices()[0], migrated.Device())
	}
	if migrated == rawConst {
		t.Fatal("migration must produce a fresh tensor, not alias the raw constant")
	}
}

func TestSaveFunctionBindsLastArgsAndMatchesDirectCall(t *testing.T) {
	registry := map[string]rclosure.Callable{
		"add": func(args []rvalue.Value) (rvalue.Value, error) {
			return rvalue.Int(args[0].Int() + args[1].Int()), nil
		},
	}
	exec := &rexec.Executable{
		Funcs: []rexec.FuncInfo{{Name: "add", Kind: rexec.Native, NumArgs: 2, ParamNames: []string{"a", "b"}}},
	}
	vm, err := Init(exec, newTestManager(), []DeviceSpec{cpu0()}, "", registry, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := vm.SaveFunction("add", "add_ten", true, []rvalue.Value{rvalue.Int(10)}); err != nil {
		t.Fatalf("SaveFunction: %v", err)
	}

	direct, err := vm.InvokeClosure("add", []rvalue.Value{rvalue.Int(5), rvalue.Int(10)})
	if err != nil {
		t.Fatalf("direct invoke: %v", err)
	}
	bound, err := vm.InvokeClosure("add_ten", []rvalue.Value{rvalue.Int(5)})
	if err != nil {
		t.Fatalf("bound invoke: %v", err)
	}
	if direct.Int() != bound.Int() {
		t.Fatalf("save_function's bound call (%d) should equal the direct call with the same effective args (%d)", bound.Int(), direct.Int())
	}
}

func TestSaveFunctionRecordsIntoAttachedStore(t *testing.T) {
	registry := map[string]rclosure.Callable{
		"add": func(args []rvalue.Value) (rvalue.Value, error) {
			return rvalue.Int(args[0].Int() + args[1].Int()), nil
		},
	}
	exec := &rexec.Executable{
		Funcs: []rexec.FuncInfo{{Name: "add", Kind: rexec.Native, NumArgs: 2, ParamNames: []string{"a", "b"}}},
	}
	vm, err := Init(exec, newTestManager(), []DeviceSpec{cpu0()}, "", registry, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	store, err := rstore.Open(filepath.Join(t.TempDir(), "relaxvm.db"))
	if err != nil {
		t.Fatalf("rstore.Open: %v", err)
	}
	defer store.Close()
	vm.SetStore(store)

	if err := vm.SaveFunction("add", "add_ten", true, []rvalue.Value{rvalue.Int(10)}); err != nil {
		t.Fatalf("SaveFunction: %v", err)
	}

	recs, err := store.ListSavedFunctions()
	if err != nil {
		t.Fatalf("ListSavedFunctions: %v", err)
	}
	if len(recs) != 1 || recs[0].SaveName != "add_ten" || recs[0].FuncName != "add" {
		t.Fatalf("expected SaveFunction to have recorded into the attached store, got %v", recs)
	}
}

func TestSaveFunctionDiscardsReturnWhenNotIncluded(t *testing.T) {
	registry := map[string]rclosure.Callable{
		"noisy": func(args []rvalue.Value) (rvalue.Value, error) { return rvalue.Int(123), nil },
	}
	exec := &rexec.Executable{
		Funcs: []rexec.FuncInfo{{Name: "noisy", Kind: rexec.Native, NumArgs: 0}},
	}
	vm, err := Init(exec, newTestManager(), []DeviceSpec{cpu0()}, "", registry, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := vm.SaveFunction("noisy", "silent", false, nil); err != nil {
		t.Fatalf("SaveFunction: %v", err)
	}
	ret, err := vm.InvokeClosure("silent", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !ret.IsNull() {
		t.Fatalf("include_return=false should always yield null, got %v", ret)
	}
}

func TestSetInstrumentSkipRunVetoesTheCall(t *testing.T) {
	called := false
	registry := map[string]rclosure.Callable{
		"tracked": func(args []rvalue.Value) (rvalue.Value, error) {
			called = true
			return rvalue.Int(1), nil
		},
	}
	exec := &rexec.Executable{
		Funcs: []rexec.FuncInfo{
			{Name: "tracked", Kind: rexec.Native, NumArgs: 0},
			{Name: "wrapper", Kind: rexec.Bytecode, NumArgs: 0, RegisterFileSize: 1, StartInstr: 0},
		},
		Instrs: []rexec.Instruction{
			rexec.NewCall(0, 0, nil),
			rexec.NewRet(0),
		},
	}
	vm, err := Init(exec, newTestManager(), []DeviceSpec{cpu0()}, "", registry, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	vetoCallable := rclosure.Callable(func(packed []rvalue.Value) (rvalue.Value, error) {
		// packed = [callable, funcName, before, ret, ...args]
		if len(packed) >= 3 && packed[2].Bool() {
			return rvalue.Int(int64(rinterp.ActionSkipRun)), nil
		}
		return rvalue.Int(int64(rinterp.ActionNoOp)), nil
	})
	vm.SetInstrument(vetoCallable)

	ret, err := vm.InvokeClosure("wrapper", nil)
	if err != nil {
		t.Fatalf("InvokeClosure: %v", err)
	}
	if called {
		t.Fatal("the instrumented callee should have been vetoed before running")
	}
	if !ret.IsNull() {
		t.Fatalf("vetoed call's destination register should remain null, got %v", ret)
	}
}

func TestSetInstrumentNilClearsHook(t *testing.T) {
	exec := &rexec.Executable{Funcs: []rexec.FuncInfo{}}
	vm, err := Init(exec, newTestManager(), []DeviceSpec{cpu0()}, "", nil, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	vm.SetInstrument(rclosure.Callable(func(args []rvalue.Value) (rvalue.Value, error) { return rvalue.Null(), nil }))
	vm.SetInstrument(nil)
	// SetInstrument(nil) should not panic and should leave the interpreter
	// with no hook installed; verified indirectly by reaching this point.
}

func TestResolveUnknownFunctionIsLookupError(t *testing.T) {
	exec := &rexec.Executable{Funcs: []rexec.FuncInfo{}}
	vm, err := Init(exec, newTestManager(), []DeviceSpec{cpu0()}, "", nil, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, err = vm.Resolve("nope")
	if err == nil {
		t.Fatal("expected an error resolving an unknown function")
	}
	verr, ok := err.(*rerrors.VMError)
	if !ok || verr.Kind != rerrors.Lookup {
		t.Fatalf("expected a Lookup VMError, got %v", err)
	}
}

func TestInitRequiresAtLeastOneDevice(t *testing.T) {
	exec := &rexec.Executable{Funcs: []rexec.FuncInfo{}}
	if _, err := Init(exec, newTestManager(), nil, "", nil, nil); err == nil {
		t.Fatal("expected Init to reject an empty device list")
	}
}
