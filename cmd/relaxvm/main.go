// cmd/relaxvm/main.go
package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"os"

	"relaxvm/internal/rclosure"
	"relaxvm/internal/rinstrument"
	"relaxvm/internal/rkernels"
	"relaxvm/internal/rmemory"
	"relaxvm/internal/rstore"
	"relaxvm/internal/rtensor"
	"relaxvm/internal/rvalue"
	"relaxvm/internal/rvm"
)

const version = "0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		showUsage()
		return
	}

	switch args[0] {
	case "--help", "-h", "help":
		showUsage()
	case "--version", "-v", "version":
		fmt.Println("relaxvm", version)
	case "run":
		if len(args) < 3 {
			log.Fatal("usage: relaxvm run <program.json> <func_name> [arg...]")
		}
		if err := runCommand(args[1], args[2], args[3:]); err != nil {
			log.Fatalf("Error: %v", err)
		}
	case "skeleton":
		if len(args) < 3 {
			log.Fatal("usage: relaxvm skeleton <program.json> <entry_func>")
		}
		if err := skeletonCommand(args[1], args[2]); err != nil {
			log.Fatalf("Error: %v", err)
		}
	case "segment":
		if len(args) < 4 {
			log.Fatal("usage: relaxvm segment <program.json> <entry_func> <segment_map.txt>")
		}
		if err := segmentCommand(args[1], args[2], args[3]); err != nil {
			log.Fatalf("Error: %v", err)
		}
	default:
		showUsage()
	}
}

func showUsage() {
	fmt.Println(`relaxvm - register-machine tensor program interpreter

Usage:
  relaxvm run <program.json> <func_name> [arg...]   invoke one function
  relaxvm skeleton <program.json> <entry_func>       print the segment-map skeleton for entry_func
  relaxvm segment <program.json> <entry_func> <map>  load a segment map and run it to completion
  relaxvm version
  relaxvm help`)
}

// newManager registers the host allocator kind used by every demo
// subcommand, matching the single device/allocator the CLI offers.
func newManager() *rmemory.Manager {
	mgr := rmemory.NewManager()
	mgr.RegisterKind("host", func() rmemory.Allocator { return rkernels.HostAllocator{} })
	return mgr
}

func cpuDeviceSpec() rvm.DeviceSpec {
	return rvm.DeviceSpec{Kind: rtensor.KindCPU, ID: 0, AllocKind: "host"}
}

func init() {
	buildHostTensor = func(shape []int64, dtype rtensor.DType, data []float64) (rvalue.Value, error) {
		alloc := rkernels.HostAllocator{}
		t, err := alloc.Empty(shape, dtype, rtensor.Device{Kind: rtensor.KindCPU, ID: 0})
		if err != nil {
			return rvalue.Value{}, err
		}
		raw := t.Buffer().Bytes()
		for i, v := range data {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(v)))
		}
		return rvalue.Tensor(t), nil
	}
}

func runCommand(programPath, funcName string, rawArgs []string) error {
	exec, err := LoadExecutable(programPath)
	if err != nil {
		return err
	}
	mgr := newManager()
	vm, err := rvm.Init(exec, mgr, []rvm.DeviceSpec{cpuDeviceSpec()}, "", rkernels.NewRegistry(rkernels.HostAllocator{}), nil)
	if err != nil {
		return fmt.Errorf("vm init: %w", err)
	}

	store, err := openStoreIfConfigured()
	if err == nil && store != nil {
		defer store.Close()
		vm.SetStore(store)
	}

	args := make([]rvalue.Value, len(rawArgs))
	for i, raw := range rawArgs {
		args[i] = parseScalarArg(raw)
	}

	ret, err := vm.Dispatch("invoke_closure", append([]rvalue.Value{rvalue.Str(funcName)}, args...))
	if err != nil {
		return err
	}
	fmt.Println(ret.String())
	return nil
}

func skeletonCommand(programPath, entryFunc string) error {
	exec, err := LoadExecutable(programPath)
	if err != nil {
		return err
	}
	mgr := newManager()
	vm, err := rvm.Init(exec, mgr, []rvm.DeviceSpec{cpuDeviceSpec()}, entryFunc, rkernels.NewRegistry(rkernels.HostAllocator{}), nil)
	if err != nil {
		return fmt.Errorf("vm init: %w", err)
	}
	text, err := vm.Segments.GetSkeleton()
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}

func segmentCommand(programPath, entryFunc, mapPath string) error {
	exec, err := LoadExecutable(programPath)
	if err != nil {
		return err
	}
	mgr := newManager()
	vm, err := rvm.Init(exec, mgr, []rvm.DeviceSpec{cpuDeviceSpec()}, entryFunc, rkernels.NewRegistry(rkernels.HostAllocator{}), nil)
	if err != nil {
		return fmt.Errorf("vm init: %w", err)
	}

	mapText, err := os.ReadFile(mapPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", mapPath, err)
	}
	count := vm.Segments.Load(string(mapText))
	if count < 0 {
		return fmt.Errorf("segment map %s was rejected", mapPath)
	}

	store, serr := openStoreIfConfigured()
	if serr == nil && store != nil {
		defer store.Close()
		if _, err := store.RecordSegmentMap(entryFunc, string(mapText), count); err != nil {
			log.Printf("warning: failed to record segment map: %v", err)
		}
	}

	if addr := os.Getenv("RELAXVM_INSTRUMENT_ADDR"); addr != "" {
		sink := rinstrument.NewSink()
		sink.Serve(addr)
		defer sink.Stop()
		vm.SetInstrument(rclosure.Callable(func(packed []rvalue.Value) (rvalue.Value, error) {
			if len(packed) < 4 {
				return rvalue.Null(), nil
			}
			before := packed[2].Bool()
			action := sink.Hook(packed[0].Callable(), packed[1].Str(), before, packed[3], packed[4:])
			return rvalue.Int(int64(action)), nil
		}))
		fmt.Printf("instrumentation sink listening on %s\n", addr)
	}

	outputs, err := vm.Segments.RunAll()
	if err != nil {
		return err
	}
	for i, out := range outputs {
		fmt.Printf("output[%d] = %s\n", i, out.String())
	}
	return nil
}

func openStoreIfConfigured() (*rstore.Store, error) {
	path := os.Getenv("RELAXVM_STORE_PATH")
	if path == "" {
		return nil, nil
	}
	return rstore.Open(path)
}
