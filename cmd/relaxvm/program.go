// cmd/relaxvm/program.go — JSON loading of an rexec.Executable for the
// run/segment demo subcommands. Compiling source into this shape is
// explicitly out of scope; this loader stands in for that compiler the
// same way internal/rkernels stands in for a real kernel library.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"relaxvm/internal/rexec"
	"relaxvm/internal/rtensor"
	"relaxvm/internal/rvalue"
)

type jsonFunc struct {
	Name             string   `json:"name"`
	Kind             string   `json:"kind"`
	NumArgs          int      `json:"num_args"`
	RegisterFileSize int      `json:"register_file_size"`
	StartInstr       int      `json:"start_instr"`
	Params           []string `json:"params"`
}

type jsonValue struct {
	Type  string    `json:"type"`
	Int   int64     `json:"int,omitempty"`
	Float float64   `json:"float,omitempty"`
	Bool  bool      `json:"bool,omitempty"`
	Str   string    `json:"str,omitempty"`
	Shape []int64   `json:"shape,omitempty"`
	DType string    `json:"dtype,omitempty"`
	Data  []float64 `json:"data,omitempty"`
}

type jsonArg struct {
	Kind  string `json:"kind"`
	Value int64  `json:"value"`
}

type jsonInstr struct {
	Op     string    `json:"op"`
	Dst    int       `json:"dst"`
	Func   int       `json:"func"`
	Args   []jsonArg `json:"args"`
	Src    int       `json:"src"`
	Cond   int       `json:"cond"`
	Offset int       `json:"offset"`
}

type jsonProgram struct {
	Funcs  []jsonFunc  `json:"funcs"`
	Consts []jsonValue `json:"consts"`
	Instrs []jsonInstr `json:"instrs"`
}

func parseDType(name string) (rtensor.DType, error) {
	switch name {
	case "float32", "":
		return rtensor.Float32, nil
	case "int64":
		return rtensor.Int64, nil
	case "bool8":
		return rtensor.Bool8, nil
	default:
		return rtensor.DType{}, fmt.Errorf("unknown dtype %q", name)
	}
}

// buildHostTensor is set by main.go's init to build a tensor const's
// backing buffer without program.go importing rkernels directly.
var buildHostTensor func(shape []int64, dtype rtensor.DType, data []float64) (rvalue.Value, error)

func decodeValue(jv jsonValue) (rvalue.Value, error) {
	switch jv.Type {
	case "null", "":
		return rvalue.Null(), nil
	case "int":
		return rvalue.Int(jv.Int), nil
	case "float":
		return rvalue.Float(jv.Float), nil
	case "bool":
		return rvalue.Bool(jv.Bool), nil
	case "string":
		return rvalue.Str(jv.Str), nil
	case "tensor":
		dt, err := parseDType(jv.DType)
		if err != nil {
			return rvalue.Value{}, err
		}
		return buildHostTensor(jv.Shape, dt, jv.Data)
	default:
		return rvalue.Value{}, fmt.Errorf("unknown const type %q", jv.Type)
	}
}

func decodeArg(ja jsonArg) (rexec.Arg, error) {
	switch ja.Kind {
	case "register":
		return rexec.Reg(int(ja.Value)), nil
	case "immediate":
		return rexec.Imm(ja.Value), nil
	case "const":
		return rexec.ConstIdx(int(ja.Value)), nil
	case "func":
		return rexec.FuncIdx(int(ja.Value)), nil
	default:
		return rexec.Arg{}, fmt.Errorf("unknown arg kind %q", ja.Kind)
	}
}

func decodeInstr(ji jsonInstr) (rexec.Instruction, error) {
	switch ji.Op {
	case "call":
		args := make([]rexec.Arg, len(ji.Args))
		for i, ja := range ji.Args {
			a, err := decodeArg(ja)
			if err != nil {
				return rexec.Instruction{}, err
			}
			args[i] = a
		}
		return rexec.NewCall(ji.Dst, ji.Func, args), nil
	case "ret":
		return rexec.NewRet(ji.Src), nil
	case "goto":
		return rexec.NewGoto(ji.Offset), nil
	case "if":
		return rexec.NewIf(ji.Cond, ji.Offset), nil
	default:
		return rexec.Instruction{}, fmt.Errorf("unknown op %q", ji.Op)
	}
}

func decodeFuncKind(kind string) (rexec.FuncKind, error) {
	switch kind {
	case "bytecode", "":
		return rexec.Bytecode, nil
	case "tir":
		return rexec.TIR, nil
	case "native":
		return rexec.Native, nil
	default:
		return 0, fmt.Errorf("unknown function kind %q", kind)
	}
}

// LoadExecutable reads a JSON-described program from path and builds the
// rexec.Executable it denotes.
func LoadExecutable(path string) (*rexec.Executable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var prog jsonProgram
	if err := json.Unmarshal(raw, &prog); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	funcs := make([]rexec.FuncInfo, len(prog.Funcs))
	for i, jf := range prog.Funcs {
		kind, err := decodeFuncKind(jf.Kind)
		if err != nil {
			return nil, err
		}
		funcs[i] = rexec.FuncInfo{
			Name:             jf.Name,
			Kind:             kind,
			NumArgs:          jf.NumArgs,
			RegisterFileSize: jf.RegisterFileSize,
			StartInstr:       jf.StartInstr,
			ParamNames:       jf.Params,
		}
	}

	consts := make([]rvalue.Value, len(prog.Consts))
	for i, jv := range prog.Consts {
		v, err := decodeValue(jv)
		if err != nil {
			return nil, fmt.Errorf("const[%d]: %w", i, err)
		}
		consts[i] = v
	}

	instrs := make([]rexec.Instruction, len(prog.Instrs))
	for i, ji := range prog.Instrs {
		instr, err := decodeInstr(ji)
		if err != nil {
			return nil, fmt.Errorf("instr[%d]: %w", i, err)
		}
		instrs[i] = instr
	}

	return &rexec.Executable{
		Funcs:   funcs,
		Consts:  consts,
		Instrs:  instrs,
		Imports: map[string]any{},
	}, nil
}

// parseScalarArg turns one CLI positional argument into a Value: a
// float if it parses as one, else a bare string.
func parseScalarArg(s string) rvalue.Value {
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err == nil {
		return rvalue.Float(f)
	}
	return rvalue.Str(s)
}
