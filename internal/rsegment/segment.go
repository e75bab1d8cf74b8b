// Package rsegment implements the segment runner (§4.7): skeleton
// tracing, segment-map parsing, and stepped execution of one contiguous
// PC slice at a time against a single persistent frame, so an external
// scheduler can drive inference one segment per call.
package rsegment

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"relaxvm/internal/rerrors"
	"relaxvm/internal/rexec"
	"relaxvm/internal/rframe"
	"relaxvm/internal/rinterp"
	"relaxvm/internal/rvalue"
)

var pcPattern = regexp.MustCompile(`pc\s*=\s*(\d+)`)

// Runner owns the persistent frame and segment map for one entry
// function (conventionally "main").
type Runner struct {
	exec      *rexec.Executable
	entryName string
	funcPool  []any
	ctx       rvalue.Value
	instrument rinterp.InstrumentFunc

	segments [][]int
	frame    *rframe.Frame
	pc       int

	// prevSegmentID is scoped to this Runner instance, never a
	// package-level variable (REDESIGN: spec.md §9 Open Question a).
	prevSegmentID int
}

// New constructs a runner for entryName. It does not build a segment
// map yet; call GetSkeleton then Load first.
func New(exec *rexec.Executable, entryName string, funcPool []any, ctx rvalue.Value) *Runner {
	return &Runner{
		exec:          exec,
		entryName:     entryName,
		funcPool:      funcPool,
		ctx:           ctx,
		prevSegmentID: -1,
	}
}

// SetInstrument installs the same instrumentation hook the interpreter
// uses, so segment-stepped calls are still observable.
func (r *Runner) SetInstrument(fn rinterp.InstrumentFunc) { r.instrument = fn }

// GetSkeleton dry-runs the entry function, tracing every Call reached
// (following Goto/If exactly as the interpreter would) with no side
// effects: no closure is ever invoked. Because branch conditions read
// from an all-null scratch frame, a data-dependent If always takes its
// false branch during tracing — the skeleton reflects one static path
// through the program, which is the substrate a human then annotates.
func (r *Runner) GetSkeleton() (string, error) {
	idx := r.exec.FuncByName(r.entryName)
	if idx < 0 {
		return "", rerrors.New(rerrors.Lookup, "unknown entry function %q", r.entryName)
	}
	info := r.exec.Funcs[idx]

	// Scoped acquisition: the dry-run frame is always returned to the
	// free-list on the way out, including on an early error return
	// (REDESIGN: spec.md §9 Open Question b, the Go analogue of the
	// original's missing FrameGuard here).
	fl := &rframe.FreeList{}
	frame := fl.Acquire(-1, info.RegisterFileSize)
	defer fl.Release(frame)

	var sb strings.Builder
	pc := info.StartInstr
	for {
		instr, ok := r.exec.InstrAt(pc)
		if !ok {
			return "", rerrors.New(rerrors.Bounds, "pc %d outside instruction stream", pc)
		}
		switch instr.Op {
		case rexec.OpCall:
			callee := r.exec.Funcs[instr.Func]
			fmt.Fprintf(&sb, "pc = %d, execute: %s\n", pc, callee.Name)
			pc++
		case rexec.OpRet:
			return sb.String(), nil
		case rexec.OpGoto:
			pc += instr.Offset
		case rexec.OpIf:
			cond, ok := frame.Read(instr.Cond)
			if !ok {
				return "", rerrors.New(rerrors.Bounds, "register %d out of range on If", instr.Cond)
			}
			if cond.Int() != 0 {
				pc++
			} else {
				pc += instr.Offset
			}
		default:
			return "", rerrors.New(rerrors.Bounds, "unknown opcode at pc %d", pc)
		}
	}
}

// Load parses an annotated skeleton (§6's segment-map text format) and,
// on success, allocates the persistent frame and resets execution state.
// It returns the segment count, or -1 on any parse error — segment-map
// parsing is the one recoverable error class in §7.
func (r *Runner) Load(text string) int {
	lines := trimmedNonEmptyLines(text)
	if len(lines) == 0 {
		return -1
	}
	if lines[0] != "@seg" || lines[len(lines)-1] != "@seg" {
		return -1
	}

	var segments [][]int
	var current []int
	started := false
	for _, line := range lines {
		if line == "@seg" {
			if started {
				segments = append(segments, current)
			}
			current = []int{}
			started = true
			continue
		}
		matches := pcPattern.FindAllStringSubmatch(line, -1)
		if len(matches) != 1 {
			return -1
		}
		n, err := strconv.Atoi(matches[0][1])
		if err != nil {
			return -1
		}
		current = append(current, n)
	}
	if len(segments) == 0 {
		return -1
	}

	idx := r.exec.FuncByName(r.entryName)
	if idx < 0 {
		return -1
	}
	info := r.exec.Funcs[idx]

	r.segments = segments
	r.frame = rframe.New(info.RegisterFileSize)
	// The persistent frame's caller-return-register is explicitly left
	// at the void sentinel; nested Ret mid-segment is disallowed outright
	// rather than defined ambiguously (REDESIGN: spec.md §9 Open
	// Question c).
	r.frame.CallerReturnRegister = rframe.VoidRegister
	r.frame.FuncName = info.Name
	r.pc = info.StartInstr
	r.prevSegmentID = -1
	return len(segments)
}

func trimmedNonEmptyLines(text string) []string {
	raw := strings.Split(text, "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// SetInput writes inputTensor to persistent-frame register 0 and each
// param to registers 1..k in order.
func (r *Runner) SetInput(inputTensor rvalue.Value, params ...rvalue.Value) error {
	if r.frame == nil {
		return rerrors.New(rerrors.SegmentRuntime, "set_input called before load")
	}
	if !r.frame.Write(0, inputTensor) {
		return rerrors.New(rerrors.Bounds, "persistent frame has no register 0")
	}
	for i, p := range params {
		if !r.frame.Write(1+i, p) {
			return rerrors.New(rerrors.Bounds, "persistent frame has no register %d", 1+i)
		}
	}
	return nil
}

// Execute runs segment segmentID: for each PC the segment names, the
// persistent-frame VM PC is force-assigned to that value and the
// instruction found there is dispatched exactly once, in list order —
// it does not walk or replay Goto/If between listed PCs, mirroring
// SegmentRunnerRun's `pc_ = *it` loop. A skipped-ahead segmentID only
// logs a warning; it never blocks execution. Reaching Ret at a listed
// PC is a fatal SegmentRuntime error, since a segment map should only
// ever name Call sites.
func (r *Runner) Execute(segmentID int) error {
	if r.segments == nil {
		return rerrors.New(rerrors.SegmentRuntime, "execute called before load")
	}
	if segmentID < 0 || segmentID >= len(r.segments) {
		return rerrors.New(rerrors.SegmentRuntime, "segment id %d out of range (have %d segments)", segmentID, len(r.segments))
	}
	if segmentID > r.prevSegmentID+1 {
		log.Printf("SegmentSkipWarning: jumped from segment %d to %d", r.prevSegmentID, segmentID)
	}

	for _, pc := range r.segments[segmentID] {
		r.pc = pc
		instr, ok := r.exec.InstrAt(r.pc)
		if !ok {
			return rerrors.New(rerrors.Bounds, "pc %d outside instruction stream", r.pc)
		}
		switch instr.Op {
		case rexec.OpCall:
			if err := rinterp.DispatchCall(r.frame, instr, r.exec, r.funcPool, r.ctx, r.instrument); err != nil {
				return err
			}
			r.pc++
		case rexec.OpRet:
			return rerrors.New(rerrors.SegmentRuntime, "reached a return before segment execution was completed")
		case rexec.OpGoto:
			r.pc += instr.Offset
		case rexec.OpIf:
			cond, ok := r.frame.Read(instr.Cond)
			if !ok {
				return rerrors.New(rerrors.Bounds, "register %d out of range on If", instr.Cond)
			}
			if cond.Int() != 0 {
				r.pc++
			} else {
				r.pc += instr.Offset
			}
		}
	}

	r.prevSegmentID = segmentID
	return nil
}

// GetOutput requires the persistent-frame PC to currently point at a
// Ret; it reads that instruction's result register and unwraps a
// one-level-nested list result into a flat vector.
func (r *Runner) GetOutput() ([]rvalue.Value, error) {
	if r.frame == nil {
		return nil, rerrors.New(rerrors.SegmentRuntime, "get_output called before load")
	}
	instr, ok := r.exec.InstrAt(r.pc)
	if !ok || instr.Op != rexec.OpRet {
		return nil, rerrors.New(rerrors.SegmentRuntime, "get_output called before reaching a return")
	}
	val, ok := r.frame.Read(instr.Src)
	if !ok {
		return nil, rerrors.New(rerrors.Bounds, "register %d out of range on Ret", instr.Src)
	}
	return unwrapOneLevel(val), nil
}

func unwrapOneLevel(v rvalue.Value) []rvalue.Value {
	if v.Code() != rvalue.CodeList {
		return []rvalue.Value{v}
	}
	out := make([]rvalue.Value, 0, len(v.List()))
	for _, item := range v.List() {
		if item.Code() == rvalue.CodeList {
			out = append(out, item.List()...)
		} else {
			out = append(out, item)
		}
	}
	return out
}

// RunAll drives every loaded segment in order, a convenience for
// round-tripping against invoke_stateful in tests (supplemented from
// segment_runner.py's own `infer()` helper).
func (r *Runner) RunAll() ([]rvalue.Value, error) {
	for i := range r.segments {
		if err := r.Execute(i); err != nil {
			return nil, err
		}
	}
	return r.GetOutput()
}

// SegmentCount reports how many segments are currently loaded.
func (r *Runner) SegmentCount() int { return len(r.segments) }
