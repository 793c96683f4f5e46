package vm

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// VM is the interpreter's mutable state: registers, stack, scopes, heap,
// and the program it is executing. One VM instance never shares ownership
// of these resources with another, per §5.
type VM struct {
	Program *Program

	Registers *RegisterFile
	Vars      *VarStore
	Heap      *Heap

	stack []Word
	ip    int

	out *bufio.Writer
	in  *bufio.Reader

	libs map[int64]*nativeLibrary

	log logrus.FieldLogger

	halted   bool
	exitCode int
}

// New builds a VM ready to run prog. stdout/stdin default to the process
// streams, matching the teacher's bufio-wrapped console handling.
func New(prog *Program, log logrus.FieldLogger) *VM {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &VM{
		Program:   prog,
		Registers: NewRegisterFile(),
		Vars:      prog.Globals,
		Heap:      NewHeap(),
		stack:     make([]Word, 0, prog.StackCapacity),
		out:       bufio.NewWriter(os.Stdout),
		in:        bufio.NewReader(os.Stdin),
		libs:      make(map[int64]*nativeLibrary),
		log:       log,
	}
}

// SetStreams overrides stdout/stdin, used by tests that capture output.
func (v *VM) SetStreams(out io.Writer, in io.Reader) {
	v.out = bufio.NewWriter(out)
	v.in = bufio.NewReader(in)
}

func (v *VM) push(w Word) error {
	if len(v.stack) >= v.Program.StackCapacity {
		return errStackOverflow
	}
	v.stack = append(v.stack, w.Clone())
	return nil
}

// pop returns Pointer(null) on an empty stack rather than erroring, per §3:
// "pop on an empty stack yields Pointer(null)... instructions that consume
// it must type-check."
func (v *VM) pop() Word {
	if len(v.stack) == 0 {
		return NullPointerWord()
	}
	top := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return top
}

func (v *VM) peekAt(k int) Word {
	idx := len(v.stack) - 1 - k
	if idx < 0 {
		return NullPointerWord()
	}
	return v.stack[idx]
}

func (v *VM) depth() int { return len(v.stack) }

// ResolveEntry locates the #entry label, defaulting to instruction 0 with
// a warning when absent, per §4.7.
func (v *VM) ResolveEntry() {
	addr, ok := v.Program.ResolveLabel(v.Program.EntryLabel)
	if !ok {
		v.log.Warnf("entry label %q not found, starting at instruction 0", v.Program.EntryLabel)
		v.ip = 0
		return
	}
	v.ip = addr
}

// Run executes instructions until halted or the instruction pointer runs
// off the end of the program, per §4.7's main loop and state transitions.
func (v *VM) Run() (exitCode int, err error) {
	defer v.out.Flush()
	for !v.halted && v.ip < len(v.Program.Instructions) {
		ins := v.Program.Instructions[v.ip]
		next, execErr := v.execute(ins)
		if execErr != nil {
			oerr := newOvmError(v.Program.Filename, ins.Line, ins.Opcode.String(), execErr)
			fmt.Fprintln(os.Stderr, oerr.Error())
			v.out.Flush()
			return 1, oerr
		}
		if v.halted {
			break
		}
		v.ip = next
	}
	if !v.halted {
		v.exitCode = 0
	}
	return v.exitCode, nil
}

func (v *VM) haltWith(code int) {
	v.halted = true
	v.exitCode = code
	v.Program.Halted = true
	v.Program.ExitCode = code
}
