package vm

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	if !cond {
		t.Fatalf(fmt.Sprintf("%v %s", cond, format), args...)
	}
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func compileAndRun(t *testing.T, source string) (*VM, string, error) {
	t.Helper()
	parser := NewParser(testLogger())
	prog, err := parser.Parse("test.x", source, defaultStackCapacity, defaultEntryLabel)
	assert(t, err == nil, "failed to compile: %v", err)

	vm := New(prog, testLogger())
	var out bytes.Buffer
	vm.SetStreams(&out, bytes.NewReader(nil))
	vm.ResolveEntry()
	_, err = vm.Run()
	return vm, out.String(), err
}

func TestAddPrint(t *testing.T) {
	src := "__entry:\n\tpush 2\n\tpush 3\n\tadd\n\tprint\n\thalt\n"
	_, out, err := compileAndRun(t, src)
	assert(t, err == nil, "unexpected error: %v", err)
	assert(t, out == "5\n", "got stdout %q", out)
}

func TestMergePrint(t *testing.T) {
	src := "__entry:\n\tpush \"hello\"\n\tpush \"world\"\n\tmerge\n\tprint\n\thalt\n"
	_, out, err := compileAndRun(t, src)
	assert(t, err == nil, "unexpected error: %v", err)
	assert(t, out == "world hello\n", "got stdout %q", out)
}

func TestSubZeroOperandOrder(t *testing.T) {
	// push a; push b; sub == b - a, matching the source's observed
	// (not "fixed") zero-operand argument order.
	src := "__entry:\n\tpush 10\n\tpush 3\n\tsub\n\tprint\n\thalt\n"
	_, out, err := compileAndRun(t, src)
	assert(t, err == nil, "unexpected error: %v", err)
	assert(t, out == "-7\n", "got stdout %q", out)
}

func TestDivByZeroIsSilentNoop(t *testing.T) {
	// push a; push b; div divides by the top-of-stack value (b); b == 0
	// here, so the divide is a silent no-op.
	src := "__entry:\n\tpush 5\n\tpush 0\n\tdiv\n\tovm stack\n\tprint\n\thalt\n"
	_, out, err := compileAndRun(t, src)
	assert(t, err == nil, "unexpected error: %v", err)
	// div by zero leaves both operands on the stack untouched; ovm stack
	// then reports depth 2.
	assert(t, out == "2\n", "got stdout %q", out)
}

func TestHaltExitCode(t *testing.T) {
	src := "__entry:\n\thalt 2\n"
	vm, out, err := compileAndRun(t, src)
	assert(t, err == nil, "unexpected error: %v", err)
	assert(t, out == "", "expected no stdout, got %q", out)
	assert(t, vm.exitCode == 2, "got exit code %d", vm.exitCode)
}

func TestSprintfPrint(t *testing.T) {
	src := "__entry:\n\tpush \"fmt %d\"\n\tpush 7\n\tsprintf\n\tprint\n\thalt\n"
	_, out, err := compileAndRun(t, src)
	assert(t, err == nil, "unexpected error: %v", err)
	assert(t, out == "fmt 7\n", "got stdout %q", out)
}

func TestUnknownVariableIsNameError(t *testing.T) {
	src := "__entry:\n\tgetvar nope\n\tprint\n\thalt\n"
	_, _, err := compileAndRun(t, src)
	assert(t, err != nil, "expected a name error")
}

func TestFactorialLoop(t *testing.T) {
	src := `
__entry:
	push 5
	setvar n
	push 1
	setvar acc
.loop:
	getvar n
	push 0
	eq
	jmpif .done
	getvar acc
	getvar n
	mul
	setvar acc
	push 1
	getvar n
	sub
	setvar n
	jmp .loop
.done:
	getvar acc
	print
	halt
`
	_, out, err := compileAndRun(t, src)
	assert(t, err == nil, "unexpected error: %v", err)
	assert(t, out == "120\n", "got stdout %q", out)
}

func TestDupDropIsIdentity(t *testing.T) {
	prog := NewProgram("t.x")
	prog.Instructions = []Instruction{{Opcode: OpPush, Operands: []string{"42"}}}
	vm := New(prog, testLogger())
	_, err := vm.execute(prog.Instructions[0])
	assert(t, err == nil, "push failed: %v", err)
	before := vm.depth()
	if _, err := vm.execute(Instruction{Opcode: OpDup}); err != nil {
		t.Fatalf("dup failed: %v", err)
	}
	if _, err := vm.execute(Instruction{Opcode: OpDrop}); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	assert(t, vm.depth() == before, "dup+drop changed stack depth: %d -> %d", before, vm.depth())
}

func TestRotlRejectsOutOfRangeCount(t *testing.T) {
	prog := NewProgram("t.x")
	vm := New(prog, testLogger())
	err := vm.rotate("0", true)
	assert(t, err != nil, "expected rotl 0 to be rejected")
}

func TestTogglelocalscopeShadowsGlobal(t *testing.T) {
	vars := NewVarStore()
	vars.SetGlobalVar("x", IntWord(1))
	vars.ToggleLocalScope()
	_, ok := vars.GetVar("x")
	assert(t, !ok, "local scope should not see the global variable")
	vars.SetVar("x", IntWord(2))
	local, ok := vars.GetVar("x")
	assert(t, ok && local.I == 2, "expected local x == 2")
	vars.ToggleLocalScope()
	global, ok := vars.GetGlobalVar("x")
	assert(t, ok && global.I == 1, "global x should be unaffected by the local shadow")
}
