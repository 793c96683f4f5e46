package vm

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// CompileSource preprocesses and parses a .x source file into a Program,
// honoring #stack/#entry directives picked up along the way.
func CompileSource(log logrus.FieldLogger, path string, skipPreprocess bool) (*Program, error) {
	var src string
	var stackSize = defaultStackCapacity
	var entry = defaultEntryLabel

	if skipPreprocess {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		src = string(raw)
	} else {
		pp := NewPreprocessor(log, NewIncluder(log))
		expanded, err := pp.Run(path)
		if err != nil {
			return nil, err
		}
		src = expanded
		stackSize = pp.StackSize
		entry = pp.Entry
	}

	parser := NewParser(log)
	return parser.Parse(filepath.Base(path), src, stackSize, entry)
}

// recoverGuard mirrors the teacher's top-level recover-based guard: a
// genuinely unexpected panic inside the interpreter (index out of range,
// nil dereference from a malformed image) is converted into the same
// [OVM]-prefixed diagnostic rather than crashing the host process.
func recoverGuard(prog *Program, ip *int, exitCode *int) {
	if r := recover(); r != nil {
		line := uint32(0)
		if prog != nil && *ip < len(prog.Instructions) {
			line = prog.Instructions[*ip].Line
		}
		oerr := newOvmError(prog.Filename, line, "", fmt.Errorf("internal error: %v", r))
		fmt.Fprintln(os.Stderr, oerr.Error())
		*exitCode = 1
	}
}

// RunFile runs a compiled Program to completion, disabling the garbage
// collector for the duration the way the teacher's RunProgram does. Garbage
// produced during the run (popped strings, freed alloc blocks) is not
// reclaimed until the previous GC setting is restored.
func RunFile(prog *Program, log logrus.FieldLogger) (exitCode int) {
	gcPercent := currentGCPercent()
	debug.SetGCPercent(-1)
	defer debug.SetGCPercent(gcPercent)

	vm := New(prog, log)
	ip := 0
	defer recoverGuard(prog, &ip, &exitCode)

	vm.ResolveEntry()
	ip = vm.ip
	code, err := vm.Run()
	if err != nil {
		return 1
	}
	return code
}

// RunFileDebug behaves like RunFile but also returns the --debug register
// and stack dump, captured right after the run completes and before the
// VM's resources are released.
func RunFileDebug(prog *Program, log logrus.FieldLogger) (exitCode int, summary string) {
	gcPercent := currentGCPercent()
	debug.SetGCPercent(-1)
	defer debug.SetGCPercent(gcPercent)

	vm := New(prog, log)
	ip := 0
	defer recoverGuard(prog, &ip, &exitCode)

	vm.ResolveEntry()
	ip = vm.ip
	code, err := vm.Run()
	summary = DebugSummary(vm)
	if err != nil {
		return 1, summary
	}
	return code, summary
}

func currentGCPercent() int {
	if v, ok := os.LookupEnv("GOGC"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 100
}

// DebugSummary renders the post-termination register/stack dump the
// launcher's --debug flag requests, per §6.
func DebugSummary(vm *VM) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "exit code: %d\n", vm.exitCode)
	fmt.Fprintf(&sb, "stack depth: %d\n", len(vm.stack))
	for i := len(vm.stack) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "  [%d] %s\n", i, vm.stack[i].String())
	}
	for _, r := range registerIDOrder {
		fmt.Fprintf(&sb, "%s = %s\n", r, vm.Registers.Get(r).String())
	}
	return sb.String()
}
