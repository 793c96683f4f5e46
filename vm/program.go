package vm

// CapabilityFlag is one of the three markers §3/§4.6 derive from a scan
// of the instruction stream before serialization.
type CapabilityFlag byte

const (
	FlagStack CapabilityFlag = iota
	FlagMemory
	FlagXcall
)

func (f CapabilityFlag) String() string {
	switch f {
	case FlagStack:
		return "stack"
	case FlagMemory:
		return "memory"
	case FlagXcall:
		return "xcall"
	default:
		return "?flag?"
	}
}

// Instruction is (opcode, ordered operand strings, source line), kept as
// strings at parse time and classified lazily during execution/encoding —
// this mirrors the original runtime representation rather than packing
// operands into a fixed-width struct, since several opcodes reclassify an
// operand's kind depending on register vs literal vs stack-supplied.
type Instruction struct {
	Opcode   Opcode
	Operands []string
	Line     uint32
}

// Label binds a (possibly mangled) name to an instruction index.
type Label struct {
	Name    string
	Address int
}

// Program is the output of the assembler: everything the interpreter and
// the image codec need, per §3.
type Program struct {
	Filename string

	Instructions []Instruction
	Labels       []Label
	labelIndex   map[string]int

	Globals *VarStore

	StackCapacity int
	EntryLabel    string

	Flags map[CapabilityFlag]bool

	Halted   bool
	ExitCode int

	// LastNonLocalLabel starts as "_global" and is cleared by Parse; the
	// parser itself tracks the mangling prefix in a local variable.
	LastNonLocalLabel string
}

const defaultStackCapacity = 16384
const defaultEntryLabel = "__entry"

func NewProgram(filename string) *Program {
	return &Program{
		Filename:          filename,
		labelIndex:        make(map[string]int),
		Globals:           NewVarStore(),
		StackCapacity:     defaultStackCapacity,
		EntryLabel:        defaultEntryLabel,
		Flags:             make(map[CapabilityFlag]bool),
		LastNonLocalLabel: "_global",
	}
}

// AddLabel records a label at the current instruction count, rejecting
// duplicates per §4.3 pass 1.
func (p *Program) AddLabel(name string) error {
	if _, exists := p.labelIndex[name]; exists {
		return newParseError(p.Filename, 0, "", fmtDuplicateLabel(name))
	}
	addr := len(p.Instructions)
	p.labelIndex[name] = addr
	p.Labels = append(p.Labels, Label{Name: name, Address: addr})
	return nil
}

// ResolveLabel looks up a (already-mangled) label name.
func (p *Program) ResolveLabel(name string) (int, bool) {
	addr, ok := p.labelIndex[name]
	return addr, ok
}

// RebuildLabelIndex reconstructs the lookup map after loading labels from
// an image, where Labels is populated directly rather than via AddLabel.
func (p *Program) RebuildLabelIndex() {
	p.labelIndex = make(map[string]int, len(p.Labels))
	for _, l := range p.Labels {
		p.labelIndex[l.Name] = l.Address
	}
}

// DeriveCapabilityFlags scans the instruction stream and records which of
// Stack/Memory/Xcall the program may exercise, per §4.6.
func (p *Program) DeriveCapabilityFlags() {
	p.Flags = make(map[CapabilityFlag]bool)
	for _, ins := range p.Instructions {
		switch ins.Opcode {
		case OpPush, OpPop:
			p.Flags[FlagStack] = true
		case OpAlloc, OpMemRead, OpMemWrite:
			p.Flags[FlagMemory] = true
		case OpXcall:
			p.Flags[FlagXcall] = true
		}
	}
}

func (p *Program) HasFlag(f CapabilityFlag) bool {
	return p.Flags[f]
}
