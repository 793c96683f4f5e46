package vm

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// statement is one line's worth of tokens after splitting on TokNewline,
// before label/mnemonic classification.
type statement struct {
	tokens []Token
	line   uint32
}

// Parser implements the two-pass assembler of §4.3/§4.5: pass 1 collects
// (mangled) label addresses, pass 2 emits instructions and validates arity.
type Parser struct {
	log logrus.FieldLogger
}

func NewParser(log logrus.FieldLogger) *Parser {
	return &Parser{log: log}
}

// Parse compiles already-preprocessed source text into a Program. stackSize
// and entry come from the preprocessor's #stack/#entry directives (or
// their defaults).
func (p *Parser) Parse(filename, src string, stackSize int, entry string) (*Program, error) {
	lex := NewLexer(src)
	toks, err := lex.Tokenize()
	if err != nil {
		return nil, newParseError(filename, 0, "", err)
	}
	statements := splitStatements(toks)

	prog := NewProgram(filename)
	prog.StackCapacity = stackSize
	prog.EntryLabel = entry

	// Pass 1: collect labels, mangling locals by the enclosing non-local label.
	// Every statement emits exactly one instruction in pass 2, so pass 1
	// reserves one slot per statement; AddLabel then sees each label's final
	// instruction index. The slots are dropped before pass 2.
	nonLocal := "_global"
	for _, st := range statements {
		if len(st.tokens) == 0 {
			continue
		}
		switch st.tokens[0].Kind {
		case TokLabel:
			nonLocal = st.tokens[0].Text
			if err := prog.AddLabel(nonLocal); err != nil {
				return nil, err
			}
		case TokLocalLabel:
			mangled := nonLocal + "." + st.tokens[0].Text
			if err := prog.AddLabel(mangled); err != nil {
				return nil, err
			}
		}
		prog.Instructions = append(prog.Instructions, Instruction{})
	}
	prog.Instructions = nil
	prog.LastNonLocalLabel = ""

	// Pass 2: emit instructions. Label declarations emit a NOP so their
	// address is a concrete program counter value, per §4.3.
	nonLocal = "_global"
	for _, st := range statements {
		if len(st.tokens) == 0 {
			continue
		}
		head := st.tokens[0]
		if head.Kind == TokLabel {
			nonLocal = head.Text
			prog.Instructions = append(prog.Instructions, Instruction{Opcode: OpNop, Line: head.Line})
			continue
		}
		if head.Kind == TokLocalLabel {
			prog.Instructions = append(prog.Instructions, Instruction{Opcode: OpNop, Line: head.Line})
			continue
		}
		ins, err := p.parseInstruction(prog.Filename, st, nonLocal)
		if err != nil {
			return nil, err
		}
		prog.Instructions = append(prog.Instructions, ins)
	}

	prog.DeriveCapabilityFlags()
	p.log.WithFields(logrus.Fields{
		"file":         filename,
		"instructions": len(prog.Instructions),
		"labels":       len(prog.Labels),
	}).Debug("parse complete")
	return prog, nil
}

func (p *Parser) parseInstruction(filename string, st statement, nonLocal string) (Instruction, error) {
	head := st.tokens[0]
	if head.Kind != TokIdent {
		return Instruction{}, newParseError(filename, st.line, "", fmt.Errorf("expected mnemonic, got %s %q", head.Kind, head.Text))
	}
	op, ok := LookupOpcode(head.Text)
	if !ok {
		return Instruction{}, newParseError(filename, st.line, head.Text, fmt.Errorf("unknown mnemonic %q", head.Text))
	}

	var operands []string
	for _, t := range st.tokens[1:] {
		switch t.Kind {
		case TokComma:
			continue
		case TokString:
			operands = append(operands, `"`+t.Text+`"`)
		case TokLocalLabel:
			operands = append(operands, nonLocal+"."+t.Text)
		case TokIdent:
			// A local-label reference such as `.loop` lexes as an identifier
			// with its leading '.' kept.
			if strings.HasPrefix(t.Text, ".") {
				operands = append(operands, nonLocal+t.Text)
			} else {
				operands = append(operands, t.Text)
			}
		default:
			operands = append(operands, t.Text)
		}
	}

	if err := CheckArity(op, len(operands)); err != nil {
		return Instruction{}, newParseError(filename, st.line, op.String(), err)
	}

	return Instruction{Opcode: op, Operands: operands, Line: st.line}, nil
}

func splitStatements(toks []Token) []statement {
	var out []statement
	var cur []Token
	var line uint32
	flush := func() {
		if len(cur) > 0 {
			out = append(out, statement{tokens: cur, line: line})
			cur = nil
		}
	}
	for _, t := range toks {
		if t.Kind == TokNewline || t.Kind == TokEOF {
			flush()
			continue
		}
		if t.Kind == TokDirective {
			// Directives are fully handled by the preprocessor; anything
			// still tagged TokDirective here was not recognized and is
			// simply dropped rather than failing the whole parse.
			continue
		}
		if len(cur) == 0 {
			line = t.Line
		}
		cur = append(cur, t)
	}
	flush()
	return out
}

// OperandKind classifies a raw operand string the way the interpreter
// needs to at execution time, per §3's Instruction definition.
type OperandKind int

const (
	OperandInt OperandKind = iota
	OperandFloat
	OperandString
	OperandRegister
	OperandTypeKeyword
	OperandIdent
)

func ClassifyOperand(s string) OperandKind {
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2 {
		return OperandString
	}
	if _, ok := LookupRegister(s); ok {
		return OperandRegister
	}
	switch s {
	case "int", "float", "char", "charp", "bool", "pointer":
		return OperandTypeKeyword
	}
	if len(s) == 0 {
		return OperandIdent
	}
	if s[0] == '-' || isDigit(s[0]) {
		if strings.Contains(s, ".") {
			return OperandFloat
		}
		return OperandInt
	}
	return OperandIdent
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}
